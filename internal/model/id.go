package model

import "strconv"

// Id is a typed primary key: Id[Statement] and Id[Opinion] are distinct
// types even though both wrap the same underlying int64, so a signer_id
// (which is always an Id[Statement] by construction) can never be passed
// where an Id[Opinion] is expected.
type Id[T any] struct {
	v int64
}

// NewID wraps a raw database id as a typed Id[T].
func NewID[T any](v int64) Id[T] { return Id[T]{v: v} }

// Int64 returns the underlying primitive id, e.g. for use as a bind parameter.
func (id Id[T]) Int64() int64 { return id.v }

func (id Id[T]) String() string { return strconv.FormatInt(id.v, 10) }

// Persistent pairs a stored value with its id.
type Persistent[T any] struct {
	ID   Id[T]
	Data T
}

// PersistResult is the uniform return shape of a persist operation:
// the persisted value's id plus whether this call actually inserted it.
type PersistResult[T any] struct {
	Persistent[T]
	Inserted bool
}
