// Package errs defines the closed set of error kinds surfaced by the
// model, storage and protocol layers, per the error handling design: a
// small enumeration of behaviors rather than a type hierarchy.
package errs

import "fmt"

// Kind is one of a fixed set of error behaviors. Callers branch on Kind,
// never on the wrapped error's concrete type.
type Kind int

const (
	// Parse is a malformed textual entity, statement or opinion. Never fatal.
	Parse Kind = iota
	// TemplateMismatch is a statement with no matching persisted template.
	TemplateMismatch
	// Verification is a signature that failed to verify.
	Verification
	// Conflict is a recovered unique-constraint race on insert.
	Conflict
	// Transport is a publish/request/decode failure in the gossip layer.
	Transport
	// DNS is a failed or timed-out resolver lookup in milter policy.
	DNS
	// Framing is a malformed milter wire frame; the connection is dropped.
	Framing
	// Fatal is a database init/migration failure or lost message queue.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Parse:
		return "parse"
	case TemplateMismatch:
		return "template-mismatch"
	case Verification:
		return "verification"
	case Conflict:
		return "conflict"
	case Transport:
		return "transport"
	case DNS:
		return "dns"
	case Framing:
		return "framing"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so callers can branch on
// behavior (surface to user, swallow into logs, retry) without a type
// switch over concrete error types.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for op of the given kind wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if as, ok := err.(*Error); ok {
			e = as
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}
