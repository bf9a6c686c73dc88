package model

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math"
	"net/netip"
	"strconv"
	"strings"
)

// Entity is the atom every statement's positional slots hold. All nine
// variants compare and hash by their textual form, per the entity
// invariants: equal String() implies equal entity.
type Entity interface {
	Type() EntityType
	String() string
	// LookupKeys returns an ordered list of textual keys, most specific
	// first, the policy engine and find_statements_about use to query
	// the store.
	LookupKeys() []string
}

// Domain is a DNS name, normalized lowercase with the trailing dot
// stripped.
type Domain string

func NewDomain(s string) Domain {
	s = strings.ToLower(strings.TrimSuffix(s, "."))
	return Domain(s)
}

func (d Domain) Type() EntityType { return TypeDomain }
func (d Domain) String() string   { return string(d) }

// LookupKeys expands a.b.c into [a.b.c, b.c, c.], the final label carrying
// the trailing dot to mark it as the root of the expansion.
func (d Domain) LookupKeys() []string { return domainLookupKeys(string(d)) }

func domainLookupKeys(s string) []string {
	labels := strings.Split(s, ".")
	keys := make([]string, 0, len(labels))
	for i := range labels {
		suffix := strings.Join(labels[i:], ".")
		if i == len(labels)-1 {
			suffix += "."
		}
		keys = append(keys, suffix)
	}
	return keys
}

// EMail is a mailbox address, case preserved as given.
type EMail string

func (e EMail) Type() EntityType { return TypeEMail }
func (e EMail) String() string   { return string(e) }

func (e EMail) Hashed() HashValue {
	sum := sha256.Sum256([]byte(e))
	return HashValue(base64.StdEncoding.EncodeToString(sum[:]))
}

func (e EMail) domainPart() string {
	i := strings.LastIndexByte(string(e), '@')
	if i < 0 {
		return ""
	}
	return string(e)[i+1:]
}

func (e EMail) LookupKeys() []string {
	keys := []string{string(e), e.Hashed().String()}
	if d := e.domainPart(); d != "" {
		keys = append(keys, domainLookupKeys(d)...)
	}
	return keys
}

// HashValue cloaks personal data, notably a hashed e-mail, as base64(SHA-256(...)).
type HashValue string

func (h HashValue) Type() EntityType     { return TypeHashValue }
func (h HashValue) String() string       { return "#" + string(h) }
func (h HashValue) LookupKeys() []string { return []string{h.String()} }

// AS is an autonomous system number.
type AS uint32

func (a AS) Type() EntityType     { return TypeAS }
func (a AS) String() string       { return fmt.Sprintf("AS%d", uint32(a)) }
func (a AS) LookupKeys() []string { return []string{a.String()} }

// IPv4 is a CIDR range or bare host (encoded as a /32).
type IPv4 struct{ Prefix netip.Prefix }

func NewIPv4Host(addr netip.Addr) IPv4 {
	return IPv4{Prefix: netip.PrefixFrom(addr, 32)}
}

func (p IPv4) Type() EntityType { return TypeIPv4 }

func (p IPv4) String() string {
	if p.Prefix.Bits() == 32 {
		return p.Prefix.Addr().String()
	}
	return p.Prefix.String()
}

func (p IPv4) LookupKeys() []string { return []string{p.String()} }

// Bounds returns the inclusive [min,max] network-order 32-bit range of the
// prefix, fixed-width hex encoded so lexicographic string comparison
// matches numeric containment.
func (p IPv4) Bounds() (min, max string) {
	return cidrBounds(p.Prefix, 4)
}

// IPv6 is a CIDR range or bare host (encoded as a /128).
type IPv6 struct{ Prefix netip.Prefix }

func NewIPv6Host(addr netip.Addr) IPv6 {
	return IPv6{Prefix: netip.PrefixFrom(addr, 128)}
}

func (p IPv6) Type() EntityType { return TypeIPv6 }

func (p IPv6) String() string {
	if p.Prefix.Bits() == 128 {
		return p.Prefix.Addr().String()
	}
	return p.Prefix.String()
}

func (p IPv6) LookupKeys() []string { return []string{p.String()} }

func (p IPv6) Bounds() (min, max string) {
	return cidrBounds(p.Prefix, 16)
}

// cidrBounds computes the fixed-width hex [min,max] of a prefix whose
// address is byteLen bytes wide (4 for IPv4, 16 for IPv6).
func cidrBounds(prefix netip.Prefix, byteLen int) (min, max string) {
	addr := prefix.Addr()
	var raw []byte
	if addr.Is4In6() {
		a4 := addr.As4()
		raw = a4[:]
	} else if byteLen == 4 {
		a4 := addr.As4()
		raw = a4[:]
	} else {
		a16 := addr.As16()
		raw = a16[:]
	}
	bits := prefix.Bits()
	minB := make([]byte, byteLen)
	maxB := make([]byte, byteLen)
	copy(minB, raw)
	copy(maxB, raw)
	for i := 0; i < byteLen*8; i++ {
		byteIdx, bitIdx := i/8, 7-(i%8)
		mask := byte(1) << uint(bitIdx)
		if i >= bits {
			minB[byteIdx] &^= mask
			maxB[byteIdx] |= mask
		}
	}
	return hex.EncodeToString(minB), hex.EncodeToString(maxB)
}

// Signer is a public key named as an entity, e.g. `secp256k1:<b64>`.
type Signer struct{ Key PublicKey }

func (s Signer) Type() EntityType     { return TypeSigner }
func (s Signer) String() string       { return s.Key.String() }
func (s Signer) LookupKeys() []string { return []string{s.String()} }

// Url is a URL entity, recognized by an http(s):// prefix.
type Url string

func (u Url) Type() EntityType     { return TypeUrl }
func (u Url) String() string       { return string(u) }
func (u Url) LookupKeys() []string { return []string{string(u)} }

// TemplateEntity is a template's schema, nameable as a statement entity
// via the bootstrap `template(Template)` relation.
type TemplateEntity struct {
	Name  string
	Slots [][]EntityType
}

func (t TemplateEntity) Type() EntityType { return TypeTemplate }

func (t TemplateEntity) String() string {
	var b strings.Builder
	b.WriteString(t.Name)
	b.WriteByte('(')
	for i, slot := range t.Slots {
		if i > 0 {
			b.WriteByte(',')
		}
		for j, et := range slot {
			if j > 0 {
				b.WriteByte('|')
			}
			b.WriteString(et.String())
		}
	}
	b.WriteByte(')')
	return b.String()
}

func (t TemplateEntity) LookupKeys() []string { return []string{t.String()} }

func (t TemplateEntity) Matches(stmt *Statement) bool {
	if stmt.Name != t.Name || len(stmt.Entities) != len(t.Slots) {
		return false
	}
	for i, e := range stmt.Entities {
		ok := false
		for _, allowed := range t.Slots[i] {
			if e.Type() == allowed {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// asUint32 parses the digits following the "AS" prefix, rejecting values
// that overflow a u32.
func asUint32(digits string) (AS, error) {
	n, err := strconv.ParseUint(digits, 10, 32)
	if err != nil {
		return 0, err
	}
	if n > math.MaxUint32 {
		return 0, fmt.Errorf("AS number overflow: %s", digits)
	}
	return AS(n), nil
}
