package model

import (
	"encoding/base64"
	"fmt"
	"net/netip"
	"strings"
)

// ParseEntity is a strict, all-consuming, disambiguated-PEG parse of a
// single entity's textual form. The order of alternatives is load
// bearing: e-mail, then hashed-value, then template, then ASN, then
// signer, then domain, then URL, then IPv4, then IPv6. A bare
// `AS`-prefixed domain like `AStore.com` is resolved by this order
// rather than by a conflict-free grammar; implementations must preserve
// it to keep parsing compatible across nodes.
func ParseEntity(s string) (Entity, error) {
	if e, ok := tryEMail(s); ok {
		return e, nil
	}
	if e, ok := tryHashValue(s); ok {
		return e, nil
	}
	if e, ok := tryTemplate(s); ok {
		return e, nil
	}
	if e, ok := tryAS(s); ok {
		return e, nil
	}
	if e, ok := trySigner(s); ok {
		return e, nil
	}
	if e, ok := tryDomain(s); ok {
		return e, nil
	}
	if e, ok := tryUrl(s); ok {
		return e, nil
	}
	if e, ok := tryIPv4(s); ok {
		return e, nil
	}
	if e, ok := tryIPv6(s); ok {
		return e, nil
	}
	return nil, fmt.Errorf("invalid entity: %q", s)
}

func tryEMail(s string) (Entity, bool) {
	i := strings.IndexByte(s, '@')
	if i <= 0 || i == len(s)-1 {
		return nil, false
	}
	local, domain := s[:i], s[i+1:]
	if !isNameToken(local) || !isDomainToken(domain) {
		return nil, false
	}
	return EMail(s), true
}

func tryHashValue(s string) (Entity, bool) {
	if !strings.HasPrefix(s, "#") {
		return nil, false
	}
	b64 := s[1:]
	if _, err := base64.StdEncoding.DecodeString(b64); err != nil {
		return nil, false
	}
	return HashValue(b64), true
}

func tryTemplate(s string) (Entity, bool) {
	if !strings.Contains(s, "(") || !strings.HasSuffix(s, ")") {
		return nil, false
	}
	t, err := ParseTemplate(s)
	if err != nil {
		return nil, false
	}
	return t, true
}

func tryAS(s string) (Entity, bool) {
	if !strings.HasPrefix(s, "AS") || len(s) <= 2 {
		return nil, false
	}
	digits := s[2:]
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return nil, false
		}
	}
	as, err := asUint32(digits)
	if err != nil {
		return nil, false
	}
	return as, true
}

func trySigner(s string) (Entity, bool) {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return nil, false
	}
	switch s[:i] {
	case "secp256k1", "ed25519", "rsa":
	default:
		return nil, false
	}
	pk, err := ParsePublicKey(s)
	if err != nil {
		return nil, false
	}
	return Signer{Key: pk}, true
}

func tryDomain(s string) (Entity, bool) {
	if !isDomainToken(s) {
		return nil, false
	}
	return NewDomain(s), true
}

func tryUrl(s string) (Entity, bool) {
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return Url(s), true
	}
	return nil, false
}

func tryIPv4(s string) (Entity, bool) {
	if !strings.Contains(s, ".") || strings.Contains(s, ":") {
		return nil, false
	}
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil || !p.Addr().Is4() {
			return nil, false
		}
		return IPv4{Prefix: p}, true
	}
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return nil, false
	}
	return NewIPv4Host(addr), true
}

func tryIPv6(s string) (Entity, bool) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil || !p.Addr().Is6() || p.Addr().Is4In6() {
			return nil, false
		}
		return IPv6{Prefix: p}, true
	}
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is6() || addr.Is4In6() {
		return nil, false
	}
	return NewIPv6Host(addr), true
}

// isNameToken matches the `name` production: a letter followed by any mix
// of letters, digits, '_', '.', '-' and '+', used for an e-mail's local part.
func isNameToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		isAlpha := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
		isDigit := c >= '0' && c <= '9'
		switch {
		case i == 0 && !isAlpha:
			return false
		case i > 0 && !isAlpha && !isDigit && c != '_' && c != '.' && c != '-' && c != '+':
			return false
		}
	}
	return true
}

// isDomainToken matches a dot-separated sequence of alpha-numeric-hyphen
// labels, each starting with a letter.
func isDomainToken(s string) bool {
	s = strings.TrimSuffix(s, ".")
	if s == "" {
		return false
	}
	labels := strings.Split(s, ".")
	for _, label := range labels {
		if label == "" {
			return false
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			isAlpha := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
			isDigit := c >= '0' && c <= '9'
			if i == 0 && !isAlpha {
				return false
			}
			if !isAlpha && !isDigit && c != '-' {
				return false
			}
		}
	}
	return true
}
