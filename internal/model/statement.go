package model

import (
	"fmt"
	"strings"
)

// Statement is an assertion `name(e1,…,en)`, 1-4 entities, valid only once
// some persisted template matches it.
type Statement struct {
	Name     string
	Entities []Entity
}

func NewStatement(name string, entities ...Entity) Statement {
	return Statement{Name: name, Entities: entities}
}

func (s Statement) MatchesTemplate(t TemplateEntity) bool {
	return t.Matches(&s)
}

// String renders the canonical form name(e1,…,en), each entity
// percent-encoded so a comma or paren inside an entity's own textual form
// (e.g. a Template entity's slot list) cannot be confused with the
// statement's own entity separators.
func (s Statement) String() string {
	var b strings.Builder
	b.WriteString(s.Name)
	b.WriteByte('(')
	for i, e := range s.Entities {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(PercentEncode(e.String()))
	}
	b.WriteByte(')')
	return b.String()
}

// SignableBytes are the bytes an opinion's signature is computed over,
// alongside the opinion's own canonical bytes.
func (s Statement) SignableBytes() []byte { return []byte(s.String()) }

// ParseStatement parses either of the two accepted surface syntaxes: the
// canonical comma-parenthesized `name(e1,…,en)` form (each ei
// percent-decoded before being handed to ParseEntity), or the
// space-separated `name e1 e2 … en` form used for terse local input.
func ParseStatement(s string) (Statement, error) {
	if !strings.ContainsRune(s, '(') {
		return parseSpaceSeparatedStatement(s)
	}
	open := strings.IndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return Statement{}, fmt.Errorf("invalid statement: %q", s)
	}
	name := s[:open]
	if !isTemplateName(name) {
		return Statement{}, fmt.Errorf("invalid statement name: %q", name)
	}
	body := s[open+1 : len(s)-1]
	if body == "" {
		return Statement{}, fmt.Errorf("statement has no entities: %q", s)
	}
	parts := strings.Split(body, ",")
	if len(parts) > 4 {
		return Statement{}, fmt.Errorf("statement has too many entities: %q", s)
	}
	entities := make([]Entity, 0, len(parts))
	for _, p := range parts {
		e, err := ParseEntity(PercentDecode(p))
		if err != nil {
			return Statement{}, err
		}
		entities = append(entities, e)
	}
	return Statement{Name: name, Entities: entities}, nil
}

// parseSpaceSeparatedStatement parses `name e1 e2 … en`, the terse
// alternative surface syntax for local/stdin input: no parentheses, no
// percent-encoding, tokens split on whitespace.
func parseSpaceSeparatedStatement(s string) (Statement, error) {
	fields := strings.Fields(s)
	if len(fields) < 2 {
		return Statement{}, fmt.Errorf("invalid statement: %q", s)
	}
	name := fields[0]
	if !isTemplateName(name) {
		return Statement{}, fmt.Errorf("invalid statement name: %q", name)
	}
	if len(fields)-1 > 4 {
		return Statement{}, fmt.Errorf("statement has too many entities: %q", s)
	}
	entities := make([]Entity, 0, len(fields)-1)
	for _, tok := range fields[1:] {
		e, err := ParseEntity(tok)
		if err != nil {
			return Statement{}, err
		}
		entities = append(entities, e)
	}
	return Statement{Name: name, Entities: entities}, nil
}
