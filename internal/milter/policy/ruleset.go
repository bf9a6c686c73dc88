package policy

import (
	"context"

	"github.com/reputation-net/node/internal/model"
)

// ListSpec is a leaf or combinator in a rule's match expression. Exactly
// one field is set:
//   - Single: the leaf's token must equal this string exactly.
//   - Multi: the leaf matches if any sub-spec matches (logical OR).
//   - Named: dereferences RuleSet.NamedLists[Named], OR-ed the same way.
//   - Reputation: the leaf is parsed as an Entity and storage is asked for
//     statements about it; matches if any returned statement is named
//     Reputation.
type ListSpec struct {
	Single     string
	Multi      []ListSpec
	Named      string
	Reputation string
}

// Rule matches one field-path against a list specification. Stage
// selects which SMTP-transaction call the rule applies to ("connect",
// "helo", "mail", "header"); FieldPath is the dotted selector chain (as
// consumed by LookupPath) applied to that stage's raw token; Name labels
// the rule for non-Reputation matches, becoming the statement name
// recorded against it (and hence its severity).
type Rule struct {
	Stage     string
	FieldPath string
	Name      string
	List      ListSpec
}

// RuleSet is the full configured set of lookup rules plus any named
// lists they reference.
type RuleSet struct {
	Rules      []Rule
	NamedLists map[string][]ListSpec
}

// DefaultRuleSet reproduces the node's out-of-the-box behavior: every
// stage looks its raw token up directly against the reputation store for
// the spammer/exploited/spammer_friendly/known tags, with the dynamic
// tag additionally consulted at the connect stage only (a dynamic-IP
// listing describes the connecting peer, nothing later in the
// transaction).
func DefaultRuleSet() RuleSet {
	base := ListSpec{Multi: []ListSpec{
		{Reputation: "spammer"},
		{Reputation: "exploited"},
		{Reputation: "spammer_friendly"},
		{Reputation: "known"},
	}}
	connect := ListSpec{Multi: append(append([]ListSpec{}, base.Multi...), ListSpec{Reputation: "dynamic"})}
	return RuleSet{
		Rules: []Rule{
			{Stage: "connect", List: connect},
			{Stage: "helo", List: base},
			{Stage: "mail", List: base},
			{Stage: "header", List: base},
		},
	}
}

// rulesForStage returns the configured rules whose Stage matches.
func (rs RuleSet) rulesForStage(stage string) []Rule {
	var out []Rule
	for _, r := range rs.Rules {
		if r.Stage == stage {
			out = append(out, r)
		}
	}
	return out
}

// eval reports whether leaf matches spec. For a Reputation leaf the
// matched statements themselves are returned (each to be recorded
// against the accumulator under its own name); Multi and Named return
// whatever their first matching sub-spec returned, so a Reputation
// sub-spec's statements pass through them; a Single match returns a
// bare true/false, since it checks a local string rather than the
// reputation store.
func (rs RuleSet) eval(ctx context.Context, a *Accumulator, leaf FieldValue, spec ListSpec) (bool, []model.Statement) {
	switch {
	case spec.Reputation != "":
		entity, err := model.ParseEntity(leaf.Data)
		if err != nil {
			return false, nil
		}
		found, err := a.storage.FindStatementsAbout(ctx, entity)
		if err != nil {
			return false, nil
		}
		var matched []model.Statement
		for _, p := range found {
			if p.Data.Name == spec.Reputation {
				matched = append(matched, p.Data)
			}
		}
		return len(matched) > 0, matched
	case spec.Single != "":
		return leaf.Data == spec.Single, nil
	case len(spec.Multi) > 0:
		for _, sub := range spec.Multi {
			if ok, matched := rs.eval(ctx, a, leaf, sub); ok {
				return true, matched
			}
		}
		return false, nil
	case spec.Named != "":
		for _, sub := range rs.NamedLists[spec.Named] {
			if ok, matched := rs.eval(ctx, a, leaf, sub); ok {
				return true, matched
			}
		}
		return false, nil
	default:
		return false, nil
	}
}
