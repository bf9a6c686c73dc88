package policy

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/reputation-net/node/internal/model"
	"github.com/reputation-net/node/internal/storage"
)

func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	s, err := storage.Open(context.Background(), "file:"+t.TempDir()+"/test.sqlite3?mode=rwc", log)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func persistTemplateFor(t *testing.T, s *storage.Storage, name string, slot model.EntityType) {
	t.Helper()
	ctx := context.Background()
	tmpl := model.NewStatement("template", model.TemplateEntity{
		Name:  name,
		Slots: [][]model.EntityType{{slot}},
	})
	if _, err := s.Persist(ctx, tmpl); err != nil {
		t.Fatalf("persist template %s: %v", name, err)
	}
}

func persistSigned(t *testing.T, s *storage.Storage, stmt model.Statement) {
	t.Helper()
	ctx := context.Background()
	result, err := s.Persist(ctx, stmt)
	if err != nil {
		t.Fatalf("persist %s: %v", stmt.String(), err)
	}
	own, err := s.OwnKey(ctx)
	if err != nil {
		t.Fatalf("OwnKey: %v", err)
	}
	op := model.Opinion{Date: model.Today(), Valid: 30, Serial: 0, Certainty: 3}
	so, err := model.SignWith(op, result.Data, own.KeyPair)
	if err != nil {
		t.Fatalf("SignWith: %v", err)
	}
	if _, err := s.PersistOpinion(ctx, result.ID, result.Data, so); err != nil {
		t.Fatalf("PersistOpinion: %v", err)
	}
}

type fakeResolver struct{ ptr map[string][]string }

func (f fakeResolver) LookupA(ctx context.Context, name string) ([]string, error)    { return nil, nil }
func (f fakeResolver) LookupAAAA(ctx context.Context, name string) ([]string, error) { return nil, nil }
func (f fakeResolver) LookupMX(ctx context.Context, name string) ([]string, error)   { return nil, nil }
func (f fakeResolver) LookupNS(ctx context.Context, name string) ([]string, error)   { return nil, nil }
func (f fakeResolver) LookupTXT(ctx context.Context, name string) ([]string, error)  { return nil, nil }
func (f fakeResolver) LookupPTR(ctx context.Context, addr string) ([]string, error) {
	return f.ptr[addr], nil
}

func TestAccumulatorRejectsKnownSpammerIP(t *testing.T) {
	s := newTestStorage(t)
	persistTemplateFor(t, s, "spammer", model.TypeIPv4)
	persistSigned(t, s, model.NewStatement("spammer", mustIPv4(t, "192.0.2.5")))

	a := NewDefaultAccumulator(s, fakeResolver{})
	a.Connect(context.Background(), "x", "192.0.2.5")

	if got := a.Severity(); got != SeverityReject {
		t.Fatalf("expected reject severity, got %v", got)
	}
}

func TestAccumulatorSuppressesDynamicOutsideConnect(t *testing.T) {
	s := newTestStorage(t)
	persistTemplateFor(t, s, "dynamic", model.TypeDomain)
	persistSigned(t, s, model.NewStatement("dynamic", model.NewDomain("dyn.example.net")))

	ctx := context.Background()
	a := NewDefaultAccumulator(s, fakeResolver{})
	a.Helo(ctx, "dyn.example.net")
	if got := a.Severity(); got != SeverityNone {
		t.Fatalf("expected dynamic tag suppressed outside connect, got %v", got)
	}

	a.Reset()
	a.Connect(ctx, "dyn.example.net", "203.0.113.9")
	if got := a.Severity(); got != SeverityTempfail {
		t.Fatalf("expected dynamic tag honored at connect, got %v", got)
	}
}

func TestAccumulatorFieldPathDerivation(t *testing.T) {
	s := newTestStorage(t)
	persistTemplateFor(t, s, "spammer", model.TypeIPv4)
	persistSigned(t, s, model.NewStatement("spammer", mustIPv4(t, "198.51.100.7")))

	rules := RuleSet{Rules: []Rule{
		{Stage: "mail", FieldPath: "domain.a", List: ListSpec{Reputation: "spammer"}},
	}}
	a := NewAccumulator(s, fakeResolver{}, rules, DefaultSeverities())
	// domain.a can't resolve against the fake resolver (no A records configured),
	// so this exercises the no-match path without panicking.
	a.MailFrom(context.Background(), "<sender@example.org>")
	if got := a.Severity(); got != SeverityNone {
		t.Fatalf("expected no match without a resolvable A record, got %v", got)
	}
}

func TestAccumulatorReasonNamesMatchedEntity(t *testing.T) {
	s := newTestStorage(t)
	persistTemplateFor(t, s, "exploited", model.TypeIPv4)
	persistSigned(t, s, model.NewStatement("exploited", mustIPv4(t, "198.51.100.44")))

	a := NewDefaultAccumulator(s, fakeResolver{})
	a.Connect(context.Background(), "", "198.51.100.44")

	if a.Severity() != SeverityReject {
		t.Fatalf("expected reject, got %v", a.Severity())
	}
	if reason := a.Reason(); reason == "" {
		t.Fatalf("expected a non-empty reason")
	}
}

func mustIPv4(t *testing.T, s string) model.IPv4 {
	t.Helper()
	e, err := model.ParseEntity(s)
	if err != nil {
		t.Fatalf("ParseEntity(%q): %v", s, err)
	}
	ip, ok := e.(model.IPv4)
	if !ok {
		t.Fatalf("ParseEntity(%q) did not return IPv4, got %T", s, e)
	}
	return ip
}
