package sync

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

func persistSpammerTemplate(t *testing.T, s *storage.Storage) {
	t.Helper()
	tmpl := model.NewStatement("template", model.TemplateEntity{
		Name:  "spammer",
		Slots: [][]model.EntityType{{model.TypeDomain}},
	})
	if _, err := s.Persist(context.Background(), tmpl); err != nil {
		t.Fatalf("persist template: %v", err)
	}
}

func persistOwnSigned(t *testing.T, s *storage.Storage, domain string, date model.Date) {
	t.Helper()
	ctx := context.Background()
	stmt := model.NewStatement("spammer", model.NewDomain(domain))
	result, err := s.Persist(ctx, stmt)
	if err != nil {
		t.Fatalf("persist %s: %v", domain, err)
	}
	own, err := s.OwnKey(ctx)
	if err != nil {
		t.Fatalf("OwnKey: %v", err)
	}
	so, err := model.SignWith(model.Opinion{Date: date, Valid: 30, Serial: 0, Certainty: 3}, stmt, own.KeyPair)
	if err != nil {
		t.Fatalf("SignWith: %v", err)
	}
	if _, err := s.PersistOpinion(ctx, result.ID, stmt, so); err != nil {
		t.Fatalf("PersistOpinion: %v", err)
	}
}

// mergeSigned replays a's signed statements for (name, date) into b, the
// storage half of what an OpinionRequest/Statements exchange does.
func mergeSigned(t *testing.T, a, b *storage.Storage, name string, date model.Date) {
	t.Helper()
	ctx := context.Background()
	signed, err := a.ListStatementsNamedSigned(ctx, name, date)
	if err != nil {
		t.Fatalf("ListStatementsNamedSigned: %v", err)
	}
	for _, ss := range signed {
		result, err := b.Persist(ctx, ss.Statement)
		if err != nil {
			t.Fatalf("persist into peer: %v", err)
		}
		for _, so := range ss.Opinions {
			if _, err := b.PersistOpinion(ctx, result.ID, ss.Statement, so); err != nil {
				t.Fatalf("persist opinion into peer: %v", err)
			}
		}
	}
}

// TestAnnounceCompareAndPullConverges runs the announcement comparison
// and the resulting pull: A holds three signed spammer statements for a
// day, B holds one of them; after B pulls the set its digest equals A's.
func TestAnnounceCompareAndPullConverges(t *testing.T) {
	ctx := context.Background()
	date := model.Today()

	a := newTestStorage(t)
	persistSpammerTemplate(t, a)
	persistOwnSigned(t, a, "one.example.com", date)
	persistOwnSigned(t, a, "two.example.com", date)
	persistOwnSigned(t, a, "three.example.com", date)

	b := newTestStorage(t)
	persistSpammerTemplate(t, b)
	all, err := a.ListStatementsNamedSigned(ctx, "spammer", date)
	if err != nil {
		t.Fatalf("ListStatementsNamedSigned: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected A to hold 3 signed statements, got %d", len(all))
	}
	first := all[0]
	result, err := b.Persist(ctx, first.Statement)
	if err != nil {
		t.Fatalf("persist into B: %v", err)
	}
	for _, so := range first.Opinions {
		if _, err := b.PersistOpinion(ctx, result.ID, first.Statement, so); err != nil {
			t.Fatalf("persist opinion into B: %v", err)
		}
	}

	log := logrus.New()
	log.SetOutput(io.Discard)
	engine := NewEngine(b, log)

	aInfos, err := a.GetSyncInfos(ctx, date)
	if err != nil {
		t.Fatalf("GetSyncInfos(A): %v", err)
	}
	names, err := engine.AddInfos(ctx, "peer-a", date, aInfos)
	if err != nil {
		t.Fatalf("AddInfos: %v", err)
	}
	// A's announcement also carries its own bootstrap `template` opinions
	// (same count as ours, different signer, so a differing hash); the
	// decision we care about here is that spammer is pulled.
	pullSpammer := false
	for _, name := range names {
		if name == "spammer" {
			pullSpammer = true
		}
	}
	if !pullSpammer {
		t.Fatalf("expected a pull decision for spammer, got %v", names)
	}

	mergeSigned(t, a, b, "spammer", date)
	engine.FlushOwnInfos()

	bInfos, err := engine.GetOwnInfos(ctx, date)
	if err != nil {
		t.Fatalf("GetOwnInfos(B): %v", err)
	}
	if bInfos["spammer"].Count != aInfos["spammer"].Count {
		t.Fatalf("counts differ after pull: A=%d B=%d", aInfos["spammer"].Count, bInfos["spammer"].Count)
	}
	if bInfos["spammer"].Hash != aInfos["spammer"].Hash {
		t.Fatalf("digests differ after pull: A=%q B=%q", aInfos["spammer"].Hash, bInfos["spammer"].Hash)
	}
}

// TestAddInfosIgnoresNamesOnlyWeHold verifies the one-directional pull
// rule: a name the peer doesn't announce is never pulled (the peer will
// pull it from us off our own announcement instead).
func TestAddInfosIgnoresNamesOnlyWeHold(t *testing.T) {
	ctx := context.Background()
	date := model.Today()

	s := newTestStorage(t)
	persistSpammerTemplate(t, s)
	persistOwnSigned(t, s, "one.example.com", date)

	log := logrus.New()
	log.SetOutput(io.Discard)
	engine := NewEngine(s, log)

	names, err := engine.AddInfos(ctx, "peer", date, map[string]storage.SyncInfo{})
	if err != nil {
		t.Fatalf("AddInfos: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("expected no pull for an empty peer announcement, got %v", names)
	}
}

// TestGetOwnInfosCachesUntilFlush verifies the digest cache is reused
// until a write invalidates it.
func TestGetOwnInfosCachesUntilFlush(t *testing.T) {
	ctx := context.Background()
	date := model.Today()

	s := newTestStorage(t)
	persistSpammerTemplate(t, s)
	persistOwnSigned(t, s, "one.example.com", date)

	log := logrus.New()
	log.SetOutput(io.Discard)
	engine := NewEngine(s, log)

	before, err := engine.GetOwnInfos(ctx, date)
	if err != nil {
		t.Fatalf("GetOwnInfos: %v", err)
	}

	persistOwnSigned(t, s, "two.example.com", date)

	stale, err := engine.GetOwnInfos(ctx, date)
	if err != nil {
		t.Fatalf("GetOwnInfos (cached): %v", err)
	}
	if stale["spammer"].Count != before["spammer"].Count {
		t.Fatalf("expected the cached digest until flush, got count %d", stale["spammer"].Count)
	}

	engine.FlushOwnInfos()
	fresh, err := engine.GetOwnInfos(ctx, date)
	if err != nil {
		t.Fatalf("GetOwnInfos (fresh): %v", err)
	}
	if fresh["spammer"].Count != before["spammer"].Count+1 {
		t.Fatalf("expected the recomputed digest to see the new opinion, got count %d", fresh["spammer"].Count)
	}
}
