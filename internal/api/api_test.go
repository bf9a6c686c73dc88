package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/reputation-net/node/internal/config"
	"github.com/reputation-net/node/internal/model"
	"github.com/reputation-net/node/internal/storage"
)

func newTestServer(t *testing.T) (*Server, *storage.Storage) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	store, err := storage.Open(context.Background(), "file:"+t.TempDir()+"/test.sqlite3?mode=rwc", log)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New("127.0.0.1:0", store, nil, config.Default(), log), store
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

func TestPostStatementThenGetEntity(t *testing.T) {
	srv, store := newTestServer(t)
	persistSpammerTemplate(t, store)

	ts := httptest.NewServer(srv.router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/statement", "text/plain", strings.NewReader("spammer(example.com)"))
	if err != nil {
		t.Fatalf("POST /api/statement: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("POST status %d: %s", resp.StatusCode, body)
	}
	var posted struct {
		Statement string `json:"statement"`
		Inserted  bool   `json:"inserted"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&posted); err != nil {
		t.Fatalf("decode POST response: %v", err)
	}
	if posted.Statement != "spammer(example.com)" || !posted.Inserted {
		t.Fatalf("unexpected POST response: %+v", posted)
	}

	get, err := http.Get(ts.URL + "/api/entity/example.com")
	if err != nil {
		t.Fatalf("GET /api/entity: %v", err)
	}
	defer get.Body.Close()
	if get.StatusCode != http.StatusOK {
		t.Fatalf("GET status %d", get.StatusCode)
	}
	var statements []string
	if err := json.NewDecoder(get.Body).Decode(&statements); err != nil {
		t.Fatalf("decode GET response: %v", err)
	}
	if len(statements) != 1 || statements[0] != "spammer(example.com)" {
		t.Fatalf("unexpected GET response: %v", statements)
	}
}

func TestPostStatementHashesEmails(t *testing.T) {
	srv, store := newTestServer(t)
	tmpl := model.NewStatement("template", model.TemplateEntity{
		Name:  "reported",
		Slots: [][]model.EntityType{{model.TypeHashValue}},
	})
	if _, err := store.Persist(context.Background(), tmpl); err != nil {
		t.Fatalf("persist template: %v", err)
	}

	ts := httptest.NewServer(srv.router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/statement", "text/plain", strings.NewReader("reported(user@example.com)"))
	if err != nil {
		t.Fatalf("POST /api/statement: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("POST status %d: %s", resp.StatusCode, body)
	}
	var posted struct {
		Statement string `json:"statement"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&posted); err != nil {
		t.Fatalf("decode POST response: %v", err)
	}
	want := model.NewStatement("reported", model.EMail("user@example.com").Hashed()).String()
	if posted.Statement != want {
		t.Fatalf("expected the hashed form %q, got %q", want, posted.Statement)
	}
}

func TestPostRejectsUnparseableStatement(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.router())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/statement", "text/plain", strings.NewReader("not a ((valid statement"))
	if err != nil {
		t.Fatalf("POST /api/statement: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a parse error, got %d", resp.StatusCode)
	}
}

func TestIsLoopback(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:8894": true,
		"localhost:8894": true,
		"[::1]:8894":     true,
		"0.0.0.0:8894":   false,
		"192.0.2.1:8894": false,
	}
	for addr, want := range cases {
		if got := IsLoopback(addr); got != want {
			t.Errorf("IsLoopback(%q) = %v, want %v", addr, got, want)
		}
	}
}
