// Package api is the node's localhost-only HTTP surface: a thin
// external-collaborator contract over storage, not a protocol of its
// own (see the milter and gossip packages for the real wire formats).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/reputation-net/node/internal/config"
	"github.com/reputation-net/node/internal/gossip"
	"github.com/reputation-net/node/internal/model"
	"github.com/reputation-net/node/internal/storage"
)

// Server is the HTTP surface over one node's storage: GET /api/entity/{entity}
// and POST /api/statement, per the node's external-collaborator contract.
type Server struct {
	addr    string
	storage *storage.Storage
	gossip  *gossip.Node
	cfg     config.Config
	log     *logrus.Entry
}

func New(addr string, store *storage.Storage, g *gossip.Node, cfg config.Config, log *logrus.Logger) *Server {
	return &Server{addr: addr, storage: store, gossip: g, cfg: cfg, log: log.WithField("component", "api")}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))
	r.Get("/api/entity/{entity}", s.handleEntity)
	r.Post("/api/statement", s.handleStatement)
	return r
}

// Serve blocks accepting connections until ctx is canceled. s.addr should
// always be a loopback address: this surface has no authentication of
// its own.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	s.log.WithField("addr", s.addr).Info("api listener started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "entity")
	entity, err := model.ParseEntity(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	statements, err := s.storage.FindStatementsAbout(r.Context(), entity)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]string, len(statements))
	for i, p := range statements {
		out[i] = p.Data.String()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleStatement(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	stmt, err := model.ParseStatement(string(body))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	result, err := s.storage.Persist(ctx, stmt)
	if err != nil {
		result, err = s.storage.PersistHashingEmails(ctx, stmt)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	own, err := s.storage.OwnKey(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	op := model.Opinion{
		Date:      model.Today(),
		Valid:     uint16(s.cfg.Opinion.DefaultValidDays),
		Serial:    0,
		Certainty: s.cfg.Opinion.DefaultCertainty,
	}
	so, err := model.SignWith(op, result.Data, own.KeyPair)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if _, err := s.storage.PersistOpinion(ctx, result.ID, result.Data, so); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if s.gossip != nil {
		ss := model.SignedStatement{Statement: result.Data, Opinions: []model.SignedOpinion{so}}
		if err := s.gossip.Broadcast(ctx, ss); err != nil {
			s.log.WithError(err).Debug("broadcast failed, publish is best-effort")
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"statement": result.Data.String(),
		"inserted":  result.Inserted,
	})
}

// IsLoopback reports whether addr names only loopback interfaces, used by
// the CLI to warn an operator who configured something else.
func IsLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
