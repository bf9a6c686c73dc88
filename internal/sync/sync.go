// Package sync derives, per day, which template names a peer's digest
// announcement suggests we are missing, so the gossip layer can issue a
// targeted pull instead of re-downloading everything.
package sync

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/reputation-net/node/internal/model"
	"github.com/reputation-net/node/internal/storage"
)

type Engine struct {
	mu       sync.Mutex
	ownInfos map[model.Date]map[string]storage.SyncInfo
	storage  *storage.Storage
	log      *logrus.Entry
}

func NewEngine(store *storage.Storage, log *logrus.Logger) *Engine {
	return &Engine{
		ownInfos: make(map[model.Date]map[string]storage.SyncInfo),
		storage:  store,
		log:      log.WithField("component", "sync"),
	}
}

// GetOwnInfos returns the cached digest for date, computing and caching
// it from storage on first request.
func (e *Engine) GetOwnInfos(ctx context.Context, date model.Date) (map[string]storage.SyncInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cached, ok := e.ownInfos[date]; ok {
		return cached, nil
	}
	infos, err := e.storage.GetSyncInfos(ctx, date)
	if err != nil {
		return nil, err
	}
	e.ownInfos[date] = infos
	return infos, nil
}

// AddInfos compares a peer's announced digests for date against our own,
// returning the template names worth requesting: those we lack entirely,
// and those where the peer holds more opinions or the same count with a
// different hash. Names where we hold more opinions are not returned.
func (e *Engine) AddInfos(ctx context.Context, peer string, date model.Date, peerInfos map[string]storage.SyncInfo) ([]string, error) {
	own, err := e.GetOwnInfos(ctx, date)
	if err != nil {
		return nil, err
	}
	var names []string
	for name, peerInfo := range peerInfos {
		ownInfo, ok := own[name]
		if !ok || ownInfo.SuggestsUpdate(peerInfo) {
			names = append(names, name)
		}
	}
	e.log.WithField("peer", peer).WithField("date", date.String()).WithField("names", names).Debug("sync pull decision")
	return names, nil
}

// FlushOwnInfos drops the cache, forcing the next GetOwnInfos to
// recompute from storage — used after a batch of local writes.
func (e *Engine) FlushOwnInfos() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ownInfos = make(map[model.Date]map[string]storage.SyncInfo)
}
