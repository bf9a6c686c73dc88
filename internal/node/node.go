// Package node wires storage, the sync engine and the gossip transport
// together behind a single cooperative event loop that takes local
// commands from stdin and re-announces on a timer. The loop is not the
// only writer: gossip handlers and the HTTP API persist to storage from
// their own goroutines, and storage's lock serializes those writes.
package node

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reputation-net/node/internal/config"
	"github.com/reputation-net/node/internal/gossip"
	"github.com/reputation-net/node/internal/model"
	"github.com/reputation-net/node/internal/storage"
	syncengine "github.com/reputation-net/node/internal/sync"
)

// Node is the local event loop: one goroutine handles stdin commands and
// the announce timer. Inbound gossip and HTTP writes do not pass through it.
type Node struct {
	storage *storage.Storage
	sync    *syncengine.Engine
	gossip  *gossip.Node
	cfg     config.Config
	log     *logrus.Entry
}

func New(store *storage.Storage, engine *syncengine.Engine, g *gossip.Node, cfg config.Config, log *logrus.Logger) *Node {
	return &Node{storage: store, sync: engine, gossip: g, cfg: cfg, log: log.WithField("component", "node")}
}

// Run reads line-delimited local commands from in until ctx is
// canceled or in reaches EOF, and re-announces on cfg.Network.AnnounceEvery.
func (n *Node) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string, 5)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	announceEvery := n.cfg.Network.AnnounceEvery
	if announceEvery <= 0 {
		announceEvery = 10 * time.Minute
	}
	ticker := time.NewTicker(announceEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := n.gossip.AnnounceToday(ctx); err != nil {
				n.log.WithError(err).Warn("periodic announce failed")
			}
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			n.handleLocalCommand(ctx, line)
		}
	}
}

// handleLocalCommand dispatches one line of stdin input per the local
// command grammar: `?<entity>` queries, `!sync [date]` forces a
// recompute-and-announce, anything else is parsed as a statement to
// publish under the node's own signature.
func (n *Node) handleLocalCommand(ctx context.Context, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	switch {
	case strings.HasPrefix(line, "?"):
		n.query(ctx, strings.TrimPrefix(line, "?"))
	case strings.HasPrefix(line, "!sync"):
		n.resync(ctx, strings.TrimSpace(strings.TrimPrefix(line, "!sync")))
	default:
		n.publishLocal(ctx, line)
	}
}

// query prints every statement about entity together with its opinions'
// date ranges and signers.
func (n *Node) query(ctx context.Context, raw string) {
	entity, err := model.ParseEntity(raw)
	if err != nil {
		fmt.Printf("parse error: %v\n", err)
		return
	}
	statements, err := n.storage.FindStatementsAbout(ctx, entity)
	if err != nil {
		fmt.Printf("query error: %v\n", err)
		return
	}
	for _, p := range statements {
		fmt.Println(p.Data.String())
		opinions, err := n.storage.OpinionsFor(ctx, p.ID)
		if err != nil {
			fmt.Printf("  opinion lookup error: %v\n", err)
			continue
		}
		for _, o := range opinions {
			fmt.Printf("  %s..%s certainty=%d signer=%s\n",
				o.Unsigned.Date.String(), o.Unsigned.LastDate().String(), o.Unsigned.Certainty, o.Signer.String())
		}
	}
}

func (n *Node) resync(ctx context.Context, dateArg string) {
	date := model.Today()
	if dateArg != "" {
		parsed, err := model.ParseDate(dateArg)
		if err != nil {
			fmt.Printf("parse error: %v\n", err)
			return
		}
		date = parsed
	}
	n.sync.FlushOwnInfos()
	if _, err := n.sync.GetOwnInfos(ctx, date); err != nil {
		fmt.Printf("sync error: %v\n", err)
		return
	}
	if err := n.gossip.Announce(ctx, date); err != nil {
		fmt.Printf("announce error: %v\n", err)
	}
}

// publishLocal parses line as a Statement, retries with hashed e-mails
// on template mismatch, persists it, signs a default opinion with the
// node's own key, and broadcasts the result.
func (n *Node) publishLocal(ctx context.Context, line string) {
	stmt, err := model.ParseStatement(line)
	if err != nil {
		fmt.Printf("parse error: %v\n", err)
		return
	}

	result, err := n.storage.Persist(ctx, stmt)
	if err != nil {
		result, err = n.storage.PersistHashingEmails(ctx, stmt)
	}
	if err != nil {
		fmt.Printf("persist error: %v\n", err)
		return
	}

	own, err := n.storage.OwnKey(ctx)
	if err != nil {
		fmt.Printf("own key error: %v\n", err)
		return
	}
	op := model.Opinion{
		Date:      model.Today(),
		Valid:     uint16(n.cfg.Opinion.DefaultValidDays),
		Serial:    0,
		Certainty: n.cfg.Opinion.DefaultCertainty,
	}
	so, err := model.SignWith(op, result.Data, own.KeyPair)
	if err != nil {
		fmt.Printf("sign error: %v\n", err)
		return
	}
	if _, err := n.storage.PersistOpinion(ctx, result.ID, result.Data, so); err != nil {
		fmt.Printf("persist opinion error: %v\n", err)
		return
	}
	n.sync.FlushOwnInfos()

	ss := model.SignedStatement{Statement: result.Data, Opinions: []model.SignedOpinion{so}}
	if err := n.gossip.Broadcast(ctx, ss); err != nil {
		n.log.WithError(err).Debug("broadcast failed, publish is best-effort")
	}
	fmt.Printf("persisted %s (inserted=%v)\n", result.Data.String(), result.Inserted)
}
