package gossip

import (
	"context"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/reputation-net/node/internal/model"
	"github.com/reputation-net/node/internal/storage"
)

// respond answers a single request/response stream round trip.
func (n *Node) respond(ctx context.Context, req NetworkMessage) NetworkMessage {
	switch req.Kind {
	case KindTemplateRequest:
		return n.respondTemplateRequest(ctx)
	case KindOpinionRequest:
		if req.OpinionReq != nil {
			return n.respondOpinionRequest(ctx, *req.OpinionReq)
		}
	}
	return NetworkMessage{Kind: KindNone}
}

// respondTemplateRequest answers with one freshly-signed `template(...)`
// statement per cached template, so a newly joined peer can bootstrap its
// template cache without waiting for gossip.
func (n *Node) respondTemplateRequest(ctx context.Context) NetworkMessage {
	templates := n.storage.CachedTemplates()
	wire := make([]SignedStatementWire, 0, len(templates))
	for _, t := range templates {
		stmt := model.NewStatement("template", t)
		op := model.Opinion{Date: model.Today(), Valid: 30, Serial: 0, Certainty: 3}
		so, err := model.SignWith(op, stmt, n.ownKey.KeyPair)
		if err != nil {
			n.log.WithError(err).WithField("template", t.Name).Warn("template signing failed")
			continue
		}
		wire = append(wire, ToWire(model.SignedStatement{Statement: stmt, Opinions: []model.SignedOpinion{so}}))
	}
	return NetworkMessage{Kind: KindStatements, Statements: wire}
}

// respondOpinionRequest answers with every statement named req.Name
// together with its opinions dated req.Date, the unit a peer's daily
// digest comparison is keyed on.
func (n *Node) respondOpinionRequest(ctx context.Context, req OpinionRequest) NetworkMessage {
	signed, err := n.storage.ListStatementsNamedSigned(ctx, req.Name, req.Date)
	if err != nil {
		n.log.WithError(err).WithField("name", req.Name).Warn("opinion request lookup failed")
		return NetworkMessage{Kind: KindNone}
	}
	wire := make([]SignedStatementWire, 0, len(signed))
	for _, ss := range signed {
		wire = append(wire, ToWire(ss))
	}
	return NetworkMessage{Kind: KindStatements, Statements: wire}
}

// handleMessage processes an inbound broadcast: persisting statements,
// subscribing to newly learned template topics, and turning an
// announcement into a targeted opinion pull.
func (n *Node) handleMessage(ctx context.Context, from peer.ID, msg NetworkMessage) {
	switch msg.Kind {
	case KindStatement:
		if msg.Statement != nil {
			n.persistWire(ctx, *msg.Statement)
		}
	case KindStatements:
		for _, w := range msg.Statements {
			n.persistWire(ctx, w)
		}
	case KindAnnouncement:
		n.handleAnnouncement(ctx, from, msg.Date, msg.Announce)
	case KindTemplateRequest:
		// broadcasts of a bare TemplateRequest are ignored; it is only
		// meaningful as a direct request/response round trip.
	}
}

func (n *Node) persistWire(ctx context.Context, w SignedStatementWire) {
	stmt, opinions, err := FromWire(w)
	if err != nil {
		n.log.WithError(err).Debug("malformed wire statement")
		return
	}
	// No hashed-email retry here: redaction is the producer's call (the
	// local command and HTTP paths do it before publishing); a peer's raw
	// statement that matches no template is dropped as-is.
	result, err := n.storage.Persist(ctx, stmt)
	if err != nil {
		n.log.WithError(err).WithField("name", stmt.Name).Debug("rejected incoming statement")
		return
	}
	if result.Inserted && stmt.Name == "template" {
		if t, ok := stmt.Entities[0].(model.TemplateEntity); ok {
			if err := n.SubscribeTopic(t.Name); err != nil {
				n.log.WithError(err).WithField("topic", t.Name).Warn("subscribe to new template failed")
			}
		}
	}
	for _, o := range opinions {
		if _, err := n.storage.PersistOpinion(ctx, result.ID, stmt, o); err != nil {
			n.log.WithError(err).Debug("rejected incoming opinion")
		}
	}
	n.sync.FlushOwnInfos()
}

// handleAnnouncement compares a peer's per-template digests against our
// own and issues a direct OpinionRequest for every name the sync engine
// reports we are missing or behind on.
func (n *Node) handleAnnouncement(ctx context.Context, from peer.ID, date model.Date, entries []AnnouncementEntry) {
	peerInfos := make(map[string]storage.SyncInfo, len(entries))
	for _, e := range entries {
		peerInfos[e.Name] = storage.SyncInfo{Count: e.Count, Hash: e.Hash}
	}
	names, err := n.sync.AddInfos(ctx, from.String(), date, peerInfos)
	if err != nil {
		n.log.WithError(err).Warn("sync comparison failed")
		return
	}
	for _, name := range names {
		resp, err := n.Request(ctx, from, NetworkMessage{Kind: KindOpinionRequest, OpinionReq: &OpinionRequest{Name: name, Date: date}})
		if err != nil {
			n.log.WithError(err).WithField("name", name).Debug("opinion pull failed")
			continue
		}
		for _, w := range resp.Statements {
			n.persistWire(ctx, w)
		}
	}
}
