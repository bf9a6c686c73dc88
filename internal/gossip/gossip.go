// Package gossip is the peer-to-peer transport: a libp2p host running
// gossipsub for broadcast traffic plus a length-prefixed JSON
// request/response protocol for point-to-point pulls, wired to the
// local storage and sync engine.
package gossip

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/sirupsen/logrus"

	"github.com/reputation-net/node/internal/model"
	"github.com/reputation-net/node/internal/storage"
	syncengine "github.com/reputation-net/node/internal/sync"
)

// ProtocolID is the stream protocol every node speaks for direct
// request/response pulls (template lists, opinion backfills).
const ProtocolID protocol.ID = "/reputation-net/1.0"

// announcementTopic is the one reserved pubsub topic every node always
// joins, carrying daily digest announcements; every other topic name is
// a cached template's own name.
const announcementTopic = "*announcement"

// Config configures a Node's transport.
type Config struct {
	ListenAddr     string
	BootstrapPeers []string
	DiscoveryTag   string
}

// Node owns the libp2p host, its pubsub router and per-topic
// subscriptions, and dispatches both broadcast and direct-request
// traffic into storage and the sync engine.
type Node struct {
	host   host
	pubsub *pubsub.PubSub

	topicLock sync.Mutex
	topics    map[string]*pubsub.Topic
	subs      map[string]*pubsub.Subscription

	storage *storage.Storage
	sync    *syncengine.Engine
	ownKey  storage.OwnKey

	seenLock sync.Mutex
	seen     map[peer.ID]bool

	ctx    context.Context
	cancel context.CancelFunc
	log    *logrus.Entry
}

// host is the subset of libp2p's host.Host this package depends on,
// narrowed for readability at call sites.
type host = interface {
	ID() peer.ID
	Connect(context.Context, peer.AddrInfo) error
	SetStreamHandler(protocol.ID, network.StreamHandler)
	NewStream(context.Context, peer.ID, ...protocol.ID) (network.Stream, error)
	Network() network.Network
	Close() error
}

// New creates the libp2p host, joins gossipsub, dials the configured
// bootstrap peers, starts mDNS discovery, and subscribes to every
// cached template name plus the announcement topic.
func New(ctx context.Context, cfg Config, store *storage.Storage, engine *syncengine.Engine, log *logrus.Logger) (*Node, error) {
	nodeCtx, cancel := context.WithCancel(ctx)

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("gossip: create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(nodeCtx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("gossip: create pubsub: %w", err)
	}

	ownKey, err := store.OwnKey(ctx)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("gossip: load own key: %w", err)
	}

	n := &Node{
		host:    h,
		pubsub:  ps,
		topics:  make(map[string]*pubsub.Topic),
		subs:    make(map[string]*pubsub.Subscription),
		storage: store,
		sync:    engine,
		ownKey:  ownKey,
		seen:    make(map[peer.ID]bool),
		ctx:     nodeCtx,
		cancel:  cancel,
		log:     log.WithField("component", "gossip"),
	}

	h.SetStreamHandler(ProtocolID, n.handleStream)
	h.Network().Notify(n)

	if err := n.dialSeeds(cfg.BootstrapPeers); err != nil {
		n.log.WithError(err).Warn("bootstrap dial warning")
	}
	mdns.NewMdnsService(h, cfg.DiscoveryTag, n)

	if err := n.subscribeAll(ctx); err != nil {
		n.log.WithError(err).Warn("initial subscribe warning")
	}
	return n, nil
}

// HandlePeerFound implements mdns.Notifee.
func (n *Node) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	if err := n.host.Connect(n.ctx, info); err != nil {
		n.log.WithError(err).WithField("peer", info.ID.String()).Debug("mDNS connect failed")
		return
	}
	n.log.WithField("peer", info.ID.String()).Info("connected via mDNS")
}

var _ mdns.Notifee = (*Node)(nil)

// Connected implements network.Notifiee. Every connection establishment
// sends a point-to-point TemplateRequest so the peer's custom
// templates/topics can be learned without waiting on gossip, and the
// first-ever connection to a given peer id additionally seeds
// synchronization with an Announcement for today and yesterday.
func (n *Node) Connected(_ network.Network, conn network.Conn) {
	remote := conn.RemotePeer()
	if remote == n.host.ID() {
		return
	}
	n.seenLock.Lock()
	first := !n.seen[remote]
	n.seen[remote] = true
	n.seenLock.Unlock()

	go n.onConnected(remote, first)
}

func (n *Node) onConnected(remote peer.ID, first bool) {
	if resp, err := n.Request(n.ctx, remote, NetworkMessage{Kind: KindTemplateRequest}); err != nil {
		n.log.WithError(err).WithField("peer", remote.String()).Debug("template request failed")
	} else {
		n.log.WithField("peer", remote.String()).Debug("sent template request")
		for _, w := range resp.Statements {
			n.persistWire(n.ctx, w)
		}
	}
	if !first {
		return
	}
	for _, date := range []model.Date{model.Today(), model.Today() - 1} {
		if err := n.sendAnnouncementTo(remote, date); err != nil {
			n.log.WithError(err).WithField("peer", remote.String()).WithField("date", date.String()).Debug("seed announcement failed")
		}
	}
}

// sendAnnouncementTo seeds a newly connected peer directly (rather than
// via the broadcast topic, which the peer may not have subscribed to
// yet) with our digest for date.
func (n *Node) sendAnnouncementTo(remote peer.ID, date model.Date) error {
	infos, err := n.sync.GetOwnInfos(n.ctx, date)
	if err != nil {
		return err
	}
	entries := make([]AnnouncementEntry, 0, len(infos))
	for name, info := range infos {
		entries = append(entries, AnnouncementEntry{Name: name, Count: info.Count, Hash: info.Hash})
	}
	_, err = n.Request(n.ctx, remote, NetworkMessage{Kind: KindAnnouncement, Date: date, Announce: entries})
	return err
}

// Disconnected, Listen and ListenClose implement network.Notifiee with
// no action needed beyond Connected.
func (n *Node) Disconnected(network.Network, network.Conn) {}
func (n *Node) Listen(network.Network, ma.Multiaddr)       {}
func (n *Node) ListenClose(network.Network, ma.Multiaddr)  {}

var _ network.Notifiee = (*Node)(nil)

func (n *Node) dialSeeds(seeds []string) error {
	var failures []string
	for _, addr := range seeds {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", addr, err))
			continue
		}
		if err := n.host.Connect(n.ctx, *info); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", addr, err))
			continue
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("dial errors: %v", failures)
	}
	return nil
}

// subscribeAll joins the announcement topic and every currently cached
// template name, handing each subscription's stream to handleBroadcast.
func (n *Node) subscribeAll(ctx context.Context) error {
	if err := n.subscribeTopic(announcementTopic); err != nil {
		return err
	}
	for _, t := range n.storage.CachedTemplates() {
		if err := n.subscribeTopic(t.Name); err != nil {
			n.log.WithError(err).WithField("topic", t.Name).Warn("subscribe failed")
		}
	}
	return nil
}

// SubscribeTopic joins topic if not already joined, called whenever a
// new `template(T)` statement is persisted so its name becomes live.
func (n *Node) SubscribeTopic(name string) error {
	return n.subscribeTopic(name)
}

func (n *Node) subscribeTopic(name string) error {
	n.topicLock.Lock()
	defer n.topicLock.Unlock()
	if _, ok := n.subs[name]; ok {
		return nil
	}
	t, ok := n.topics[name]
	if !ok {
		var err error
		t, err = n.pubsub.Join(name)
		if err != nil {
			return fmt.Errorf("gossip: join topic %s: %w", name, err)
		}
		n.topics[name] = t
	}
	sub, err := t.Subscribe()
	if err != nil {
		return fmt.Errorf("gossip: subscribe topic %s: %w", name, err)
	}
	n.subs[name] = sub
	go n.readTopic(name, sub)
	return nil
}

func (n *Node) readTopic(name string, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			n.log.WithError(err).WithField("topic", name).Debug("subscription closed")
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		var nm NetworkMessage
		if err := json.Unmarshal(msg.Data, &nm); err != nil {
			n.log.WithError(err).WithField("topic", name).Warn("malformed broadcast payload")
			continue
		}
		n.handleMessage(n.ctx, msg.ReceivedFrom, nm)
	}
}

// Broadcast publishes a signed statement to the topic named after its
// own statement name, joining the topic first if needed.
func (n *Node) Broadcast(ctx context.Context, ss model.SignedStatement) error {
	if err := n.subscribeTopic(ss.Statement.Name); err != nil {
		return err
	}
	n.topicLock.Lock()
	t := n.topics[ss.Statement.Name]
	n.topicLock.Unlock()

	data, err := json.Marshal(NetworkMessage{Kind: KindStatement, Statement: statementPtr(ToWire(ss))})
	if err != nil {
		return err
	}
	return t.Publish(ctx, data)
}

// AnnounceToday publishes today's per-template digest on the
// announcement topic.
func (n *Node) AnnounceToday(ctx context.Context) error {
	return n.Announce(ctx, model.Today())
}

// Announce publishes date's per-template digest on the announcement
// topic, letting the caller (e.g. the `!sync <date>` local command)
// broadcast a day other than today.
func (n *Node) Announce(ctx context.Context, date model.Date) error {
	infos, err := n.sync.GetOwnInfos(ctx, date)
	if err != nil {
		return err
	}
	entries := make([]AnnouncementEntry, 0, len(infos))
	for name, info := range infos {
		entries = append(entries, AnnouncementEntry{Name: name, Count: info.Count, Hash: info.Hash})
	}
	n.topicLock.Lock()
	t, ok := n.topics[announcementTopic]
	n.topicLock.Unlock()
	if !ok {
		return fmt.Errorf("gossip: announcement topic not joined")
	}
	data, err := json.Marshal(NetworkMessage{Kind: KindAnnouncement, Date: date, Announce: entries})
	if err != nil {
		return err
	}
	return t.Publish(ctx, data)
}

// Close tears down every subscription, the pubsub router and the host.
func (n *Node) Close() error {
	n.cancel()
	return n.host.Close()
}

func statementPtr(w SignedStatementWire) *SignedStatementWire { return &w }

// --- direct request/response over the protocol stream ---

func (n *Node) handleStream(s network.Stream) {
	defer s.Close()
	req, err := readFrame(s)
	if err != nil {
		n.log.WithError(err).Debug("stream read failed")
		return
	}
	if req.Kind == KindAnnouncement {
		go n.handleAnnouncement(n.ctx, s.Conn().RemotePeer(), req.Date, req.Announce)
	}
	resp := n.respond(n.ctx, req)
	if err := writeFrame(s, resp); err != nil {
		n.log.WithError(err).Debug("stream write failed")
	}
}

// Request opens a new stream to peerID and performs a single
// request/response round trip using the length-prefixed JSON codec.
func (n *Node) Request(ctx context.Context, peerID peer.ID, req NetworkMessage) (NetworkMessage, error) {
	s, err := n.host.NewStream(ctx, peerID, ProtocolID)
	if err != nil {
		return NetworkMessage{}, fmt.Errorf("gossip: open stream: %w", err)
	}
	defer s.Close()
	if err := writeFrame(s, req); err != nil {
		return NetworkMessage{}, err
	}
	return readFrame(s)
}

const maxFrameBytes = 1 << 20

// readFrame and writeFrame implement the same 4-byte big-endian length
// prefix the milter wire codec uses, here carrying a JSON-encoded
// NetworkMessage over the direct request/response protocol stream.
func readFrame(r io.Reader) (NetworkMessage, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return NetworkMessage{}, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxFrameBytes {
		return NetworkMessage{}, fmt.Errorf("gossip: frame too large: %d", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return NetworkMessage{}, err
	}
	var msg NetworkMessage
	if err := json.Unmarshal(buf, &msg); err != nil {
		return NetworkMessage{}, err
	}
	return msg, nil
}

func writeFrame(w io.Writer, msg NetworkMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
