package milter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/reputation-net/node/internal/milter/policy"
	"github.com/reputation-net/node/internal/milter/wire"
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

type nullResolver struct{}

func (nullResolver) LookupA(context.Context, string) ([]string, error)    { return nil, nil }
func (nullResolver) LookupAAAA(context.Context, string) ([]string, error) { return nil, nil }
func (nullResolver) LookupMX(context.Context, string) ([]string, error)   { return nil, nil }
func (nullResolver) LookupNS(context.Context, string) ([]string, error)   { return nil, nil }
func (nullResolver) LookupTXT(context.Context, string) ([]string, error)  { return nil, nil }
func (nullResolver) LookupPTR(context.Context, string) ([]string, error)  { return nil, nil }

func persistSignedSpammer(t *testing.T, s *storage.Storage, addr string) {
	t.Helper()
	ctx := context.Background()
	tmpl := model.NewStatement("template", model.TemplateEntity{
		Name:  "spammer",
		Slots: [][]model.EntityType{{model.TypeIPv4}},
	})
	if _, err := s.Persist(ctx, tmpl); err != nil {
		t.Fatalf("persist template: %v", err)
	}
	entity, err := model.ParseEntity(addr)
	if err != nil {
		t.Fatalf("ParseEntity(%q): %v", addr, err)
	}
	stmt := model.NewStatement("spammer", entity)
	result, err := s.Persist(ctx, stmt)
	if err != nil {
		t.Fatalf("persist statement: %v", err)
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

func writePacket(t *testing.T, w io.Writer, payload []byte) {
	t.Helper()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		t.Fatalf("write length: %v", err)
	}
	if _, err := w.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
}

func readPacket(t *testing.T, r io.Reader) []byte {
	t.Helper()
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		t.Fatalf("read length: %v", err)
	}
	payload := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(r, payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	return payload
}

func optnegPacket(version uint32, actions wire.Actions) []byte {
	var b bytes.Buffer
	b.WriteByte(wire.CmdOptneg)
	var buf [12]byte
	binary.BigEndian.PutUint32(buf[0:4], version)
	binary.BigEndian.PutUint32(buf[4:8], uint32(actions))
	binary.BigEndian.PutUint32(buf[8:12], 0)
	b.Write(buf[:])
	return b.Bytes()
}

func connectPacket(hostname, addr string) []byte {
	var b bytes.Buffer
	b.WriteByte(wire.CmdConnect)
	b.WriteString(hostname)
	b.WriteByte(0)
	b.WriteByte('4')
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], 25)
	b.Write(port[:])
	b.WriteString(addr)
	b.WriteByte(0)
	return b.Bytes()
}

func stringPacket(kind byte, args ...string) []byte {
	var b bytes.Buffer
	b.WriteByte(kind)
	for _, a := range args {
		b.WriteString(a)
		b.WriteByte(0)
	}
	return b.Bytes()
}

// TestConnectionRejectsStoredSpammer walks a full SMTP transaction against
// a store listing the connecting address as a spam source: option
// negotiation mirrors version and the quarantine action, every
// intermediate stage answers continue, and RCPT gets the 554 replycode
// naming the offending address.
func TestConnectionRejectsStoredSpammer(t *testing.T) {
	s := newTestStorage(t)
	persistSignedSpammer(t, s, "192.0.2.5")

	client, server := net.Pipe()
	defer client.Close()

	log := logrus.New()
	log.SetOutput(io.Discard)
	c := &connection{
		r:           bufio.NewReader(server),
		w:           bufio.NewWriter(server),
		accumulator: policy.NewDefaultAccumulator(s, nullResolver{}),
		log:         log.WithField("component", "test"),
	}
	done := make(chan error, 1)
	go func() {
		done <- c.run(context.Background())
		server.Close()
	}()

	writePacket(t, client, optnegPacket(6, wire.ActionQuarantine|wire.ActionAddHeaders))
	resp := readPacket(t, client)
	if resp[0] != wire.RespOptneg {
		t.Fatalf("optneg response: got %q", resp[0])
	}
	if got := binary.BigEndian.Uint32(resp[1:5]); got != 6 {
		t.Errorf("negotiated version: got %d", got)
	}
	if got := wire.Actions(binary.BigEndian.Uint32(resp[5:9])); got != wire.ActionQuarantine {
		t.Errorf("negotiated actions: got %v, want only quarantine", got)
	}

	writePacket(t, client, connectPacket("x", "192.0.2.5"))
	if resp := readPacket(t, client); resp[0] != wire.RespContinue {
		t.Fatalf("connect response: got %q", resp[0])
	}
	writePacket(t, client, stringPacket(wire.CmdHelo, "x"))
	if resp := readPacket(t, client); resp[0] != wire.RespContinue {
		t.Fatalf("helo response: got %q", resp[0])
	}
	writePacket(t, client, stringPacket(wire.CmdMail, "<a@b>"))
	if resp := readPacket(t, client); resp[0] != wire.RespContinue {
		t.Fatalf("mail response: got %q", resp[0])
	}

	writePacket(t, client, stringPacket(wire.CmdRcpt, "<c@d>"))
	resp = readPacket(t, client)
	if resp[0] != wire.RespReplycode {
		t.Fatalf("rcpt response: got %q, want replycode", resp[0])
	}
	reason := string(resp[1:])
	if !strings.HasPrefix(reason, "554 ") {
		t.Errorf("expected a 554 replycode, got %q", reason)
	}
	if !strings.Contains(reason, "192.0.2.5") {
		t.Errorf("expected the reason to name the address, got %q", reason)
	}
	if !strings.Contains(reason, "reported as spam source") {
		t.Errorf("expected the reason to carry the spammer phrase, got %q", reason)
	}

	writePacket(t, client, stringPacket(wire.CmdQuit))
	if err := <-done; err != nil {
		t.Fatalf("connection loop: %v", err)
	}
}

// TestConnectionContinuesForUnknownPeer is the complementary path: an
// address nobody has an opinion about sails through every stage.
func TestConnectionContinuesForUnknownPeer(t *testing.T) {
	s := newTestStorage(t)
	persistSignedSpammer(t, s, "192.0.2.5")

	client, server := net.Pipe()
	defer client.Close()

	log := logrus.New()
	log.SetOutput(io.Discard)
	c := &connection{
		r:           bufio.NewReader(server),
		w:           bufio.NewWriter(server),
		accumulator: policy.NewDefaultAccumulator(s, nullResolver{}),
		log:         log.WithField("component", "test"),
	}
	done := make(chan error, 1)
	go func() {
		done <- c.run(context.Background())
		server.Close()
	}()

	writePacket(t, client, optnegPacket(6, wire.ActionQuarantine))
	readPacket(t, client)
	writePacket(t, client, connectPacket("clean.example.org", "203.0.113.7"))
	readPacket(t, client)
	writePacket(t, client, stringPacket(wire.CmdRcpt, "<c@d>"))
	if resp := readPacket(t, client); resp[0] != wire.RespContinue {
		t.Fatalf("rcpt response for an unlisted peer: got %q, want continue", resp[0])
	}

	writePacket(t, client, stringPacket(wire.CmdQuit))
	if err := <-done; err != nil {
		t.Fatalf("connection loop: %v", err)
	}
}
