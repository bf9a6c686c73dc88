package gossip

import (
	"net"
	"testing"

	"github.com/reputation-net/node/internal/model"
)

func TestWireRoundTrip(t *testing.T) {
	kp, err := model.GenerateSecp256k1()
	if err != nil {
		t.Fatal(err)
	}
	stmt := model.NewStatement("known", model.NewDomain("example.com"))
	op := model.Opinion{Date: model.Today(), Valid: 30, Serial: 0, Certainty: 3, Comment: "trusted"}
	so, err := model.SignWith(op, stmt, kp)
	if err != nil {
		t.Fatal(err)
	}
	ss := model.SignedStatement{Statement: stmt, Opinions: []model.SignedOpinion{so}}

	wire := ToWire(ss)
	gotStmt, gotOpinions, err := FromWire(wire)
	if err != nil {
		t.Fatalf("FromWire: %v", err)
	}
	if gotStmt.String() != stmt.String() {
		t.Errorf("statement round trip: got %q want %q", gotStmt.String(), stmt.String())
	}
	if len(gotOpinions) != 1 || !gotOpinions[0].Verify(gotStmt) {
		t.Errorf("opinion round trip did not verify")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	msg := NetworkMessage{Kind: KindTemplateRequest}
	done := make(chan error, 1)
	go func() { done <- writeFrame(client, msg) }()

	got, err := readFrame(server)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	if got.Kind != KindTemplateRequest {
		t.Errorf("got kind %q want %q", got.Kind, KindTemplateRequest)
	}
}

func TestFrameRejectsOversizedLength(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		header := []byte{0x7f, 0xff, 0xff, 0xff}
		client.Write(header)
	}()
	if _, err := readFrame(server); err == nil {
		t.Error("expected oversized frame to be rejected")
	}
}
