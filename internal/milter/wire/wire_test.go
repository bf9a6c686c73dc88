package wire

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

func framed(payload []byte) []byte {
	var b bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	b.Write(lenBuf[:])
	b.Write(payload)
	return b.Bytes()
}

func TestReadCommandConnect(t *testing.T) {
	var payload bytes.Buffer
	payload.WriteByte(CmdConnect)
	payload.WriteString("mail.example.org")
	payload.WriteByte(0)
	payload.WriteByte('4')
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], 25)
	payload.Write(port[:])
	payload.WriteString("192.0.2.5")
	payload.WriteByte(0)

	cmd, err := ReadCommand(bytes.NewReader(framed(payload.Bytes())))
	if err != nil {
		t.Fatalf("ReadCommand: %v", err)
	}
	if cmd.Kind != CmdConnect {
		t.Fatalf("got kind %q", cmd.Kind)
	}
	if cmd.Connect.Hostname != "mail.example.org" {
		t.Errorf("hostname: got %q", cmd.Connect.Hostname)
	}
	if cmd.Connect.Address != "192.0.2.5" {
		t.Errorf("address: got %q", cmd.Connect.Address)
	}
	if cmd.Connect.Port != 25 {
		t.Errorf("port: got %d", cmd.Connect.Port)
	}
}

func TestReadCommandMacroPairs(t *testing.T) {
	var payload bytes.Buffer
	payload.WriteByte(CmdMacro)
	payload.WriteByte(CmdConnect)
	payload.WriteString("j")
	payload.WriteByte(0)
	payload.WriteString("mx.example.org")
	payload.WriteByte(0)

	cmd, err := ReadCommand(bytes.NewReader(framed(payload.Bytes())))
	if err != nil {
		t.Fatalf("ReadCommand: %v", err)
	}
	if cmd.Macro.CmdCode != CmdConnect {
		t.Errorf("macro cmdcode: got %q", cmd.Macro.CmdCode)
	}
	if len(cmd.Macro.NameVal) != 2 || cmd.Macro.NameVal[0] != "j" || cmd.Macro.NameVal[1] != "mx.example.org" {
		t.Errorf("macro pairs: got %v", cmd.Macro.NameVal)
	}
}

func TestReadCommandHeader(t *testing.T) {
	var payload bytes.Buffer
	payload.WriteByte(CmdHeader)
	payload.WriteString("From")
	payload.WriteByte(0)
	payload.WriteString("Alice <alice@example.com>")
	payload.WriteByte(0)

	cmd, err := ReadCommand(bytes.NewReader(framed(payload.Bytes())))
	if err != nil {
		t.Fatalf("ReadCommand: %v", err)
	}
	if cmd.Header.Name != "From" || cmd.Header.Value != "Alice <alice@example.com>" {
		t.Errorf("header: got %q=%q", cmd.Header.Name, cmd.Header.Value)
	}
}

func TestReadCommandRejectsUnterminatedString(t *testing.T) {
	payload := append([]byte{CmdHelo}, []byte("no-terminator")...)
	if _, err := ReadCommand(bytes.NewReader(framed(payload))); err == nil {
		t.Error("expected unterminated string to be rejected")
	}
}

func TestReadCommandRejectsUnknownLetter(t *testing.T) {
	if _, err := ReadCommand(bytes.NewReader(framed([]byte{'z'}))); err == nil {
		t.Error("expected unknown command letter to be rejected")
	}
}

func TestWriteResponseReplycode(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteResponse(&buf, ReplycodeResponse(554, "rejected")); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}
	raw := buf.Bytes()
	if len(raw) < 5 {
		t.Fatalf("short response: %v", raw)
	}
	n := binary.BigEndian.Uint32(raw[:4])
	payload := raw[4:]
	if uint32(len(payload)) != n {
		t.Fatalf("length prefix %d does not match payload %d", n, len(payload))
	}
	if payload[0] != RespReplycode {
		t.Errorf("kind: got %q", payload[0])
	}
	body := string(payload[1:])
	if !strings.HasPrefix(body, "554 rejected") {
		t.Errorf("body: got %q", body)
	}
	if body[len(body)-1] != 0 {
		t.Errorf("expected NUL-terminated reason")
	}
}

func TestWriteResponseOptnegMirrors(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteResponse(&buf, OptnegResponse(6, ActionQuarantine, 0)); err != nil {
		t.Fatalf("WriteResponse: %v", err)
	}
	payload := buf.Bytes()[4:]
	if payload[0] != RespOptneg {
		t.Fatalf("kind: got %q", payload[0])
	}
	if got := binary.BigEndian.Uint32(payload[1:5]); got != 6 {
		t.Errorf("version: got %d", got)
	}
	if got := Actions(binary.BigEndian.Uint32(payload[5:9])); got != ActionQuarantine {
		t.Errorf("actions: got %v", got)
	}
	if got := binary.BigEndian.Uint32(payload[9:13]); got != 0 {
		t.Errorf("protocol: got %d", got)
	}
}
