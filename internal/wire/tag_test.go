package wire

import (
	"encoding/json"
	"testing"
)

func TestTagUntag(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo"},"_meta":{"x":1}}`)
	tagged, err := Tag(raw, "conn-1")
	if err != nil {
		t.Fatalf("tag: %v", err)
	}
	m, err := Parse(tagged)
	if err != nil {
		t.Fatalf("parse tagged: %v", err)
	}
	if m.ConnectionID != "conn-1" {
		t.Fatalf("connection id %q", m.ConnectionID)
	}
	connID, stripped, err := Untag(tagged)
	if err != nil {
		t.Fatalf("untag: %v", err)
	}
	if connID != "conn-1" {
		t.Fatalf("untag returned %q", connID)
	}
	var got, want map[string]any
	_ = json.Unmarshal(stripped, &got)
	_ = json.Unmarshal(raw, &want)
	if len(got) != len(want) {
		t.Fatalf("unknown members lost: %s", stripped)
	}
	if _, ok := got["_meta"]; !ok {
		t.Fatalf("_meta dropped: %s", stripped)
	}
}

func TestUntagMissing(t *testing.T) {
	_, _, err := Untag([]byte(`{"id":1,"result":"ok"}`))
	if !IsProtocol(err, MissingConnectionID) {
		t.Fatalf("expected MissingConnectionId, got %v", err)
	}
	_, _, err = Untag([]byte(`{"id":1,"result":"ok","connectionId":7}`))
	if !IsProtocol(err, MissingConnectionID) {
		t.Fatalf("expected MissingConnectionId for non-string tag, got %v", err)
	}
}

func TestTagRejectsNonObject(t *testing.T) {
	if _, err := Tag([]byte(`[1]`), "c"); err == nil {
		t.Fatal("expected error")
	}
	if _, err := Tag([]byte(`null`), "c"); err == nil {
		t.Fatal("expected error for null")
	}
}
