package chat

import (
	"encoding/json"
	"testing"

	"roomgw/service/bridge"
	"roomgw/service/storage"
)

func TestParseFrame(t *testing.T) {
	typ, payload, err := ParseFrame([]byte(`{"type":"message:send","roomId":"general","content":"hi"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if typ != TypeMessageSend {
		t.Fatalf("type = %q", typ)
	}
	if payload["roomId"] != "general" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestParseFrameErrors(t *testing.T) {
	if _, _, err := ParseFrame([]byte(`not json`)); err == nil {
		t.Fatalf("garbage must not parse")
	}
	if _, _, err := ParseFrame([]byte(`{"roomId":"general"}`)); err == nil {
		t.Fatalf("missing type must not parse")
	}
	if _, _, err := ParseFrame([]byte(`{"type":42}`)); err == nil {
		t.Fatalf("non-string type must not parse")
	}
}

func decodeFrame(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("frame is not valid JSON: %v\n%s", err, raw)
	}
	return m
}

func TestBuildReadyEmptyRooms(t *testing.T) {
	m := decodeFrame(t, BuildReady("sess-1", nil))
	if m["type"] != TypeReady || m["sessionId"] != "sess-1" {
		t.Fatalf("frame = %v", m)
	}
	rooms, ok := m["rooms"].([]any)
	if !ok || len(rooms) != 0 {
		t.Fatalf("rooms must be an empty array, got %v", m["rooms"])
	}
}

func TestBuildMessageNew(t *testing.T) {
	m := decodeFrame(t, BuildMessageNew(bridge.RoomEvent{
		Kind:      bridge.KindMessage,
		MessageID: "m1",
		RoomID:    "general",
		UserID:    "alice",
		Content:   "hi",
		Seq:       7,
	}))
	if m["type"] != TypeMessageNew || m["messageId"] != "m1" || m["seq"] != float64(7) {
		t.Fatalf("frame = %v", m)
	}
}

func TestBuildSyncBatch(t *testing.T) {
	msgs := []storage.Message{
		{MessageID: "m1", RoomID: "r", UserID: "u", Content: "a", Seq: 1},
		{MessageID: "m2", RoomID: "r", UserID: "u", Content: "b", Seq: 2},
	}
	m := decodeFrame(t, BuildSyncBatch("r", msgs, true))
	if m["type"] != TypeSyncBatch || m["hasMore"] != true {
		t.Fatalf("frame = %v", m)
	}
	list, _ := m["messages"].([]any)
	if len(list) != 2 {
		t.Fatalf("messages = %v", m["messages"])
	}
	first, _ := list[0].(map[string]any)
	if first["messageId"] != "m1" || first["seq"] != float64(1) {
		t.Fatalf("first = %v", first)
	}
}

func TestBuildMessageErrorOmitsEmptyNonce(t *testing.T) {
	m := decodeFrame(t, BuildMessageError("RATE_LIMITED", ""))
	if m["code"] != "RATE_LIMITED" {
		t.Fatalf("frame = %v", m)
	}
	if _, present := m["clientNonce"]; present {
		t.Fatalf("empty nonce must be omitted: %v", m)
	}
}
