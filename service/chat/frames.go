package chat

import (
	"encoding/json"
	"fmt"

	"roomgw/service/bridge"
	"roomgw/service/storage"
)

// Frame types on the wire. Frames are flat JSON objects carrying a "type"
// discriminator.
const (
	TypeAuthenticate    = "authenticate"
	TypeReady           = "ready"
	TypeAuthError       = "auth_error"
	TypeRoomJoin        = "room:join"
	TypeRoomJoined      = "room:joined"
	TypeRoomLeave       = "room:leave"
	TypeRoomLeft        = "room:left"
	TypeMessageSend     = "message:send"
	TypeMessageSent     = "message:sent"
	TypeMessageError    = "message:error"
	TypeMessageNew      = "message:new"
	TypeMessageAck      = "message:ack"
	TypeTypingStart     = "typing:start"
	TypeTypingStop      = "typing:stop"
	TypeTypingUpdate    = "typing:update"
	TypePresenceUpdate  = "presence:update"
	TypePresenceChanged = "presence:changed"
	TypeSyncRequest     = "sync:request"
	TypeSyncBatch       = "sync:batch"
	TypeSyncError       = "sync:error"
	TypeError           = "error"
)

// ParseFrame splits a raw frame into its type and remaining fields. Handlers
// decode the fields into their typed payloads.
func ParseFrame(raw []byte) (string, map[string]any, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	t, _ := m["type"].(string)
	if t == "" {
		return "", nil, fmt.Errorf("frame missing type")
	}
	return t, m, nil
}

// ---- client → server payloads ----

type AuthenticatePayload struct {
	Token string `json:"token"`
}

type RoomPayload struct {
	RoomID string `json:"roomId"`
}

type MessageSendPayload struct {
	RoomID      string `json:"roomId"`
	Content     string `json:"content"`
	ClientNonce string `json:"clientNonce"`
}

type MessageAckPayload struct {
	MessageID string `json:"messageId"`
}

type PresenceUpdatePayload struct {
	Status   string           `json:"status"`
	Activity *bridge.Activity `json:"activity"`
}

type SyncRequestPayload struct {
	RoomID   string `json:"roomId"`
	AfterSeq int64  `json:"afterSeq"`
}

// ---- server → client frames ----

func marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// All builders marshal plain structs; this cannot fail at runtime.
		panic(fmt.Sprintf("marshal frame: %v", err))
	}
	return data
}

func BuildReady(sessionID string, roomIDs []string) []byte {
	if roomIDs == nil {
		roomIDs = []string{}
	}
	return marshal(struct {
		Type      string   `json:"type"`
		SessionID string   `json:"sessionId"`
		Rooms     []string `json:"rooms"`
	}{TypeReady, sessionID, roomIDs})
}

func BuildAuthError(code string) []byte {
	return marshal(struct {
		Type string `json:"type"`
		Code string `json:"code"`
	}{TypeAuthError, code})
}

func BuildRoomJoined(roomID string, memberCount int) []byte {
	return marshal(struct {
		Type        string `json:"type"`
		RoomID      string `json:"roomId"`
		MemberCount int    `json:"memberCount"`
	}{TypeRoomJoined, roomID, memberCount})
}

func BuildRoomLeft(roomID string) []byte {
	return marshal(struct {
		Type   string `json:"type"`
		RoomID string `json:"roomId"`
	}{TypeRoomLeft, roomID})
}

func BuildMessageSent(messageID string, seq int64) []byte {
	return marshal(struct {
		Type      string `json:"type"`
		MessageID string `json:"messageId"`
		Seq       int64  `json:"seq"`
	}{TypeMessageSent, messageID, seq})
}

func BuildMessageError(code, clientNonce string) []byte {
	return marshal(struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		ClientNonce string `json:"clientNonce,omitempty"`
	}{TypeMessageError, code, clientNonce})
}

func BuildMessageNew(ev bridge.RoomEvent) []byte {
	return marshal(struct {
		Type      string `json:"type"`
		MessageID string `json:"messageId"`
		RoomID    string `json:"roomId"`
		UserID    string `json:"userId"`
		Content   string `json:"content"`
		Seq       int64  `json:"seq"`
	}{TypeMessageNew, ev.MessageID, ev.RoomID, ev.UserID, ev.Content, ev.Seq})
}

func BuildTypingUpdate(ev bridge.RoomEvent) []byte {
	return marshal(struct {
		Type   string `json:"type"`
		RoomID string `json:"roomId"`
		UserID string `json:"userId"`
		State  string `json:"state"`
	}{TypeTypingUpdate, ev.RoomID, ev.UserID, ev.State})
}

func BuildPresenceChanged(ev bridge.PresenceEvent) []byte {
	return marshal(struct {
		Type     string           `json:"type"`
		UserID   string           `json:"userId"`
		Status   string           `json:"status"`
		Activity *bridge.Activity `json:"activity,omitempty"`
	}{TypePresenceChanged, ev.UserID, ev.Status, ev.Activity})
}

// syncMessage is the wire form of a backfilled message.
type syncMessage struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
	UserID    string `json:"userId"`
	Content   string `json:"content"`
	Seq       int64  `json:"seq"`
}

func BuildSyncBatch(roomID string, msgs []storage.Message, hasMore bool) []byte {
	out := make([]syncMessage, len(msgs))
	for i, m := range msgs {
		out[i] = syncMessage{
			MessageID: m.MessageID,
			RoomID:    m.RoomID,
			UserID:    m.UserID,
			Content:   m.Content,
			Seq:       m.Seq,
		}
	}
	return marshal(struct {
		Type     string        `json:"type"`
		RoomID   string        `json:"roomId"`
		Messages []syncMessage `json:"messages"`
		HasMore  bool          `json:"hasMore"`
	}{TypeSyncBatch, roomID, out, hasMore})
}

func BuildSyncError(roomID, code string) []byte {
	return marshal(struct {
		Type   string `json:"type"`
		RoomID string `json:"roomId"`
		Code   string `json:"code"`
	}{TypeSyncError, roomID, code})
}

func BuildError(code, roomID string) []byte {
	return marshal(struct {
		Type   string `json:"type"`
		Code   string `json:"code"`
		RoomID string `json:"roomId,omitempty"`
	}{TypeError, code, roomID})
}
