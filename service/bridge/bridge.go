package bridge

import (
	"context"
	"encoding/base64"
)

// Event kinds carried on a room topic. Messages and typing updates share the
// room topic so each process needs exactly one subscription per room;
// presence rides its own topic.
const (
	KindMessage = "message"
	KindTyping  = "typing"
)

// Typing states.
const (
	TypingStarted = "started"
	TypingStopped = "stopped"
)

// RoomEvent is the envelope published on a room's fan-out topic.
type RoomEvent struct {
	Kind   string `json:"kind"`
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Origin string `json:"origin,omitempty"` // publishing gateway id

	// message fields
	MessageID string `json:"messageId,omitempty"`
	Content   string `json:"content,omitempty"`
	Seq       int64  `json:"seq,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"` // unix ms

	// typing fields
	State string `json:"state,omitempty"`
}

// Activity is an optional presence annotation (e.g. "playing", "listening").
type Activity struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// PresenceEvent is published whenever a user's presence changes. Rooms lists
// the rooms the user was joined to at publish time so receiving processes can
// target local sessions that share a room without any global membership view.
type PresenceEvent struct {
	UserID    string    `json:"userId"`
	Status    string    `json:"status"`
	Activity  *Activity `json:"activity,omitempty"`
	Rooms     []string  `json:"rooms,omitempty"`
	UpdatedAt int64     `json:"updatedAt"` // unix ms
	Origin    string    `json:"origin,omitempty"`
}

// Subscription is a live topic subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bridge is the only channel through which gateway processes coordinate.
// Implementations must invoke a room subscription's handler sequentially so
// per-room delivery order is preserved on each process.
type Bridge interface {
	PublishRoom(ctx context.Context, ev RoomEvent) error
	SubscribeRoom(roomID string, h func(RoomEvent)) (Subscription, error)

	PublishPresence(ctx context.Context, ev PresenceEvent) error
	SubscribePresence(h func(PresenceEvent)) (Subscription, error)

	// ServeCounts registers the local member-count source consulted when
	// other processes ask for a cluster-wide room member estimate.
	ServeCounts(fn func(roomID string) int)

	// MemberCount returns a best-effort cluster-wide member count for the
	// room, including this process. Eventual within one fan-out round trip.
	MemberCount(ctx context.Context, roomID string) (int, error)

	Close() error
}

// encodeRoom makes an arbitrary room id safe for use inside a subject or
// routing key (NATS tokens and AMQP keys both reject dots and spaces).
func encodeRoom(roomID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(roomID))
}

func decodeRoom(enc string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
