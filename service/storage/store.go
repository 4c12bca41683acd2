package storage

import (
	"context"
	"strings"
	"time"
)

// Message is the durable unit of room history. Seq is assigned by the store
// at persistence time and is the per-room replay order.
type Message struct {
	MessageID string    `json:"messageId"`
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	Content   string    `json:"content"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"createdAt"`
}

// MessageStore is the persistence collaborator. It is the durability boundary
// and the serialization point for seq allocation: the gateway never assigns
// sequence numbers itself.
type MessageStore interface {
	PersistMessage(ctx context.Context, roomID, userID, content string) (Message, error)
	FetchMessagesAfter(ctx context.Context, roomID string, afterSeq int64, limit int) ([]Message, error)
	// FetchUserRooms returns the rooms the user is a persisted member of,
	// consulted during the handshake (the in-memory registry is a cache).
	FetchUserRooms(ctx context.Context, userID string) ([]string, error)
}

// Verdict is the moderation collaborator's answer for a piece of content.
type Verdict struct {
	Flagged bool
	Score   float64
}

// Moderator is the optional content-moderation collaborator. A nil Moderator
// disables the check.
type Moderator interface {
	ModerateContent(ctx context.Context, content string) (Verdict, error)
}

// KeywordModerator flags content containing any blocked word. It stands in
// for the asynchronous classifier in dev and tests.
type KeywordModerator struct {
	words []string
}

func NewKeywordModerator(words []string) *KeywordModerator {
	out := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			out = append(out, w)
		}
	}
	return &KeywordModerator{words: out}
}

func (m *KeywordModerator) ModerateContent(ctx context.Context, content string) (Verdict, error) {
	lc := strings.ToLower(content)
	for _, w := range m.words {
		if strings.Contains(lc, w) {
			return Verdict{Flagged: true, Score: 1}, nil
		}
	}
	return Verdict{}, nil
}
