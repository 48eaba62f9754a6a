package realtime

import (
	"strconv"
	"time"

	"awurachat-backend/internal/storage"
)

// Event is anything the hub can fan out to subscribers.
// Kind names the wire-level event type pushed to clients.
type Event interface {
	Kind() string
}

// MessageEvent is published on the conversation topic after a durable append.
type MessageEvent struct {
	Message storage.Message `json:"message"`
}

func (MessageEvent) Kind() string { return "message" }

// SummaryEvent is a lightweight signal published on a user topic whenever one
// of that user's conversation summaries changed. It intentionally carries no
// payload beyond the key: the client re-fetches its conversation list.
type SummaryEvent struct {
	User            int64  `json:"user"`
	ConversationKey string `json:"conversation_key"`
}

func (SummaryEvent) Kind() string { return "summary" }

// PresenceEvent is published on a user topic on every online/offline transition.
type PresenceEvent struct {
	User     int64      `json:"user"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen"`
}

func (PresenceEvent) Kind() string { return "presence" }

// TypingEvent is published on the conversation topic; never persisted.
type TypingEvent struct {
	ConversationKey string `json:"conversation_key"`
	User            int64  `json:"user"`
	Typing          bool   `json:"typing"`
}

func (TypingEvent) Kind() string { return "typing" }

// ConversationTopic is the hub topic carrying message and typing events.
func ConversationTopic(key string) string { return key }

// UserTopic is the hub topic carrying presence and summary events for a user.
func UserTopic(user int64) string { return "user:" + strconv.FormatInt(user, 10) }
