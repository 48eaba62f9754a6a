package storage

import "time"

type User struct {
	ID          int64      `json:"id"`
	Username    string     `json:"username"`
	DisplayName string     `json:"display_name"`
	AvatarURL   string     `json:"avatar_url,omitempty"`
	Online      bool       `json:"online"`
	LastSeen    *time.Time `json:"last_seen"`
	CreatedAt   time.Time  `json:"created_at"`
}

type Message struct {
	ID              int64     `json:"id"`
	ConversationKey string    `json:"conversation_key"`
	Sender          int64     `json:"sender"`
	Text            string    `json:"text"`
	CreatedAt       time.Time `json:"created_at"`
}

// ConversationSummary is one user's view of one conversation.
// Each participant owns exactly one row per conversation.
type ConversationSummary struct {
	ConversationKey string    `json:"conversation_key"`
	Peer            int64     `json:"peer"`
	LastMessageID   int64     `json:"last_message_id"`
	LastMessageText string    `json:"last_message_text"`
	LastMessageAt   time.Time `json:"last_message_at"`
	UnreadCount     int32     `json:"unread_count"`
}
