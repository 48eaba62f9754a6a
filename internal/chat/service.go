// Package chat wires the message store, conversation summaries, typing
// signals and the realtime hub into the operations the transport layer calls.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"awurachat-backend/internal/convkey"
	"awurachat-backend/internal/realtime"
	"awurachat-backend/internal/storage"
	"awurachat-backend/internal/typing"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

var (
	ErrEmptyMessage   = errors.New("message text must not be empty")
	ErrNotParticipant = errors.New("user is not a conversation participant")
)

// Store is the persistence surface the service needs. *storage.Store
// implements it.
type Store interface {
	AppendMessage(ctx context.Context, key string, sender, recipient int64, text string) (storage.Message, error)
	MessagesPage(ctx context.Context, key string, beforeID int64, limit int32) ([]storage.Message, error)
	MessagesSince(ctx context.Context, key string, sinceID int64) ([]storage.Message, error)
	SummariesByUserID(ctx context.Context, user int64) ([]storage.ConversationSummary, error)
	MarkRead(ctx context.Context, user int64, key string) error
}

// Service defines fields used by the messaging operations
type Service struct {
	logger *zap.SugaredLogger
	store  Store
	hub    *realtime.Hub
	typing *typing.Notifier

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewService(logger *zap.SugaredLogger, store Store, hub *realtime.Hub, notifier *typing.Notifier) *Service {
	return &Service{
		logger: logger,
		store:  store,
		hub:    hub,
		typing: notifier,
		locks:  make(map[string]*sync.Mutex),
	}
}

// keyLock returns the mutex serializing appends to one conversation.
// Appends to different conversations proceed concurrently.
func (s *Service) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// participant validates key and checks that user belongs to it, returning the peer.
func participant(key string, user int64) (int64, error) {
	a, b, err := convkey.Participants(key)
	if err != nil {
		return 0, err
	}

	switch user {
	case a:
		return b, nil
	case b:
		return a, nil
	default:
		return 0, ErrNotParticipant
	}
}

// Send validates, durably appends and fans out one message. The append and
// both summary updates commit in one transaction, so a failure leaves no
// partial state and no events are published for it.
func (s *Service) Send(ctx context.Context, key string, sender int64, text string) (storage.Message, error) {
	if strings.TrimSpace(text) == "" {
		return storage.Message{}, ErrEmptyMessage
	}

	recipient, err := participant(key, sender)
	if err != nil {
		return storage.Message{}, err
	}

	lock := s.keyLock(key)
	lock.Lock()
	m, err := s.store.AppendMessage(ctx, key, sender, recipient, text)
	if err != nil {
		lock.Unlock()
		return storage.Message{}, err
	}

	// sending implies the author stopped typing
	s.typing.Clear(key, sender)

	// the conversation-topic publish stays under the append lock: events on
	// this topic must leave in message-id order, live streams dedup on ids
	s.hub.Publish(realtime.ConversationTopic(key), realtime.MessageEvent{Message: m})
	lock.Unlock()

	s.hub.Publish(realtime.UserTopic(sender), realtime.SummaryEvent{User: sender, ConversationKey: key})
	s.hub.Publish(realtime.UserTopic(recipient), realtime.SummaryEvent{User: recipient, ConversationKey: key})

	return m, nil
}

// Recent returns a finite page of the conversation's most recent messages,
// newest first, strictly before beforeID (tail when zero). Chronological
// rendering is the caller's view: reverse the page.
func (s *Service) Recent(ctx context.Context, key string, beforeID int64, limit int32) ([]storage.Message, error) {
	if _, _, err := convkey.Participants(key); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	return s.store.MessagesPage(ctx, key, beforeID, limit)
}

// Conversations lists the user's conversation summaries, most recently
// active first. Unknown users have no conversations.
func (s *Service) Conversations(ctx context.Context, user int64) ([]storage.ConversationSummary, error) {
	return s.store.SummariesByUserID(ctx, user)
}

// MarkRead zeroes the user's unread count for the conversation and signals
// the summary change. Idempotent; a no-op for unknown conversations.
func (s *Service) MarkRead(ctx context.Context, user int64, key string) error {
	if _, err := participant(key, user); err != nil {
		return err
	}

	if err := s.store.MarkRead(ctx, user, key); err != nil {
		return err
	}

	s.hub.Publish(realtime.UserTopic(user), realtime.SummaryEvent{User: user, ConversationKey: key})

	return nil
}

// SetTyping marks the user as typing in the conversation.
func (s *Service) SetTyping(key string, user int64) error {
	if _, err := participant(key, user); err != nil {
		return err
	}
	s.typing.Set(key, user)
	return nil
}

// ClearTyping stops the user's typing indicator early.
func (s *Service) ClearTyping(key string, user int64) error {
	if _, err := participant(key, user); err != nil {
		return err
	}
	s.typing.Clear(key, user)
	return nil
}

// WatchUser subscribes to a user's presence and summary events.
func (s *Service) WatchUser(user int64) *realtime.Subscription {
	return s.hub.Subscribe(realtime.UserTopic(user))
}

// WatchConversation subscribes to a conversation's raw event feed (messages
// and typing signals). Callers needing replay use Open instead.
func (s *Service) WatchConversation(key string) (*realtime.Subscription, error) {
	if _, _, err := convkey.Participants(key); err != nil {
		return nil, err
	}
	return s.hub.Subscribe(realtime.ConversationTopic(key)), nil
}
