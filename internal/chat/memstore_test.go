package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"awurachat-backend/internal/storage"
)

// memStore mirrors the store contract in memory: appends are atomic with
// both summary updates, created_at never decreases within a conversation.
type memStore struct {
	mu        sync.Mutex
	nextID    int64
	messages  map[string][]storage.Message
	summaries map[int64]map[string]*storage.ConversationSummary
}

func newMemStore() *memStore {
	return &memStore{
		messages:  make(map[string][]storage.Message),
		summaries: make(map[int64]map[string]*storage.ConversationSummary),
	}
}

func (s *memStore) AppendMessage(_ context.Context, key string, sender, recipient int64, text string) (storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	createdAt := time.Now()
	if prev := s.messages[key]; len(prev) > 0 {
		if last := prev[len(prev)-1].CreatedAt; createdAt.Before(last) {
			createdAt = last
		}
	}

	m := storage.Message{
		ID:              s.nextID,
		ConversationKey: key,
		Sender:          sender,
		Text:            text,
		CreatedAt:       createdAt,
	}
	s.messages[key] = append(s.messages[key], m)

	s.upsertSummary(sender, key, recipient, m, 0)
	s.upsertSummary(recipient, key, sender, m, 1)

	return m, nil
}

func (s *memStore) upsertSummary(user int64, key string, peer int64, m storage.Message, unreadDelta int32) {
	byKey, ok := s.summaries[user]
	if !ok {
		byKey = make(map[string]*storage.ConversationSummary)
		s.summaries[user] = byKey
	}

	summary, ok := byKey[key]
	if !ok {
		summary = &storage.ConversationSummary{ConversationKey: key, Peer: peer}
		byKey[key] = summary
	}
	summary.LastMessageID = m.ID
	summary.LastMessageText = m.Text
	summary.LastMessageAt = m.CreatedAt
	summary.UnreadCount += unreadDelta
}

func (s *memStore) MessagesPage(_ context.Context, key string, beforeID int64, limit int32) ([]storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var page []storage.Message
	all := s.messages[key]
	for i := len(all) - 1; i >= 0 && int32(len(page)) < limit; i-- {
		if beforeID == 0 || all[i].ID < beforeID {
			page = append(page, all[i])
		}
	}
	return page, nil
}

func (s *memStore) MessagesSince(_ context.Context, key string, sinceID int64) ([]storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []storage.Message
	for _, m := range s.messages[key] {
		if m.ID > sinceID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) SummariesByUserID(_ context.Context, user int64) ([]storage.ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []storage.ConversationSummary
	for _, summary := range s.summaries[user] {
		out = append(out, *summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	return out, nil
}

func (s *memStore) MarkRead(_ context.Context, user int64, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if summary, ok := s.summaries[user][key]; ok {
		summary.UnreadCount = 0
	}
	return nil
}
