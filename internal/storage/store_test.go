package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"awurachat-backend/internal/convkey"
	mytesting "awurachat-backend/internal/testing"
)

// Tests in this file run against a live database prepared with cmd/migrate.
// They are skipped unless STORAGE_TEST=1 is set.
func bootstrap(t *testing.T) *Store {
	if os.Getenv("STORAGE_TEST") != "1" {
		t.Skip("set STORAGE_TEST=1 to run storage integration tests")
	}

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	cfg := Config{}
	require.NoError(t, env.Parse(&cfg))

	s, err := New(context.Background(), logger.Sugar(), cfg, ConnectionTimeout(10*time.Second))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	return s
}

func createPair(t *testing.T, s *Store) (int64, int64, string) {
	ctx := context.Background()

	a, err := s.CreateUser(ctx, mytesting.RandString(), "Alice", "")
	require.NoError(t, err)
	b, err := s.CreateUser(ctx, mytesting.RandString(), "Bob", "")
	require.NoError(t, err)

	key, err := convkey.New(a, b)
	require.NoError(t, err)

	return a, b, key
}

func TestCreateUser(t *testing.T) {
	s := bootstrap(t)

	_, err := s.CreateUser(context.Background(), mytesting.RandString(), "Test User", "https://cdn.example/avatar.png")
	require.NoError(t, err)
}

func TestCreateUserExists(t *testing.T) {
	s := bootstrap(t)

	username := mytesting.RandString()
	_, err := s.CreateUser(context.Background(), username, "First", "")
	require.NoError(t, err)
	_, err = s.CreateUser(context.Background(), username, "Second", "")
	require.Equal(t, ErrUserExists, err)
}

func TestUserByIDNotExist(t *testing.T) {
	s := bootstrap(t)

	_, err := s.UserByID(context.Background(), -1)
	require.Equal(t, ErrUserNotExist, err)
}

func TestAppendMessageUpdatesSummaries(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	a, b, key := createPair(t, s)

	m, err := s.AppendMessage(ctx, key, a, b, "hello")
	require.NoError(t, err)
	require.NotZero(t, m.ID)
	require.Equal(t, key, m.ConversationKey)

	senderView, err := s.SummariesByUserID(ctx, a)
	require.NoError(t, err)
	require.Len(t, senderView, 1)
	require.Equal(t, m.ID, senderView[0].LastMessageID)
	require.Equal(t, int32(0), senderView[0].UnreadCount)
	require.Equal(t, b, senderView[0].Peer)

	recipientView, err := s.SummariesByUserID(ctx, b)
	require.NoError(t, err)
	require.Len(t, recipientView, 1)
	require.Equal(t, m.ID, recipientView[0].LastMessageID)
	require.Equal(t, int32(1), recipientView[0].UnreadCount)
	require.Equal(t, a, recipientView[0].Peer)
}

func TestAppendMessageBadSender(t *testing.T) {
	s := bootstrap(t)

	_, b, key := createPair(t, s)

	_, err := s.AppendMessage(context.Background(), key, -1, b, "hi")
	require.Equal(t, ErrMessageBadSender, err)
}

func TestMessagesOrdering(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	a, b, key := createPair(t, s)

	first, err := s.AppendMessage(ctx, key, a, b, "hello")
	require.NoError(t, err)
	second, err := s.AppendMessage(ctx, key, b, a, "hi")
	require.NoError(t, err)

	page, err := s.MessagesPage(ctx, key, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, "hi", page[0].Text)
	require.Equal(t, "hello", page[1].Text)
	require.False(t, page[0].CreatedAt.Before(page[1].CreatedAt))

	since, err := s.MessagesSince(ctx, key, 0)
	require.NoError(t, err)
	require.Len(t, since, 2)
	require.Equal(t, first.ID, since[0].ID)
	require.Equal(t, second.ID, since[1].ID)

	tail, err := s.MessagesSince(ctx, key, first.ID)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.Equal(t, second.ID, tail[0].ID)
}

func TestMarkReadIdempotent(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	a, b, key := createPair(t, s)

	_, err := s.AppendMessage(ctx, key, a, b, "hello")
	require.NoError(t, err)

	require.NoError(t, s.MarkRead(ctx, b, key))
	require.NoError(t, s.MarkRead(ctx, b, key))

	view, err := s.SummariesByUserID(ctx, b)
	require.NoError(t, err)
	require.Len(t, view, 1)
	require.Equal(t, int32(0), view[0].UnreadCount)

	// unknown summary is a no-op
	require.NoError(t, s.MarkRead(ctx, b, "998:999"))
}

func TestPresenceWriteThrough(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	a, _, _ := createPair(t, s)

	require.NoError(t, s.SetOnline(ctx, a))
	u, err := s.UserByID(ctx, a)
	require.NoError(t, err)
	require.True(t, u.Online)
	require.Nil(t, u.LastSeen)

	stamp := time.Now()
	require.NoError(t, s.SetOffline(ctx, a, stamp))
	u, err = s.UserByID(ctx, a)
	require.NoError(t, err)
	require.False(t, u.Online)
	require.NotNil(t, u.LastSeen)

	require.Equal(t, ErrUserNotExist, s.SetOnline(ctx, -1))
}
