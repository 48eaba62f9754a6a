package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"

	"awurachat-backend/internal/storage/zapadapter"
)

var (
	ErrUserExists       = errors.New("user already exists")
	ErrUserNotExist     = errors.New("user does not exist")
	ErrMessageBadSender = errors.New("bad sender id")
)

// Store defines fields used in db interaction processes
type Store struct {
	logger *zap.SugaredLogger
	db     *pgxpool.Pool
}

// New sets provided zap.Logger via zapadapter to pgxpool.Pool and returns instance of Store struct
func New(ctx context.Context, logger *zap.SugaredLogger, cfg Config, opts ...Option) (*Store, error) {
	config, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, err
	}
	config.ConnConfig.Logger = zapadapter.NewLogger(logger.Desugar())

	for _, opt := range opts {
		opt.apply(config)
	}

	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, err
	}

	return &Store{
		logger: logger,
		db:     pool,
	}, nil
}

// Close releases the underlying connection pool
func (s *Store) Close() {
	s.db.Close()
}

// CreateUser creates user and returns its id.
func (s *Store) CreateUser(ctx context.Context, username, displayName, avatarURL string) (int64, error) {
	s.logger.Debugf("Creating user (%s)", username)

	var avatar interface{}
	if avatarURL != "" {
		avatar = avatarURL
	}

	var id int64
	sql := `insert into users (username, display_name, avatar_url, is_online, created_at)
			values ($1, $2, $3, false, $4) returning id`
	err := s.db.QueryRow(ctx, sql, username, displayName, avatar, time.Now()).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.UniqueViolation {
				return 0, ErrUserExists
			}
		}
		return 0, err
	}

	s.logger.Debugf("Created user (%s) with id %d", username, id)

	return id, nil
}

// UserByID returns a single user with its presence fields
func (s *Store) UserByID(ctx context.Context, id int64) (User, error) {
	sql := `select id, username, display_name, avatar_url, is_online, last_seen, created_at
			  from users where id = $1`

	var (
		u        User
		avatar   pgtype.Text
		lastSeen pgtype.Timestamptz
	)
	err := s.db.QueryRow(ctx, sql, id).
		Scan(&u.ID, &u.Username, &u.DisplayName, &avatar, &u.Online, &lastSeen, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotExist
		}
		return User{}, err
	}

	if avatar.Status == pgtype.Present {
		u.AvatarURL = avatar.String
	}
	if lastSeen.Status == pgtype.Present {
		t := lastSeen.Time
		u.LastSeen = &t
	}

	return u, nil
}

// SetOnline marks the user online and clears its last_seen stamp
func (s *Store) SetOnline(ctx context.Context, user int64) error {
	tag, err := s.db.Exec(ctx, "update users set is_online = true, last_seen = null where id = $1", user)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotExist
	}
	return nil
}

// SetOffline marks the user offline and stamps last_seen in a single statement,
// so no reader observes an offline user without a last_seen value
func (s *Store) SetOffline(ctx context.Context, user int64, lastSeen time.Time) error {
	tag, err := s.db.Exec(ctx, "update users set is_online = false, last_seen = $2 where id = $1", user, lastSeen)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotExist
	}
	return nil
}

// AppendMessage persists a message and updates both participants' conversation
// summaries within one transaction. The sender's unread count is untouched,
// the recipient's grows by one. created_at is clamped to the latest stamp
// already present in the conversation, keeping per-conversation order
// non-decreasing even when the wall clock steps backwards.
func (s *Store) AppendMessage(ctx context.Context, key string, sender, recipient int64, text string) (Message, error) {
	s.logger.Debugf("Appending message from user (id: %d) to conversation (%s)", sender, key)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Message{}, err
	}
	// error handling can be omitted for rollback according docs
	// see https://pkg.go.dev/github.com/jackc/pgx/v4?tab=doc#hdr-Transactions or any source comment on Rollback
	defer tx.Rollback(context.Background())

	m := Message{
		ConversationKey: key,
		Sender:          sender,
		Text:            text,
	}

	sql := `insert into messages (conversation_key, sender_id, text, created_at)
			values ($1, $2, $3,
					greatest(now(), coalesce(
						(select max(created_at) from messages where conversation_key = $1),
						'epoch'::timestamptz)))
			returning id, created_at`
	err = tx.QueryRow(ctx, sql, key, sender, text).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.ForeignKeyViolation {
				return Message{}, ErrMessageBadSender
			}
		}
		return Message{}, err
	}

	upsert := `insert into conversation_summaries
				(user_id, conversation_key, peer_id, last_message_id, last_message_text, last_message_at, unread_count)
			   values ($1, $2, $3, $4, $5, $6, $7)
			   on conflict (user_id, conversation_key) do update
			   set last_message_id   = excluded.last_message_id,
				   last_message_text = excluded.last_message_text,
				   last_message_at   = excluded.last_message_at,
				   unread_count      = conversation_summaries.unread_count + $7`

	// sender has read their own message
	_, err = tx.Exec(ctx, upsert, sender, key, recipient, m.ID, m.Text, m.CreatedAt, 0)
	if err != nil {
		return Message{}, err
	}

	_, err = tx.Exec(ctx, upsert, recipient, key, sender, m.ID, m.Text, m.CreatedAt, 1)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.ForeignKeyViolation {
				return Message{}, ErrUserNotExist
			}
		}
		return Message{}, err
	}

	err = tx.Commit(ctx)
	if err != nil {
		return Message{}, err
	}

	return m, nil
}

// MessagesPage returns up to limit messages of the conversation strictly
// before beforeID (the tail when beforeID is zero), newest first
func (s *Store) MessagesPage(ctx context.Context, key string, beforeID int64, limit int32) ([]Message, error) {
	s.logger.Debugf("Retrieving page of %d messages for conversation (%s)", limit, key)

	sql := `select id, conversation_key, sender_id, text, created_at
			  from messages
			 where conversation_key = $1
			   and ($2 = 0 or id < $2)
			 order by created_at desc, id desc
			 limit $3`

	rows, err := s.db.Query(ctx, sql, key, beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

// MessagesSince returns all conversation messages with id greater than
// sinceID in chronological order, ties broken by insertion order
func (s *Store) MessagesSince(ctx context.Context, key string, sinceID int64) ([]Message, error) {
	sql := `select id, conversation_key, sender_id, text, created_at
			  from messages
			 where conversation_key = $1
			   and id > $2
			 order by created_at asc, id asc`

	rows, err := s.db.Query(ctx, sql, key, sinceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

func scanMessages(rows pgx.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		var m Message
		err := rows.Scan(&m.ID, &m.ConversationKey, &m.Sender, &m.Text, &m.CreatedAt)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return messages, nil
}

// SummariesByUserID returns the user's conversation summaries ordered by the
// time of the last message (from latest to oldest). Unknown users simply have
// no summaries, so the result is empty rather than an error.
func (s *Store) SummariesByUserID(ctx context.Context, user int64) ([]ConversationSummary, error) {
	s.logger.Debugf("Retrieving conversation summaries for user (id: %d)", user)

	sql := `select conversation_key, peer_id, last_message_id, last_message_text, last_message_at, unread_count
			  from conversation_summaries
			 where user_id = $1
			 order by last_message_at desc`

	rows, err := s.db.Query(ctx, sql, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []ConversationSummary
	for rows.Next() {
		var c ConversationSummary
		err = rows.Scan(&c.ConversationKey, &c.Peer, &c.LastMessageID, &c.LastMessageText, &c.LastMessageAt, &c.UnreadCount)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, c)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	s.logger.Debugf("Retrieved %d summaries", len(summaries))

	return summaries, nil
}

// MarkRead zeroes the user's unread count for the conversation.
// Marking an unknown summary read is a no-op, and repeating the call keeps the count at zero.
func (s *Store) MarkRead(ctx context.Context, user int64, key string) error {
	_, err := s.db.Exec(ctx,
		"update conversation_summaries set unread_count = 0 where user_id = $1 and conversation_key = $2",
		user, key)
	return err
}
