package chat

import (
	"context"
	"sync"

	"awurachat-backend/internal/convkey"
	"awurachat-backend/internal/realtime"
	"awurachat-backend/internal/storage"
)

// Stream is a live, ordered feed of one conversation's messages. It replays
// stored messages after the requested id, then keeps delivering new appends
// until closed. Messages arrive whole or not at all.
type Stream struct {
	messages chan storage.Message
	sub      *realtime.Subscription
	done     chan struct{}
	once     sync.Once
}

// Open starts a stream for the conversation, resuming after sinceID (zero
// replays everything). The hub subscription is taken out before the replay
// query runs, so an append landing in between is never missed; overlap is
// removed by message id.
func (s *Service) Open(ctx context.Context, key string, sinceID int64) (*Stream, error) {
	if _, _, err := convkey.Participants(key); err != nil {
		return nil, err
	}

	sub := s.hub.Subscribe(realtime.ConversationTopic(key))

	history, err := s.store.MessagesSince(ctx, key, sinceID)
	if err != nil {
		sub.Close()
		return nil, err
	}

	st := &Stream{
		messages: make(chan storage.Message),
		sub:      sub,
		done:     make(chan struct{}),
	}

	go st.run(ctx, history)

	return st, nil
}

// C delivers the stream's messages. It closes when the stream is closed, the
// context is cancelled, or the hub evicted this consumer for stalling.
func (st *Stream) C() <-chan storage.Message {
	return st.messages
}

// Close stops delivery and releases the hub registration. Safe to call on
// any exit path, more than once.
func (st *Stream) Close() {
	st.once.Do(func() {
		close(st.done)
		st.sub.Close()
	})
}

func (st *Stream) run(ctx context.Context, history []storage.Message) {
	defer close(st.messages)
	defer st.Close()

	var lastID int64
	for _, m := range history {
		if !st.deliver(ctx, m) {
			return
		}
		lastID = m.ID
	}

	for ev := range st.sub.C() {
		me, ok := ev.(realtime.MessageEvent)
		if !ok || me.Message.ID <= lastID {
			// typing events share the topic; duplicates overlap the replay
			continue
		}
		if !st.deliver(ctx, me.Message) {
			return
		}
		lastID = me.Message.ID
	}
}

func (st *Stream) deliver(ctx context.Context, m storage.Message) bool {
	select {
	case st.messages <- m:
		return true
	case <-st.done:
		return false
	case <-ctx.Done():
		return false
	}
}
