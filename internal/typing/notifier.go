// Package typing keeps ephemeral, auto-expiring typing indicators.
// Nothing here is persisted; a restart simply forgets who was typing.
package typing

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"awurachat-backend/internal/realtime"
)

const defaultWindow = 3 * time.Second

type signalKey struct {
	conversation string
	user         int64
}

// Notifier publishes typing indicators on the conversation topic and expires
// them after a short window unless refreshed.
type Notifier struct {
	logger *zap.SugaredLogger
	hub    realtime.Publisher
	window time.Duration

	mu     sync.Mutex
	timers map[signalKey]*time.Timer
}

type Option func(*Notifier)

// Window overrides the auto-expiry interval.
func Window(d time.Duration) Option {
	return func(n *Notifier) {
		n.window = d
	}
}

func NewNotifier(logger *zap.SugaredLogger, hub realtime.Publisher, opts ...Option) *Notifier {
	n := &Notifier{
		logger: logger,
		hub:    hub,
		window: defaultWindow,
		timers: make(map[signalKey]*time.Timer),
	}

	for _, opt := range opts {
		opt(n)
	}

	return n
}

// Set marks the user as typing in the conversation. The first call publishes
// a typing event; repeated calls within the window just push the expiry out.
func (n *Notifier) Set(conversation string, user int64) {
	k := signalKey{conversation, user}

	n.mu.Lock()
	if timer, ok := n.timers[k]; ok {
		timer.Reset(n.window)
		n.mu.Unlock()
		return
	}
	n.timers[k] = time.AfterFunc(n.window, func() {
		n.expire(k)
	})
	n.mu.Unlock()

	n.hub.Publish(realtime.ConversationTopic(conversation),
		realtime.TypingEvent{ConversationKey: conversation, User: user, Typing: true})
}

// Clear stops the indicator early, e.g. when the message is sent.
// Clearing a user who is not typing is a no-op.
func (n *Notifier) Clear(conversation string, user int64) {
	k := signalKey{conversation, user}

	n.mu.Lock()
	timer, ok := n.timers[k]
	if !ok {
		n.mu.Unlock()
		return
	}
	timer.Stop()
	delete(n.timers, k)
	n.mu.Unlock()

	n.hub.Publish(realtime.ConversationTopic(conversation),
		realtime.TypingEvent{ConversationKey: conversation, User: user, Typing: false})
}

func (n *Notifier) expire(k signalKey) {
	n.mu.Lock()
	if _, ok := n.timers[k]; !ok {
		// cleared concurrently
		n.mu.Unlock()
		return
	}
	delete(n.timers, k)
	n.mu.Unlock()

	n.logger.Debugf("Typing indicator expired for user (id: %d) in conversation (%s)", k.user, k.conversation)

	n.hub.Publish(realtime.ConversationTopic(k.conversation),
		realtime.TypingEvent{ConversationKey: k.conversation, User: k.user, Typing: false})
}
