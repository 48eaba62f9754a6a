// Package presence tracks per-user online/offline state with heartbeat
// timeout detection.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"awurachat-backend/internal/realtime"
)

const defaultTimeout = 30 * time.Second

// Store is the durable side of presence: last-seen stamps survive restarts.
type Store interface {
	SetOnline(ctx context.Context, user int64) error
	SetOffline(ctx context.Context, user int64, lastSeen time.Time) error
}

// State is an atomic snapshot of one user's presence.
// LastSeen is nil exactly while the user is online or was never seen.
type State struct {
	Online   bool
	LastSeen *time.Time
}

type entry struct {
	online   bool
	lastSeen time.Time // zero while online
	lastBeat time.Time
}

// Tracker owns the in-memory presence state. The heartbeat timeout is the
// ground truth for disconnect detection: an explicit Disconnect merely
// accelerates what the sweep loop would conclude on its own, since the
// transport cannot promise a close signal for every lost connection.
type Tracker struct {
	logger  *zap.SugaredLogger
	store   Store
	hub     realtime.Publisher
	timeout time.Duration

	mu      sync.Mutex
	entries map[int64]*entry
	writes  map[int64]*sync.Mutex
}

type Option func(*Tracker)

// Timeout overrides the heartbeat expiry interval.
func Timeout(d time.Duration) Option {
	return func(t *Tracker) {
		t.timeout = d
	}
}

func NewTracker(logger *zap.SugaredLogger, store Store, hub realtime.Publisher, opts ...Option) *Tracker {
	t := &Tracker{
		logger:  logger,
		store:   store,
		hub:     hub,
		timeout: defaultTimeout,
		entries: make(map[int64]*entry),
		writes:  make(map[int64]*sync.Mutex),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Connect transitions the user online and clears its last-seen stamp.
func (t *Tracker) Connect(ctx context.Context, user int64) {
	now := time.Now()

	t.mu.Lock()
	e, ok := t.entries[user]
	if !ok {
		e = &entry{}
		t.entries[user] = e
	}
	wasOnline := e.online
	e.online = true
	e.lastSeen = time.Time{}
	e.lastBeat = now
	t.mu.Unlock()

	if wasOnline {
		return
	}

	t.logger.Debugf("User (id: %d) is online", user)

	t.syncPresence(ctx, user)
}

// Heartbeat refreshes the internal last-heartbeat stamp. It never changes
// state; a heartbeat from an offline user is dropped.
func (t *Tracker) Heartbeat(user int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[user]
	if !ok || !e.online {
		return
	}
	e.lastBeat = time.Now()
}

// Disconnect transitions the user offline, e.g. on explicit sign-out or a
// transport close signal. Flipping online and stamping lastSeen happen under
// one lock acquisition, so Snapshot never observes one without the other.
func (t *Tracker) Disconnect(ctx context.Context, user int64) {
	at := time.Now()

	t.mu.Lock()
	e, ok := t.entries[user]
	if !ok || !e.online {
		t.mu.Unlock()
		return
	}
	e.online = false
	e.lastSeen = at
	t.mu.Unlock()

	t.logger.Debugf("User (id: %d) is offline, last seen %s", user, at)
	t.syncPresence(ctx, user)
}

// expireIfStale is the timeout path of the offline transition. The staleness
// condition is re-checked under the lock: a user who reconnected or beat
// between the sweep scan and this call stays online.
func (t *Tracker) expireIfStale(ctx context.Context, user int64, deadline time.Time) {
	t.mu.Lock()
	e, ok := t.entries[user]
	if !ok || !e.online || !e.lastBeat.Before(deadline) {
		t.mu.Unlock()
		return
	}
	// the final heartbeat is the closest known moment the user was there
	at := e.lastBeat
	e.online = false
	e.lastSeen = at
	t.mu.Unlock()

	t.logger.Infof("Heartbeat timeout for user (id: %d), last seen %s", user, at)
	t.syncPresence(ctx, user)
}

// writeLock returns the mutex ordering one user's presence write-throughs.
func (t *Tracker) writeLock(user int64) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.writes[user]
	if !ok {
		l = &sync.Mutex{}
		t.writes[user] = l
	}
	return l
}

// syncPresence persists and announces the user's current presence. Racing
// transitions serialize on the per-user write lock and each holder re-reads
// state after acquiring it, so the final store row and the final event carry
// the latest transition even when an earlier write-through is slow.
func (t *Tracker) syncPresence(ctx context.Context, user int64) {
	lock := t.writeLock(user)
	lock.Lock()
	defer lock.Unlock()

	t.mu.Lock()
	e, ok := t.entries[user]
	if !ok {
		t.mu.Unlock()
		return
	}
	online, lastSeen := e.online, e.lastSeen
	t.mu.Unlock()

	if online {
		if err := t.store.SetOnline(ctx, user); err != nil {
			t.logger.Errorf("persisting online state for user (id: %d): %v", user, err)
		}
		t.hub.Publish(realtime.UserTopic(user), realtime.PresenceEvent{User: user, Online: true})
		return
	}

	if err := t.store.SetOffline(ctx, user, lastSeen); err != nil {
		t.logger.Errorf("persisting offline state for user (id: %d): %v", user, err)
	}
	at := lastSeen
	t.hub.Publish(realtime.UserTopic(user), realtime.PresenceEvent{User: user, Online: false, LastSeen: &at})
}

// Snapshot returns the user's current presence. Users never seen before are offline.
func (t *Tracker) Snapshot(user int64) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[user]
	if !ok {
		return State{}
	}
	if e.online {
		return State{Online: true}
	}
	if e.lastSeen.IsZero() {
		return State{}
	}

	lastSeen := e.lastSeen
	return State{LastSeen: &lastSeen}
}

// Run sweeps for silent disconnects until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	t.logger.Info("Starting presence sweep loop")

	ticker := time.NewTicker(t.sweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("Presence sweep loop stopped")
			return ctx.Err()
		case <-ticker.C:
			t.sweep(ctx)
		}
	}
}

func (t *Tracker) sweepInterval() time.Duration {
	interval := t.timeout / 3
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	return interval
}

func (t *Tracker) sweep(ctx context.Context) {
	deadline := time.Now().Add(-t.timeout)

	t.mu.Lock()
	var stale []int64
	for user, e := range t.entries {
		if e.online && e.lastBeat.Before(deadline) {
			stale = append(stale, user)
		}
	}
	t.mu.Unlock()

	for _, user := range stale {
		t.expireIfStale(ctx, user, deadline)
	}
}
