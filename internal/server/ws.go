package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/valyala/fastjson"
	"nhooyr.io/websocket"

	"awurachat-backend/internal/chat"
	"awurachat-backend/internal/realtime"
)

// envelope is the wire form of every server-pushed websocket event
type envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// wsSession is one live client connection. The connection lifecycle drives
// presence: open connects the user, "heartbeat" frames keep it alive and
// teardown disconnects it (the tracker's timeout covers silent losses).
type wsSession struct {
	h      *handler
	user   int64
	out    chan []byte
	cancel context.CancelFunc

	mu      sync.Mutex
	streams map[string]*chat.Stream
	convs   map[string]*realtime.Subscription
	users   map[int64]*realtime.Subscription
	wg      sync.WaitGroup
}

// websocket handles GET requests on "/ws" endpoint. The caller's user id
// arrives as a query parameter and is assumed authenticated upstream.
func (h *handler) websocket(w http.ResponseWriter, r *http.Request) {
	user, err := strconv.ParseInt(r.URL.Query().Get("user"), 10, 64)
	if err != nil || user < 1 {
		http.Error(w, "Query parameter \"user\" must be a valid user id greater than zero", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Errorf("websocket accept: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())

	session := &wsSession{
		h:       h,
		user:    user,
		out:     make(chan []byte, 128),
		cancel:  cancel,
		streams: make(map[string]*chat.Stream),
		convs:   make(map[string]*realtime.Subscription),
		users:   make(map[int64]*realtime.Subscription),
	}

	h.tracker.Connect(ctx, user)
	// the request context is gone by teardown time
	defer h.tracker.Disconnect(context.Background(), user)
	defer session.teardown()

	// a client always observes its own summary and presence events
	session.watchUser(ctx, user)

	go session.writeLoop(ctx, conn)

	session.readLoop(ctx, conn)
}

func (s *wsSession) readLoop(ctx context.Context, conn *websocket.Conn) {
	var p fastjson.Parser

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.h.logger.Debugf("websocket closed for user (id: %d): %v", s.user, err)
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}

		v, err := p.ParseBytes(data)
		if err != nil {
			continue
		}

		switch string(v.GetStringBytes("op")) {
		case "heartbeat":
			s.h.tracker.Heartbeat(s.user)
		case "subscribe":
			s.subscribe(ctx, string(v.GetStringBytes("conversation")), v.GetInt64("since_id"))
		case "unsubscribe":
			s.unsubscribe(string(v.GetStringBytes("conversation")))
		case "watch":
			s.watchUser(ctx, v.GetInt64("user"))
		case "unwatch":
			s.unwatchUser(v.GetInt64("user"))
		case "typing":
			key := string(v.GetStringBytes("conversation"))
			if v.GetBool("typing") || !v.Exists("typing") {
				_ = s.h.core.SetTyping(key, s.user)
			} else {
				_ = s.h.core.ClearTyping(key, s.user)
			}
		}
	}
}

func (s *wsSession) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-s.out:
			if !ok {
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				s.cancel()
				return
			}
		}
	}
}

// push serializes one event onto the outbound queue. A client that stops
// reading fills the queue; pumps then stall on their hub buffers and get
// evicted, which ends the session instead of wedging the hub.
func (s *wsSession) push(ctx context.Context, kind string, data interface{}) bool {
	payload, err := json.Marshal(envelope{Type: kind, Data: data})
	if err != nil {
		s.h.logger.Errorf("marshaling websocket event: %v", err)
		return true
	}

	select {
	case s.out <- payload:
		return true
	case <-ctx.Done():
		return false
	}
}

// subscribe opens a live message stream (with replay after sinceID) plus the
// conversation's typing feed. Subscribing again restarts the stream.
func (s *wsSession) subscribe(ctx context.Context, key string, sinceID int64) {
	stream, err := s.h.core.Open(ctx, key, sinceID)
	if err != nil {
		s.push(ctx, "error", map[string]string{"reason": "bad conversation key", "conversation": key})
		return
	}

	sub, err := s.h.core.WatchConversation(key)
	if err != nil {
		stream.Close()
		return
	}

	s.mu.Lock()
	if prev, ok := s.streams[key]; ok {
		prev.Close()
	}
	if prev, ok := s.convs[key]; ok {
		prev.Close()
	}
	s.streams[key] = stream
	s.convs[key] = sub
	s.mu.Unlock()

	s.wg.Add(2)

	go func() {
		defer s.wg.Done()
		for m := range stream.C() {
			if !s.push(ctx, "message", m) {
				return
			}
		}
	}()

	go func() {
		defer s.wg.Done()
		for ev := range sub.C() {
			typing, ok := ev.(realtime.TypingEvent)
			if !ok {
				// message events arrive through the stream
				continue
			}
			if !s.push(ctx, "typing", typing) {
				return
			}
		}
	}()
}

func (s *wsSession) unsubscribe(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stream, ok := s.streams[key]; ok {
		stream.Close()
		delete(s.streams, key)
	}
	if sub, ok := s.convs[key]; ok {
		sub.Close()
		delete(s.convs, key)
	}
}

// watchUser forwards a user topic (presence and summary events) to the client.
func (s *wsSession) watchUser(ctx context.Context, user int64) {
	if user < 1 {
		return
	}

	s.mu.Lock()
	if _, ok := s.users[user]; ok {
		s.mu.Unlock()
		return
	}
	sub := s.h.core.WatchUser(user)
	s.users[user] = sub
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for ev := range sub.C() {
			switch typed := ev.(type) {
			case realtime.PresenceEvent:
				if !s.push(ctx, "presence", typed) {
					return
				}
			case realtime.SummaryEvent:
				if !s.push(ctx, "summary", typed) {
					return
				}
			}
		}
	}()
}

func (s *wsSession) unwatchUser(user int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub, ok := s.users[user]; ok {
		sub.Close()
		delete(s.users, user)
	}
}

// teardown releases every stream and subscription held by the session.
// Runs on all exit paths, including abrupt connection loss.
func (s *wsSession) teardown() {
	s.cancel()

	s.mu.Lock()
	for key, stream := range s.streams {
		stream.Close()
		delete(s.streams, key)
	}
	for key, sub := range s.convs {
		sub.Close()
		delete(s.convs, key)
	}
	for user, sub := range s.users {
		sub.Close()
		delete(s.users, user)
	}
	s.mu.Unlock()

	s.wg.Wait()
}
