package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"awurachat-backend/internal/storage"
)

type wsFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// readFrame discards frames until one of the wanted type arrives
func readFrame(ctx context.Context, t *testing.T, conn *websocket.Conn, kind string) json.RawMessage {
	for {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)

		var frame wsFrame
		require.NoError(t, json.Unmarshal(data, &frame))
		if frame.Type == kind {
			return frame.Data
		}
	}
}

func TestWebSocketSubscribeReplaysAndStreams(t *testing.T) {
	h, _, tracker := bootstrapHandler(t)

	createTestUser(t, h, "alice")
	createTestUser(t, h, "bob")

	rr := post(t, h.sendMessage, `{"sender":1,"recipient":2,"text":"hello"}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	srv := httptest.NewServer(http.HandlerFunc(h.websocket))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, srv.URL+"?user=2", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		return tracker.Snapshot(2).Online
	}, time.Second, 10*time.Millisecond)

	err = conn.Write(ctx, websocket.MessageText, []byte(`{"op":"subscribe","conversation":"1:2","since_id":0}`))
	require.NoError(t, err)

	var replayed storage.Message
	require.NoError(t, json.Unmarshal(readFrame(ctx, t, conn, "message"), &replayed))
	require.Equal(t, "hello", replayed.Text)

	// the replayed frame proves the subscription is live, so a message sent
	// now must arrive without another replay
	_, err = h.core.Send(ctx, "1:2", 1, "hi again")
	require.NoError(t, err)

	var live storage.Message
	require.NoError(t, json.Unmarshal(readFrame(ctx, t, conn, "message"), &live))
	require.Equal(t, "hi again", live.Text)
	require.Greater(t, live.ID, replayed.ID)
}

func TestWebSocketTypingFrames(t *testing.T) {
	h, _, _ := bootstrapHandler(t)

	createTestUser(t, h, "alice")
	createTestUser(t, h, "bob")

	rr := post(t, h.sendMessage, `{"sender":1,"recipient":2,"text":"hello"}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	srv := httptest.NewServer(http.HandlerFunc(h.websocket))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, srv.URL+"?user=2", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	err = conn.Write(ctx, websocket.MessageText, []byte(`{"op":"subscribe","conversation":"1:2","since_id":0}`))
	require.NoError(t, err)
	readFrame(ctx, t, conn, "message")

	require.NoError(t, h.core.SetTyping("1:2", 1))

	var typing struct {
		User   int64 `json:"user"`
		Typing bool  `json:"typing"`
	}
	require.NoError(t, json.Unmarshal(readFrame(ctx, t, conn, "typing"), &typing))
	require.Equal(t, int64(1), typing.User)
	require.True(t, typing.Typing)
}

func TestWebSocketRejectsMissingUser(t *testing.T) {
	h, _, _ := bootstrapHandler(t)

	srv := httptest.NewServer(http.HandlerFunc(h.websocket))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
