package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pollsync/pollsync/internal/events"
)

func TestBackoffDelay_DoublesUpToCap(t *testing.T) {
	initial := time.Second
	max := 5 * time.Second

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		5 * time.Second,
		5 * time.Second,
		5 * time.Second,
	}
	for i, expected := range want {
		assert.Equal(t, expected, backoffDelay(i+1, initial, max), "attempt %d", i+1)
	}
}

func TestEmit_FailsFastWhileDisconnected(t *testing.T) {
	ch := NewChannel("ws://localhost:0/ws", DefaultOptions(), clockwork.NewRealClock())

	err := ch.Emit(events.EventTypeVotePoll, events.VotePollPayload{RoomID: "ROOM01"}, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnect_ExhaustsRetryBudget(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxReconnectAttempts = 2
	opts.ReconnectDelay = time.Millisecond
	opts.ReconnectDelayMax = 5 * time.Millisecond
	opts.HandshakeTimeout = 100 * time.Millisecond

	// Nothing listens on this port.
	ch := NewChannel("ws://127.0.0.1:1/ws", opts, clockwork.NewRealClock())

	err := ch.Connect(context.Background())
	assert.ErrorIs(t, err, ErrReconnectFailed)
	assert.Equal(t, StatusFailed, ch.Status())
}

// testServer accepts websocket connections and exposes them in order.
func testServer(t *testing.T) (*httptest.Server, chan *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	conns := make(chan *websocket.Conn, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)
	return srv, conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.ReconnectDelay = 10 * time.Millisecond
	opts.ReconnectDelayMax = 50 * time.Millisecond
	return opts
}

func TestChannel_DispatchesInboundEvents(t *testing.T) {
	srv, conns := testServer(t)
	ch := NewChannel(wsURL(srv), fastOptions(), clockwork.NewRealClock())
	defer ch.Dispose()

	received := make(chan json.RawMessage, 1)
	ch.On(events.EventTypeRoomData, func(data json.RawMessage) {
		received <- data
	})

	require.NoError(t, ch.Connect(context.Background()))
	assert.Equal(t, StatusConnected, ch.Status())

	server := <-conns
	require.NoError(t, server.WriteJSON(events.Envelope{
		Type: events.EventTypeRoomData,
		Data: json.RawMessage(`{"userCount":3,"polls":[]}`),
	}))

	select {
	case data := <-received:
		var payload events.RoomDataPayload
		require.NoError(t, json.Unmarshal(data, &payload))
		assert.Equal(t, 3, payload.UserCount)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inbound event")
	}
}

func TestChannel_EmitWithAcknowledgement(t *testing.T) {
	srv, conns := testServer(t)
	ch := NewChannel(wsURL(srv), fastOptions(), clockwork.NewRealClock())
	defer ch.Dispose()

	require.NoError(t, ch.Connect(context.Background()))
	server := <-conns

	acked := make(chan json.RawMessage, 1)
	require.NoError(t, ch.Emit(events.EventTypePing, struct{}{}, func(data json.RawMessage) {
		acked <- data
	}))

	var got events.Envelope
	require.NoError(t, server.ReadJSON(&got))
	assert.Equal(t, events.EventTypePing, got.Type)
	require.NotEmpty(t, got.ID)

	require.NoError(t, server.WriteJSON(events.Envelope{
		Ack:  got.ID,
		Data: json.RawMessage(`{"ok":true}`),
	}))

	select {
	case <-acked:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for acknowledgement")
	}
}

func TestChannel_ReconnectsAfterConnectionLoss(t *testing.T) {
	srv, conns := testServer(t)
	ch := NewChannel(wsURL(srv), fastOptions(), clockwork.NewRealClock())
	defer ch.Dispose()

	var mu sync.Mutex
	var seen []Status
	ch.OnStatusChange(func(s Status) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	require.NoError(t, ch.Connect(context.Background()))
	first := <-conns

	// Kill the server side of the socket; the client must redial.
	first.Close()

	select {
	case <-conns:
	case <-time.After(5 * time.Second):
		t.Fatal("client did not reconnect")
	}

	require.Eventually(t, func() bool {
		return ch.Status() == StatusConnected
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, seen, StatusReconnecting)
	assert.Equal(t, StatusConnected, seen[len(seen)-1])
}

func TestDispose_DeregistersHandlers(t *testing.T) {
	srv, conns := testServer(t)
	ch := NewChannel(wsURL(srv), fastOptions(), clockwork.NewRealClock())

	fired := make(chan struct{}, 1)
	ch.On(events.EventTypeRoomData, func(json.RawMessage) {
		fired <- struct{}{}
	})

	require.NoError(t, ch.Connect(context.Background()))
	server := <-conns

	ch.Dispose()
	assert.Equal(t, StatusDisconnected, ch.Status())

	// A frame written after dispose must not reach the handler.
	server.WriteJSON(events.Envelope{Type: events.EventTypeRoomData, Data: json.RawMessage(`{}`)})
	select {
	case <-fired:
		t.Fatal("handler fired after dispose")
	case <-time.After(100 * time.Millisecond):
	}
}
