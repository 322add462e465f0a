package events

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeImageDeleter struct {
	mu      sync.Mutex
	deleted []string
	fail    map[string]error
}

func (f *fakeImageDeleter) DeleteProjectImages(_ context.Context, org, project string) error {
	key := org + "/" + project
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[key]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *fakeImageDeleter) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

// newEventsServer serves the stream endpoint, performs the subscribe
// handshake, and hands the connection to script.
func newEventsServer(t *testing.T, script func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !assert.Equal(t, "/v1/stream", r.URL.Path) ||
			!assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization")) {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer func() { _ = conn.Close() }()

		var sub clientMessage
		if !assert.NoError(t, conn.ReadJSON(&sub)) {
			return
		}
		assert.Equal(t, "subscribe-group", sub.Type)
		assert.Equal(t, []string{"platform-admin"}, sub.Groups)
		assert.NotEmpty(t, sub.SubscrID)
		if !assert.NoError(t, conn.WriteJSON(serverMessage{Type: "subscribed", SubscrID: sub.SubscrID})) {
			return
		}

		script(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// startDeleter runs a consumer against the server. retryInterval is
// long in tests that expect a single session so that reconnects cannot
// redeliver events before the assertions run.
func startDeleter(t *testing.T, rawURL string, deleter ImageDeleter, retryInterval time.Duration) *ProjectDeleter {
	t.Helper()

	u, err := url.Parse(rawURL)
	require.NoError(t, err)

	d := NewProjectDeleter(Options{URL: u, Token: "test-token", Deleter: deleter})
	d.retryInterval = retryInterval
	d.Start(context.Background())
	t.Cleanup(d.Close)
	return d
}

func sendEvents(t *testing.T, conn *websocket.Conn, events []Event) {
	t.Helper()
	assert.NoError(t, conn.WriteJSON(serverMessage{
		Type:     "recv-events",
		SubscrID: "subscr-1",
		Events:   events,
	}))
}

func readAck(t *testing.T, conn *websocket.Conn, acks chan<- clientMessage) {
	t.Helper()
	var ack clientMessage
	if err := conn.ReadJSON(&ack); err != nil {
		return
	}
	acks <- ack
}

func waitAck(t *testing.T, acks <-chan clientMessage) clientMessage {
	t.Helper()
	select {
	case ack := <-acks:
		return ack
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ack")
		return clientMessage{}
	}
}

func TestProjectDeleterRemovesProjectImages(t *testing.T) {
	t.Parallel()

	acks := make(chan clientMessage, 1)
	srv := newEventsServer(t, func(conn *websocket.Conn) {
		sendEvents(t, conn, []Event{{
			Tag:       "123",
			Timestamp: time.Now().UTC(),
			Sender:    "platform-admin",
			Stream:    "platform-admin",
			EventType: "project-remove",
			Org:       "org",
			Cluster:   "cluster",
			Project:   "project",
			User:      "user",
		}})
		readAck(t, conn, acks)
	})

	deleter := &fakeImageDeleter{}
	startDeleter(t, srv.URL, deleter, time.Minute)

	ack := waitAck(t, acks)
	assert.Equal(t, "ack", ack.Type)
	assert.Equal(t, map[string][]string{"platform-admin": {"123"}}, ack.Events)
	assert.Equal(t, []string{"org/project"}, deleter.snapshot())
}

func TestProjectDeleterAcksUnrelatedEvents(t *testing.T) {
	t.Parallel()

	acks := make(chan clientMessage, 1)
	srv := newEventsServer(t, func(conn *websocket.Conn) {
		sendEvents(t, conn, []Event{
			{
				Tag:       "7",
				Stream:    "platform-admin",
				EventType: "project-create",
				Org:       "org",
				Project:   "project",
			},
			// A removal without org and project coordinates cannot be
			// mapped to images and is acked as-is.
			{
				Tag:       "8",
				Stream:    "platform-admin",
				EventType: "project-remove",
			},
		})
		readAck(t, conn, acks)
	})

	deleter := &fakeImageDeleter{}
	startDeleter(t, srv.URL, deleter, time.Minute)

	ack := waitAck(t, acks)
	assert.Equal(t, map[string][]string{"platform-admin": {"7", "8"}}, ack.Events)
	assert.Empty(t, deleter.snapshot())
}

func TestProjectDeleterLeavesFailedDeletionsUnacked(t *testing.T) {
	t.Parallel()

	acks := make(chan clientMessage, 1)
	srv := newEventsServer(t, func(conn *websocket.Conn) {
		sendEvents(t, conn, []Event{
			{Tag: "1", Stream: "platform-admin", EventType: "project-remove", Org: "org", Project: "bad"},
			{Tag: "2", Stream: "platform-admin", EventType: "project-remove", Org: "org", Project: "good"},
		})
		readAck(t, conn, acks)
	})

	deleter := &fakeImageDeleter{fail: map[string]error{"org/bad": errors.New("boom")}}
	startDeleter(t, srv.URL, deleter, time.Minute)

	ack := waitAck(t, acks)
	assert.Equal(t, map[string][]string{"platform-admin": {"2"}}, ack.Events)
	assert.Equal(t, []string{"org/good"}, deleter.snapshot())
}

func TestProjectDeleterReconnects(t *testing.T) {
	t.Parallel()

	var sessions atomic.Int32
	acks := make(chan clientMessage, 1)
	srv := newEventsServer(t, func(conn *websocket.Conn) {
		if sessions.Add(1) == 1 {
			// Drop the first session right after the handshake and let
			// the consumer resubscribe.
			return
		}
		sendEvents(t, conn, []Event{{
			Tag:       "42",
			Stream:    "platform-admin",
			EventType: "project-remove",
			Org:       "org",
			Project:   "project",
		}})
		readAck(t, conn, acks)
	})

	deleter := &fakeImageDeleter{}
	startDeleter(t, srv.URL, deleter, 10*time.Millisecond)

	ack := waitAck(t, acks)
	assert.Equal(t, map[string][]string{"platform-admin": {"42"}}, ack.Events)
	assert.Equal(t, []string{"org/project"}, deleter.snapshot())
	assert.GreaterOrEqual(t, sessions.Load(), int32(2))
}

func TestProjectDeleterCloseStopsConsumer(t *testing.T) {
	t.Parallel()

	srv := newEventsServer(t, func(conn *websocket.Conn) {
		// Keep the session open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	d := NewProjectDeleter(Options{URL: u, Token: "test-token", Deleter: &fakeImageDeleter{}})
	d.Start(context.Background())

	done := make(chan struct{})
	go func() {
		d.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not stop the consumer")
	}
}
