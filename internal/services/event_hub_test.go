package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T, origins []string) (*EventHub, *httptest.Server) {
	t.Helper()
	hub := NewEventHub(origins, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.ServeWS(w, r, r.URL.Query().Get("company"))
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dialHub(t *testing.T, srv *httptest.Server, company string, header http.Header) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?company=" + company
	conn, _, err := websocket.DefaultDialer.Dial(u, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestEventHub_PublishIsTenantScoped(t *testing.T) {
	hub, srv := startHub(t, nil)
	a := dialHub(t, srv, "c1", nil)
	b := dialHub(t, srv, "c2", nil)
	require.Eventually(t, func() bool { return hub.ClientCount() == 2 }, time.Second, 10*time.Millisecond)

	hub.Publish("c1", Event{Type: EventSyncCompleted, Data: map[string]int{"added": 3}})

	var ev Event
	require.NoError(t, a.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, a.ReadJSON(&ev))
	assert.Equal(t, EventSyncCompleted, ev.Type)
	assert.Equal(t, "c1", ev.CompanyID)
	assert.False(t, ev.Timestamp.IsZero())

	require.NoError(t, b.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := b.ReadMessage()
	assert.Error(t, err, "other tenant receives nothing")
}

func TestEventHub_UnregistersOnClose(t *testing.T) {
	hub, srv := startHub(t, nil)
	conn := dialHub(t, srv, "c1", nil)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestEventHub_RejectsForeignOrigin(t *testing.T) {
	_, srv := startHub(t, []string{"https://app.example.com"})
	u := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(u, http.Header{"Origin": {"https://evil.example.org"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(u, http.Header{"Origin": {"https://app.example.com"}})
	require.NoError(t, err)
	_ = conn.Close()
}

func TestEventHub_NilSafe(t *testing.T) {
	var hub *EventHub
	assert.NotPanics(t, func() { hub.Publish("c1", Event{Type: EventSyncCompleted}) })
	assert.Equal(t, 0, hub.ClientCount())
}
