package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWSServer(t *testing.T, h *WSHandler) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("GET /ws/incidents/{tenant}", h)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, tenant string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/incidents/" + tenant
}

func TestWSHandler_StreamsTenantEvents(t *testing.T) {
	reg := NewRegistry()
	srv := newWSServer(t, NewWSHandler(reg))

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "acme"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return reg.Count("acme") == 1 }, 2*time.Second, 10*time.Millisecond)

	reg.Broadcast(context.Background(), "other", Event{Type: EventIncidentUpdated, IncidentID: "foreign"})
	reg.Broadcast(context.Background(), "acme", Event{
		Type:             EventIncidentUpdated,
		IncidentID:       "inc-1",
		Status:           "analyzing",
		LatestHypothesis: "credential stuffing",
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var evt map[string]any
	require.NoError(t, json.Unmarshal(data, &evt))
	assert.Equal(t, "INCIDENT_UPDATED", evt["type"])
	assert.Equal(t, "inc-1", evt["incident_id"])
	assert.Equal(t, "analyzing", evt["status"])
	assert.Equal(t, "credential stuffing", evt["latest_hypothesis"])
}

func TestWSHandler_DisconnectUnsubscribes(t *testing.T) {
	reg := NewRegistry()
	srv := newWSServer(t, NewWSHandler(reg))

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "acme"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return reg.Count("acme") == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return reg.Count("acme") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestWSHandler_Unauthorized(t *testing.T) {
	reg := NewRegistry()
	h := NewWSHandler(reg, WithAuthorizer(func(r *http.Request, tenant string) error {
		return errors.New("no token")
	}))
	srv := newWSServer(t, h)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "acme"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, reg.Count("acme"))
}
