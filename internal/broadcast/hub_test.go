package broadcast

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thraizz/nightfall-server/internal/config"
	"github.com/thraizz/nightfall-server/internal/match"
	"go.uber.org/zap/zaptest"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(config.WebSocketConfig{
		PingInterval:     time.Second,
		WriteTimeout:     time.Second,
		SendBuffer:       8,
		UnreachableAfter: 10 * time.Second,
	}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func waitConnected(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ConnectedCount() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestNotifyOneReachesOnlyThatParticipant(t *testing.T) {
	hub, srv := newTestHub(t)
	alice := dial(t, srv, "participant=alice")
	bob := dial(t, srv, "participant=bob")
	waitConnected(t, hub, 2)

	require.NoError(t, hub.NotifyOne(context.Background(), "alice", EventAssignment, map[string]string{"alignment": "minority"}))
	require.NoError(t, hub.NotifyOne(context.Background(), "bob", EventAssignment, map[string]string{"alignment": "majority"}))

	env := readEnvelope(t, alice)
	assert.Equal(t, EventAssignment, env.Type)
	assert.Equal(t, map[string]any{"alignment": "minority"}, env.Payload)

	env = readEnvelope(t, bob)
	assert.Equal(t, map[string]any{"alignment": "majority"}, env.Payload)
}

func TestNotifyAllReachesMembersAndObservers(t *testing.T) {
	hub, srv := newTestHub(t)
	hub.Bind("m1", []string{"alice"})

	alice := dial(t, srv, "participant=alice")
	observer := dial(t, srv, "match=m1")
	outsider := dial(t, srv, "participant=carol")
	waitConnected(t, hub, 2)
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		return len(hub.observers["m1"]) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, hub.NotifyAll(context.Background(), "m1", EventPhaseChanged, map[string]any{"phase": "VOTE"}))

	assert.Equal(t, EventPhaseChanged, readEnvelope(t, alice).Type)
	assert.Equal(t, "m1", readEnvelope(t, observer).MatchID)

	require.NoError(t, outsider.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := outsider.ReadMessage()
	assert.Error(t, err, "non-members must not receive match events")
}

func TestNotifySubsetFiltersRoster(t *testing.T) {
	hub, srv := newTestHub(t)
	alice := dial(t, srv, "participant=alice")
	bob := dial(t, srv, "participant=bob")
	waitConnected(t, hub, 2)

	roster := []match.Participant{
		{ID: "alice", Alignment: match.AlignmentMinority, Status: match.ParticipantAlive},
		{ID: "bob", Alignment: match.AlignmentMajority, Status: match.ParticipantAlive},
	}
	onlyMinority := func(p match.Participant) bool { return p.Alignment == match.AlignmentMinority }
	require.NoError(t, hub.NotifySubset(context.Background(), "m1", roster, onlyMinority, EventEliminationTargets, nil))

	assert.Equal(t, EventEliminationTargets, readEnvelope(t, alice).Type)

	require.NoError(t, bob.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := bob.ReadMessage()
	assert.Error(t, err)
}

func TestQueryUnreachable(t *testing.T) {
	hub, srv := newTestHub(t)
	now := time.Now()
	hub.mu.Lock()
	hub.now = func() time.Time { return now }
	hub.mu.Unlock()
	hub.Bind("m1", []string{"alice", "bob", "carol"})

	dial(t, srv, "participant=alice")
	waitConnected(t, hub, 1)

	unreachable, err := hub.QueryUnreachable(context.Background(), "m1", []string{"alice", "bob", "carol"})
	require.NoError(t, err)
	assert.Empty(t, unreachable, "within grace nobody is unreachable")

	hub.mu.Lock()
	hub.now = func() time.Time { return now.Add(time.Minute) }
	hub.mu.Unlock()

	unreachable, err = hub.QueryUnreachable(context.Background(), "m1", []string{"alice", "bob", "carol"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bob", "carol"}, unreachable)
}

func TestServeWSRequiresIdentity(t *testing.T) {
	_, srv := newTestHub(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 400, resp.StatusCode)
}
