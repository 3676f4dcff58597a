package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	s := NewServer(NewMultiplexer(Options{}), ServerOptions{Heartbeat: -1})
	srv := httptest.NewServer(s)
	t.Cleanup(func() {
		s.Multiplexer().Close()
		srv.Close()
	})
	return s, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func readObj(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	var obj map[string]any
	require.NoError(t, json.Unmarshal(data, &obj))
	return obj
}

func write(t *testing.T, c *websocket.Conn, s string) {
	t.Helper()
	require.NoError(t, c.Write(context.Background(), websocket.MessageText, []byte(s)))
}

func TestWebSocketBridgeEndToEnd(t *testing.T) {
	s, url := startServer(t)

	r1 := dial(t, url+"?role=requester&connectionId=R1")
	write(t, r1, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.Eventually(t, func() bool {
		snap := s.Multiplexer().Snapshot()
		return len(snap.Sessions) == 1 && snap.Sessions[0].Queued == 1
	}, 2*time.Second, 10*time.Millisecond)

	h1 := dial(t, url+"?role=handler&handlerId=H1")
	fwd := readObj(t, h1)
	assert.Equal(t, "R1", fwd["connectionId"])
	assert.Equal(t, "tools/list", fwd["method"])

	write(t, h1, `{"jsonrpc":"2.0","id":1,"result":{"tools":[]},"connectionId":"R1"}`)
	back := readObj(t, r1)
	assert.EqualValues(t, 1, back["id"])
	assert.NotContains(t, back, "connectionId")

	snap := s.Multiplexer().Snapshot()
	require.Len(t, snap.Handlers, 1)
	assert.Equal(t, "H1", snap.Handlers[0].ID)
	assert.Equal(t, "H1", snap.Sessions[0].HandlerID)
}

func TestWebSocketRoleFromHeader(t *testing.T) {
	s, url := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: http.Header{HeaderRole: []string{"handler"}}})
	require.NoError(t, err)
	defer c.CloseNow()
	require.Eventually(t, func() bool { return len(s.Multiplexer().Snapshot().Handlers) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketRejectsMissingRole(t *testing.T) {
	s := NewServer(NewMultiplexer(Options{}), ServerOptions{})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/connect", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebSocketHandlerLossReassigns(t *testing.T) {
	s, url := startServer(t)
	h1 := dial(t, url+"?role=handler&handlerId=H1")
	require.Eventually(t, func() bool { return len(s.Multiplexer().Snapshot().Handlers) == 1 }, 2*time.Second, 10*time.Millisecond)
	h2 := dial(t, url+"?role=handler&handlerId=H2")
	require.Eventually(t, func() bool { return len(s.Multiplexer().Snapshot().Handlers) == 2 }, 2*time.Second, 10*time.Millisecond)

	r1 := dial(t, url+"?role=requester&connectionId=R1")
	require.Eventually(t, func() bool { return len(s.Multiplexer().Snapshot().Sessions) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "H1", s.Multiplexer().Snapshot().Sessions[0].HandlerID)

	require.NoError(t, h1.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool {
		snap := s.Multiplexer().Snapshot()
		return len(snap.Handlers) == 1 && snap.Sessions[0].HandlerID == "H2"
	}, 2*time.Second, 10*time.Millisecond)

	write(t, r1, `{"jsonrpc":"2.0","id":"a","method":"ping"}`)
	fwd := readObj(t, h2)
	assert.Equal(t, "R1", fwd["connectionId"])
	assert.Equal(t, "a", fwd["id"])
}

func TestWebSocketFlushBeyondSendBuffer(t *testing.T) {
	s, url := startServer(t)
	const n = 300

	r1 := dial(t, url+"?role=requester&connectionId=R1")
	for i := 1; i <= n; i++ {
		write(t, r1, fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"ping"}`, i))
	}
	require.Eventually(t, func() bool {
		snap := s.Multiplexer().Snapshot()
		return len(snap.Sessions) == 1 && snap.Sessions[0].Queued == n
	}, 5*time.Second, 10*time.Millisecond)

	h1 := dial(t, url+"?role=handler&handlerId=H1")
	for i := 1; i <= n; i++ {
		fwd := readObj(t, h1)
		require.EqualValues(t, i, fwd["id"])
		assert.Equal(t, "R1", fwd["connectionId"])
	}
	require.Eventually(t, func() bool { return s.Multiplexer().Snapshot().Sessions[0].Queued == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, s.Multiplexer().Snapshot().Sessions[0].Dropped)
}

func TestWebSocketDuplicateIDRefusedBeforeUpgrade(t *testing.T) {
	s, url := startServer(t)
	dial(t, url+"?role=handler&handlerId=H1")
	require.Eventually(t, func() bool { return s.Multiplexer().Connected(RoleHandler, "H1") }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, resp, err := websocket.Dial(ctx, url+"?role=handler&handlerId=H1", nil)
	require.Error(t, err)
	assert.Nil(t, c)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Len(t, s.Multiplexer().Snapshot().Handlers, 1)
}
