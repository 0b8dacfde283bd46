package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/callhub/internal/proto"
)

func TestLimiterPerKeyAndGlobal(t *testing.T) {
	mock := clock.NewMock()
	l := NewLimiter(2, 3, mock)

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"), "per-key limit")

	assert.True(t, l.Allow("b"))
	assert.False(t, l.Allow("c"), "global limit")

	mock.Add(61 * time.Second)
	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("c"))
}

func TestLimiterForgetAndSetLimits(t *testing.T) {
	l := NewLimiter(1, 10, clock.NewMock())
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))

	l.Forget("a")
	assert.True(t, l.Allow("a"))

	l.SetLimits(5, 10)
	assert.True(t, l.Allow("a"))
}

// echoServer upgrades and serves one Conn, reporting it and every envelope it reads.
func echoServer(t *testing.T, opt Options) (*httptest.Server, <-chan *Conn, <-chan proto.Envelope) {
	t.Helper()
	conns := make(chan *Conn, 1)
	envs := make(chan proto.Envelope, 16)
	up := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := New(ws, opt)
		conns <- c
		c.Serve(func(env proto.Envelope) { envs <- env })
	}))
	t.Cleanup(srv.Close)
	return srv, conns, envs
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) proto.Envelope {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var env proto.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestConnRoundTrip(t *testing.T) {
	srv, conns, envs := echoServer(t, Options{})
	ws := dial(t, srv)
	c := <-conns
	assert.NotEmpty(t, c.ID())

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"event":"register","data":{"identity":"u1"}}`)))
	select {
	case env := <-envs:
		assert.Equal(t, proto.EventRegister, env.Event)
		assert.JSONEq(t, `{"identity":"u1"}`, string(env.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("envelope not delivered")
	}

	require.NoError(t, c.Send(proto.EventBusy, proto.BusyMsg{Message: "User is busy"}))
	env := readEnvelope(t, ws)
	assert.Equal(t, proto.EventBusy, env.Event)
	assert.JSONEq(t, `{"message":"User is busy"}`, string(env.Data))
}

func TestConnRejectsBadFrames(t *testing.T) {
	srv, _, envs := echoServer(t, Options{})
	ws := dial(t, srv)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	env := readEnvelope(t, ws)
	assert.Equal(t, proto.EventError, env.Event)
	assert.Contains(t, string(env.Data), "invalid_payload")

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{1, 2}))
	env = readEnvelope(t, ws)
	assert.Equal(t, proto.EventError, env.Event)
	assert.Empty(t, envs)
}

func TestCloseFlushesQueuedFrames(t *testing.T) {
	srv, conns, _ := echoServer(t, Options{})
	ws := dial(t, srv)
	c := <-conns

	require.NoError(t, c.Send(proto.EventForceLogout, proto.ForceLogoutMsg{Reason: proto.ReasonSuperseded}))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	env := readEnvelope(t, ws)
	assert.Equal(t, proto.EventForceLogout, env.Event)

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	assert.ErrorIs(t, c.Send(proto.EventBusy, proto.BusyMsg{}), ErrClosed)
}

func TestSlowConsumerDropped(t *testing.T) {
	srv, conns, _ := echoServer(t, Options{SendQueue: 1})
	dial(t, srv)
	c := <-conns

	var err error
	for i := 0; i < 1000 && err == nil; i++ {
		err = c.Send(proto.EventPresenceChanged, proto.PresenceChange{Identity: strings.Repeat("x", 1024)})
	}
	require.Error(t, err)
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("slow consumer not closed")
	}
}
