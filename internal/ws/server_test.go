package ws

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sockrelay/chat/internal/chat"
	"github.com/sockrelay/chat/internal/protocol"
	"github.com/sockrelay/chat/internal/relay"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	rw   io.ReadWriter
	id   string
}

func testConfig() ServerConfig {
	cfg := DefaultServerConfig()
	cfg.WorkerPoolSize = 16
	cfg.Heartbeat = HeartbeatConfig{} // disabled
	cfg.AllowedOrigins = []string{"http://localhost:5173"}
	return cfg
}

func startServer(t *testing.T, cfg ServerConfig) (*Server, *relay.Hub, string) {
	t.Helper()

	hub := relay.NewHub()
	srv := NewServer(cfg, hub)
	hub.SetSender(srv)
	require.NoError(t, srv.Open())

	mux := http.NewServeMux()
	mux.Handle("/ws", srv)
	ts := httptest.NewServer(mux)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})

	return srv, hub, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dialRaw(t *testing.T, url string, header http.Header) (*testClient, error) {
	t.Helper()

	d := ws.Dialer{Timeout: 2 * time.Second}
	if header != nil {
		d.Header = ws.HandshakeHeaderHTTP(header)
	}
	conn, br, _, err := d.Dial(context.Background(), url)
	if err != nil {
		return nil, err
	}

	var r io.Reader = conn
	if br != nil {
		r = br
	}
	c := &testClient{
		t:    t,
		conn: conn,
		rw: struct {
			io.Reader
			io.Writer
		}{r, conn},
	}
	t.Cleanup(func() { _ = conn.Close() })
	return c, nil
}

// dial connects and consumes the connected greeting.
func dial(t *testing.T, url string) *testClient {
	t.Helper()

	c, err := dialRaw(t, url, nil)
	require.NoError(t, err)

	f := c.readUntil(protocol.TypeConnected)
	var msg protocol.ConnectedMsg
	require.NoError(t, json.Unmarshal(f.Data, &msg))
	require.NotEmpty(t, msg.ID)
	c.id = msg.ID
	return c
}

func (c *testClient) send(eventType string, payload interface{}) {
	c.t.Helper()
	data, err := protocol.NewClientMessage(eventType, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, wsutil.WriteClientMessage(c.conn, ws.OpText, data))
}

func (c *testClient) read(timeout time.Duration) (frame, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer c.conn.SetReadDeadline(time.Time{})

	data, err := wsutil.ReadServerText(c.rw)
	if err != nil {
		return frame{}, err
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, err
	}
	return f, nil
}

// readUntil skips frames until one of eventType arrives.
func (c *testClient) readUntil(eventType string) frame {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		f, err := c.read(time.Until(deadline))
		require.NoError(c.t, err, "waiting for %s", eventType)
		if f.Type == eventType {
			return f
		}
	}
	c.t.Fatalf("timed out waiting for %s", eventType)
	return frame{}
}

// userCount waits for a user_count frame with the given value.
func (c *testClient) userCount(want int) {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		f := c.readUntil(protocol.TypeUserCount)
		var n int
		require.NoError(c.t, json.Unmarshal(f.Data, &n))
		if n == want {
			return
		}
	}
	c.t.Fatalf("user_count never reached %d", want)
}

// expectNone fails if a frame of eventType arrives within wait.
func (c *testClient) expectNone(eventType string, wait time.Duration) {
	c.t.Helper()
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		f, err := c.read(time.Until(deadline))
		if err != nil {
			return
		}
		if f.Type == eventType {
			c.t.Fatalf("unexpected %s frame: %s", eventType, f.Data)
		}
	}
}

func decodeMessage(t *testing.T, f frame) chat.Message {
	t.Helper()
	var m chat.Message
	require.NoError(t, json.Unmarshal(f.Data, &m))
	return m
}

// ---------------------------------------------------------------------------
// Connection lifecycle
// ---------------------------------------------------------------------------

func TestConnectSendsGreetingAndPresence(t *testing.T) {
	_, hub, url := startServer(t, testConfig())

	a := dial(t, url)
	a.userCount(1)

	b := dial(t, url)
	b.userCount(2)
	a.userCount(2)
	assert.NotEqual(t, a.id, b.id)

	_ = b.conn.Close()
	a.userCount(1)

	require.Eventually(t, func() bool { return hub.Registry().Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	_, ok := hub.Registry().Get(a.id)
	assert.True(t, ok)
}

func TestUserAgentRecorded(t *testing.T) {
	_, hub, url := startServer(t, testConfig())

	c, err := dialRaw(t, url, http.Header{"User-Agent": []string{"relay-test/1.0"}})
	require.NoError(t, err)
	f := c.readUntil(protocol.TypeConnected)
	var msg protocol.ConnectedMsg
	require.NoError(t, json.Unmarshal(f.Data, &msg))

	conn, ok := hub.Registry().Get(msg.ID)
	require.True(t, ok)
	assert.Equal(t, "relay-test/1.0", conn.UserAgent)
	assert.False(t, conn.ConnectedAt.IsZero())
}

func TestDisallowedOriginRejected(t *testing.T) {
	_, hub, url := startServer(t, testConfig())

	_, err := dialRaw(t, url, http.Header{"Origin": []string{"http://evil.example.com"}})
	assert.Error(t, err)

	c, err := dialRaw(t, url, http.Header{"Origin": []string{"http://localhost:5173"}})
	require.NoError(t, err)
	c.readUntil(protocol.TypeConnected)
	assert.Equal(t, 1, hub.Registry().Count())
}

func TestMaxConnections(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	_, _, url := startServer(t, cfg)

	dial(t, url)
	_, err := dialRaw(t, url, nil)
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// Scenarios
// ---------------------------------------------------------------------------

func TestChatBroadcastScenario(t *testing.T) {
	_, _, url := startServer(t, testConfig())
	a := dial(t, url)
	b := dial(t, url)
	a.userCount(2)

	a.send(protocol.TypeChatMessage, map[string]string{"text": "hi", "username": "alice"})

	ma := decodeMessage(t, a.readUntil(protocol.TypeChatMessage))
	mb := decodeMessage(t, b.readUntil(protocol.TypeChatMessage))
	for _, m := range []chat.Message{ma, mb} {
		assert.Equal(t, "hi", m.Text)
		assert.Equal(t, "alice", m.Username)
		assert.NotEmpty(t, m.ID)
		assert.False(t, m.Timestamp.IsZero())
		assert.Equal(t, a.id, m.OriginConnectionID)
	}
	assert.Equal(t, ma.ID, mb.ID)

	a.expectNone(protocol.TypeChatMessage, 100*time.Millisecond)
}

func TestRoomScopedScenario(t *testing.T) {
	_, hub, url := startServer(t, testConfig())
	a := dial(t, url)
	b := dial(t, url)
	a.userCount(2)

	a.send(protocol.TypeJoinRoom, map[string]string{"room": "r1"})
	a.send(protocol.TypeRoomMessage, map[string]string{"room": "r1", "text": "members only"})

	m := decodeMessage(t, a.readUntil(protocol.TypeRoomMessage))
	assert.Equal(t, "r1", m.Room)
	assert.Equal(t, "members only", m.Text)
	b.expectNone(protocol.TypeRoomMessage, 200*time.Millisecond)

	assert.Equal(t, []string{a.id}, hub.Rooms().Members("r1"))
}

func TestLeaveBeforeSendIsNotDelivered(t *testing.T) {
	_, _, url := startServer(t, testConfig())
	a := dial(t, url)
	b := dial(t, url)
	a.userCount(2)

	a.send(protocol.TypeJoinRoom, map[string]string{"room": "r1"})
	b.send(protocol.TypeJoinRoom, map[string]string{"room": "r1"})
	b.send(protocol.TypeLeaveRoom, map[string]string{"room": "r1"})
	// Round-trip on b so its leave is applied before a posts.
	b.send(protocol.TypeCustomEvent, map[string]int{"sync": 1})
	b.readUntil(protocol.TypeCustomResponse)

	a.send(protocol.TypeRoomMessage, map[string]string{"room": "r1", "text": "after leave"})
	a.readUntil(protocol.TypeRoomMessage)
	b.expectNone(protocol.TypeRoomMessage, 200*time.Millisecond)
}

func TestCustomEventRoundTrip(t *testing.T) {
	_, _, url := startServer(t, testConfig())
	a := dial(t, url)
	b := dial(t, url)
	a.userCount(2)

	a.send(protocol.TypeCustomEvent, map[string]int{"foo": 1})

	f := a.readUntil(protocol.TypeCustomResponse)
	var resp protocol.CustomResponseMsg
	require.NoError(t, json.Unmarshal(f.Data, &resp))
	assert.Equal(t, "received", resp.Status)
	assert.JSONEq(t, `{"foo":1}`, string(resp.OriginalData))
	_, err := time.Parse(time.RFC3339Nano, resp.Timestamp)
	assert.NoError(t, err)

	a.expectNone(protocol.TypeCustomResponse, 100*time.Millisecond)
	b.expectNone(protocol.TypeCustomResponse, 200*time.Millisecond)
}

func TestIdentifyIndependentOfChatUsername(t *testing.T) {
	_, hub, url := startServer(t, testConfig())
	a := dial(t, url)

	a.send(protocol.TypeIdentify, map[string]string{"userId": "u1", "username": "bob"})
	a.send(protocol.TypeChatMessage, map[string]string{"text": "who am i"})

	m := decodeMessage(t, a.readUntil(protocol.TypeChatMessage))
	assert.Equal(t, chat.DefaultUsername, m.Username)

	conn, ok := hub.Registry().Get(a.id)
	require.True(t, ok)
	assert.Equal(t, "u1", conn.UserID)
	assert.Equal(t, "bob", conn.Username)
}

func TestMalformedFramesIgnored(t *testing.T) {
	_, _, url := startServer(t, testConfig())
	a := dial(t, url)
	a.userCount(1)

	require.NoError(t, wsutil.WriteClientMessage(a.conn, ws.OpText, []byte("{nope")))
	require.NoError(t, wsutil.WriteClientMessage(a.conn, ws.OpText, []byte(`{"type":"mystery","data":{}}`)))
	a.send(protocol.TypeChatMessage, map[string]string{"text": "still alive"})

	m := decodeMessage(t, a.readUntil(protocol.TypeChatMessage))
	assert.Equal(t, "still alive", m.Text)
}

func TestDisconnectRemovesRoomMembership(t *testing.T) {
	_, hub, url := startServer(t, testConfig())
	a := dial(t, url)
	b := dial(t, url)
	b.userCount(2)

	a.send(protocol.TypeJoinRoom, map[string]string{"room": "r1"})
	a.send(protocol.TypeJoinRoom, map[string]string{"room": "r2"})
	require.Eventually(t, func() bool { return hub.Rooms().RoomCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	_ = a.conn.Close()
	b.userCount(1)

	require.Eventually(t, func() bool { return hub.Rooms().RoomCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, hub.Rooms().RoomsOf(a.id))
}

func TestSequentialPerConnection(t *testing.T) {
	_, _, url := startServer(t, testConfig())
	a := dial(t, url)

	const n = 50
	for i := 0; i < n; i++ {
		a.send(protocol.TypeChatMessage, map[string]string{"text": strings.Repeat("x", i+1)})
	}

	prev := ""
	for i := 0; i < n; i++ {
		m := decodeMessage(t, a.readUntil(protocol.TypeChatMessage))
		assert.Len(t, m.Text, i+1, "message %d out of order", i)
		assert.Greater(t, m.ID, prev)
		prev = m.ID
	}
}

// ---------------------------------------------------------------------------
// Heartbeat
// ---------------------------------------------------------------------------

type recordingHandler struct {
	disconnected chan string
}

func (h *recordingHandler) OnConnect(string, string) {}
func (h *recordingHandler) OnMessage(string, []byte) {}
func (h *recordingHandler) OnDisconnect(connID string) { h.disconnected <- connID }

func TestHeartbeatEvictsStaleConnections(t *testing.T) {
	handler := &recordingHandler{disconnected: make(chan string, 2)}
	cfg := testConfig()
	srv := NewServer(cfg, handler)
	var err error
	srv.epoll, err = NewEpoll()
	require.NoError(t, err)
	defer srv.epoll.Close()

	now := time.Now()
	hb := HeartbeatConfig{Interval: time.Second, Timeout: time.Second}

	staleServer, staleClient := net.Pipe()
	defer staleClient.Close()
	stale := &Connection{ID: "stale", Conn: staleServer}
	stale.Touch(now.Add(-time.Minute))

	freshServer, freshClient := net.Pipe()
	defer freshClient.Close()
	fresh := &Connection{ID: "fresh", Conn: freshServer}
	fresh.Touch(now)

	srv.conns.Add(stale)
	srv.conns.Add(fresh)

	pinged := make(chan ws.OpCode, 1)
	go func() {
		h, err := ws.ReadHeader(bufio.NewReader(freshClient))
		if err == nil {
			pinged <- h.OpCode
		}
	}()

	checkConnections(srv, hb, now)

	assert.Equal(t, "stale", <-handler.disconnected)
	assert.Nil(t, srv.conns.Get("stale"))
	assert.NotNil(t, srv.conns.Get("fresh"))

	select {
	case op := <-pinged:
		assert.Equal(t, ws.OpPing, op)
	case <-time.After(time.Second):
		t.Fatal("fresh connection was not pinged")
	}
}
