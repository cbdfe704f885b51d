package client

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sockrelay/chat/internal/protocol"
	"github.com/sockrelay/chat/internal/relay"
	"github.com/sockrelay/chat/internal/ws"
)

func startRelay(t *testing.T) string {
	t.Helper()

	cfg := ws.DefaultServerConfig()
	cfg.WorkerPoolSize = 4
	cfg.Heartbeat = ws.HeartbeatConfig{}
	hub := relay.NewHub()
	srv := ws.NewServer(cfg, hub)
	hub.SetSender(srv)
	require.NoError(t, srv.Open())

	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestGreetingAndBroadcast(t *testing.T) {
	url := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, err := New(ctx, url)
	require.NoError(t, err)
	defer a.Close()
	b, err := New(ctx, url)
	require.NoError(t, err)
	defer b.Close()

	var got atomic.Int32
	b.On(protocol.TypeChatMessage, func(data json.RawMessage) {
		if strings.Contains(string(data), "ping from a") {
			got.Add(1)
		}
	})

	require.NoError(t, a.WaitForGreeting(ctx))
	require.NoError(t, b.WaitForGreeting(ctx))
	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Greater(t, a.GetMetrics().GreetingLatency, time.Duration(0))

	require.NoError(t, a.Send(protocol.TypeChatMessage, protocol.ChatMessageEvent{Text: "ping from a"}))
	assert.Eventually(t, func() bool { return got.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	m := a.GetMetrics()
	assert.Equal(t, 1, m.MessagesSent)
	assert.Zero(t, m.Errors)
}

func TestCloseIsIdempotent(t *testing.T) {
	url := startRelay(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := New(ctx, url)
	require.NoError(t, err)
	require.NoError(t, c.WaitForGreeting(ctx))

	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	assert.False(t, c.Alive())
	assert.Zero(t, c.GetMetrics().Errors)
}

func TestDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := New(ctx, "ws://127.0.0.1:1/ws")
	assert.Error(t, err)
}
