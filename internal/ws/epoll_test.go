//go:build linux

package ws

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	client, err = net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	server, ok := <-accepted
	require.True(t, ok)

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return server, client
}

// waitReady polls Wait until conn is reported or d elapses.
func waitReady(t *testing.T, e *Epoll, conn net.Conn, d time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		conns, err := e.Wait()
		if err != nil && !isEINTR(err) {
			require.NoError(t, err)
		}
		for _, c := range conns {
			if c == conn {
				return true
			}
		}
	}
	return false
}

func TestEpollReportsOncePerRearm(t *testing.T) {
	e, err := NewEpoll()
	require.NoError(t, err)
	defer e.Close()

	server, client := tcpPair(t)
	require.NoError(t, e.Add(server))

	_, err = client.Write([]byte("unread"))
	require.NoError(t, err)
	require.True(t, waitReady(t, e, server, 2*time.Second))

	// The data is still pending, but the fd stays quiet until rearmed.
	assert.False(t, waitReady(t, e, server, 300*time.Millisecond))

	require.NoError(t, e.Rearm(server))
	assert.True(t, waitReady(t, e, server, 2*time.Second))
}

func TestEpollRearmAfterRemoveIsNoop(t *testing.T) {
	e, err := NewEpoll()
	require.NoError(t, err)
	defer e.Close()

	server, _ := tcpPair(t)
	require.NoError(t, e.Add(server))
	require.NoError(t, e.Remove(server))

	assert.NoError(t, e.Rearm(server))
	assert.NoError(t, e.Remove(server))
}
