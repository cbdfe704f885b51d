//go:build !linux

package ws

import (
	"bufio"
	"fmt"
	"net"
	"sync"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms.
// Each connection gets a monitor goroutine that peeks for data and then waits
// to be rearmed, so no byte is consumed outside the server's frame reader.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]*watch
	readyCh chan net.Conn // receives connections with pending data
	done    chan struct{}
	once    sync.Once
}

type watch struct {
	rearm   chan struct{}
	removed chan struct{}
}

// peekConn lets the monitor wait for data without consuming it. Reads go
// through the same buffer, so peeked bytes are still seen by the server.
type peekConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// NewEpoll creates a new fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*watch),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// wrapConn returns a connection suitable for Add. br holds any bytes the
// HTTP server buffered before the upgrade and is reused when present.
func wrapConn(conn net.Conn, br *bufio.Reader) net.Conn {
	if br == nil {
		br = bufio.NewReader(conn)
	}
	return &peekConn{Conn: conn, r: br}
}

// Add starts monitoring a connection returned by wrapConn.
func (e *Epoll) Add(conn net.Conn) error {
	pc, ok := conn.(*peekConn)
	if !ok {
		return fmt.Errorf("ws: connection %T was not prepared with wrapConn", conn)
	}

	w := &watch{
		rearm:   make(chan struct{}, 1),
		removed: make(chan struct{}),
	}
	e.mu.Lock()
	e.conns[conn] = w
	e.mu.Unlock()

	go e.monitor(pc, w)
	return nil
}

// monitor blocks until data (or an error) is available, reports the
// connection as ready, then waits for Rearm before peeking again.
func (e *Epoll) monitor(pc *peekConn, w *watch) {
	for {
		_, err := pc.r.Peek(1)

		select {
		case e.readyCh <- pc:
		case <-w.removed:
			return
		case <-e.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case <-w.rearm:
		case <-w.removed:
			return
		case <-e.done:
			return
		}
	}
}

// Rearm lets the monitor for conn resume watching after the server has
// finished reading from it.
func (e *Epoll) Rearm(conn net.Conn) error {
	e.mu.RLock()
	w, ok := e.conns[conn]
	e.mu.RUnlock()
	if !ok {
		return nil
	}
	select {
	case w.rearm <- struct{}{}:
	default:
	}
	return nil
}

// Remove unregisters a connection from the fallback epoll.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	w, ok := e.conns[conn]
	if ok {
		delete(e.conns, conn)
	}
	e.mu.Unlock()

	if ok {
		close(w.removed)
	}
	return nil
}

// Wait blocks until at least one connection is ready for reading. It
// collects all currently ready connections from the channel and returns them.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}

	// Drain any additional ready connections without blocking.
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = make(map[net.Conn]*watch)
	e.mu.Unlock()
	return nil
}

func isEINTR(error) bool {
	return false
}
