// Package client implements the chat client connection manager: it owns at
// most one WebSocket connection to the relay, reconnects with a fixed delay
// up to a bounded number of attempts, and mirrors everything it learns into
// an observable State.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/sockrelay/chat/internal/chat"
	"github.com/sockrelay/chat/internal/config"
	"github.com/sockrelay/chat/internal/protocol"
)

// ErrNotConnected is returned by outbound calls made while there is no live
// connection. Nothing is queued.
var ErrNotConnected = errors.New("client: not connected")

// Options configures a Manager.
type Options struct {
	URL                  string        // WebSocket endpoint, e.g. ws://localhost:3000/ws
	MaxReconnectAttempts int           // failed dials before giving up; at least 1
	ReconnectDelay       time.Duration // pause between attempts
	ConnectTimeout       time.Duration // per-dial timeout
	WriteTimeout         time.Duration // per-frame write deadline, 0 for none
	Header               http.Header   // extra handshake headers (Origin, User-Agent)
}

// OptionsFromConfig builds Options from loaded client settings.
func OptionsFromConfig(c config.Client) (Options, error) {
	u, err := config.WebSocketURL(c.ServerURL)
	if err != nil {
		return Options{}, err
	}
	return Options{
		URL:                  u,
		MaxReconnectAttempts: c.ReconnectAttempts,
		ReconnectDelay:       c.ReconnectDelay,
		ConnectTimeout:       c.ConnectTimeout,
		WriteTimeout:         5 * time.Second,
	}, nil
}

// Manager owns the client's connection and its State.
type Manager struct {
	opts  Options
	store *Store

	mu     sync.Mutex
	conn   net.Conn
	cancel context.CancelFunc // non-nil while a run loop is active
	gen    atomic.Uint64      // bumped under mu by every Connect and Disconnect

	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[string]map[int]func(json.RawMessage)
	nextID     int
}

// NewManager creates a disconnected Manager.
func NewManager(opts Options) *Manager {
	if opts.MaxReconnectAttempts < 1 {
		opts.MaxReconnectAttempts = 1
	}
	return &Manager{
		opts:     opts,
		store:    NewStore(),
		handlers: make(map[string]map[int]func(json.RawMessage)),
	}
}

// State returns a snapshot of the current state.
func (m *Manager) State() State {
	return m.store.Snapshot()
}

// Subscribe registers fn to be called after every state change.
func (m *Manager) Subscribe(fn func(State)) (unsubscribe func()) {
	return m.store.Subscribe(fn)
}

// On registers fn for every server event named event. fn runs on the
// connection's reader goroutine.
func (m *Manager) On(event string, fn func(data json.RawMessage)) (unsubscribe func()) {
	m.handlersMu.Lock()
	id := m.nextID
	m.nextID++
	if m.handlers[event] == nil {
		m.handlers[event] = make(map[int]func(json.RawMessage))
	}
	m.handlers[event][id] = fn
	m.handlersMu.Unlock()

	return func() {
		m.handlersMu.Lock()
		delete(m.handlers[event], id)
		if len(m.handlers[event]) == 0 {
			delete(m.handlers, event)
		}
		m.handlersMu.Unlock()
	}
}

// ClearMessages empties the received message list.
func (m *Manager) ClearMessages() {
	m.store.Update(func(s *State) { s.Messages = nil })
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Connect starts connecting in the background. It is a no-op while a
// connection is live or being established. ctx bounds the lifetime of the
// whole session, including reconnects.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		log.Printf("[client] already %s, connect ignored", m.State().Status)
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	gen := m.gen.Add(1)
	m.mu.Unlock()

	go m.run(runCtx, gen)
}

// Disconnect closes the connection and stops any pending reconnect. The
// state reflects the disconnect before Disconnect returns.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel, conn := m.cancel, m.conn
	m.cancel, m.conn = nil, nil
	m.gen.Add(1)
	m.mu.Unlock()

	if cancel == nil && conn == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		_ = m.writeFrame(conn, ws.MaskFrameInPlace(ws.NewCloseFrame(body)))
		_ = conn.Close()
	}

	m.store.Update(func(s *State) {
		s.Status = StatusDisconnected
		s.IsConnected = false
		s.ConnectionID = ""
	})
	log.Printf("[client] disconnected")
}

// WaitForStatus blocks until the state reaches want or ctx is done.
func (m *Manager) WaitForStatus(ctx context.Context, want Status) error {
	reached := make(chan struct{})
	var once sync.Once
	unsubscribe := m.Subscribe(func(s State) {
		if s.Status == want {
			once.Do(func() { close(reached) })
		}
	})
	defer unsubscribe()

	if m.State().Status == want {
		return nil
	}
	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("client: waiting for %s: %w", want, ctx.Err())
	}
}

// run dials, serves the connection until it drops, and redials with a fixed
// delay. It exits on Disconnect or when the attempt budget is spent. The
// budget is State.ReconnectAttempts: it resets on a successful connect and
// when a new run starts from StatusFailed.
func (m *Manager) run(ctx context.Context, gen uint64) {
	for {
		if !m.update(gen, func(s *State) {
			if s.Status == StatusFailed {
				s.ReconnectAttempts = 0
			}
			s.Status = StatusConnecting
		}) {
			return
		}

		conn, src, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var attempts int
			failed := false
			if !m.update(gen, func(s *State) {
				s.IsConnected = false
				s.ConnectionError = err.Error()
				s.ReconnectAttempts++
				attempts = s.ReconnectAttempts
				failed = attempts >= m.opts.MaxReconnectAttempts
				if failed {
					// Ends the run before anyone can observe Failed, so a
					// Connect issued on that signal is not ignored.
					s.Status = StatusFailed
					m.endRun(gen)
				} else {
					s.Status = StatusDisconnected
				}
			}) {
				return
			}
			if failed {
				log.Printf("[client] giving up after %d attempts: %v", attempts, err)
				return
			}
			log.Printf("[client] connect failed (attempt %d/%d): %v", attempts, m.opts.MaxReconnectAttempts, err)
			if !sleep(ctx, m.opts.ReconnectDelay) {
				return
			}
			continue
		}

		if !m.attach(gen, conn) {
			_ = conn.Close()
			return
		}
		m.update(gen, func(s *State) {
			s.Status = StatusConnected
			s.IsConnected = true
			s.ConnectionError = ""
			s.ReconnectAttempts = 0
		})
		log.Printf("[client] connected to %s", m.opts.URL)

		err = m.readLoop(gen, conn, src)
		m.detach(conn)
		if ctx.Err() != nil {
			return
		}

		log.Printf("[client] connection lost: %v", err)
		if !m.update(gen, func(s *State) {
			s.Status = StatusDisconnected
			s.IsConnected = false
			s.ConnectionID = ""
		}) {
			return
		}
		if !sleep(ctx, m.opts.ReconnectDelay) {
			return
		}
	}
}

func (m *Manager) dial(ctx context.Context) (net.Conn, io.Reader, error) {
	dialCtx := ctx
	if m.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, m.opts.ConnectTimeout)
		defer cancel()
	}

	d := ws.Dialer{Timeout: m.opts.ConnectTimeout}
	if len(m.opts.Header) > 0 {
		d.Header = ws.HandshakeHeaderHTTP(m.opts.Header)
	}
	conn, br, _, err := d.Dial(dialCtx, m.opts.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("client: dial %s: %w", m.opts.URL, err)
	}
	if br != nil {
		return conn, br, nil
	}
	return conn, conn, nil
}

// update applies fn only if gen is still the active run. The check runs under
// the store lock, so a Disconnect that bumped gen is never overwritten.
func (m *Manager) update(gen uint64, fn func(*State)) bool {
	return m.store.UpdateIf(func(s *State) bool {
		if m.gen.Load() != gen {
			return false
		}
		fn(s)
		return true
	})
}

func (m *Manager) attach(gen uint64, conn net.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen.Load() != gen || m.cancel == nil {
		return false
	}
	m.conn = conn
	return true
}

func (m *Manager) detach(conn net.Conn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	m.mu.Unlock()
	_ = conn.Close()
}

func (m *Manager) endRun(gen uint64) {
	m.mu.Lock()
	if m.gen.Load() == gen && m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// ---------------------------------------------------------------------------
// Reading
// ---------------------------------------------------------------------------

// readLoop reads frames until the connection fails or the server closes it.
// Pings are answered under the write mutex.
func (m *Manager) readLoop(gen uint64, conn net.Conn, src io.Reader) error {
	control := func(h ws.Header, r io.Reader) error {
		payload := make([]byte, h.Length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return err
		}
		switch h.OpCode {
		case ws.OpPing:
			return m.writeFrame(conn, ws.MaskFrameInPlace(ws.NewPongFrame(payload)))
		case ws.OpClose:
			return io.EOF
		}
		return nil
	}

	rd := &wsutil.Reader{
		Source:         src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: control,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return err
		}
		if hdr.OpCode.IsControl() {
			if err := control(hdr, rd); err != nil {
				return err
			}
			continue
		}

		data, err := io.ReadAll(rd)
		if err != nil {
			return err
		}
		if hdr.OpCode == ws.OpText {
			m.handleFrame(gen, data)
		}
	}
}

// handleFrame folds one server event into the state and fans it out to the
// raw listeners.
func (m *Manager) handleFrame(gen uint64, data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("[client] dropping malformed frame: %v", err)
		return
	}

	switch env.Type {
	case protocol.TypeConnected:
		var msg protocol.ConnectedMsg
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			log.Printf("[client] bad %s payload: %v", env.Type, err)
			break
		}
		m.update(gen, func(s *State) { s.ConnectionID = msg.ID })

	case protocol.TypeUserCount:
		var n int
		if err := json.Unmarshal(env.Data, &n); err != nil {
			log.Printf("[client] bad %s payload: %v", env.Type, err)
			break
		}
		m.store.Update(func(s *State) { s.ConnectedUsersCount = n })

	case protocol.TypeChatMessage, protocol.TypeRoomMessage:
		var msg chat.Message
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			log.Printf("[client] bad %s payload: %v", env.Type, err)
			break
		}
		m.store.Update(func(s *State) { s.Messages = append(s.Messages, msg) })

	case protocol.TypeCustomResponse:
		log.Printf("[client] custom response received: %s", env.Data)
	}

	m.handlersMu.RLock()
	fns := make([]func(json.RawMessage), 0, len(m.handlers[env.Type]))
	for _, fn := range m.handlers[env.Type] {
		fns = append(fns, fn)
	}
	m.handlersMu.RUnlock()
	for _, fn := range fns {
		fn(env.Data)
	}
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

// Emit sends a raw event. It returns ErrNotConnected without sending when
// there is no live connection.
func (m *Manager) Emit(event string, payload interface{}) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		log.Printf("[client] not connected, cannot emit %s", event)
		return ErrNotConnected
	}

	data, err := protocol.NewClientMessage(event, payload)
	if err != nil {
		return err
	}
	frame := ws.MaskFrameInPlace(ws.NewTextFrame(data))
	if err := m.writeFrame(conn, frame); err != nil {
		return fmt.Errorf("client: emit %s: %w", event, err)
	}
	return nil
}

// SendMessage broadcasts a chat line. An empty username is sent as the
// default name.
func (m *Manager) SendMessage(text, username string) error {
	if username == "" {
		username = chat.DefaultUsername
	}
	return m.Emit(protocol.TypeChatMessage, protocol.ChatMessageEvent{Text: text, Username: username})
}

// Identify attaches user metadata to this connection on the server.
func (m *Manager) Identify(userID, username string) error {
	return m.Emit(protocol.TypeIdentify, protocol.IdentifyEvent{UserID: userID, Username: username})
}

// JoinRoom joins a room.
func (m *Manager) JoinRoom(room string) error {
	return m.Emit(protocol.TypeJoinRoom, protocol.JoinRoomEvent{Room: room})
}

// LeaveRoom leaves a room.
func (m *Manager) LeaveRoom(room string) error {
	return m.Emit(protocol.TypeLeaveRoom, protocol.LeaveRoomEvent{Room: room})
}

// SendRoomMessage sends a chat line to the members of room.
func (m *Manager) SendRoomMessage(room, text, username string) error {
	if username == "" {
		username = chat.DefaultUsername
	}
	return m.Emit(protocol.TypeRoomMessage, protocol.RoomMessageEvent{Room: room, Text: text, Username: username})
}

// SendCustomEvent sends an arbitrary payload that the server acknowledges
// with a custom_response.
func (m *Manager) SendCustomEvent(data interface{}) error {
	return m.Emit(protocol.TypeCustomEvent, data)
}

func (m *Manager) writeFrame(conn net.Conn, f ws.Frame) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if m.opts.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
		defer conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(conn, f)
}
