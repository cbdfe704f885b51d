package client

import (
	"sync"

	"github.com/sockrelay/chat/internal/chat"
)

// Status is the connection state machine value.
type Status int

const (
	// StatusDisconnected means there is no live connection. A reconnect may
	// be pending.
	StatusDisconnected Status = iota

	// StatusConnecting means a dial is in progress.
	StatusConnecting

	// StatusConnected means the connection is up and outbound calls are sent.
	StatusConnected

	// StatusFailed means the reconnect budget was exhausted. Only a new
	// Connect leaves this state.
	StatusFailed
)

// String returns the string representation of a Status.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// State is a snapshot of everything the client knows about its connection.
type State struct {
	Status              Status
	IsConnected         bool
	ConnectionError     string // last dial error; cleared on successful connect
	ReconnectAttempts   int    // failed dials since the last successful connect
	Messages            []chat.Message
	ConnectedUsersCount int
	ConnectionID        string // server-assigned ID of the live connection
}

func (s State) clone() State {
	s.Messages = append([]chat.Message(nil), s.Messages...)
	return s
}

// Store holds the single State of a client and notifies subscribers after
// every change. Listeners run synchronously on the goroutine that made the
// change and must not call Update.
type Store struct {
	mu        sync.Mutex
	state     State
	listeners map[int]func(State)
	nextID    int
}

// NewStore creates a Store in the disconnected state.
func NewStore() *Store {
	return &Store{listeners: make(map[int]func(State))}
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Update applies fn to the state and then notifies every subscriber with
// the resulting snapshot.
func (s *Store) Update(fn func(*State)) {
	s.UpdateIf(func(st *State) bool {
		fn(st)
		return true
	})
}

// UpdateIf is Update for changes that may be abandoned: when fn returns false
// the state is left as fn found it and nobody is notified.
func (s *Store) UpdateIf(fn func(*State) bool) bool {
	s.mu.Lock()
	if !fn(&s.state) {
		s.mu.Unlock()
		return false
	}
	snap := s.state.clone()
	listeners := make([]func(State), 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l(snap)
	}
	return true
}

// Subscribe registers fn for state changes and returns a function that
// removes it. Calling the returned function more than once is harmless.
func (s *Store) Subscribe(fn func(State)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}
