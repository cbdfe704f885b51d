// Package chat builds the immutable chat messages relayed by the server. A
// message is stamped with a server-side timestamp and a process-unique,
// strictly increasing ID at creation and is never stored.
package chat

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultUsername is used when a chat message arrives without a username.
const DefaultUsername = "Anonymous"

// Message is a single broadcast unit.
type Message struct {
	ID                 string    `json:"id"`
	Text               string    `json:"text"`
	Username           string    `json:"username"`
	Timestamp          time.Time `json:"timestamp"`
	OriginConnectionID string    `json:"socketId"`
	Room               string    `json:"room,omitempty"`
}

// Factory creates messages. It is safe for concurrent use.
type Factory struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	lastMS  uint64
	now     func() time.Time
}

// NewFactory creates a Factory that timestamps messages with the wall clock.
func NewFactory() *Factory {
	return &Factory{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// New creates a message sent by originID. An empty username is replaced by
// DefaultUsername. Any timestamp supplied by the client is ignored.
func (f *Factory) New(originID, text, username string) Message {
	if username == "" {
		username = DefaultUsername
	}
	now := f.now()
	return Message{
		ID:                 f.nextID(now),
		Text:               text,
		Username:           username,
		Timestamp:          now,
		OriginConnectionID: originID,
	}
}

// NewForRoom creates a message scoped to room.
func (f *Factory) NewForRoom(originID, room, text, username string) Message {
	msg := f.New(originID, text, username)
	msg.Room = room
	return msg
}

// nextID returns a ULID that sorts strictly after every ID previously
// returned by this factory, even if the clock steps backwards.
func (f *Factory) nextID(now time.Time) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	ms := ulid.Timestamp(now)
	if ms < f.lastMS {
		ms = f.lastMS
	}

	id, err := ulid.New(ms, f.entropy)
	if err != nil {
		// Entropy overflow within one millisecond; move to the next one.
		ms++
		id = ulid.MustNew(ms, f.entropy)
	}
	f.lastMS = ms
	return id.String()
}
