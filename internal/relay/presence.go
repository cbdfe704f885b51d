package relay

import "sync"

// Presence pushes the number of connected clients to everyone whenever it
// changes. Updates are serialized and always read the live count, so the
// last user_count each client sees matches the registry even when connects
// and disconnects race.
type Presence struct {
	mu      sync.Mutex
	count   func() int
	publish func(count int)
	last    int
}

// NewPresence creates a Presence that reads the count from count and sends
// it with publish.
func NewPresence(count func() int, publish func(count int)) *Presence {
	return &Presence{count: count, publish: publish}
}

// Recompute reads the current count and publishes it.
func (p *Presence) Recompute() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.last = p.count()
	p.publish(p.last)
}

// Last returns the most recently published count.
func (p *Presence) Last() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}
