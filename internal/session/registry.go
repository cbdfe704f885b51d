package session

import (
	"log"
	"sort"
	"sync"
)

// CountListener is notified with the new connection count after every
// Register or Unregister that changed the registry.
type CountListener func(count int)

// Registry is a goroutine-safe map of connection ID to Connection. It is the
// only owner of Connection values; callers always receive copies.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*Connection
	onChange CountListener
}

// NewRegistry creates an empty Registry. onChange may be nil.
func NewRegistry(onChange CountListener) *Registry {
	return &Registry{
		byID:     make(map[string]*Connection),
		onChange: onChange,
	}
}

// Register adds a connection. Registering an ID that is already present
// replaces its metadata without changing the count.
func (r *Registry) Register(conn Connection) {
	r.mu.Lock()
	_, existed := r.byID[conn.ID]
	c := conn
	r.byID[conn.ID] = &c
	n := len(r.byID)
	r.mu.Unlock()

	if existed {
		log.Printf("[session] re-registered conn=%s", conn.ID)
		return
	}
	r.notify(n)
}

// Unregister removes a connection. Unknown IDs are ignored. It returns true
// if the connection was present.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	_, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
	}
	n := len(r.byID)
	r.mu.Unlock()

	if ok {
		r.notify(n)
	}
	return ok
}

// Get returns a copy of the connection with the given ID.
func (r *Registry) Get(id string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.byID[id]
	if !ok {
		return Connection{}, false
	}
	return *c, true
}

// Exists reports whether id is currently registered.
func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	_, ok := r.byID[id]
	r.mu.RUnlock()
	return ok
}

// Identify attaches user identity to a connection. An unknown ID is a no-op
// because the connection may have raced a disconnect; it returns false in
// that case.
func (r *Registry) Identify(id, userID, username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok {
		log.Printf("[session] identify for unknown conn=%s ignored", id)
		return false
	}
	c.UserID = userID
	c.Username = username
	return true
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byID)
	r.mu.RUnlock()
	return n
}

// List returns a snapshot of all connections ordered by connect time.
func (r *Registry) List() []Connection {
	r.mu.RLock()
	out := make([]Connection, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, *c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// IDs returns the IDs of all registered connections.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	return ids
}

func (r *Registry) notify(count int) {
	if r.onChange != nil {
		r.onChange(count)
	}
}
