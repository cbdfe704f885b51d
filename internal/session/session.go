// Package session tracks the connections that are currently open on this
// server and the identity metadata clients attach to them. All state lives in
// memory and disappears with the process.
package session

import "time"

// Connection is the metadata kept for one live transport session.
type Connection struct {
	ID          string    `json:"id"`
	ConnectedAt time.Time `json:"connectedAt"`
	UserAgent   string    `json:"userAgent,omitempty"`
	UserID      string    `json:"userId,omitempty"`   // empty until identify
	Username    string    `json:"username,omitempty"` // empty until identify
}

// Identified reports whether the client has sent an identify event.
func (c Connection) Identified() bool {
	return c.UserID != "" || c.Username != ""
}
