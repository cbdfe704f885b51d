package relay

import (
	"errors"
	"log"
	"runtime/debug"
	"time"

	"github.com/sockrelay/chat/internal/metrics"
	"github.com/sockrelay/chat/internal/protocol"
)

// EventHandler handles one decoded client event. ev is always the concrete
// protocol type registered for the event name.
type EventHandler func(connID string, ev protocol.ClientEvent)

// Dispatcher routes incoming frames to the handler registered for their
// event name. Malformed payloads and unregistered events are logged and
// dropped; nothing is sent back to the client.
type Dispatcher struct {
	handlers map[string]EventHandler
}

// NewDispatcher creates a Dispatcher with no handlers.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]EventHandler)}
}

// Register associates a handler with an event name. A handler already
// registered for the name is replaced.
func (d *Dispatcher) Register(eventType string, handler EventHandler) {
	d.handlers[eventType] = handler
}

// Dispatch parses data and invokes the matching handler. A panicking handler
// is recovered so one bad event cannot take down the worker.
func (d *Dispatcher) Dispatch(connID string, data []byte) {
	start := time.Now()

	eventType, ev, err := protocol.ParseClientEvent(data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownEvent) {
			log.Printf("[relay] unknown event type=%q conn=%s ignored", eventType, connID)
			metrics.EventsTotal.WithLabelValues("unknown").Inc()
		} else {
			log.Printf("[relay] invalid event conn=%s: %v", connID, err)
			metrics.EventsTotal.WithLabelValues("invalid").Inc()
		}
		return
	}

	handler, ok := d.handlers[eventType]
	if !ok {
		log.Printf("[relay] no handler for type=%q conn=%s", eventType, connID)
		metrics.EventsTotal.WithLabelValues("unknown").Inc()
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[relay] handler panic type=%q conn=%s: %v\n%s", eventType, connID, r, debug.Stack())
		}
		metrics.EventLatency.Observe(time.Since(start).Seconds())
	}()

	metrics.EventsTotal.WithLabelValues(eventType).Inc()
	handler(connID, ev)
}
