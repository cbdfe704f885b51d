// Package httpapi serves the REST endpoints that sit next to the WebSocket
// relay: a banner, a connectivity probe, health and metrics.
package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sockrelay/chat/internal/metrics"
	"github.com/sockrelay/chat/internal/ws"
)

// Banner is the plain-text body of GET /.
const Banner = "API is running 🚀"

// PingMessage is the message returned by GET /test/ping.
const PingMessage = "Pong💥 Backend is connected successfully!"

// Stats reports live relay figures for the health endpoint.
type Stats interface {
	ConnectionCount() int
	RoomCount() int
	Uptime() time.Duration
}

// Deps are the collaborators the router needs.
type Deps struct {
	WebSocket http.Handler     // mounted at /ws, outside CORS
	Stats     Stats            // may be nil
	Origins   *ws.OriginPolicy // CORS allow-list
}

// NewRouter builds the HTTP handler for the whole server.
func NewRouter(deps Deps) http.Handler {
	api := http.NewServeMux()
	api.Handle("GET /{$}", http.HandlerFunc(handleBanner))
	api.Handle("GET /test/ping", HandlerFunc(handlePing))
	api.Handle("GET /health", HandlerFunc(healthHandler(deps.Stats)))
	api.Handle("GET /metrics", metrics.Handler())
	api.Handle("/", HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
		return fmt.Errorf("%s %s: %w", r.Method, r.URL.Path, ErrNotFound)
	}))

	root := http.NewServeMux()
	if deps.WebSocket != nil {
		root.Handle("/ws", deps.WebSocket)
	}
	root.Handle("/", CORS(deps.Origins, api))
	return root
}

func handleBanner(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(Banner))
}

func handlePing(w http.ResponseWriter, _ *http.Request) error {
	WriteJSON(w, http.StatusOK, map[string]string{"message": PingMessage})
	return nil
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Rooms       int    `json:"rooms"`
	Uptime      string `json:"uptime"`
}

func healthHandler(stats Stats) HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) error {
		resp := HealthResponse{Status: "ok", Uptime: "0s"}
		if stats != nil {
			resp.Connections = stats.ConnectionCount()
			resp.Rooms = stats.RoomCount()
			resp.Uptime = stats.Uptime().Round(time.Second).String()
		}
		WriteJSON(w, http.StatusOK, resp)
		return nil
	}
}

// CORS allows cross-origin requests from origins accepted by policy and
// answers preflight requests directly.
func CORS(policy *ws.OriginPolicy, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		h := w.Header()
		h.Add("Vary", "Origin")

		allowed := policy != nil && policy.Match(origin)
		if allowed {
			if policy.AllowAll() {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
			}
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if allowed {
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				reqHeaders := r.Header.Get("Access-Control-Request-Headers")
				if reqHeaders == "" {
					reqHeaders = "Content-Type, Authorization"
				}
				h.Set("Access-Control-Allow-Headers", strings.TrimSpace(reqHeaders))
				h.Set("Access-Control-Max-Age", "600")
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
