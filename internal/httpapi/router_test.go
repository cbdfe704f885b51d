package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sockrelay/chat/internal/ws"
)

type fakeStats struct{}

func (fakeStats) ConnectionCount() int { return 3 }
func (fakeStats) RoomCount() int { return 2 }
func (fakeStats) Uptime() time.Duration { return 90 * time.Second }

func newTestRouter() http.Handler {
	return NewRouter(Deps{
		WebSocket: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
		Stats:   fakeStats{},
		Origins: ws.NewOriginPolicy([]string{"http://localhost:5173"}),
	})
}

func do(t *testing.T, h http.Handler, method, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBanner(t *testing.T) {
	rec := do(t, newTestRouter(), http.MethodGet, "/", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "API is running 🚀", rec.Body.String())
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
}

func TestPing(t *testing.T) {
	rec := do(t, newTestRouter(), http.MethodGet, "/test/ping", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"Pong💥 Backend is connected successfully!"}`, rec.Body.String())
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestRouter(), http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, HealthResponse{Status: "ok", Connections: 3, Rooms: 2, Uptime: "1m30s"}, body)
}

func TestMetricsExposed(t *testing.T) {
	rec := do(t, newTestRouter(), http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sockrelay_connections_total")
}

func TestWebSocketMountedOutsideCORS(t *testing.T) {
	rec := do(t, newTestRouter(), http.MethodGet, "/ws", http.Header{"Origin": {"http://localhost:5173"}})

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	rec := do(t, newTestRouter(), http.MethodGet, "/nope", nil)

	require.Equal(t, http.StatusNotFound, rec.Code)
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 404, body.Status)
	assert.Equal(t, "not found", body.Message)
}

// ---------------------------------------------------------------------------
// CORS
// ---------------------------------------------------------------------------

func TestCORSAllowedOrigin(t *testing.T) {
	rec := do(t, newTestRouter(), http.MethodGet, "/test/ping", http.Header{"Origin": {"http://localhost:5173"}})

	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORSDisallowedOrigin(t *testing.T) {
	rec := do(t, newTestRouter(), http.MethodGet, "/test/ping", http.Header{"Origin": {"http://evil.example.com"}})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflight(t *testing.T) {
	rec := do(t, newTestRouter(), http.MethodOptions, "/test/ping", http.Header{
		"Origin":                         {"http://localhost:5173"},
		"Access-Control-Request-Method":  {"GET"},
		"Access-Control-Request-Headers": {"X-Custom"},
	})

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "GET")
	assert.Equal(t, "X-Custom", rec.Header().Get("Access-Control-Allow-Headers"))
}

func TestCORSWildcard(t *testing.T) {
	h := CORS(ws.NewOriginPolicy([]string{"*"}), http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))

	rec := do(t, h, http.MethodGet, "/", http.Header{"Origin": {"http://anywhere.example"}})
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

// ---------------------------------------------------------------------------
// Error classification
// ---------------------------------------------------------------------------

func TestWriteError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"validation", &ValidationError{Issues: []Issue{{Field: "name", Message: "required"}}}, 400, "validation failed"},
		{"unique", &ConflictError{Kind: ConflictUnique, Detail: "email taken"}, 400, "unique constraint conflict"},
		{"relation", &ConflictError{Kind: ConflictRelation, Detail: "room missing"}, 400, "relation conflict"},
		{"wrapped relation", fmt.Errorf("save: %w", &ConflictError{Kind: ConflictRelation}), 400, "relation conflict"},
		{"not found", fmt.Errorf("user 7: %w", ErrNotFound), 404, "not found"},
		{"other", errors.New("disk on fire"), 500, "internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, tt.err)

			require.Equal(t, tt.status, rec.Code)
			var body ErrorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.status, body.Status)
			assert.Equal(t, tt.message, body.Message)
			assert.NotNil(t, body.Data)
		})
	}
}

func TestHandlerFuncRecoversPanic(t *testing.T) {
	h := HandlerFunc(func(http.ResponseWriter, *http.Request) error {
		panic("boom")
	})

	rec := do(t, h, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
