package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
)

// ErrNotFound marks a request for a resource or route that does not exist.
var ErrNotFound = errors.New("httpapi: not found")

// Issue describes one failed validation rule.
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned when request input fails validation.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		parts = append(parts, is.Field+": "+is.Message)
	}
	return "httpapi: validation failed: " + strings.Join(parts, "; ")
}

// ConflictKind distinguishes the two data conflicts a handler can report.
type ConflictKind int

const (
	ConflictUnique   ConflictKind = iota // a unique value already exists
	ConflictRelation                     // a referenced record is missing or still referenced
)

// ConflictError is returned when a write would violate a data constraint.
type ConflictError struct {
	Kind   ConflictKind
	Detail string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("httpapi: conflict (%d): %s", e.Kind, e.Detail)
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Status  int         `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// Classify maps err to the response WriteError would send.
func Classify(err error) ErrorBody {
	var (
		verr *ValidationError
		cerr *ConflictError
	)
	switch {
	case errors.As(err, &verr):
		return ErrorBody{Status: http.StatusBadRequest, Message: "validation failed", Data: verr.Issues}
	case errors.As(err, &cerr) && cerr.Kind == ConflictUnique:
		return ErrorBody{Status: http.StatusBadRequest, Message: "unique constraint conflict", Data: cerr.Detail}
	case errors.As(err, &cerr):
		return ErrorBody{Status: http.StatusBadRequest, Message: "relation conflict", Data: cerr.Detail}
	case errors.Is(err, ErrNotFound):
		return ErrorBody{Status: http.StatusNotFound, Message: "not found", Data: err.Error()}
	default:
		return ErrorBody{Status: http.StatusInternalServerError, Message: "internal server error", Data: err.Error()}
	}
}

// WriteError writes err as a structured JSON error response.
func WriteError(w http.ResponseWriter, err error) {
	body := Classify(err)
	if body.Status >= http.StatusInternalServerError {
		log.Printf("httpapi: %v", err)
	}
	WriteJSON(w, body.Status, body)
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("httpapi: failed to encode response: %v", err)
	}
}

// HandlerFunc is an HTTP handler that reports failures by returning an
// error instead of writing the response itself.
type HandlerFunc func(w http.ResponseWriter, r *http.Request) error

// ServeHTTP implements http.Handler. Returned errors and panics are turned
// into JSON error responses.
func (fn HandlerFunc) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			WriteError(w, fmt.Errorf("httpapi: panic serving %s %s: %v", r.Method, r.URL.Path, rec))
		}
	}()
	if err := fn(w, r); err != nil {
		WriteError(w, err)
	}
}
