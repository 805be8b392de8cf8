// internal/app/features/shared/apiresp/apiresp.go
package apiresp

// apiresp writes the JSON envelope every API route returns:
//
//	{ "success": true,  "data": ... }
//	{ "success": true,  "message": "Cohort deleted" }
//	{ "success": false, "message": "cohorts not found: ..." }

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/dalemusser/classhub/internal/app/membership"
	"github.com/dalemusser/classhub/internal/app/system/limits"
	"github.com/go-chi/chi/v5"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

// ErrBadRequest marks client input errors; wrap it to get a 400.
var ErrBadRequest = errors.New("bad request")

// BadRequest wraps msg so Error answers 400 with it.
func BadRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

func write(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// OK writes a success envelope carrying data.
func OK(w http.ResponseWriter, status int, data any) {
	write(w, status, envelope{Success: true, Data: data})
}

// Message writes a success envelope carrying a message.
func Message(w http.ResponseWriter, status int, msg string) {
	write(w, status, envelope{Success: true, Message: msg})
}

// Fail writes a failure envelope.
func Fail(w http.ResponseWriter, status int, msg string) {
	write(w, status, envelope{Success: false, Message: msg})
}

// FailWith writes a failure envelope that also carries data (bulk results).
func FailWith(w http.ResponseWriter, status int, msg string, data any) {
	write(w, status, envelope{Success: false, Message: msg, Data: data})
}

// Status maps an error onto an HTTP status.
func Status(err error) int {
	switch {
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, membership.ErrAlreadyMember),
		errors.Is(err, membership.ErrNotMember),
		errors.Is(err, membership.ErrEmptyFilter):
		return http.StatusBadRequest
	case errors.Is(err, membership.ErrNotFound), errors.Is(err, mongo.ErrNoDocuments):
		return http.StatusNotFound
	case errors.Is(err, membership.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, membership.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Error writes the failure envelope for err. Server-side failures are logged
// and answered with a generic message; client errors echo err.
func Error(w http.ResponseWriter, log *zap.Logger, op string, err error) {
	status := Status(err)
	if status >= http.StatusInternalServerError {
		log.Error(op+" failed", zap.Int("status", status), zap.Error(err))
	}
	switch status {
	case http.StatusInternalServerError:
		var pf *membership.PartialFailure
		if errors.As(err, &pf) && len(pf.Failed) > 0 {
			FailWith(w, status, "Server Error", map[string]any{"failed": pf.Failed})
			return
		}
		Fail(w, status, "Server Error")
	case http.StatusGatewayTimeout:
		Fail(w, status, "Request timed out")
	case http.StatusNotFound:
		if errors.Is(err, mongo.ErrNoDocuments) {
			Fail(w, status, "Not found")
			return
		}
		Fail(w, status, err.Error())
	default:
		Fail(w, status, err.Error())
	}
}

// DecodeJSON reads a JSON body into v.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limits.MaxJSONBody))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return BadRequest("request body is empty")
		}
		return BadRequest("invalid JSON: %v", err)
	}
	return nil
}

// IDParam parses the chi URL parameter name as an ObjectID.
func IDParam(r *http.Request, name string) (primitive.ObjectID, error) {
	raw := chi.URLParam(r, name)
	id, err := primitive.ObjectIDFromHex(raw)
	if err != nil {
		return primitive.NilObjectID, BadRequest("invalid %s %q", name, raw)
	}
	return id, nil
}

// ParseIDs parses hex ids from a request body. A nil slice stays nil so
// callers can tell "absent" from "empty".
func ParseIDs(field string, hex []string) ([]primitive.ObjectID, error) {
	if hex == nil {
		return nil, nil
	}
	if len(hex) > limits.MaxIDsPerList {
		return nil, BadRequest("%s lists %d ids; at most %d are allowed", field, len(hex), limits.MaxIDsPerList)
	}
	out := make([]primitive.ObjectID, 0, len(hex))
	for _, h := range hex {
		id, err := primitive.ObjectIDFromHex(h)
		if err != nil {
			return nil, BadRequest("invalid id %q in %s", h, field)
		}
		out = append(out, id)
	}
	return out, nil
}
