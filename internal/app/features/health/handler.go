package health

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/dalemusser/classhub/internal/app/system/timeouts"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

// CommitPath reports how membership writes are committed.
type CommitPath interface {
	Journaling() bool
}

// PendingCounter counts journal intents not yet confirmed.
type PendingCounter interface {
	CountPending(ctx context.Context) (int64, error)
}

// Handler holds dependencies needed for health checks.
type Handler struct {
	Client  *mongo.Client
	Commits CommitPath
	Intents PendingCounter
	Log     *zap.Logger
}

// NewHandler constructs a health Handler. commits and intents may be nil.
func NewHandler(client *mongo.Client, commits CommitPath, intents PendingCounter, logger *zap.Logger) *Handler {
	return &Handler{
		Client:  client,
		Commits: commits,
		Intents: intents,
		Log:     logger,
	}
}

// healthResponse is the JSON structure for the health check response.
type healthResponse struct {
	Status         string `json:"status"`
	Database       string `json:"database"`
	CommitPath     string `json:"commit_path,omitempty"`
	PendingIntents *int64 `json:"pending_intents,omitempty"`
	Message        string `json:"message,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Serve handles GET /health.
//
// On success: 200 and
//
//	{ "status":"ok", "database":"connected", "commit_path":"transaction" }
//
// On DB failure: 503 and
//
//	{ "status":"error", "message":"Database unavailable", "error":"…"}
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), timeouts.Ping())
	defer cancel()

	w.Header().Set("Content-Type", "application/json")

	resp := healthResponse{
		Status:   "ok",
		Database: "connected",
	}

	if err := h.Client.Ping(ctx, readpref.Primary()); err != nil {
		h.Log.Error("health-check: mongo ping failed", zap.Error(err))
		w.WriteHeader(http.StatusServiceUnavailable)
		resp.Status = "error"
		resp.Database = "disconnected"
		resp.Message = "Database unavailable"
		resp.Error = err.Error()
		_ = json.NewEncoder(w).Encode(resp)
		return
	}

	if h.Commits != nil {
		resp.CommitPath = "transaction"
		if h.Commits.Journaling() {
			resp.CommitPath = "journal"
		}
	}
	// Pending intents are informational; a failed count does not fail the check.
	if h.Intents != nil {
		if n, err := h.Intents.CountPending(ctx); err == nil {
			resp.PendingIntents = &n
		} else {
			h.Log.Warn("health-check: count pending intents failed", zap.Error(err))
		}
	}

	_ = json.NewEncoder(w).Encode(resp)
}
