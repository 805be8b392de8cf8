// internal/app/features/auditlog/handler.go
package auditlog

import (
	"net/http"
	"strconv"
	"time"

	"github.com/dalemusser/classhub/internal/app/features/shared/apiresp"
	"github.com/dalemusser/classhub/internal/app/membership"
	"github.com/dalemusser/classhub/internal/app/store/audit"
	"github.com/dalemusser/classhub/internal/app/system/timeouts"
	"github.com/dalemusser/waffle/pantry/query"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

const maxLimit = 500

type Handler struct {
	Store *audit.Store
	Log   *zap.Logger
}

// NewHandler constructs an audit log handler over store.
func NewHandler(store *audit.Store, logger *zap.Logger) *Handler {
	return &Handler{Store: store, Log: logger}
}

type listResponse struct {
	Events []audit.Event `json:"events"`
	Total  int64         `json:"total"`
	Limit  int64         `json:"limit"`
	Offset int64         `json:"offset"`
}

// parseFilter reads ?entity=, ?kind=, ?category=, ?event_type=, ?relation=,
// ?start_date=, ?end_date= (YYYY-MM-DD, inclusive), ?limit=, and ?offset=.
func parseFilter(r *http.Request) (audit.QueryFilter, error) {
	f := audit.QueryFilter{
		Kind:      query.Get(r, "kind"),
		Category:  query.Get(r, "category"),
		EventType: query.Get(r, "event_type"),
		Limit:     audit.DefaultLimit,
	}
	if s := query.Get(r, "entity"); s != "" {
		id, err := primitive.ObjectIDFromHex(s)
		if err != nil {
			return f, apiresp.BadRequest("invalid entity id %q", s)
		}
		f.EntityID = &id
	}
	if s := query.Get(r, "relation"); s != "" {
		rel, ok := membership.RelationByName(s)
		if !ok {
			return f, apiresp.BadRequest("unknown relation %q", s)
		}
		f.Relation = rel.Name
	}
	if s := query.Get(r, "start_date"); s != "" {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return f, apiresp.BadRequest("start_date must be YYYY-MM-DD")
		}
		f.StartTime = &t
	}
	if s := query.Get(r, "end_date"); s != "" {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return f, apiresp.BadRequest("end_date must be YYYY-MM-DD")
		}
		end := t.Add(24*time.Hour - time.Nanosecond)
		f.EndTime = &end
	}
	if s := query.Get(r, "limit"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n <= 0 {
			return f, apiresp.BadRequest("limit must be a positive integer")
		}
		f.Limit = min(n, maxLimit)
	}
	if s := query.Get(r, "offset"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			return f, apiresp.BadRequest("offset must be a non-negative integer")
		}
		f.Offset = n
	}
	return f, nil
}

// ServeList handles GET /api/audit.
func (h *Handler) ServeList(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		apiresp.Error(w, h.Log, "audit log list", err)
		return
	}

	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Medium(), h.Log, "audit log list")
	defer cancel()

	events, err := h.Store.Query(ctx, filter)
	if err != nil {
		apiresp.Error(w, h.Log, "audit log list", err)
		return
	}
	total, err := h.Store.CountByFilter(ctx, filter)
	if err != nil {
		apiresp.Error(w, h.Log, "audit log count", err)
		return
	}
	apiresp.OK(w, http.StatusOK, listResponse{
		Events: events,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}
