// internal/app/features/sessions/handler.go
package sessions

import (
	"context"
	"errors"
	"net/http"

	"github.com/dalemusser/classhub/internal/app/features/shared/apiresp"
	"github.com/dalemusser/classhub/internal/app/membership"
	entitystore "github.com/dalemusser/classhub/internal/app/store/entities"
	sessionstore "github.com/dalemusser/classhub/internal/app/store/sessions"
	"github.com/dalemusser/classhub/internal/app/system/auditlog"
	"github.com/dalemusser/classhub/internal/app/system/normalize"
	"github.com/dalemusser/classhub/internal/app/system/timeouts"
	"github.com/dalemusser/classhub/internal/domain/models"
	"github.com/dalemusser/waffle/pantry/query"
	"github.com/go-chi/chi/v5"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// Handler serves the session (scheduled class) API.
type Handler struct {
	Sessions *sessionstore.Store
	Members  *membership.Service
	Audit    *auditlog.Logger
	Log      *zap.Logger
}

// NewHandler creates a sessions handler. audit may be nil.
func NewHandler(sessions *sessionstore.Store, members *membership.Service, audit *auditlog.Logger, logger *zap.Logger) *Handler {
	return &Handler{Sessions: sessions, Members: members, Audit: audit, Log: logger}
}

// sessionRequest is the body of POST and PUT. A nil id list leaves that
// relation untouched on update.
type sessionRequest struct {
	Type        string   `json:"type"`
	Room        string   `json:"room"`
	Date        string   `json:"date"`
	StartTime   string   `json:"start_time"`
	EndTime     string   `json:"end_time"`
	Description string   `json:"description"`
	CohortIDs   []string `json:"cohort_ids"`
	TeacherIDs  []string `json:"teacher_ids"`
	StudentIDs  []string `json:"student_ids"`
}

func (req sessionRequest) fields() sessionstore.Fields {
	return sessionstore.Fields{
		Type:        req.Type,
		Room:        req.Room,
		Date:        req.Date,
		StartTime:   req.StartTime,
		EndTime:     req.EndTime,
		Description: req.Description,
	}
}

// link pairs a session relation with the ids requested for it.
type link struct {
	rel membership.Relation
	ids []primitive.ObjectID
}

func (req sessionRequest) links() ([]link, error) {
	var out []link
	for _, f := range []struct {
		name string
		rel  membership.Relation
		hex  []string
	}{
		{"cohort_ids", membership.SessionCohorts, req.CohortIDs},
		{"teacher_ids", membership.SessionTeachers, req.TeacherIDs},
		{"student_ids", membership.SessionStudents, req.StudentIDs},
	} {
		ids, err := apiresp.ParseIDs(f.name, f.hex)
		if err != nil {
			return nil, err
		}
		if ids != nil {
			out = append(out, link{rel: f.rel, ids: ids})
		}
	}
	return out, nil
}

// reconcile applies every requested relation. Each relation is its own
// atomic unit.
func (h *Handler) reconcile(r *http.Request, id primitive.ObjectID, links []link) (map[string]membership.Diff, error) {
	ctx := r.Context()
	diffs := make(map[string]membership.Diff, len(links))
	for _, l := range links {
		d, err := h.Members.Reconcile(ctx, l.rel, id, l.ids)
		h.Audit.LinksReconciled(ctx, r, l.rel, id, d, err)
		if err != nil {
			return diffs, err
		}
		diffs[l.rel.Name] = d
	}
	return diffs, nil
}

// ServeList handles GET /api/sessions. ?cohort=<id> lists one cohort's
// sessions; ?from=&to= lists a date range.
func (h *Handler) ServeList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Short(), h.Log, "list sessions")
	defer cancel()

	var (
		list []models.Session
		err  error
	)
	cohort, from, to := query.Get(r, "cohort"), query.Get(r, "from"), query.Get(r, "to")
	switch {
	case cohort != "":
		id, perr := primitive.ObjectIDFromHex(cohort)
		if perr != nil {
			apiresp.Error(w, h.Log, "list sessions", apiresp.BadRequest("invalid cohort %q", cohort))
			return
		}
		list, err = h.Sessions.ListByCohort(ctx, id)
	case from != "" || to != "":
		list, err = h.Sessions.ListRange(ctx, from, to)
	default:
		list, err = h.Sessions.List(ctx)
	}
	if err != nil {
		apiresp.Error(w, h.Log, "list sessions", invalid(err))
		return
	}
	apiresp.OK(w, http.StatusOK, list)
}

// checkLinks fails with a *membership.NotFoundError when any requested id
// does not exist.
func (h *Handler) checkLinks(ctx context.Context, links []link) error {
	for _, l := range links {
		if err := h.Members.CheckPeers(ctx, l.rel, l.ids); err != nil {
			return err
		}
	}
	return nil
}

// HandleCreate handles POST /api/sessions. Cohorts, teachers, and students
// given in the body are linked through the reconciler; if any link fails
// the new session is removed again.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := apiresp.DecodeJSON(w, r, &req); err != nil {
		apiresp.Error(w, h.Log, "create session", err)
		return
	}
	links, err := req.links()
	if err != nil {
		apiresp.Error(w, h.Log, "create session", err)
		return
	}

	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Short(), h.Log, "create session")
	s, err := h.Sessions.Create(ctx, req.fields())
	cancel()
	if err != nil {
		apiresp.Error(w, h.Log, "create session", invalid(err))
		return
	}

	if _, err := h.reconcile(r, s.ID, links); err != nil {
		h.undoCreate(s.ID)
		apiresp.Error(w, h.Log, "create session", err)
		return
	}

	if len(links) > 0 {
		roster, err := h.Members.RosterOf(r.Context(), s.ID)
		if err != nil {
			apiresp.Error(w, h.Log, "create session", err)
			return
		}
		s = roster.Session
	}
	h.Audit.SessionCreated(r.Context(), r, s.ID, s.Type, s.Date)
	h.Log.Info("session created", zap.String("id", s.ID.Hex()), zap.String("date", s.Date))
	apiresp.OK(w, http.StatusCreated, s)
}

func (h *Handler) undoCreate(id primitive.ObjectID) {
	ctx, cancel := timeouts.WithTimeout(context.Background(), timeouts.Reconcile(), h.Log, "undo create session")
	defer cancel()
	if err := h.Members.DeleteSession(ctx, id); err != nil {
		h.Log.Warn("could not remove session after failed create", zap.String("id", id.Hex()), zap.Error(err))
	}
}

// HandleUpdate handles PUT /api/sessions/{id}. Scheduling fields are
// replaced; each id list present in the body replaces that relation. Every
// listed id must exist before the fields are saved.
func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := apiresp.IDParam(r, "id")
	if err != nil {
		apiresp.Error(w, h.Log, "update session", err)
		return
	}
	var req sessionRequest
	if err := apiresp.DecodeJSON(w, r, &req); err != nil {
		apiresp.Error(w, h.Log, "update session", err)
		return
	}
	links, err := req.links()
	if err != nil {
		apiresp.Error(w, h.Log, "update session", err)
		return
	}

	if err := h.checkLinks(r.Context(), links); err != nil {
		apiresp.Error(w, h.Log, "update session", err)
		return
	}

	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Short(), h.Log, "update session")
	s, err := h.Sessions.UpdateFields(ctx, id, req.fields())
	cancel()
	if err != nil {
		apiresp.Error(w, h.Log, "update session", invalid(err))
		return
	}
	h.Audit.SessionUpdated(r.Context(), r, id, s.Date)

	diffs, err := h.reconcile(r, id, links)
	if err != nil {
		apiresp.Error(w, h.Log, "update session", err)
		return
	}
	apiresp.OK(w, http.StatusOK, diffs)
}

// HandleDelete handles DELETE /api/sessions/{id}.
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := apiresp.IDParam(r, "id")
	if err != nil {
		apiresp.Error(w, h.Log, "delete session", err)
		return
	}
	err = h.Members.DeleteSession(r.Context(), id)
	h.Audit.SessionDeleted(r.Context(), r, id, err)
	if err != nil {
		apiresp.Error(w, h.Log, "delete session", err)
		return
	}
	apiresp.Message(w, http.StatusOK, "Session deleted")
}

// ServeGet handles GET /api/sessions/{id}.
func (h *Handler) ServeGet(w http.ResponseWriter, r *http.Request) {
	id, err := apiresp.IDParam(r, "id")
	if err != nil {
		apiresp.Error(w, h.Log, "get session", err)
		return
	}
	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Short(), h.Log, "get session")
	defer cancel()

	s, err := h.Sessions.GetByID(ctx, id)
	if err != nil {
		apiresp.Error(w, h.Log, "get session", err)
		return
	}
	apiresp.OK(w, http.StatusOK, s)
}

// ServeRoster handles GET /api/sessions/{id}/roster.
func (h *Handler) ServeRoster(w http.ResponseWriter, r *http.Request) {
	id, err := apiresp.IDParam(r, "id")
	if err != nil {
		apiresp.Error(w, h.Log, "session roster", err)
		return
	}
	roster, err := h.Members.RosterOf(r.Context(), id)
	if err != nil {
		apiresp.Error(w, h.Log, "session roster", err)
		return
	}
	apiresp.OK(w, http.StatusOK, roster)
}

func dateParam(r *http.Request) (string, error) {
	d := normalize.Date(chi.URLParam(r, "date"))
	if !sessionstore.ValidDate(d) {
		return "", apiresp.BadRequest("date must be YYYYMMDD or YYYY-MM-DD")
	}
	return d, nil
}

// ServeByDate handles GET /api/sessions/date/{date}.
func (h *Handler) ServeByDate(w http.ResponseWriter, r *http.Request) {
	d, err := dateParam(r)
	if err != nil {
		apiresp.Error(w, h.Log, "sessions by date", err)
		return
	}
	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Short(), h.Log, "sessions by date")
	defer cancel()

	list, err := h.Sessions.ListByDate(ctx, d)
	if err != nil {
		apiresp.Error(w, h.Log, "sessions by date", invalid(err))
		return
	}
	apiresp.OK(w, http.StatusOK, list)
}

// bulkResponse is the body of DELETE /api/sessions/date/{date}.
type bulkResponse struct {
	Deleted    int                  `json:"deleted"`
	DeletedIDs []primitive.ObjectID `json:"deleted_ids"`
	Failed     map[string]string    `json:"failed,omitempty"`
}

// HandleDeleteByDate handles DELETE /api/sessions/date/{date}. Every
// session on the date is deleted with its own cascade; sessions that fail
// are reported and the rest stay deleted.
func (h *Handler) HandleDeleteByDate(w http.ResponseWriter, r *http.Request) {
	d, err := dateParam(r)
	if err != nil {
		apiresp.Error(w, h.Log, "delete sessions by date", err)
		return
	}
	res, err := h.Members.DeleteSessionsMatching(r.Context(), entitystore.SessionFilter{Date: d})
	h.Audit.SessionsDeletedByDate(r.Context(), r, d, res.Deleted, len(res.Failed), err)
	body := bulkResponse{Deleted: res.Deleted, DeletedIDs: res.DeletedIDs}
	if err != nil {
		if errors.Is(err, membership.ErrPartialFailure) {
			body.Failed = res.ErrorStrings()
			h.Log.Error("delete sessions by date partially failed",
				zap.String("date", d), zap.Int("failed", len(body.Failed)), zap.Error(err))
			apiresp.FailWith(w, http.StatusInternalServerError, "Some sessions could not be deleted", body)
			return
		}
		apiresp.Error(w, h.Log, "delete sessions by date", err)
		return
	}
	apiresp.OK(w, http.StatusOK, body)
}

func invalid(err error) error {
	switch {
	case errors.Is(err, sessionstore.ErrTypeRequired),
		errors.Is(err, sessionstore.ErrBadDate),
		errors.Is(err, sessionstore.ErrBadTime),
		errors.Is(err, sessionstore.ErrEndBeforeStart):
		return apiresp.BadRequest("%v", err)
	}
	return err
}
