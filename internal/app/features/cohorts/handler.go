// internal/app/features/cohorts/handler.go
package cohorts

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/dalemusser/classhub/internal/app/features/shared/apiresp"
	"github.com/dalemusser/classhub/internal/app/membership"
	cohortstore "github.com/dalemusser/classhub/internal/app/store/cohorts"
	"github.com/dalemusser/classhub/internal/app/system/auditlog"
	"github.com/dalemusser/classhub/internal/app/system/paging"
	"github.com/dalemusser/classhub/internal/app/system/timeouts"
	"github.com/dalemusser/classhub/internal/domain/models"
	"github.com/dalemusser/waffle/pantry/query"
	"github.com/go-chi/chi/v5"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// Handler serves the cohort API.
type Handler struct {
	Cohorts *cohortstore.Store
	Members *membership.Service
	Audit   *auditlog.Logger
	Log     *zap.Logger
}

// NewHandler creates a cohorts handler. audit may be nil.
func NewHandler(cohorts *cohortstore.Store, members *membership.Service, audit *auditlog.Logger, logger *zap.Logger) *Handler {
	return &Handler{Cohorts: cohorts, Members: members, Audit: audit, Log: logger}
}

// cohortView is a cohort with its members resolved.
type cohortView struct {
	models.Cohort
	Members []models.Account `json:"members"`
}

// ServeList handles GET /api/cohorts (?active=true for active only),
// paged with ?after=, ?before=, and ?limit=.
func (h *Handler) ServeList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Short(), h.Log, "list cohorts")
	defer cancel()

	page, err := h.Cohorts.ListPage(ctx, query.Get(r, "active") == "true", paging.Parse(r))
	if err != nil {
		apiresp.Error(w, h.Log, "list cohorts", err)
		return
	}
	apiresp.OK(w, http.StatusOK, page)
}

type createRequest struct {
	Name      string   `json:"name"`
	Active    *bool    `json:"active"`
	MemberIDs []string `json:"member_ids"`
}

// HandleCreate handles POST /api/cohorts. Initial members are linked
// through the reconciler; if that fails the new cohort is removed again.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := apiresp.DecodeJSON(w, r, &req); err != nil {
		apiresp.Error(w, h.Log, "create cohort", err)
		return
	}
	members, err := apiresp.ParseIDs("member_ids", req.MemberIDs)
	if err != nil {
		apiresp.Error(w, h.Log, "create cohort", err)
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Short(), h.Log, "create cohort")
	c, err := h.Cohorts.Create(ctx, req.Name, active)
	cancel()
	if err != nil {
		apiresp.Error(w, h.Log, "create cohort", invalid(err))
		return
	}

	if len(members) > 0 {
		diff, err := h.Members.Reconcile(r.Context(), membership.CohortMembers, c.ID, members)
		if err != nil {
			h.undoCreate(c.ID)
			apiresp.Error(w, h.Log, "create cohort", err)
			return
		}
		c.MemberIDs = diff.Added
	}
	h.Audit.CohortCreated(r.Context(), r, c.ID, c.Name, len(c.MemberIDs))
	h.Log.Info("cohort created", zap.String("id", c.ID.Hex()), zap.Int("members", len(members)))
	apiresp.OK(w, http.StatusCreated, c)
}

func (h *Handler) undoCreate(id primitive.ObjectID) {
	ctx, cancel := timeouts.WithTimeout(context.Background(), timeouts.Reconcile(), h.Log, "undo create cohort")
	defer cancel()
	if err := h.Members.DeleteCohort(ctx, id); err != nil {
		h.Log.Warn("could not remove cohort after failed create", zap.String("id", id.Hex()), zap.Error(err))
	}
}

// ServeGet handles GET /api/cohorts/{id}.
func (h *Handler) ServeGet(w http.ResponseWriter, r *http.Request) {
	id, err := apiresp.IDParam(r, "id")
	if err != nil {
		apiresp.Error(w, h.Log, "get cohort", err)
		return
	}
	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Short(), h.Log, "get cohort")
	defer cancel()

	c, err := h.Cohorts.GetByID(ctx, id)
	if err != nil {
		apiresp.Error(w, h.Log, "get cohort", err)
		return
	}
	h.serveView(w, r, "get cohort", c)
}

// ServeByName handles GET /api/cohorts/by-name/{name}. The lookup ignores
// case and accents.
func (h *Handler) ServeByName(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if strings.TrimSpace(name) == "" {
		apiresp.Error(w, h.Log, "get cohort by name", apiresp.BadRequest("name is required"))
		return
	}
	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Short(), h.Log, "get cohort by name")
	defer cancel()

	c, err := h.Cohorts.GetByName(ctx, name)
	if err != nil {
		apiresp.Error(w, h.Log, "get cohort by name", err)
		return
	}
	h.serveView(w, r, "get cohort by name", c)
}

func (h *Handler) serveView(w http.ResponseWriter, r *http.Request, op string, c models.Cohort) {
	members, err := h.Members.MembersOf(r.Context(), c.ID)
	if err != nil {
		apiresp.Error(w, h.Log, op, err)
		return
	}
	apiresp.OK(w, http.StatusOK, cohortView{Cohort: c, Members: members})
}

type updateRequest struct {
	Name      *string  `json:"name"`
	Active    *bool    `json:"active"`
	MemberIDs []string `json:"member_ids"`
}

// HandleUpdate handles PUT /api/cohorts/{id}. Name and active are plain
// field updates; member_ids, when present, replaces the member set and
// must name existing accounts before anything is saved.
func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := apiresp.IDParam(r, "id")
	if err != nil {
		apiresp.Error(w, h.Log, "update cohort", err)
		return
	}
	var req updateRequest
	if err := apiresp.DecodeJSON(w, r, &req); err != nil {
		apiresp.Error(w, h.Log, "update cohort", err)
		return
	}
	members, err := apiresp.ParseIDs("member_ids", req.MemberIDs)
	if err != nil {
		apiresp.Error(w, h.Log, "update cohort", err)
		return
	}

	if err := h.Members.CheckPeers(r.Context(), membership.CohortMembers, members); err != nil {
		apiresp.Error(w, h.Log, "update cohort", err)
		return
	}

	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Short(), h.Log, "update cohort")
	err = h.Cohorts.UpdateInfo(ctx, id, req.Name, req.Active)
	cancel()
	if err != nil {
		apiresp.Error(w, h.Log, "update cohort", invalid(err))
		return
	}
	if changed := changedFields(req); changed != "" {
		h.Audit.CohortUpdated(r.Context(), r, id, changed)
	}

	if members != nil {
		diff, err := h.Members.Reconcile(r.Context(), membership.CohortMembers, id, members)
		h.Audit.LinksReconciled(r.Context(), r, membership.CohortMembers, id, diff, err)
		if err != nil {
			apiresp.Error(w, h.Log, "update cohort", err)
			return
		}
		apiresp.OK(w, http.StatusOK, diff)
		return
	}
	apiresp.Message(w, http.StatusOK, "Cohort updated")
}

// HandleDelete handles DELETE /api/cohorts/{id}. Member accounts and
// sessions lose the reference; the sessions themselves are kept.
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := apiresp.IDParam(r, "id")
	if err != nil {
		apiresp.Error(w, h.Log, "delete cohort", err)
		return
	}
	err = h.Members.DeleteCohort(r.Context(), id)
	h.Audit.CohortDeleted(r.Context(), r, id, err)
	if err != nil {
		apiresp.Error(w, h.Log, "delete cohort", err)
		return
	}
	apiresp.Message(w, http.StatusOK, "Cohort deleted")
}

type membersRequest struct {
	MemberIDs []string `json:"member_ids"`
}

// HandleSetMembers handles PUT /api/cohorts/{id}/members and returns the
// applied diff.
func (h *Handler) HandleSetMembers(w http.ResponseWriter, r *http.Request) {
	id, err := apiresp.IDParam(r, "id")
	if err != nil {
		apiresp.Error(w, h.Log, "set cohort members", err)
		return
	}
	var req membersRequest
	if err := apiresp.DecodeJSON(w, r, &req); err != nil {
		apiresp.Error(w, h.Log, "set cohort members", err)
		return
	}
	if req.MemberIDs == nil {
		apiresp.Error(w, h.Log, "set cohort members", apiresp.BadRequest("member_ids is required"))
		return
	}
	members, err := apiresp.ParseIDs("member_ids", req.MemberIDs)
	if err != nil {
		apiresp.Error(w, h.Log, "set cohort members", err)
		return
	}
	diff, err := h.Members.Reconcile(r.Context(), membership.CohortMembers, id, members)
	h.Audit.LinksReconciled(r.Context(), r, membership.CohortMembers, id, diff, err)
	if err != nil {
		apiresp.Error(w, h.Log, "set cohort members", err)
		return
	}
	apiresp.OK(w, http.StatusOK, diff)
}

type studentRequest struct {
	StudentID string `json:"studentId"`
}

type edgeFunc func(ctx context.Context, rel membership.Relation, owner, peer primitive.ObjectID) error

type edgeAuditFunc func(ctx context.Context, r *http.Request, rel membership.Relation, owner, peer primitive.ObjectID, err error)

func (h *Handler) studentEdge(w http.ResponseWriter, r *http.Request, op string, edit edgeFunc, record edgeAuditFunc) {
	id, err := apiresp.IDParam(r, "id")
	if err != nil {
		apiresp.Error(w, h.Log, op, err)
		return
	}
	var req studentRequest
	if err := apiresp.DecodeJSON(w, r, &req); err != nil {
		apiresp.Error(w, h.Log, op, err)
		return
	}
	student, err := primitive.ObjectIDFromHex(req.StudentID)
	if err != nil {
		apiresp.Error(w, h.Log, op, apiresp.BadRequest("invalid studentId %q", req.StudentID))
		return
	}
	err = edit(r.Context(), membership.CohortMembers, id, student)
	record(r.Context(), r, membership.CohortMembers, id, student, err)
	if err != nil {
		apiresp.Error(w, h.Log, op, err)
		return
	}

	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Short(), h.Log, op)
	defer cancel()
	c, err := h.Cohorts.GetByID(ctx, id)
	if err != nil {
		apiresp.Error(w, h.Log, op, err)
		return
	}
	apiresp.OK(w, http.StatusOK, c)
}

// HandleAddStudent handles PUT /api/cohorts/{id}/add-student.
func (h *Handler) HandleAddStudent(w http.ResponseWriter, r *http.Request) {
	h.studentEdge(w, r, "add student", h.Members.Add, h.Audit.MemberAdded)
}

// HandleRemoveStudent handles PUT /api/cohorts/{id}/remove-student.
func (h *Handler) HandleRemoveStudent(w http.ResponseWriter, r *http.Request) {
	h.studentEdge(w, r, "remove student", h.Members.Remove, h.Audit.MemberRemoved)
}

// ServeSessions handles GET /api/cohorts/{id}/sessions.
func (h *Handler) ServeSessions(w http.ResponseWriter, r *http.Request) {
	id, err := apiresp.IDParam(r, "id")
	if err != nil {
		apiresp.Error(w, h.Log, "cohort sessions", err)
		return
	}
	list, err := h.Members.SessionsOf(r.Context(), id)
	if err != nil {
		apiresp.Error(w, h.Log, "cohort sessions", err)
		return
	}
	apiresp.OK(w, http.StatusOK, list)
}

func changedFields(req updateRequest) string {
	var fields []string
	if req.Name != nil {
		fields = append(fields, "name")
	}
	if req.Active != nil {
		fields = append(fields, "active")
	}
	return strings.Join(fields, ",")
}

func invalid(err error) error {
	if errors.Is(err, cohortstore.ErrNameRequired) {
		return apiresp.BadRequest("%v", err)
	}
	return err
}
