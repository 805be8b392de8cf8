// internal/app/features/accounts/handler.go
package accounts

import (
	"errors"
	"math/rand/v2"
	"net/http"
	"strings"

	"github.com/dalemusser/classhub/internal/app/features/shared/apiresp"
	"github.com/dalemusser/classhub/internal/app/membership"
	accountstore "github.com/dalemusser/classhub/internal/app/store/accounts"
	"github.com/dalemusser/classhub/internal/app/system/auditlog"
	"github.com/dalemusser/classhub/internal/app/system/normalize"
	"github.com/dalemusser/classhub/internal/app/system/paging"
	"github.com/dalemusser/classhub/internal/app/system/timeouts"
	"github.com/dalemusser/classhub/internal/domain/models"
	"github.com/dalemusser/waffle/pantry/query"
	validate "github.com/dalemusser/waffle/pantry/validate"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Handler serves the account API.
type Handler struct {
	Accounts *accountstore.Store
	Members  *membership.Service
	Audit    *auditlog.Logger
	Log      *zap.Logger

	// Rand returns the source a new account's colour is drawn from.
	Rand func() *rand.Rand
}

// NewHandler creates an accounts handler. audit may be nil.
func NewHandler(accts *accountstore.Store, members *membership.Service, audit *auditlog.Logger, logger *zap.Logger) *Handler {
	return &Handler{
		Accounts: accts,
		Members:  members,
		Audit:    audit,
		Log:      logger,
		Rand: func() *rand.Rand {
			return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		},
	}
}

type createRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// ServeList handles GET /api/accounts, optionally filtered by ?role=.
// Results are paged with ?after=, ?before=, and ?limit=.
func (h *Handler) ServeList(w http.ResponseWriter, r *http.Request) {
	role := normalize.Role(query.Get(r, "role"))
	if role != "" && !models.ValidRole(role) {
		apiresp.Error(w, h.Log, "list accounts", apiresp.BadRequest("unknown role %q", role))
		return
	}

	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Short(), h.Log, "list accounts")
	defer cancel()

	page, err := h.Accounts.ListPage(ctx, role, paging.Parse(r))
	if err != nil {
		apiresp.Error(w, h.Log, "list accounts", err)
		return
	}
	apiresp.OK(w, http.StatusOK, page)
}

// HandleCreate handles POST /api/accounts.
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := apiresp.DecodeJSON(w, r, &req); err != nil {
		apiresp.Error(w, h.Log, "create account", err)
		return
	}
	email := normalize.Email(req.Email)
	if email != "" && !validate.SimpleEmailValid(email) {
		apiresp.Error(w, h.Log, "create account", apiresp.BadRequest("invalid email %q", req.Email))
		return
	}

	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Short(), h.Log, "create account")
	defer cancel()

	a, err := h.Accounts.Create(ctx, accountstore.NewAccount{
		Username: req.Username,
		Email:    email,
		Password: req.Password,
		Role:     req.Role,
	}, h.Rand())
	if err != nil {
		apiresp.Error(w, h.Log, "create account", invalid(err))
		return
	}
	h.Audit.AccountCreated(r.Context(), r, a.ID, a.Username, a.Role)
	h.Log.Info("account created", zap.String("id", a.ID.Hex()), zap.String("role", a.Role))
	apiresp.OK(w, http.StatusCreated, a)
}

// ServeGet handles GET /api/accounts/{id}.
func (h *Handler) ServeGet(w http.ResponseWriter, r *http.Request) {
	id, err := apiresp.IDParam(r, "id")
	if err != nil {
		apiresp.Error(w, h.Log, "get account", err)
		return
	}
	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Short(), h.Log, "get account")
	defer cancel()

	a, err := h.Accounts.GetByID(ctx, id)
	if err != nil {
		apiresp.Error(w, h.Log, "get account", err)
		return
	}
	apiresp.OK(w, http.StatusOK, a)
}

// ServeByUsername handles GET /api/accounts/by-username/{username}. The
// lookup ignores case.
func (h *Handler) ServeByUsername(w http.ResponseWriter, r *http.Request) {
	username := normalize.Username(chi.URLParam(r, "username"))
	if username == "" {
		apiresp.Error(w, h.Log, "get account by username", apiresp.BadRequest("username is required"))
		return
	}
	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Short(), h.Log, "get account by username")
	defer cancel()

	a, err := h.Accounts.GetByUsername(ctx, username)
	if err != nil {
		apiresp.Error(w, h.Log, "get account by username", err)
		return
	}
	apiresp.OK(w, http.StatusOK, a)
}

type updateRequest struct {
	Email *string `json:"email"`
	Role  *string `json:"role"`
	Color *string `json:"color"`
}

// HandleUpdate handles PATCH /api/accounts/{id}. Only the fields present in
// the body change.
func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := apiresp.IDParam(r, "id")
	if err != nil {
		apiresp.Error(w, h.Log, "update account", err)
		return
	}
	var req updateRequest
	if err := apiresp.DecodeJSON(w, r, &req); err != nil {
		apiresp.Error(w, h.Log, "update account", err)
		return
	}
	if req.Email != nil {
		email := normalize.Email(*req.Email)
		if email != "" && !validate.SimpleEmailValid(email) {
			apiresp.Error(w, h.Log, "update account", apiresp.BadRequest("invalid email %q", *req.Email))
			return
		}
		req.Email = &email
	}

	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Short(), h.Log, "update account")
	defer cancel()

	upd := accountstore.Update{Email: req.Email, Role: req.Role, Color: req.Color}
	if err := h.Accounts.UpdateProfile(ctx, id, upd); err != nil {
		apiresp.Error(w, h.Log, "update account", invalid(err))
		return
	}
	if changed := changedFields(req); changed != "" {
		h.Audit.AccountUpdated(r.Context(), r, id, changed)
	}
	a, err := h.Accounts.GetByID(ctx, id)
	if err != nil {
		apiresp.Error(w, h.Log, "update account", err)
		return
	}
	apiresp.OK(w, http.StatusOK, a)
}

type passwordRequest struct {
	Password string `json:"password"`
}

// HandleResetPassword handles PUT /api/accounts/{id}/password. The new
// password must differ from the current one.
func (h *Handler) HandleResetPassword(w http.ResponseWriter, r *http.Request) {
	id, err := apiresp.IDParam(r, "id")
	if err != nil {
		apiresp.Error(w, h.Log, "reset password", err)
		return
	}
	var req passwordRequest
	if err := apiresp.DecodeJSON(w, r, &req); err != nil {
		apiresp.Error(w, h.Log, "reset password", err)
		return
	}

	ctx, cancel := timeouts.WithTimeout(r.Context(), timeouts.Short(), h.Log, "reset password")
	defer cancel()

	a, err := h.Accounts.GetByID(ctx, id)
	if err != nil {
		apiresp.Error(w, h.Log, "reset password", err)
		return
	}
	if accountstore.CheckPassword(a, req.Password) {
		apiresp.Error(w, h.Log, "reset password", apiresp.BadRequest("new password matches the current one"))
		return
	}
	err = h.Accounts.SetPassword(ctx, id, req.Password)
	h.Audit.PasswordReset(r.Context(), r, id, err)
	if err != nil {
		apiresp.Error(w, h.Log, "reset password", invalid(err))
		return
	}
	apiresp.Message(w, http.StatusOK, "Password updated")
}

// HandleDelete handles DELETE /api/accounts/{id}. The account is removed
// from every cohort and session roster in the same unit.
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := apiresp.IDParam(r, "id")
	if err != nil {
		apiresp.Error(w, h.Log, "delete account", err)
		return
	}
	err = h.Members.DeleteAccount(r.Context(), id)
	h.Audit.AccountDeleted(r.Context(), r, id, err)
	if err != nil {
		apiresp.Error(w, h.Log, "delete account", err)
		return
	}
	apiresp.Message(w, http.StatusOK, "Account deleted")
}

// ServeCohorts handles GET /api/accounts/{id}/cohorts.
func (h *Handler) ServeCohorts(w http.ResponseWriter, r *http.Request) {
	id, err := apiresp.IDParam(r, "id")
	if err != nil {
		apiresp.Error(w, h.Log, "account cohorts", err)
		return
	}
	list, err := h.Members.CohortsOf(r.Context(), id)
	if err != nil {
		apiresp.Error(w, h.Log, "account cohorts", err)
		return
	}
	apiresp.OK(w, http.StatusOK, list)
}

type cohortsRequest struct {
	CohortIDs []string `json:"cohort_ids"`
}

// HandleSetCohorts handles PUT /api/accounts/{id}/cohorts. The account's
// cohort list becomes cohort_ids and the cohorts' member lists follow.
func (h *Handler) HandleSetCohorts(w http.ResponseWriter, r *http.Request) {
	id, err := apiresp.IDParam(r, "id")
	if err != nil {
		apiresp.Error(w, h.Log, "set account cohorts", err)
		return
	}
	var req cohortsRequest
	if err := apiresp.DecodeJSON(w, r, &req); err != nil {
		apiresp.Error(w, h.Log, "set account cohorts", err)
		return
	}
	if req.CohortIDs == nil {
		apiresp.Error(w, h.Log, "set account cohorts", apiresp.BadRequest("cohort_ids is required"))
		return
	}
	cohorts, err := apiresp.ParseIDs("cohort_ids", req.CohortIDs)
	if err != nil {
		apiresp.Error(w, h.Log, "set account cohorts", err)
		return
	}
	diff, err := h.Members.Reconcile(r.Context(), membership.AccountCohorts, id, cohorts)
	h.Audit.LinksReconciled(r.Context(), r, membership.AccountCohorts, id, diff, err)
	if err != nil {
		apiresp.Error(w, h.Log, "set account cohorts", err)
		return
	}
	apiresp.OK(w, http.StatusOK, diff)
}

func changedFields(req updateRequest) string {
	var fields []string
	if req.Email != nil {
		fields = append(fields, "email")
	}
	if req.Role != nil {
		fields = append(fields, "role")
	}
	if req.Color != nil {
		fields = append(fields, "color")
	}
	return strings.Join(fields, ",")
}

// invalid turns account validation errors into 400s.
func invalid(err error) error {
	switch {
	case errors.Is(err, accountstore.ErrUsernameRequired),
		errors.Is(err, accountstore.ErrPasswordTooShort),
		errors.Is(err, accountstore.ErrBadRole),
		errors.Is(err, accountstore.ErrBadColor):
		return apiresp.BadRequest("%v", err)
	}
	return err
}
