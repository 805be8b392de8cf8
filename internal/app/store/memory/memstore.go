// Package memstore provides an in-memory implementation of the entity store
// used by tests and local tooling.
//
// Update stages ops against the committed state, then applies them to a
// cloned copy which replaces the committed state only when every op
// succeeded. A single mutex serializes units, so Lock only checks existence
// and LockPeers is a no-op.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	entitystore "github.com/dalemusser/classhub/internal/app/store/entities"
	"github.com/dalemusser/classhub/internal/app/system/idset"
	"github.com/dalemusser/classhub/internal/domain/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var _ entitystore.Store = (*Store)(nil)

type state struct {
	accounts map[primitive.ObjectID]models.Account
	cohorts  map[primitive.ObjectID]models.Cohort
	sessions map[primitive.ObjectID]models.Session
}

func newState() state {
	return state{
		accounts: make(map[primitive.ObjectID]models.Account),
		cohorts:  make(map[primitive.ObjectID]models.Cohort),
		sessions: make(map[primitive.ObjectID]models.Session),
	}
}

func cloneIDs(ids []primitive.ObjectID) []primitive.ObjectID {
	if ids == nil {
		return nil
	}
	return append([]primitive.ObjectID(nil), ids...)
}

func cloneAccount(a models.Account) models.Account {
	a.CohortIDs = cloneIDs(a.CohortIDs)
	a.SessionIDs = cloneIDs(a.SessionIDs)
	return a
}

func cloneCohort(c models.Cohort) models.Cohort {
	c.MemberIDs = cloneIDs(c.MemberIDs)
	c.SessionIDs = cloneIDs(c.SessionIDs)
	return c
}

func cloneSession(s models.Session) models.Session {
	s.CohortIDs = cloneIDs(s.CohortIDs)
	s.TeacherIDs = cloneIDs(s.TeacherIDs)
	s.StudentIDs = cloneIDs(s.StudentIDs)
	return s
}

func (st state) clone() state {
	out := newState()
	for k, v := range st.accounts {
		out.accounts[k] = cloneAccount(v)
	}
	for k, v := range st.cohorts {
		out.cohorts[k] = cloneCohort(v)
	}
	for k, v := range st.sessions {
		out.sessions[k] = cloneSession(v)
	}
	return out
}

// FailFunc is consulted before each staged op is applied. A non-nil error
// aborts the unit.
type FailFunc func(op entitystore.Op) error

// Store is an in-memory entity store.
type Store struct {
	mu    sync.RWMutex
	state state
	fail  FailFunc
	nowFn func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		state: newState(),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// SetFailFunc installs (or clears, with nil) a fault injector for Update.
func (s *Store) SetFailFunc(fn FailFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fn
}

// PutAccount inserts or replaces an account document as-is.
func (s *Store) PutAccount(a models.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.accounts[a.ID] = cloneAccount(a)
}

// PutCohort inserts or replaces a cohort document as-is.
func (s *Store) PutCohort(c models.Cohort) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.cohorts[c.ID] = cloneCohort(c)
}

// PutSession inserts or replaces a session document as-is.
func (s *Store) PutSession(ss models.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.sessions[ss.ID] = cloneSession(ss)
}

// Snapshot returns deep copies of every document, sorted by id.
func (s *Store) Snapshot() ([]models.Account, []models.Cohort, []models.Session) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := reader{st: &s.state}
	return r.allAccounts(), r.allCohorts(), r.allSessions()
}

// View runs fn against the committed state.
func (s *Store) View(ctx context.Context, fn func(ctx context.Context, r entitystore.Reader) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(ctx, reader{st: &s.state})
}

// Update runs fn, then applies its staged ops atomically.
func (s *Store) Update(ctx context.Context, label string, fn func(ctx context.Context, tx entitystore.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{reader: reader{st: &s.state}}
	if err := fn(ctx, t); err != nil {
		return err
	}
	if len(t.ops) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	next := s.state.clone()
	now := s.nowFn()
	for _, op := range t.ops {
		if err := op.Validate(); err != nil {
			return &entitystore.ApplyError{Op: op, Err: err}
		}
		if s.fail != nil {
			if err := s.fail(op); err != nil {
				return &entitystore.ApplyError{Op: op, Err: err}
			}
		}
		apply(&next, op, now)
	}
	s.state = next
	return nil
}

type tx struct {
	reader
	ops []entitystore.Op
}

func (t *tx) Lock(ctx context.Context, kind entitystore.Kind, id primitive.ObjectID) error {
	missing, err := t.Missing(ctx, kind, []primitive.ObjectID{id})
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return entitystore.ErrNotFound
	}
	return nil
}

func (t *tx) LockPeers(ctx context.Context, kind entitystore.Kind, ids []primitive.ObjectID) error {
	return nil
}

func (t *tx) Stage(ops ...entitystore.Op) {
	for _, op := range ops {
		if !op.Empty() {
			t.ops = append(t.ops, op)
		}
	}
}

/* ------------------------------- writes ---------------------------------- */

func addRefs(list []primitive.ObjectID, refs []primitive.ObjectID) []primitive.ObjectID {
	have := idset.Of(list...)
	for _, r := range refs {
		if !have.Contains(r) {
			list = append(list, r)
			have.Add(r)
		}
	}
	return list
}

func pullRefs(list []primitive.ObjectID, refs []primitive.ObjectID) []primitive.ObjectID {
	drop := idset.Of(refs...)
	out := list[:0]
	for _, id := range list {
		if !drop.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}

// accountField, cohortField, and sessionField return the reference array named f.
func accountField(a *models.Account, f entitystore.Field) *[]primitive.ObjectID {
	switch f {
	case entitystore.FieldCohortIDs:
		return &a.CohortIDs
	case entitystore.FieldSessionIDs:
		return &a.SessionIDs
	}
	return nil
}

func cohortField(c *models.Cohort, f entitystore.Field) *[]primitive.ObjectID {
	switch f {
	case entitystore.FieldMemberIDs:
		return &c.MemberIDs
	case entitystore.FieldSessionIDs:
		return &c.SessionIDs
	}
	return nil
}

func sessionField(s *models.Session, f entitystore.Field) *[]primitive.ObjectID {
	switch f {
	case entitystore.FieldCohortIDs:
		return &s.CohortIDs
	case entitystore.FieldTeacherIDs:
		return &s.TeacherIDs
	case entitystore.FieldStudentIDs:
		return &s.StudentIDs
	}
	return nil
}

func mutate(list *[]primitive.ObjectID, op entitystore.Op) {
	if list == nil {
		return
	}
	if op.Action == entitystore.ActionAddRef {
		*list = addRefs(*list, op.Refs)
	} else {
		*list = pullRefs(*list, op.Refs)
	}
}

func apply(st *state, op entitystore.Op, now time.Time) {
	for _, id := range op.IDs {
		switch op.Kind {
		case entitystore.Accounts:
			a, ok := st.accounts[id]
			if !ok {
				continue
			}
			if op.Action == entitystore.ActionDelete {
				delete(st.accounts, id)
				continue
			}
			mutate(accountField(&a, op.Field), op)
			a.UpdatedAt = now
			st.accounts[id] = a
		case entitystore.Cohorts:
			c, ok := st.cohorts[id]
			if !ok {
				continue
			}
			if op.Action == entitystore.ActionDelete {
				delete(st.cohorts, id)
				continue
			}
			mutate(cohortField(&c, op.Field), op)
			c.UpdatedAt = now
			st.cohorts[id] = c
		case entitystore.Sessions:
			s, ok := st.sessions[id]
			if !ok {
				continue
			}
			if op.Action == entitystore.ActionDelete {
				delete(st.sessions, id)
				continue
			}
			mutate(sessionField(&s, op.Field), op)
			s.UpdatedAt = now
			st.sessions[id] = s
		}
	}
}

/* -------------------------------- reads ---------------------------------- */

type reader struct {
	st *state
}

func (r reader) allAccounts() []models.Account {
	out := make([]models.Account, 0, len(r.st.accounts))
	for _, a := range r.st.accounts {
		out = append(out, cloneAccount(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Hex() < out[j].ID.Hex() })
	return out
}

func (r reader) allCohorts() []models.Cohort {
	out := make([]models.Cohort, 0, len(r.st.cohorts))
	for _, c := range r.st.cohorts {
		out = append(out, cloneCohort(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Hex() < out[j].ID.Hex() })
	return out
}

func (r reader) allSessions() []models.Session {
	out := make([]models.Session, 0, len(r.st.sessions))
	for _, s := range r.st.sessions {
		out = append(out, cloneSession(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Hex() < out[j].ID.Hex() })
	return out
}

func (r reader) Accounts(_ context.Context, ids []primitive.ObjectID) ([]models.Account, error) {
	out := []models.Account{}
	for _, id := range idset.Dedupe(ids) {
		if a, ok := r.st.accounts[id]; ok {
			out = append(out, cloneAccount(a))
		}
	}
	return out, nil
}

func (r reader) Cohorts(_ context.Context, ids []primitive.ObjectID) ([]models.Cohort, error) {
	out := []models.Cohort{}
	for _, id := range idset.Dedupe(ids) {
		if c, ok := r.st.cohorts[id]; ok {
			out = append(out, cloneCohort(c))
		}
	}
	return out, nil
}

func (r reader) Sessions(_ context.Context, ids []primitive.ObjectID) ([]models.Session, error) {
	out := []models.Session{}
	for _, id := range idset.Dedupe(ids) {
		if s, ok := r.st.sessions[id]; ok {
			out = append(out, cloneSession(s))
		}
	}
	return out, nil
}

func (r reader) refs(kind entitystore.Kind, id primitive.ObjectID, f entitystore.Field) ([]primitive.ObjectID, bool) {
	switch kind {
	case entitystore.Accounts:
		a, ok := r.st.accounts[id]
		if !ok {
			return nil, false
		}
		if p := accountField(&a, f); p != nil {
			return cloneIDs(*p), true
		}
		return nil, true
	case entitystore.Cohorts:
		c, ok := r.st.cohorts[id]
		if !ok {
			return nil, false
		}
		if p := cohortField(&c, f); p != nil {
			return cloneIDs(*p), true
		}
		return nil, true
	case entitystore.Sessions:
		s, ok := r.st.sessions[id]
		if !ok {
			return nil, false
		}
		if p := sessionField(&s, f); p != nil {
			return cloneIDs(*p), true
		}
		return nil, true
	}
	return nil, false
}

func (r reader) Refs(_ context.Context, kind entitystore.Kind, id primitive.ObjectID, f entitystore.Field) ([]primitive.ObjectID, error) {
	refs, ok := r.refs(kind, id, f)
	if !ok {
		return nil, entitystore.ErrNotFound
	}
	return refs, nil
}

func (r reader) exists(kind entitystore.Kind, id primitive.ObjectID) bool {
	switch kind {
	case entitystore.Accounts:
		_, ok := r.st.accounts[id]
		return ok
	case entitystore.Cohorts:
		_, ok := r.st.cohorts[id]
		return ok
	case entitystore.Sessions:
		_, ok := r.st.sessions[id]
		return ok
	}
	return false
}

func (r reader) Missing(_ context.Context, kind entitystore.Kind, ids []primitive.ObjectID) ([]primitive.ObjectID, error) {
	out := []primitive.ObjectID{}
	for _, id := range idset.Dedupe(ids) {
		if !r.exists(kind, id) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (r reader) Referencing(_ context.Context, kind entitystore.Kind, f entitystore.Field, ref primitive.ObjectID) ([]primitive.ObjectID, error) {
	var ids []primitive.ObjectID
	switch kind {
	case entitystore.Accounts:
		for id := range r.st.accounts {
			ids = append(ids, id)
		}
	case entitystore.Cohorts:
		for id := range r.st.cohorts {
			ids = append(ids, id)
		}
	case entitystore.Sessions:
		for id := range r.st.sessions {
			ids = append(ids, id)
		}
	}
	out := []primitive.ObjectID{}
	for _, id := range ids {
		refs, _ := r.refs(kind, id, f)
		if idset.Of(refs...).Contains(ref) {
			out = append(out, id)
		}
	}
	idset.Sort(out)
	return out, nil
}

func (r reader) FindSessions(_ context.Context, f entitystore.SessionFilter) ([]models.Session, error) {
	var only idset.Set
	if len(f.IDs) > 0 {
		only = idset.Of(f.IDs...)
	}
	out := []models.Session{}
	for _, s := range r.allSessions() {
		if f.Date != "" && s.Date != f.Date {
			continue
		}
		if !f.CohortID.IsZero() && !idset.Of(s.CohortIDs...).Contains(f.CohortID) {
			continue
		}
		if only != nil && !only.Contains(s.ID) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}
