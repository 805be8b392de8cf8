// internal/app/membership/queries.go
package membership

import (
	"context"
	"errors"
	"fmt"

	entitystore "github.com/dalemusser/classhub/internal/app/store/entities"
	"github.com/dalemusser/classhub/internal/app/system/idset"
	"github.com/dalemusser/classhub/internal/app/system/timeouts"
	"github.com/dalemusser/classhub/internal/domain/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Roster is a session with its teachers and students resolved.
type Roster struct {
	Session  models.Session   `json:"session"`
	Teachers []models.Account `json:"teachers"`
	Students []models.Account `json:"students"`
}

// view runs fn in one snapshot under the short read deadline.
func (s *Service) view(ctx context.Context, op string, fn func(ctx context.Context, r entitystore.Reader) error) error {
	ctx, cancel := timeouts.WithTimeout(ctx, timeouts.Short(), s.log, op)
	defer cancel()
	err := s.store.View(ctx, fn)
	var nf *NotFoundError
	switch {
	case err == nil, errors.As(err, &nf):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	case errors.Is(err, entitystore.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func refsOrNotFound(ctx context.Context, r entitystore.Reader, kind entitystore.Kind, id primitive.ObjectID, f entitystore.Field) ([]primitive.ObjectID, error) {
	ids, err := r.Refs(ctx, kind, id, f)
	if errors.Is(err, entitystore.ErrNotFound) {
		return nil, notFound(kind, id)
	}
	return ids, err
}

// CohortsOf returns the cohorts the account belongs to.
func (s *Service) CohortsOf(ctx context.Context, accountID primitive.ObjectID) ([]models.Cohort, error) {
	var out []models.Cohort
	err := s.view(ctx, "cohorts of", func(ctx context.Context, r entitystore.Reader) error {
		ids, err := refsOrNotFound(ctx, r, entitystore.Accounts, accountID, entitystore.FieldCohortIDs)
		if err != nil {
			return err
		}
		out, err = r.Cohorts(ctx, ids)
		return err
	})
	return out, err
}

// MembersOf returns the accounts that belong to the cohort.
func (s *Service) MembersOf(ctx context.Context, cohortID primitive.ObjectID) ([]models.Account, error) {
	var out []models.Account
	err := s.view(ctx, "members of", func(ctx context.Context, r entitystore.Reader) error {
		ids, err := refsOrNotFound(ctx, r, entitystore.Cohorts, cohortID, entitystore.FieldMemberIDs)
		if err != nil {
			return err
		}
		out, err = r.Accounts(ctx, ids)
		return err
	})
	return out, err
}

// SessionsOf returns the sessions scheduled for the cohort.
func (s *Service) SessionsOf(ctx context.Context, cohortID primitive.ObjectID) ([]models.Session, error) {
	var out []models.Session
	err := s.view(ctx, "sessions of", func(ctx context.Context, r entitystore.Reader) error {
		ids, err := refsOrNotFound(ctx, r, entitystore.Cohorts, cohortID, entitystore.FieldSessionIDs)
		if err != nil {
			return err
		}
		out, err = r.Sessions(ctx, ids)
		return err
	})
	return out, err
}

// RosterOf returns the session with its teachers and students.
func (s *Service) RosterOf(ctx context.Context, sessionID primitive.ObjectID) (Roster, error) {
	var out Roster
	err := s.view(ctx, "roster of", func(ctx context.Context, r entitystore.Reader) error {
		found, err := r.Sessions(ctx, []primitive.ObjectID{sessionID})
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return notFound(entitystore.Sessions, sessionID)
		}
		out.Session = found[0]
		if out.Teachers, err = r.Accounts(ctx, out.Session.TeacherIDs); err != nil {
			return err
		}
		out.Students, err = r.Accounts(ctx, out.Session.StudentIDs)
		return err
	})
	if err != nil {
		return Roster{}, err
	}
	return out, nil
}

// CheckPeers returns a *NotFoundError naming every id with no rel.Peer
// document. Handlers call it before writing other fields, so a bad id list
// fails the request before anything is saved. Reconcile checks again.
func (s *Service) CheckPeers(ctx context.Context, rel Relation, ids []primitive.ObjectID) error {
	if len(ids) == 0 {
		return nil
	}
	return s.view(ctx, "check "+rel.Name, func(ctx context.Context, r entitystore.Reader) error {
		missing, err := r.Missing(ctx, rel.Peer, idset.Dedupe(ids))
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			return notFound(rel.Peer, missing...)
		}
		return nil
	})
}
