// internal/app/membership/cascade.go
package membership

import (
	"context"
	"errors"
	"sync"
	"time"

	entitystore "github.com/dalemusser/classhub/internal/app/store/entities"
	"github.com/dalemusser/classhub/internal/app/system/idset"
	"github.com/dalemusser/classhub/internal/app/system/metrics"
	"github.com/dalemusser/classhub/internal/app/system/timeouts"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DeleteCohort removes the cohort and every reference to it. Sessions that
// pointed at it are kept with the cohort ref pulled.
func (s *Service) DeleteCohort(ctx context.Context, id primitive.ObjectID) error {
	return s.cascade(ctx, entitystore.Cohorts, id)
}

// DeleteSession removes the session and every reference to it from
// accounts (students and teachers) and cohorts.
func (s *Service) DeleteSession(ctx context.Context, id primitive.ObjectID) error {
	return s.cascade(ctx, entitystore.Sessions, id)
}

// DeleteAccount removes the account and every reference to it from cohort
// members and session rosters.
func (s *Service) DeleteAccount(ctx context.Context, id primitive.ObjectID) error {
	return s.cascade(ctx, entitystore.Accounts, id)
}

// cascade deletes one document in a single unit. References are collected
// from both the document's own arrays and a reverse lookup, so a ref that
// was never mirrored is cleaned up too.
func (s *Service) cascade(ctx context.Context, kind entitystore.Kind, id primitive.ObjectID) error {
	op := "delete " + string(kind)
	start := time.Now()
	defer metrics.Since(op, start)

	ctx, cancel := timeouts.WithTimeout(ctx, timeouts.Reconcile(), s.log, op)
	defer cancel()

	err := s.store.Update(ctx, op, func(ctx context.Context, tx entitystore.Tx) error {
		if err := tx.Lock(ctx, kind, id); err != nil {
			if errors.Is(err, entitystore.ErrNotFound) {
				return notFound(kind, id)
			}
			return err
		}

		type target struct {
			kind  entitystore.Kind
			field entitystore.Field
		}
		holders := map[target][]primitive.ObjectID{}
		var order []target

		for _, l := range backLinks(kind) {
			own, err := tx.Refs(ctx, kind, id, l.Field)
			if err != nil {
				return err
			}
			rev, err := tx.Referencing(ctx, l.Target, l.TargetField, id)
			if err != nil {
				return err
			}
			t := target{l.Target, l.TargetField}
			if _, ok := holders[t]; !ok {
				order = append(order, t)
			}
			holders[t] = idset.Union(holders[t], own, rev)
		}

		// Holders cannot change once id is locked: every edge write to id
		// leases it first.
		for _, t := range order {
			if err := tx.LockPeers(ctx, t.kind, holders[t]); err != nil {
				return err
			}
		}
		for _, t := range order {
			tx.Stage(entitystore.PullRefs(t.kind, t.field, holders[t], id))
		}
		tx.Stage(entitystore.DeleteDocs(kind, id))
		return nil
	})
	err = classify(op, err)

	metrics.Cascades.WithLabelValues(string(kind), outcome(err)).Inc()
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.Warn("cascade delete failed",
				zap.String("kind", string(kind)),
				zap.String("id", id.Hex()),
				zap.Error(err))
		}
		return err
	}
	s.log.Info("cascade delete",
		zap.String("kind", string(kind)),
		zap.String("id", id.Hex()))
	return nil
}

// BulkResult reports a DeleteSessionsMatching run.
type BulkResult struct {
	Deleted    int                          `json:"deleted"`
	DeletedIDs []primitive.ObjectID         `json:"deleted_ids"`
	Failed     map[primitive.ObjectID]error `json:"-"`
}

// FailedIDs returns the ids whose cascade failed, sorted.
func (r BulkResult) FailedIDs() []primitive.ObjectID {
	out := make([]primitive.ObjectID, 0, len(r.Failed))
	for id := range r.Failed {
		out = append(out, id)
	}
	idset.Sort(out)
	return out
}

// DeleteSessionsMatching runs DeleteSession for every session selected by
// filter. Each session is its own atomic unit; failures do not stop the
// others. If any fail, the result lists them and the error is a
// *PartialFailure naming the failed ids. Sessions deleted concurrently by
// someone else are skipped.
func (s *Service) DeleteSessionsMatching(ctx context.Context, filter entitystore.SessionFilter) (BulkResult, error) {
	res := BulkResult{DeletedIDs: []primitive.ObjectID{}, Failed: map[primitive.ObjectID]error{}}
	if filter.Date == "" && filter.CohortID.IsZero() && len(filter.IDs) == 0 {
		return res, ErrEmptyFilter
	}

	ctx, cancel := timeouts.WithTimeout(ctx, timeouts.Batch(), s.log, "delete sessions matching")
	defer cancel()

	var ids []primitive.ObjectID
	err := s.store.View(ctx, func(ctx context.Context, r entitystore.Reader) error {
		found, err := r.FindSessions(ctx, filter)
		if err != nil {
			return err
		}
		for _, ss := range found {
			ids = append(ids, ss.ID)
		}
		return nil
	})
	if err != nil {
		return res, classify("delete sessions matching", err)
	}

	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	g.SetLimit(s.bulkLimit)
	for _, id := range ids {
		g.Go(func() error {
			err := s.DeleteSession(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.DeletedIDs = append(res.DeletedIDs, id)
			case errors.Is(err, ErrNotFound):
			default:
				res.Failed[id] = err
				errs = multierr.Append(errs, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	idset.Sort(res.DeletedIDs)
	res.Deleted = len(res.DeletedIDs)
	s.log.Info("bulk session delete",
		zap.String("date", filter.Date),
		zap.Int("matched", len(ids)),
		zap.Int("deleted", res.Deleted),
		zap.Int("failed", len(res.Failed)))

	if len(res.Failed) > 0 {
		return res, &PartialFailure{Op: "delete sessions matching", Failed: res.FailedIDs(), Err: errs}
	}
	return res, nil
}

// ErrorStrings renders the per-id failures keyed by hex id.
func (r BulkResult) ErrorStrings() map[string]string {
	out := make(map[string]string, len(r.Failed))
	for id, err := range r.Failed {
		out[id.Hex()] = err.Error()
	}
	return out
}
