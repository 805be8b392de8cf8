// Package membership keeps the mirrored reference arrays between accounts,
// cohorts and sessions consistent. Every edge change and every delete runs
// as one entity-store unit: the owner is locked, its current refs are read
// fresh inside the unit, and only the ids that actually change are written
// (removals first, then additions) with idempotent $pull/$addToSet ops.
package membership

import (
	"context"
	"errors"
	"time"

	entitystore "github.com/dalemusser/classhub/internal/app/store/entities"
	"github.com/dalemusser/classhub/internal/app/system/idset"
	"github.com/dalemusser/classhub/internal/app/system/metrics"
	"github.com/dalemusser/classhub/internal/app/system/timeouts"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// DefaultBulkConcurrency bounds parallel cascades in DeleteSessionsMatching.
const DefaultBulkConcurrency = 4

// Service is the reconciler, cascade coordinator and query surface.
type Service struct {
	store     entitystore.Store
	log       *zap.Logger
	bulkLimit int
}

// New builds a Service over store. bulkConcurrency <= 0 selects
// DefaultBulkConcurrency.
func New(store entitystore.Store, logger *zap.Logger, bulkConcurrency int) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bulkConcurrency <= 0 {
		bulkConcurrency = DefaultBulkConcurrency
	}
	return &Service{store: store, log: logger, bulkLimit: bulkConcurrency}
}

// Diff is the change a reconcile applied.
type Diff struct {
	Added   []primitive.ObjectID `json:"added"`
	Removed []primitive.ObjectID `json:"removed"`
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool { return len(d.Added) == 0 && len(d.Removed) == 0 }

// planFunc decides, from the owner's current refs, which peers to add and
// remove. It runs inside the unit and may return an error to abort it.
type planFunc func(ctx context.Context, tx entitystore.Tx, current []primitive.ObjectID) (toAdd, toRemove []primitive.ObjectID, err error)

// Reconcile makes the owner's side of rel equal desired and mirrors the
// change onto every affected peer. Duplicates in desired are ignored.
// Returns a *NotFoundError if the owner or any desired peer does not exist.
func (s *Service) Reconcile(ctx context.Context, rel Relation, ownerID primitive.ObjectID, desired []primitive.ObjectID) (Diff, error) {
	want := idset.Dedupe(desired)
	return s.edit(ctx, "reconcile", rel, ownerID, func(ctx context.Context, tx entitystore.Tx, current []primitive.ObjectID) ([]primitive.ObjectID, []primitive.ObjectID, error) {
		toAdd, toRemove := idset.Diff(current, want)
		if err := tx.LockPeers(ctx, rel.Peer, idset.Union(toAdd, toRemove)); err != nil {
			return nil, nil, err
		}
		missing, err := tx.Missing(ctx, rel.Peer, want)
		if err != nil {
			return nil, nil, err
		}
		if len(missing) > 0 {
			return nil, nil, notFound(rel.Peer, missing...)
		}
		return toAdd, toRemove, nil
	})
}

// Add creates the single edge owner -> peer. It returns ErrAlreadyMember if
// the edge already exists.
func (s *Service) Add(ctx context.Context, rel Relation, ownerID, peerID primitive.ObjectID) error {
	_, err := s.edit(ctx, "add", rel, ownerID, func(ctx context.Context, tx entitystore.Tx, current []primitive.ObjectID) ([]primitive.ObjectID, []primitive.ObjectID, error) {
		if idset.Of(current...).Contains(peerID) {
			return nil, nil, ErrAlreadyMember
		}
		if err := tx.LockPeers(ctx, rel.Peer, []primitive.ObjectID{peerID}); err != nil {
			return nil, nil, err
		}
		missing, err := tx.Missing(ctx, rel.Peer, []primitive.ObjectID{peerID})
		if err != nil {
			return nil, nil, err
		}
		if len(missing) > 0 {
			return nil, nil, notFound(rel.Peer, peerID)
		}
		return []primitive.ObjectID{peerID}, nil, nil
	})
	return err
}

// Remove deletes the single edge owner -> peer. It returns ErrNotMember if
// the edge does not exist.
func (s *Service) Remove(ctx context.Context, rel Relation, ownerID, peerID primitive.ObjectID) error {
	_, err := s.edit(ctx, "remove", rel, ownerID, func(ctx context.Context, tx entitystore.Tx, current []primitive.ObjectID) ([]primitive.ObjectID, []primitive.ObjectID, error) {
		if !idset.Of(current...).Contains(peerID) {
			return nil, nil, ErrNotMember
		}
		if err := tx.LockPeers(ctx, rel.Peer, []primitive.ObjectID{peerID}); err != nil {
			return nil, nil, err
		}
		return nil, []primitive.ObjectID{peerID}, nil
	})
	return err
}

func (s *Service) edit(ctx context.Context, verb string, rel Relation, ownerID primitive.ObjectID, plan planFunc) (Diff, error) {
	if err := rel.validate(); err != nil {
		return Diff{}, err
	}
	op := verb + " " + rel.Name
	start := time.Now()
	defer metrics.Since(op, start)

	ctx, cancel := timeouts.WithTimeout(ctx, timeouts.Reconcile(), s.log, op)
	defer cancel()

	var diff Diff
	err := s.store.Update(ctx, op, func(ctx context.Context, tx entitystore.Tx) error {
		diff = Diff{}
		if err := tx.Lock(ctx, rel.Owner, ownerID); err != nil {
			if errors.Is(err, entitystore.ErrNotFound) {
				return notFound(rel.Owner, ownerID)
			}
			return err
		}
		current, err := tx.Refs(ctx, rel.Owner, ownerID, rel.OwnerField)
		if err != nil {
			return err
		}
		toAdd, toRemove, err := plan(ctx, tx, current)
		if err != nil {
			return err
		}

		// Peers still listed under the sibling field keep their owner ref.
		unlink := toRemove
		if rel.Sibling != "" && len(toRemove) > 0 {
			sib, err := tx.Refs(ctx, rel.Owner, ownerID, rel.Sibling)
			if err != nil {
				return err
			}
			unlink = idset.Minus(idset.Of(toRemove...), idset.Of(sib...))
		}

		one := []primitive.ObjectID{ownerID}
		tx.Stage(
			entitystore.PullRefs(rel.Owner, rel.OwnerField, one, toRemove...),
			entitystore.PullRefs(rel.Peer, rel.PeerField, unlink, ownerID),
			entitystore.AddRefs(rel.Owner, rel.OwnerField, one, toAdd...),
			entitystore.AddRefs(rel.Peer, rel.PeerField, toAdd, ownerID),
		)
		diff = Diff{Added: toAdd, Removed: toRemove}
		return nil
	})
	err = classify(op, err)

	metrics.Reconciles.WithLabelValues(rel.Name, outcome(err)).Inc()
	if err != nil {
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrAlreadyMember) && !errors.Is(err, ErrNotMember) {
			s.log.Warn("membership edit failed",
				zap.String("op", op),
				zap.String("owner", ownerID.Hex()),
				zap.Error(err))
		}
		return Diff{}, err
	}

	metrics.Edges.WithLabelValues(rel.Name, "added").Add(float64(len(diff.Added)))
	metrics.Edges.WithLabelValues(rel.Name, "removed").Add(float64(len(diff.Removed)))
	if !diff.Empty() {
		s.log.Debug("membership reconciled",
			zap.String("op", op),
			zap.String("owner", ownerID.Hex()),
			zap.Int("added", len(diff.Added)),
			zap.Int("removed", len(diff.Removed)))
	}
	return diff, nil
}
