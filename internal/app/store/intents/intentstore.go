// internal/app/store/intents/intentstore.go
package intentstore

// The intent journal backs membership writes on deployments that cannot run
// multi-document transactions. Two collections are used:
//
//   - membership_intents: one document per multi-document unit, written before
//     the first mutation and moved to committed / rolled_back afterwards.
//   - membership_locks: short-lived owner leases keyed "<kind>:<id>".

import (
	"context"
	"errors"
	"time"

	"github.com/dalemusser/classhub/internal/domain/models"
	wafflemongo "github.com/dalemusser/waffle/pantry/mongo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrLeaseHeld is returned when another live owner holds the lease.
var ErrLeaseHeld = errors.New("lease held by another operation")

type Store struct {
	c     *mongo.Collection
	locks *mongo.Collection
}

func New(db *mongo.Database) *Store {
	return &Store{
		c:     db.Collection("membership_intents"),
		locks: db.Collection("membership_locks"),
	}
}

// Insert records a new pending intent.
func (s *Store) Insert(ctx context.Context, in models.Intent) error {
	now := time.Now().UTC()
	if in.State == "" {
		in.State = models.IntentPending
	}
	in.CreatedAt = now
	in.UpdatedAt = now
	_, err := s.c.InsertOne(ctx, in)
	return err
}

// SetState moves an intent to state.
func (s *Store) SetState(ctx context.Context, id, state string) error {
	_, err := s.c.UpdateByID(ctx, id, bson.M{"$set": bson.M{
		"state":      state,
		"updated_at": time.Now().UTC(),
	}})
	return err
}

// Touch bumps updated_at so a long-running unit is not mistaken for stale.
func (s *Store) Touch(ctx context.Context, id string) error {
	_, err := s.c.UpdateByID(ctx, id, bson.M{"$set": bson.M{"updated_at": time.Now().UTC()}})
	return err
}

// GetByID loads one intent.
func (s *Store) GetByID(ctx context.Context, id string) (models.Intent, error) {
	var in models.Intent
	if err := s.c.FindOne(ctx, bson.M{"_id": id}).Decode(&in); err != nil {
		return models.Intent{}, err
	}
	return in, nil
}

func (s *Store) find(ctx context.Context, filter bson.M, opts ...*options.FindOptions) ([]models.Intent, error) {
	cur, err := s.c.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []models.Intent
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListStale returns pending intents not updated since before, oldest first.
func (s *Store) ListStale(ctx context.Context, before time.Time, limit int64) ([]models.Intent, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	return s.find(ctx, bson.M{
		"state":      models.IntentPending,
		"updated_at": bson.M{"$lt": before},
	}, opts)
}

// PendingTouching returns pending intents that write any of ids.
func (s *Store) PendingTouching(ctx context.Context, ids []primitive.ObjectID) ([]models.Intent, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.find(ctx, bson.M{
		"state":   models.IntentPending,
		"touched": bson.M{"$in": ids},
	})
}

// PendingForLock returns pending intents recorded under lock key.
func (s *Store) PendingForLock(ctx context.Context, key string) ([]models.Intent, error) {
	return s.find(ctx, bson.M{"state": models.IntentPending, "lock_key": key},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
}

// PurgeFinished deletes committed and rolled-back intents last updated before.
func (s *Store) PurgeFinished(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.c.DeleteMany(ctx, bson.M{
		"state":      bson.M{"$in": bson.A{models.IntentCommitted, models.IntentRolledBack}},
		"updated_at": bson.M{"$lt": before},
	})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// CountPending returns the number of pending intents.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	return s.c.CountDocuments(ctx, bson.M{"state": models.IntentPending})
}

/* --------------------------------- leases -------------------------------- */

// AcquireLease claims key for token until ttl elapses. If an expired lease
// is taken over, takeover is true and the caller must resolve any pending
// intent left under key before writing.
func (s *Store) AcquireLease(ctx context.Context, key, token string, ttl time.Duration) (takeover bool, err error) {
	now := time.Now().UTC()
	_, err = s.locks.InsertOne(ctx, bson.M{
		"_id":        key,
		"token":      token,
		"expires_at": now.Add(ttl),
		"created_at": now,
	})
	if err == nil {
		return false, nil
	}
	if !wafflemongo.IsDup(err) {
		return false, err
	}

	res, err := s.locks.UpdateOne(ctx,
		bson.M{"_id": key, "expires_at": bson.M{"$lt": now}},
		bson.M{"$set": bson.M{"token": token, "expires_at": now.Add(ttl)}},
	)
	if err != nil {
		return false, err
	}
	if res.MatchedCount == 0 {
		return false, ErrLeaseHeld
	}
	return true, nil
}

// ReleaseLease drops key if token still owns it.
func (s *Store) ReleaseLease(ctx context.Context, key, token string) error {
	_, err := s.locks.DeleteOne(ctx, bson.M{"_id": key, "token": token})
	return err
}
