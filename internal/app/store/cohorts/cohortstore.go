// internal/app/store/cohorts/cohortstore.go
package cohortstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dalemusser/classhub/internal/app/membership"
	"github.com/dalemusser/classhub/internal/app/system/normalize"
	"github.com/dalemusser/classhub/internal/app/system/paging"
	"github.com/dalemusser/classhub/internal/domain/models"
	wafflemongo "github.com/dalemusser/waffle/pantry/mongo"
	"github.com/dalemusser/waffle/pantry/text"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	ErrDuplicateName = fmt.Errorf("a cohort with this name already exists: %w", membership.ErrConflict)
	ErrNameRequired  = errors.New("cohort name is required")
)

type Store struct {
	c *mongo.Collection
}

func New(db *mongo.Database) *Store {
	return &Store{c: db.Collection("cohorts")}
}

// Create inserts an empty cohort. Members and sessions are attached through
// the membership package.
func (s *Store) Create(ctx context.Context, name string, active bool) (models.Cohort, error) {
	name = normalize.Name(name)
	if name == "" {
		return models.Cohort{}, ErrNameRequired
	}
	now := time.Now().UTC()
	c := models.Cohort{
		ID:         primitive.NewObjectID(),
		Name:       name,
		NameCI:     text.Fold(name),
		Active:     active,
		MemberIDs:  []primitive.ObjectID{},
		SessionIDs: []primitive.ObjectID{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := s.c.InsertOne(ctx, c); err != nil {
		if wafflemongo.IsDup(err) {
			return models.Cohort{}, ErrDuplicateName
		}
		return models.Cohort{}, err
	}
	return c, nil
}

func (s *Store) GetByID(ctx context.Context, id primitive.ObjectID) (models.Cohort, error) {
	var c models.Cohort
	if err := s.c.FindOne(ctx, bson.M{"_id": id}).Decode(&c); err != nil {
		return models.Cohort{}, err
	}
	return c, nil
}

// GetByName looks a cohort up case-insensitively.
func (s *Store) GetByName(ctx context.Context, name string) (models.Cohort, error) {
	var c models.Cohort
	if err := s.c.FindOne(ctx, bson.M{"name_ci": text.Fold(normalize.Name(name))}).Decode(&c); err != nil {
		return models.Cohort{}, err
	}
	return c, nil
}

// ListPage returns one keyset page of cohorts ordered by name.
func (s *Store) ListPage(ctx context.Context, activeOnly bool, req paging.Request) (paging.Page[models.Cohort], error) {
	cfg := paging.ConfigureKeyset(req)
	filter := bson.M{}
	if activeOnly {
		filter["active"] = true
	}
	find := options.Find()
	cfg.ApplyToFind(find, "name_ci")

	cur, err := s.c.Find(ctx, cfg.Filter(filter, "name_ci"), find)
	if err != nil {
		return paging.Page[models.Cohort]{}, err
	}
	defer cur.Close(ctx)

	var rows []models.Cohort
	if err := cur.All(ctx, &rows); err != nil {
		return paging.Page[models.Cohort]{}, err
	}
	return paging.Finish(rows, req, cfg,
		func(c models.Cohort) string { return c.NameCI },
		func(c models.Cohort) primitive.ObjectID { return c.ID },
	), nil
}

// UpdateInfo renames and/or (de)activates a cohort. Nil fields are left
// unchanged. Returns ErrDuplicateName if the new name is taken.
func (s *Store) UpdateInfo(ctx context.Context, id primitive.ObjectID, name *string, active *bool) error {
	set := bson.M{"updated_at": time.Now().UTC()}
	if name != nil {
		n := normalize.Name(*name)
		if n == "" {
			return ErrNameRequired
		}
		set["name"] = n
		set["name_ci"] = text.Fold(n)
	}
	if active != nil {
		set["active"] = *active
	}
	res, err := s.c.UpdateByID(ctx, id, bson.M{"$set": set})
	if err != nil {
		if wafflemongo.IsDup(err) {
			return ErrDuplicateName
		}
		return err
	}
	if res.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}
