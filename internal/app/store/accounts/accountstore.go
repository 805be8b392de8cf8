// internal/app/store/accounts/accountstore.go
package accountstore

// accountstore owns single-document account CRUD. It never writes
// cohort_ids or session_ids; those belong to the membership package.

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/dalemusser/classhub/internal/app/membership"
	"github.com/dalemusser/classhub/internal/app/system/normalize"
	"github.com/dalemusser/classhub/internal/app/system/paging"
	"github.com/dalemusser/classhub/internal/app/system/palette"
	"github.com/dalemusser/classhub/internal/domain/models"
	wafflemongo "github.com/dalemusser/waffle/pantry/mongo"
	"github.com/dalemusser/waffle/pantry/text"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLen is the shortest password Create and SetPassword accept.
const MinPasswordLen = 6

var (
	ErrDuplicateUsername = fmt.Errorf("username already taken: %w", membership.ErrConflict)
	ErrBadRole           = errors.New("role must be student, teacher, or admin")
	ErrUsernameRequired  = errors.New("username is required")
	ErrPasswordTooShort  = fmt.Errorf("password must be at least %d characters", MinPasswordLen)
	ErrBadColor          = errors.New("color is not in the palette")
)

type Store struct {
	c *mongo.Collection
}

func New(db *mongo.Database) *Store {
	return &Store{c: db.Collection("accounts")}
}

// NewAccount is the input to Create.
type NewAccount struct {
	Username string
	Email    string
	Password string
	Role     string
}

// Create validates and inserts an account. The profile colour is drawn from
// the palette with r; a nil r assigns palette.Fallback.
func (s *Store) Create(ctx context.Context, in NewAccount, r *rand.Rand) (models.Account, error) {
	username := normalize.Username(in.Username)
	if username == "" {
		return models.Account{}, ErrUsernameRequired
	}
	role := normalize.Role(in.Role)
	if role == "" {
		role = models.RoleStudent
	}
	if !models.ValidRole(role) {
		return models.Account{}, ErrBadRole
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return models.Account{}, err
	}

	now := time.Now().UTC()
	a := models.Account{
		ID:           primitive.NewObjectID(),
		Username:     username,
		UsernameCI:   text.Fold(username),
		Email:        normalize.Email(in.Email),
		PasswordHash: hash,
		Role:         role,
		Color:        palette.Pick(r),
		CohortIDs:    []primitive.ObjectID{},
		SessionIDs:   []primitive.ObjectID{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, err := s.c.InsertOne(ctx, a); err != nil {
		if wafflemongo.IsDup(err) {
			return models.Account{}, ErrDuplicateUsername
		}
		return models.Account{}, err
	}
	return a, nil
}

// HashPassword bcrypt-hashes pw after checking its length.
func HashPassword(pw string) (string, error) {
	if len(pw) < MinPasswordLen {
		return "", ErrPasswordTooShort
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword reports whether pw matches the account's stored hash.
func CheckPassword(a models.Account, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(a.PasswordHash), []byte(pw)) == nil
}

func (s *Store) GetByID(ctx context.Context, id primitive.ObjectID) (models.Account, error) {
	var a models.Account
	if err := s.c.FindOne(ctx, bson.M{"_id": id}).Decode(&a); err != nil {
		return models.Account{}, err
	}
	return a, nil
}

// GetByUsername looks an account up case-insensitively.
func (s *Store) GetByUsername(ctx context.Context, username string) (models.Account, error) {
	var a models.Account
	err := s.c.FindOne(ctx, bson.M{"username_ci": text.Fold(normalize.Username(username))}).Decode(&a)
	if err != nil {
		return models.Account{}, err
	}
	return a, nil
}

// ListPage returns one keyset page of accounts ordered by username.
func (s *Store) ListPage(ctx context.Context, role string, req paging.Request) (paging.Page[models.Account], error) {
	cfg := paging.ConfigureKeyset(req)
	filter := bson.M{}
	if role != "" {
		filter["role"] = normalize.Role(role)
	}
	find := options.Find()
	cfg.ApplyToFind(find, "username_ci")

	cur, err := s.c.Find(ctx, cfg.Filter(filter, "username_ci"), find)
	if err != nil {
		return paging.Page[models.Account]{}, err
	}
	defer cur.Close(ctx)

	var rows []models.Account
	if err := cur.All(ctx, &rows); err != nil {
		return paging.Page[models.Account]{}, err
	}
	return paging.Finish(rows, req, cfg,
		func(a models.Account) string { return a.UsernameCI },
		func(a models.Account) primitive.ObjectID { return a.ID },
	), nil
}

// Update holds the editable account fields. Nil fields are left unchanged.
type Update struct {
	Email *string
	Role  *string
	Color *string
}

// UpdateProfile applies upd. Returns mongo.ErrNoDocuments if id is unknown.
func (s *Store) UpdateProfile(ctx context.Context, id primitive.ObjectID, upd Update) error {
	set := bson.M{"updated_at": time.Now().UTC()}
	if upd.Email != nil {
		set["email"] = normalize.Email(*upd.Email)
	}
	if upd.Role != nil {
		role := normalize.Role(*upd.Role)
		if !models.ValidRole(role) {
			return ErrBadRole
		}
		set["role"] = role
	}
	if upd.Color != nil {
		if !palette.Valid(*upd.Color) {
			return fmt.Errorf("%w: %q", ErrBadColor, *upd.Color)
		}
		set["color"] = *upd.Color
	}
	res, err := s.c.UpdateByID(ctx, id, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}

// SetPassword replaces the account's password hash.
func (s *Store) SetPassword(ctx context.Context, id primitive.ObjectID, pw string) error {
	hash, err := HashPassword(pw)
	if err != nil {
		return err
	}
	res, err := s.c.UpdateByID(ctx, id, bson.M{"$set": bson.M{
		"password_hash": hash,
		"updated_at":    time.Now().UTC(),
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return mongo.ErrNoDocuments
	}
	return nil
}
