package testutil

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/dalemusser/classhub/internal/domain/models"
	"github.com/dalemusser/waffle/pantry/text"
	"github.com/go-chi/chi/v5"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// WithChiURLParam adds a chi URL parameter to the request context.
// Use this in handler tests that need to access chi.URLParam values.
func WithChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// Fixtures provides helper methods for creating test data. Documents are
// inserted directly, bypassing the membership package, so tests can also
// seed deliberately inconsistent graphs.
type Fixtures struct {
	db *mongo.Database
	t  *testing.T
}

// NewFixtures creates a new Fixtures instance for the given test database.
func NewFixtures(t *testing.T, db *mongo.Database) *Fixtures {
	t.Helper()
	return &Fixtures{db: db, t: t}
}

// DB returns the underlying database for direct access in tests.
func (f *Fixtures) DB() *mongo.Database {
	return f.db
}

func orEmpty(ids []primitive.ObjectID) []primitive.ObjectID {
	if ids == nil {
		return []primitive.ObjectID{}
	}
	return ids
}

// CreateAccount inserts an account with the given username and role.
func (f *Fixtures) CreateAccount(ctx context.Context, username, role string) models.Account {
	f.t.Helper()

	now := time.Now().UTC()
	a := models.Account{
		ID:           primitive.NewObjectID(),
		Username:     username,
		UsernameCI:   text.Fold(username),
		PasswordHash: "x",
		Role:         role,
		Color:        "#a8dadc",
		CohortIDs:    []primitive.ObjectID{},
		SessionIDs:   []primitive.ObjectID{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, err := f.db.Collection("accounts").InsertOne(ctx, a); err != nil {
		f.t.Fatalf("failed to create test account: %v", err)
	}
	return a
}

// CreateStudent inserts a student account.
func (f *Fixtures) CreateStudent(ctx context.Context, username string) models.Account {
	f.t.Helper()
	return f.CreateAccount(ctx, username, models.RoleStudent)
}

// CreateTeacher inserts a teacher account.
func (f *Fixtures) CreateTeacher(ctx context.Context, username string) models.Account {
	f.t.Helper()
	return f.CreateAccount(ctx, username, models.RoleTeacher)
}

// CreateCohort inserts an active cohort listing memberIDs. The accounts are
// not updated.
func (f *Fixtures) CreateCohort(ctx context.Context, name string, memberIDs ...primitive.ObjectID) models.Cohort {
	f.t.Helper()

	now := time.Now().UTC()
	c := models.Cohort{
		ID:         primitive.NewObjectID(),
		Name:       name,
		NameCI:     text.Fold(name),
		Active:     true,
		MemberIDs:  orEmpty(memberIDs),
		SessionIDs: []primitive.ObjectID{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := f.db.Collection("cohorts").InsertOne(ctx, c); err != nil {
		f.t.Fatalf("failed to create test cohort: %v", err)
	}
	return c
}

// CreateSession inserts a lecture session on date.
func (f *Fixtures) CreateSession(ctx context.Context, date string) models.Session {
	f.t.Helper()

	now := time.Now().UTC()
	s := models.Session{
		ID:         primitive.NewObjectID(),
		CohortIDs:  []primitive.ObjectID{},
		TeacherIDs: []primitive.ObjectID{},
		StudentIDs: []primitive.ObjectID{},
		Type:       "lecture",
		Room:       "101",
		Date:       date,
		StartTime:  "09:00",
		EndTime:    "10:00",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := f.db.Collection("sessions").InsertOne(ctx, s); err != nil {
		f.t.Fatalf("failed to create test session: %v", err)
	}
	return s
}
