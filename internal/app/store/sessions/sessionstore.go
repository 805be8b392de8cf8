// internal/app/store/sessions/sessionstore.go
package sessionstore

// sessionstore owns the scheduling fields of a session. The reference arrays
// (cohort_ids, teacher_ids, student_ids) are written by the membership
// package only.

import (
	"context"
	"errors"
	"time"

	"github.com/dalemusser/classhub/internal/app/system/htmlsanitize"
	"github.com/dalemusser/classhub/internal/app/system/normalize"
	"github.com/dalemusser/classhub/internal/domain/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	ErrTypeRequired   = errors.New("session type is required")
	ErrBadDate        = errors.New("date must be YYYYMMDD")
	ErrBadTime        = errors.New("times must be HH:MM")
	ErrEndBeforeStart = errors.New("end time must not be before start time")
)

type Store struct {
	c *mongo.Collection
}

func New(db *mongo.Database) *Store {
	return &Store{c: db.Collection("sessions")}
}

// ValidDate reports whether d is a real calendar date in YYYYMMDD form.
func ValidDate(d string) bool {
	_, err := time.Parse("20060102", d)
	return err == nil
}

// ValidTime reports whether t is a 24h HH:MM time.
func ValidTime(t string) bool {
	_, err := time.Parse("15:04", t)
	return err == nil
}

// Fields are the scheduling fields of a session.
type Fields struct {
	Type        string
	Room        string
	Date        string
	StartTime   string
	EndTime     string
	Description string
}

// normalize cleans f and checks it. Empty times are allowed.
func (f Fields) normalize() (Fields, error) {
	f.Type = htmlsanitize.Plain(f.Type)
	f.Room = htmlsanitize.Plain(f.Room)
	f.Date = normalize.Date(f.Date)
	f.StartTime = normalize.QueryParam(f.StartTime)
	f.EndTime = normalize.QueryParam(f.EndTime)
	f.Description = htmlsanitize.Description(f.Description)

	if f.Type == "" {
		return f, ErrTypeRequired
	}
	if !ValidDate(f.Date) {
		return f, ErrBadDate
	}
	if (f.StartTime != "" && !ValidTime(f.StartTime)) || (f.EndTime != "" && !ValidTime(f.EndTime)) {
		return f, ErrBadTime
	}
	// HH:MM compares correctly as a string.
	if f.StartTime != "" && f.EndTime != "" && f.EndTime < f.StartTime {
		return f, ErrEndBeforeStart
	}
	return f, nil
}

// Create inserts a session with no cohorts, teachers, or students.
func (s *Store) Create(ctx context.Context, in Fields) (models.Session, error) {
	f, err := in.normalize()
	if err != nil {
		return models.Session{}, err
	}
	now := time.Now().UTC()
	ss := models.Session{
		ID:          primitive.NewObjectID(),
		CohortIDs:   []primitive.ObjectID{},
		TeacherIDs:  []primitive.ObjectID{},
		StudentIDs:  []primitive.ObjectID{},
		Type:        f.Type,
		Room:        f.Room,
		Date:        f.Date,
		StartTime:   f.StartTime,
		EndTime:     f.EndTime,
		Description: f.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if _, err := s.c.InsertOne(ctx, ss); err != nil {
		return models.Session{}, err
	}
	return ss, nil
}

func (s *Store) GetByID(ctx context.Context, id primitive.ObjectID) (models.Session, error) {
	var ss models.Session
	if err := s.c.FindOne(ctx, bson.M{"_id": id}).Decode(&ss); err != nil {
		return models.Session{}, err
	}
	return ss, nil
}

// UpdateFields replaces the scheduling fields of a session.
func (s *Store) UpdateFields(ctx context.Context, id primitive.ObjectID, in Fields) (models.Session, error) {
	f, err := in.normalize()
	if err != nil {
		return models.Session{}, err
	}
	var out models.Session
	err = s.c.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"type":        f.Type,
		"room":        f.Room,
		"date":        f.Date,
		"start_time":  f.StartTime,
		"end_time":    f.EndTime,
		"description": f.Description,
		"updated_at":  time.Now().UTC(),
	}}, options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&out)
	if err != nil {
		return models.Session{}, err
	}
	return out, nil
}

func (s *Store) find(ctx context.Context, filter bson.M) ([]models.Session, error) {
	opts := options.Find().SetSort(bson.D{
		{Key: "date", Value: 1},
		{Key: "start_time", Value: 1},
		{Key: "_id", Value: 1},
	})
	cur, err := s.c.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := []models.Session{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// List returns every session ordered by date and start time.
func (s *Store) List(ctx context.Context) ([]models.Session, error) {
	return s.find(ctx, bson.M{})
}

// ListByDate returns the sessions on date (YYYYMMDD or YYYY-MM-DD).
func (s *Store) ListByDate(ctx context.Context, date string) ([]models.Session, error) {
	d := normalize.Date(date)
	if !ValidDate(d) {
		return nil, ErrBadDate
	}
	return s.find(ctx, bson.M{"date": d})
}

// ListByCohort returns the sessions that reference cohortID.
func (s *Store) ListByCohort(ctx context.Context, cohortID primitive.ObjectID) ([]models.Session, error) {
	return s.find(ctx, bson.M{"cohort_ids": cohortID})
}

// ListRange returns the sessions with from <= date <= to.
func (s *Store) ListRange(ctx context.Context, from, to string) ([]models.Session, error) {
	from, to = normalize.Date(from), normalize.Date(to)
	if !ValidDate(from) || !ValidDate(to) {
		return nil, ErrBadDate
	}
	return s.find(ctx, bson.M{"date": bson.M{"$gte": from, "$lte": to}})
}
