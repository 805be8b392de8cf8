// internal/app/store/audit/store.go
package audit

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Event categories
const (
	CategoryEntity     = "entity"
	CategoryMembership = "membership"
)

// Entity event types
const (
	EventAccountCreated      = "account_created"
	EventAccountUpdated      = "account_updated"
	EventPasswordReset       = "account_password_reset"
	EventAccountDeleted      = "account_deleted"
	EventCohortCreated       = "cohort_created"
	EventCohortUpdated       = "cohort_updated"
	EventCohortDeleted       = "cohort_deleted"
	EventSessionCreated      = "session_created"
	EventSessionUpdated      = "session_updated"
	EventSessionDeleted      = "session_deleted"
	EventSessionsDeletedDate = "sessions_deleted_by_date"
)

// Membership event types
const (
	EventLinksReconciled = "links_reconciled"
	EventMemberAdded     = "member_added"
	EventMemberRemoved   = "member_removed"
)

// Event is one recorded change.
type Event struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Timestamp time.Time          `bson:"timestamp" json:"timestamp"`

	Category  string `bson:"category" json:"category"`
	EventType string `bson:"event_type" json:"event_type"`

	// What was changed. Kind is accounts, cohorts, or sessions.
	Kind     string              `bson:"kind,omitempty" json:"kind,omitempty"`
	EntityID *primitive.ObjectID `bson:"entity_id,omitempty" json:"entity_id,omitempty"`
	Relation string              `bson:"relation,omitempty" json:"relation,omitempty"`

	IP        string `bson:"ip" json:"ip"`
	UserAgent string `bson:"user_agent,omitempty" json:"user_agent,omitempty"`

	Success       bool   `bson:"success" json:"success"`
	FailureReason string `bson:"failure_reason,omitempty" json:"failure_reason,omitempty"`

	Details map[string]string `bson:"details,omitempty" json:"details,omitempty"`
}

// QueryFilter selects audit events. Zero fields match everything.
type QueryFilter struct {
	EntityID  *primitive.ObjectID
	Kind      string
	Category  string
	EventType string
	Relation  string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int64
	Offset    int64
}

func (f QueryFilter) bson() bson.M {
	query := bson.M{}
	if f.EntityID != nil {
		query["entity_id"] = *f.EntityID
	}
	if f.Kind != "" {
		query["kind"] = f.Kind
	}
	if f.Category != "" {
		query["category"] = f.Category
	}
	if f.EventType != "" {
		query["event_type"] = f.EventType
	}
	if f.Relation != "" {
		query["relation"] = f.Relation
	}
	if f.StartTime != nil || f.EndTime != nil {
		ts := bson.M{}
		if f.StartTime != nil {
			ts["$gte"] = *f.StartTime
		}
		if f.EndTime != nil {
			ts["$lte"] = *f.EndTime
		}
		query["timestamp"] = ts
	}
	return query
}

// DefaultLimit caps Query when the filter sets no limit.
const DefaultLimit = 100

// Store manages audit event records.
type Store struct {
	c *mongo.Collection
}

// New creates a new audit Store.
func New(db *mongo.Database) *Store {
	return &Store{c: db.Collection("audit_events")}
}

// Log records an audit event.
func (s *Store) Log(ctx context.Context, event Event) error {
	if event.ID.IsZero() {
		event.ID = primitive.NewObjectID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	_, err := s.c.InsertOne(ctx, event)
	return err
}

// Query returns matching events, newest first.
func (s *Store) Query(ctx context.Context, filter QueryFilter) ([]Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(limit).
		SetSkip(filter.Offset)

	cur, err := s.c.Find(ctx, filter.bson(), opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	events := []Event{}
	if err := cur.All(ctx, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// CountByFilter returns the number of events matching filter.
func (s *Store) CountByFilter(ctx context.Context, filter QueryFilter) (int64, error) {
	return s.c.CountDocuments(ctx, filter.bson())
}

// GetByEntity returns the most recent events that touched id.
func (s *Store) GetByEntity(ctx context.Context, id primitive.ObjectID, limit int64) ([]Event, error) {
	return s.Query(ctx, QueryFilter{EntityID: &id, Limit: limit})
}

// PurgeBefore deletes events older than cutoff.
func (s *Store) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.c.DeleteMany(ctx, bson.M{"timestamp": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}
