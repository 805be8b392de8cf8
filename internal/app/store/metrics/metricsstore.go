package metricsstore

import (
	"context"

	"github.com/dalemusser/classhub/internal/domain/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// Counts is the set of entity totals exported as gauges.
type Counts struct {
	Students       int64
	Teachers       int64
	Admins         int64
	Cohorts        int64
	ActiveCohorts  int64
	Sessions       int64
	PendingIntents int64
}

// FetchCounts returns the current entity totals.
// Intentionally tolerant: on error it returns 0 for that counter.
func FetchCounts(ctx context.Context, db *mongo.Database) Counts {
	var out Counts
	count := func(dst *int64, coll string, filter bson.M) {
		if n, err := db.Collection(coll).CountDocuments(ctx, filter); err == nil {
			*dst = n
		}
	}

	count(&out.Students, "accounts", bson.M{"role": models.RoleStudent})
	count(&out.Teachers, "accounts", bson.M{"role": models.RoleTeacher})
	count(&out.Admins, "accounts", bson.M{"role": models.RoleAdmin})
	count(&out.Cohorts, "cohorts", bson.M{})
	count(&out.ActiveCohorts, "cohorts", bson.M{"active": true})
	count(&out.Sessions, "sessions", bson.M{})
	count(&out.PendingIntents, "membership_intents", bson.M{"state": models.IntentPending})

	return out
}

// Gauges labels each total the way the entity gauge exports it.
func (c Counts) Gauges() map[string]int64 {
	return map[string]int64{
		"student":        c.Students,
		"teacher":        c.Teachers,
		"admin":          c.Admins,
		"cohort":         c.Cohorts,
		"cohort_active":  c.ActiveCohorts,
		"session":        c.Sessions,
		"intent_pending": c.PendingIntents,
	}
}
