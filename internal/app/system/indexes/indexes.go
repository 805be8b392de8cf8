// internal/app/system/indexes/indexes.go
package indexes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

/*
EnsureAll is called at startup. Each ensure* function is idempotent.
We aggregate errors so any problem is visible and startup can fail fast.
*/
func EnsureAll(ctx context.Context, db *mongo.Database) error {
	var problems []string

	if err := ensureAccounts(ctx, db); err != nil {
		problems = append(problems, "accounts: "+err.Error())
	}
	if err := ensureCohorts(ctx, db); err != nil {
		problems = append(problems, "cohorts: "+err.Error())
	}
	if err := ensureSessions(ctx, db); err != nil {
		problems = append(problems, "sessions: "+err.Error())
	}
	// journal path for deployments without transactions
	if err := ensureIntents(ctx, db); err != nil {
		problems = append(problems, "membership_intents: "+err.Error())
	}
	if err := ensureLocks(ctx, db); err != nil {
		problems = append(problems, "membership_locks: "+err.Error())
	}
	if err := ensureAudit(ctx, db); err != nil {
		problems = append(problems, "audit_events: "+err.Error())
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

/* -------------------------------------------------------------------------- */
/* Core helper: reconcile a set of desired indexes for one collection         */
/* -------------------------------------------------------------------------- */

type existingIndex struct {
	Name   string `bson:"name"`
	Key    bson.D `bson:"key"`
	Unique bool   `bson:"unique,omitempty"`
}

func keySig(keys bson.D) string {
	parts := make([]string, 0, len(keys))
	for _, kv := range keys {
		parts = append(parts, fmt.Sprintf("%s:%v", kv.Key, kv.Value))
	}
	return strings.Join(parts, ", ")
}

// desired is one wanted index, flattened for comparison.
type desired struct {
	model  mongo.IndexModel
	name   string
	unique bool
	sig    string
}

func describe(m mongo.IndexModel) desired {
	d := desired{model: m, sig: keySig(m.Keys.(bson.D))}
	if m.Options != nil {
		if m.Options.Name != nil {
			d.name = *m.Options.Name
		}
		d.unique = m.Options.Unique != nil && *m.Options.Unique
	}
	return d
}

// existingBySig lists the collection's indexes keyed by key signature.
func existingBySig(ctx context.Context, coll *mongo.Collection) (map[string]existingIndex, error) {
	cur, err := coll.Indexes().List(ctx)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := map[string]existingIndex{}
	for cur.Next(ctx) {
		var idx existingIndex
		if err := cur.Decode(&idx); err != nil {
			zap.L().Warn("failed to decode existing index",
				zap.String("collection", coll.Name()), zap.Error(err))
			continue
		}
		out[keySig(idx.Key)] = idx
	}
	return out, cur.Err()
}

// duplicateHint suggests a query that finds the documents blocking a unique
// index on the folded name fields.
func duplicateHint(coll, sig string) string {
	var field string
	switch {
	case coll == "accounts" && strings.Contains(sig, "username_ci:1"):
		field = "username_ci"
	case coll == "cohorts" && strings.Contains(sig, "name_ci:1"):
		field = "name_ci"
	default:
		return ""
	}
	return fmt.Sprintf(": duplicates exist on %s.%s. Example finder:\n"+
		`db.%s.aggregate([{ $group: { _id: "$%s", n: { $sum: 1 } } }, { $match: { n: { $gt: 1 } } }])`,
		coll, field, coll, field)
}

// create builds d, turning a duplicate-key failure on a unique index into
// an error that says how to find the offending documents.
func create(ctx context.Context, coll *mongo.Collection, d desired) error {
	if _, err := coll.Indexes().CreateOne(ctx, d.model); err != nil {
		if d.unique && mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("cannot create unique index (duplicates present)%s", duplicateHint(coll.Name(), d.sig))
		}
		return err
	}
	return nil
}

// ensureIndexSet makes coll carry every index in models. An index with the
// same keys is reused when its uniqueness matches and its name matches (or
// no name is wanted); otherwise it is dropped and rebuilt.
func ensureIndexSet(ctx context.Context, coll *mongo.Collection, models []mongo.IndexModel) error {
	existing, err := existingBySig(ctx, coll)
	if err != nil {
		return fmt.Errorf("%s: list indexes: %w", coll.Name(), err)
	}

	var errs []string
	for _, m := range models {
		d := describe(m)
		start := time.Now()
		log := zap.L().With(
			zap.String("collection", coll.Name()),
			zap.String("name", d.name),
			zap.String("keys", d.sig),
			zap.Bool("unique", d.unique))

		action := "index created"
		if ex, ok := existing[d.sig]; ok {
			if ex.Unique == d.unique && (d.name == "" || ex.Name == d.name) {
				log.Debug("reusing existing index")
				continue
			}
			if _, err := coll.Indexes().DropOne(ctx, ex.Name); err != nil {
				log.Warn("drop existing index failed", zap.String("existing", ex.Name), zap.Error(err))
				errs = append(errs, fmt.Sprintf("%s(%s): drop %s failed: %v", coll.Name(), d.name, ex.Name, err))
				continue
			}
			action = "index rebuilt"
		}

		if err := create(ctx, coll, d); err != nil {
			log.Warn("index ensure failed", zap.Error(err))
			errs = append(errs, fmt.Sprintf("%s(%s): %v", coll.Name(), d.name, err))
			continue
		}
		log.Info(action, zap.Duration("took", time.Since(start)))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

/* -------------------------------------------------------------------------- */
/* Collection-specific index sets                                              */
/* -------------------------------------------------------------------------- */

func ensureAccounts(ctx context.Context, db *mongo.Database) error {
	c := db.Collection("accounts")
	return ensureIndexSet(ctx, c, []mongo.IndexModel{
		// Usernames are unique (case/diacritics folded).
		{
			Keys:    bson.D{{Key: "username_ci", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_accounts_usernameci"),
		},
		// Role lists (teachers, students, admins) sorted by username.
		{
			Keys:    bson.D{{Key: "role", Value: 1}, {Key: "username_ci", Value: 1}, {Key: "_id", Value: 1}},
			Options: options.Index().SetName("idx_accounts_role_usernameci_id"),
		},
		// Reverse lookups used by cascade deletes.
		{
			Keys:    bson.D{{Key: "cohort_ids", Value: 1}},
			Options: options.Index().SetName("idx_accounts_cohortids"),
		},
		{
			Keys:    bson.D{{Key: "session_ids", Value: 1}},
			Options: options.Index().SetName("idx_accounts_sessionids"),
		},
	})
}

func ensureCohorts(ctx context.Context, db *mongo.Database) error {
	c := db.Collection("cohorts")
	return ensureIndexSet(ctx, c, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "name_ci", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_cohorts_nameci"),
		},
		// Active filter, then name sort
		{
			Keys:    bson.D{{Key: "active", Value: 1}, {Key: "name_ci", Value: 1}, {Key: "_id", Value: 1}},
			Options: options.Index().SetName("idx_cohorts_active_nameci_id"),
		},
		{
			Keys:    bson.D{{Key: "member_ids", Value: 1}},
			Options: options.Index().SetName("idx_cohorts_memberids"),
		},
		{
			Keys:    bson.D{{Key: "session_ids", Value: 1}},
			Options: options.Index().SetName("idx_cohorts_sessionids"),
		},
	})
}

func ensureSessions(ctx context.Context, db *mongo.Database) error {
	c := db.Collection("sessions")
	return ensureIndexSet(ctx, c, []mongo.IndexModel{
		// Calendar day view and bulk delete by date.
		{
			Keys:    bson.D{{Key: "date", Value: 1}, {Key: "start_time", Value: 1}, {Key: "_id", Value: 1}},
			Options: options.Index().SetName("idx_sessions_date_start_id"),
		},
		{
			Keys:    bson.D{{Key: "cohort_ids", Value: 1}, {Key: "date", Value: 1}},
			Options: options.Index().SetName("idx_sessions_cohortids_date"),
		},
		{
			Keys:    bson.D{{Key: "teacher_ids", Value: 1}},
			Options: options.Index().SetName("idx_sessions_teacherids"),
		},
		{
			Keys:    bson.D{{Key: "student_ids", Value: 1}},
			Options: options.Index().SetName("idx_sessions_studentids"),
		},
	})
}

func ensureIntents(ctx context.Context, db *mongo.Database) error {
	c := db.Collection("membership_intents")
	return ensureIndexSet(ctx, c, []mongo.IndexModel{
		// Recovery scan: pending intents by age.
		{
			Keys:    bson.D{{Key: "state", Value: 1}, {Key: "updated_at", Value: 1}},
			Options: options.Index().SetName("idx_intents_state_updatedat"),
		},
		// Readers wait on pending intents touching the ids they read.
		{
			Keys:    bson.D{{Key: "state", Value: 1}, {Key: "touched", Value: 1}},
			Options: options.Index().SetName("idx_intents_state_touched"),
		},
		{
			Keys:    bson.D{{Key: "state", Value: 1}, {Key: "lock_key", Value: 1}},
			Options: options.Index().SetName("idx_intents_state_lockkey"),
		},
	})
}

func ensureLocks(ctx context.Context, db *mongo.Database) error {
	c := db.Collection("membership_locks")
	return ensureIndexSet(ctx, c, []mongo.IndexModel{
		// Expired leases are reaped by the server; live ones are taken over
		// by AcquireLease before the TTL monitor runs.
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(3600).SetName("ttl_locks_expiresat"),
		},
	})
}

func ensureAudit(ctx context.Context, db *mongo.Database) error {
	c := db.Collection("audit_events")
	return ensureIndexSet(ctx, c, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "timestamp", Value: -1}},
			Options: options.Index().SetName("idx_audit_timestamp"),
		},
		// History of one account, cohort, or session.
		{
			Keys:    bson.D{{Key: "entity_id", Value: 1}, {Key: "timestamp", Value: -1}},
			Options: options.Index().SetName("idx_audit_entity_timestamp"),
		},
		{
			Keys: bson.D{
				{Key: "category", Value: 1},
				{Key: "event_type", Value: 1},
				{Key: "timestamp", Value: -1},
			},
			Options: options.Index().SetName("idx_audit_category_type_timestamp"),
		},
	})
}
