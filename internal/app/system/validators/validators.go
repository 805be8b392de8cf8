// internal/app/system/validators/validators.go
package validators

import (
	"context"
	"errors"
	"slices"
	"strings"

	"github.com/dalemusser/classhub/internal/domain/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

// EnsureAll creates the collections that are missing and attaches their
// JSON-Schema validators. Servers without collMod validators (some
// DocumentDB versions) are logged and skipped.
func EnsureAll(ctx context.Context, db *mongo.Database) error {
	existing := map[string]bool{}
	if names, err := db.ListCollectionNames(ctx, bson.M{}); err == nil {
		for _, n := range names {
			existing[n] = true
		}
	}

	var problems []string
	for _, c := range []struct {
		name   string
		schema bson.M
	}{
		{"accounts", accountsSchema()},
		{"cohorts", cohortsSchema()},
		{"sessions", sessionsSchema()},
		{"audit_events", auditSchema()},
		// Journal collections; the intent store owns their shape.
		{"membership_intents", nil},
		{"membership_locks", nil},
	} {
		if !existing[c.name] {
			if err := createCollection(ctx, db, c.name); err != nil {
				problems = append(problems, c.name+": "+err.Error())
				continue
			}
		}
		if c.schema == nil {
			continue
		}
		if err := setValidator(ctx, db, c.name, c.schema); err != nil {
			if commandFailed(err, []int32{59, 115}, "no such command", "not implemented", "not supported") {
				zap.L().Info("validator skipped (unsupported)", zap.String("collection", c.name))
				continue
			}
			problems = append(problems, c.name+": "+err.Error())
		}
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// createCollection creates name; losing a race to another process is fine.
func createCollection(ctx context.Context, db *mongo.Database, name string) error {
	if err := db.CreateCollection(ctx, name); err != nil {
		if commandFailed(err, []int32{48}, "already exists", "namespace exists") {
			return nil
		}
		zap.L().Warn("createCollection failed", zap.String("collection", name), zap.Error(err))
		return err
	}
	zap.L().Info("created collection", zap.String("collection", name))
	return nil
}

func setValidator(ctx context.Context, db *mongo.Database, name string, validator bson.M) error {
	cmd := bson.D{
		{Key: "collMod", Value: name},
		{Key: "validator", Value: validator},
		{Key: "validationLevel", Value: "moderate"},
		{Key: "validationAction", Value: "error"},
	}
	if err := db.RunCommand(ctx, cmd).Err(); err != nil {
		return err
	}
	zap.L().Info("validator ensured", zap.String("collection", name))
	return nil
}

// commandFailed reports whether err is a server error with one of codes, or
// whose message contains one of phrases.
func commandFailed(err error, codes []int32, phrases ...string) bool {
	if err == nil {
		return false
	}
	var ce mongo.CommandError
	if errors.As(err, &ce) && slices.Contains(codes, ce.Code) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range phrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

/* ------------------------- JSON-Schema docs ---------------------- */

// refArray describes an ObjectID reference array. Duplicates are rejected so a
// stray $push cannot break set semantics.
func refArray() bson.M {
	return bson.M{
		"bsonType":    "array",
		"uniqueItems": true,
		"items":       bson.M{"bsonType": "objectId"},
	}
}

func accountsSchema() bson.M {
	return bson.M{
		"$jsonSchema": bson.M{
			"bsonType": "object",
			"required": bson.A{"username", "username_ci", "password_hash", "role", "cohort_ids", "session_ids"},
			"properties": bson.M{
				"username":      bson.M{"bsonType": "string", "minLength": 1, "pattern": ".*\\S.*"},
				"username_ci":   bson.M{"bsonType": "string", "minLength": 1, "pattern": ".*\\S.*"},
				"email":         bson.M{"bsonType": "string"},
				"password_hash": bson.M{"bsonType": "string", "minLength": 1},
				"role":          bson.M{"enum": bson.A{models.RoleStudent, models.RoleTeacher, models.RoleAdmin}},
				"color":         bson.M{"bsonType": "string"},
				"cohort_ids":    refArray(),
				"session_ids":   refArray(),
			},
		},
	}
}

func cohortsSchema() bson.M {
	return bson.M{
		"$jsonSchema": bson.M{
			"bsonType": "object",
			"required": bson.A{"name", "name_ci", "active", "member_ids", "session_ids"},
			"properties": bson.M{
				"name":        bson.M{"bsonType": "string", "minLength": 1, "pattern": ".*\\S.*"},
				"name_ci":     bson.M{"bsonType": "string", "minLength": 1, "pattern": ".*\\S.*"},
				"active":      bson.M{"bsonType": "bool"},
				"member_ids":  refArray(),
				"session_ids": refArray(),
			},
		},
	}
}

func sessionsSchema() bson.M {
	// Empty times are allowed.
	hhmm := bson.M{"bsonType": "string", "pattern": "^([01][0-9]|2[0-3]):[0-5][0-9]$|^$"}
	return bson.M{
		"$jsonSchema": bson.M{
			"bsonType": "object",
			"required": bson.A{"type", "date", "cohort_ids", "teacher_ids", "student_ids"},
			"properties": bson.M{
				"type":        bson.M{"bsonType": "string", "minLength": 1, "pattern": ".*\\S.*"},
				"room":        bson.M{"bsonType": "string"},
				"date":        bson.M{"bsonType": "string", "pattern": "^[0-9]{8}$"},
				"start_time":  hhmm,
				"end_time":    hhmm,
				"description": bson.M{"bsonType": "string"},
				"cohort_ids":  refArray(),
				"teacher_ids": refArray(),
				"student_ids": refArray(),
			},
		},
	}
}

func auditSchema() bson.M {
	return bson.M{
		"$jsonSchema": bson.M{
			"bsonType": "object",
			"required": bson.A{"timestamp", "category", "event_type", "success"},
			"properties": bson.M{
				"timestamp":  bson.M{"bsonType": "date"},
				"category":   bson.M{"enum": bson.A{"entity", "membership"}},
				"event_type": bson.M{"bsonType": "string", "minLength": 1},
				"success":    bson.M{"bsonType": "bool"},
				"entity_id":  bson.M{"bsonType": "objectId"},
			},
		},
	}
}
