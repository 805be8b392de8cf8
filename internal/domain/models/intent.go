// internal/domain/models/intent.go
package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Intent states.
const (
	IntentPending    = "pending"
	IntentCommitted  = "committed"
	IntentRolledBack = "rolled_back"
)

// Intent is a journal entry for a multi-document membership change applied
// without a server transaction. It is written before the first mutation and
// carries enough pre-image data to undo the applied prefix, or to roll the
// whole change forward after a crash.
type Intent struct {
	ID      string               `bson:"_id" json:"id"`
	Label   string               `bson:"label" json:"label"`     // e.g. "reconcile:cohort_members"
	LockKey string               `bson:"lock_key" json:"lock_key"` // owner lease key
	State   string               `bson:"state" json:"state"`
	Steps   []IntentStep         `bson:"steps" json:"steps"`
	Touched []primitive.ObjectID `bson:"touched" json:"touched"` // every document id any step writes

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}

// IntentStep is one idempotent write plus the pre-image needed to undo it.
//
// For add_ref/pull_ref, Changed lists the documents whose array actually
// changed for each ref (keyed by ref hex). For delete, PreImages hold the
// removed documents.
type IntentStep struct {
	Collection string               `bson:"collection" json:"collection"`
	Action     string               `bson:"action" json:"action"`
	IDs        []primitive.ObjectID `bson:"ids" json:"ids"`
	Field      string               `bson:"field,omitempty" json:"field,omitempty"`
	Refs       []primitive.ObjectID `bson:"refs,omitempty" json:"refs,omitempty"`

	Changed   map[string][]primitive.ObjectID `bson:"changed,omitempty" json:"changed,omitempty"`
	PreImages []bson.Raw                      `bson:"pre_images,omitempty" json:"-"`
}
