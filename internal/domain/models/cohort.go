// internal/domain/models/cohort.go
package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Cohort is a named group of accounts (a "cluster" in the scheduling UI).
// Name is unique across the deployment (enforced on name_ci).
type Cohort struct {
	ID     primitive.ObjectID `bson:"_id" json:"id"`
	Name   string             `bson:"name" json:"name"`
	NameCI string             `bson:"name_ci" json:"-"`
	Active bool               `bson:"active" json:"active"`

	MemberIDs  []primitive.ObjectID `bson:"member_ids" json:"member_ids"`
	SessionIDs []primitive.ObjectID `bson:"session_ids" json:"session_ids"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}
