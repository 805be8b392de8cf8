// internal/domain/models/session.go
package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Session is one scheduled class occurrence.
//
// Date is stored as YYYYMMDD and times as HH:MM (24h), matching what the
// calendar views send. A session with no cohorts is valid: deleting a cohort
// de-references its sessions without removing them.
type Session struct {
	ID         primitive.ObjectID   `bson:"_id" json:"id"`
	CohortIDs  []primitive.ObjectID `bson:"cohort_ids" json:"cohort_ids"`
	TeacherIDs []primitive.ObjectID `bson:"teacher_ids" json:"teacher_ids"`
	StudentIDs []primitive.ObjectID `bson:"student_ids" json:"student_ids"`

	Type        string `bson:"type" json:"type"`
	Room        string `bson:"room" json:"room"`
	Date        string `bson:"date" json:"date"`
	StartTime   string `bson:"start_time" json:"start_time"`
	EndTime     string `bson:"end_time" json:"end_time"`
	Description string `bson:"description" json:"description"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}
