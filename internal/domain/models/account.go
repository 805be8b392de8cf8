// internal/domain/models/account.go
package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Account roles.
const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
	RoleAdmin   = "admin"
)

// ValidRole reports whether role is one of the account roles.
func ValidRole(role string) bool {
	switch role {
	case RoleStudent, RoleTeacher, RoleAdmin:
		return true
	}
	return false
}

// Account represents students, teachers, and admins.
//
// NOTE:
//   - CohortIDs mirrors Cohort.MemberIDs and SessionIDs mirrors the union of
//     Session.StudentIDs and Session.TeacherIDs. Both arrays are written only by
//     the membership package; never splice them directly.
type Account struct {
	ID           primitive.ObjectID `bson:"_id" json:"id"`
	Username     string             `bson:"username" json:"username"`
	UsernameCI   string             `bson:"username_ci" json:"-"` // lowercase, diacritics-stripped
	Email        string             `bson:"email,omitempty" json:"email,omitempty"`
	PasswordHash string             `bson:"password_hash" json:"-"`
	Role         string             `bson:"role" json:"role"` // student | teacher | admin
	Color        string             `bson:"color" json:"color"`

	CohortIDs  []primitive.ObjectID `bson:"cohort_ids" json:"cohort_ids"`
	SessionIDs []primitive.ObjectID `bson:"session_ids" json:"session_ids"`

	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}
