// internal/app/store/entities/entities.go
package entitystore

// The entity store is the only shared mutable resource of the membership
// subsystem. It exposes two primitives:
//
//   - View runs read-only work against one consistent snapshot.
//   - Update runs a read-then-stage function; the staged ops are committed
//     as one atomic unit or not at all.
//
// Writes are expressed as idempotent Ops ($addToSet / $pull / delete) so a
// replayed or retried unit never double-applies.

import (
	"context"
	"errors"
	"fmt"

	"github.com/dalemusser/classhub/internal/domain/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Kind names an entity collection.
type Kind string

const (
	Accounts Kind = "accounts"
	Cohorts  Kind = "cohorts"
	Sessions Kind = "sessions"
)

// Field names a reference array on an entity.
type Field string

const (
	FieldCohortIDs  Field = "cohort_ids"  // accounts, sessions
	FieldSessionIDs Field = "session_ids" // accounts, cohorts
	FieldMemberIDs  Field = "member_ids"  // cohorts
	FieldTeacherIDs Field = "teacher_ids" // sessions
	FieldStudentIDs Field = "student_ids" // sessions
)

var kindFields = map[Kind][]Field{
	Accounts: {FieldCohortIDs, FieldSessionIDs},
	Cohorts:  {FieldMemberIDs, FieldSessionIDs},
	Sessions: {FieldCohortIDs, FieldTeacherIDs, FieldStudentIDs},
}

// Fields returns the reference arrays carried by kind.
func (k Kind) Fields() []Field { return kindFields[k] }

// HasField reports whether f is a reference array of kind.
func (k Kind) HasField(f Field) bool {
	for _, kf := range kindFields[k] {
		if kf == f {
			return true
		}
	}
	return false
}

// Action is the write an Op performs.
type Action string

const (
	ActionAddRef  Action = "add_ref"  // $addToSet each ref into Field on every id
	ActionPullRef Action = "pull_ref" // $pull every ref from Field on every id
	ActionDelete  Action = "delete"   // remove every id
)

// Op is one idempotent multi-document write.
type Op struct {
	Kind   Kind
	Action Action
	IDs    []primitive.ObjectID
	Field  Field
	Refs   []primitive.ObjectID
}

// AddRefs stages refs into field on every id.
func AddRefs(kind Kind, field Field, ids []primitive.ObjectID, refs ...primitive.ObjectID) Op {
	return Op{Kind: kind, Action: ActionAddRef, IDs: ids, Field: field, Refs: refs}
}

// PullRefs stages removal of refs from field on every id.
func PullRefs(kind Kind, field Field, ids []primitive.ObjectID, refs ...primitive.ObjectID) Op {
	return Op{Kind: kind, Action: ActionPullRef, IDs: ids, Field: field, Refs: refs}
}

// DeleteDocs stages removal of the documents.
func DeleteDocs(kind Kind, ids ...primitive.ObjectID) Op {
	return Op{Kind: kind, Action: ActionDelete, IDs: ids}
}

// Empty reports whether op would not touch anything.
func (op Op) Empty() bool {
	if len(op.IDs) == 0 {
		return true
	}
	return op.Action != ActionDelete && len(op.Refs) == 0
}

// Validate checks that op names a known kind, action, and field.
func (op Op) Validate() error {
	if _, ok := kindFields[op.Kind]; !ok {
		return fmt.Errorf("entitystore: unknown kind %q", op.Kind)
	}
	switch op.Action {
	case ActionAddRef, ActionPullRef:
		if !op.Kind.HasField(op.Field) {
			return fmt.Errorf("entitystore: %s has no field %q", op.Kind, op.Field)
		}
	case ActionDelete:
	default:
		return fmt.Errorf("entitystore: unknown action %q", op.Action)
	}
	return nil
}

func (op Op) String() string {
	if op.Action == ActionDelete {
		return fmt.Sprintf("%s %s x%d", op.Action, op.Kind, len(op.IDs))
	}
	return fmt.Sprintf("%s %s.%s x%d refs=%d", op.Action, op.Kind, op.Field, len(op.IDs), len(op.Refs))
}

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("entitystore: entity not found")
	// ErrLocked is returned when an owner lease could not be acquired.
	ErrLocked = errors.New("entitystore: entity locked by another operation")
)

// ApplyError reports that committing staged ops failed. The store guarantees
// nothing from the unit stayed applied when it returns an ApplyError.
type ApplyError struct {
	Op  Op
	Err error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("entitystore: apply %s: %v", e.Op, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// SessionFilter selects sessions for FindSessions. Zero fields are ignored.
type SessionFilter struct {
	Date     string // YYYYMMDD
	CohortID primitive.ObjectID
	IDs      []primitive.ObjectID
}

// Reader is the read side of the store. Missing ids are skipped by the
// list readers; Refs returns ErrNotFound for a missing document.
type Reader interface {
	Accounts(ctx context.Context, ids []primitive.ObjectID) ([]models.Account, error)
	Cohorts(ctx context.Context, ids []primitive.ObjectID) ([]models.Cohort, error)
	Sessions(ctx context.Context, ids []primitive.ObjectID) ([]models.Session, error)

	// Refs returns the current contents of field on the document id.
	Refs(ctx context.Context, kind Kind, id primitive.ObjectID, field Field) ([]primitive.ObjectID, error)
	// Missing returns the ids that have no document of kind.
	Missing(ctx context.Context, kind Kind, ids []primitive.ObjectID) ([]primitive.ObjectID, error)
	// Referencing returns the ids of every kind document whose field contains ref.
	Referencing(ctx context.Context, kind Kind, field Field, ref primitive.ObjectID) ([]primitive.ObjectID, error)
	FindSessions(ctx context.Context, f SessionFilter) ([]models.Session, error)
}

// Tx is the handle passed to Update functions.
type Tx interface {
	Reader
	// Lock claims the owner document for the rest of the unit so concurrent
	// units on the same owner serialize. Returns ErrNotFound if it is missing.
	Lock(ctx context.Context, kind Kind, id primitive.ObjectID) error
	// LockPeers claims the other documents of kind the unit writes or whose
	// existence it checks. Ids need not exist. Call it after Lock and before
	// reading anything that depends on the peers.
	LockPeers(ctx context.Context, kind Kind, ids []primitive.ObjectID) error
	// Stage queues ops; they are committed in order after fn returns nil.
	Stage(ops ...Op)
}

// Store is the transactional entity store.
type Store interface {
	View(ctx context.Context, fn func(ctx context.Context, r Reader) error) error
	Update(ctx context.Context, label string, fn func(ctx context.Context, tx Tx) error) error
}
