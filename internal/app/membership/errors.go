// internal/app/membership/errors.go
package membership

import (
	"context"
	"errors"
	"fmt"
	"strings"

	entitystore "github.com/dalemusser/classhub/internal/app/store/entities"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	// ErrNotFound matches every *NotFoundError.
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a uniqueness violation (cohort name, username).
	ErrConflict = errors.New("conflict")
	// ErrPartialFailure matches every *PartialFailure.
	ErrPartialFailure = errors.New("partial failure")
	// ErrTimeout reports that a unit overran its deadline and was rolled back.
	ErrTimeout = errors.New("timeout")

	// ErrAlreadyMember is returned by Add when the edge already exists.
	ErrAlreadyMember = errors.New("already a member")
	// ErrNotMember is returned by Remove when the edge does not exist.
	ErrNotMember = errors.New("not a member")
	// ErrEmptyFilter guards DeleteSessionsMatching against deleting everything.
	ErrEmptyFilter = errors.New("session filter must set a date, cohort, or ids")
)

// NotFoundError names the ids that did not resolve to a live document.
type NotFoundError struct {
	Kind entitystore.Kind
	IDs  []primitive.ObjectID
}

func (e *NotFoundError) Error() string {
	hex := make([]string, len(e.IDs))
	for i, id := range e.IDs {
		hex[i] = id.Hex()
	}
	return fmt.Sprintf("%s not found: %s", e.Kind, strings.Join(hex, ", "))
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func notFound(kind entitystore.Kind, ids ...primitive.ObjectID) error {
	return &NotFoundError{Kind: kind, IDs: ids}
}

// PartialFailure reports a multi-document operation that could not complete.
// For single units nothing was committed; for bulk deletes Failed lists the
// ids whose cascade was rolled back while the rest stayed committed.
type PartialFailure struct {
	Op     string
	Failed []primitive.ObjectID
	Err    error
}

func (e *PartialFailure) Error() string {
	if len(e.Failed) > 0 {
		return fmt.Sprintf("%s: %d failed: %v", e.Op, len(e.Failed), e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PartialFailure) Unwrap() error { return e.Err }

func (e *PartialFailure) Is(target error) bool { return target == ErrPartialFailure }

// classify maps store errors onto the membership taxonomy. Expected
// conditions pass through unchanged.
func classify(op string, err error) error {
	var nf *NotFoundError
	var ae *entitystore.ApplyError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &nf),
		errors.Is(err, ErrAlreadyMember),
		errors.Is(err, ErrNotMember),
		errors.Is(err, ErrPartialFailure):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, entitystore.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case errors.As(err, &ae):
		return &PartialFailure{Op: op, Failed: ae.Op.IDs, Err: err}
	default:
		return &PartialFailure{Op: op, Err: err}
	}
}

// outcome is the metrics label for err.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrPartialFailure):
		return "partial_failure"
	case errors.Is(err, ErrAlreadyMember), errors.Is(err, ErrNotMember):
		return "noop"
	default:
		return "error"
	}
}
