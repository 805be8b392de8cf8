package membership

import (
	"context"
	"errors"
	"fmt"
	"testing"

	entitystore "github.com/dalemusser/classhub/internal/app/store/entities"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestClassify(t *testing.T) {
	id := primitive.NewObjectID()
	apply := &entitystore.ApplyError{
		Op:  entitystore.DeleteDocs(entitystore.Sessions, id),
		Err: errors.New("write failed"),
	}

	tests := []struct {
		name string
		in   error
		is   error
	}{
		{"not found passes through", notFound(entitystore.Cohorts, id), ErrNotFound},
		{"store not found", fmt.Errorf("wrapped: %w", entitystore.ErrNotFound), ErrNotFound},
		{"deadline", context.DeadlineExceeded, ErrTimeout},
		{"canceled", context.Canceled, context.Canceled},
		{"apply error", apply, ErrPartialFailure},
		{"other", errors.New("socket closed"), ErrPartialFailure},
		{"already member", ErrAlreadyMember, ErrAlreadyMember},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify("op", tt.in)
			if !errors.Is(got, tt.is) {
				t.Errorf("classify(%v) = %v, want errors.Is %v", tt.in, got, tt.is)
			}
		})
	}

	if classify("op", nil) != nil {
		t.Error("classify(nil) should be nil")
	}

	var pf *PartialFailure
	if !errors.As(classify("op", apply), &pf) || len(pf.Failed) != 1 || pf.Failed[0] != id {
		t.Errorf("apply error should name the failed ids, got %+v", pf)
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{notFound(entitystore.Accounts), "not_found"},
		{fmt.Errorf("x: %w", ErrTimeout), "timeout"},
		{&PartialFailure{Op: "x", Err: errors.New("y")}, "partial_failure"},
		{ErrNotMember, "noop"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		if got := outcome(tt.err); got != tt.want {
			t.Errorf("outcome(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestBackLinks(t *testing.T) {
	tests := []struct {
		kind entitystore.Kind
		want []backLink
	}{
		{entitystore.Cohorts, []backLink{
			{entitystore.FieldMemberIDs, entitystore.Accounts, entitystore.FieldCohortIDs},
			{entitystore.FieldSessionIDs, entitystore.Sessions, entitystore.FieldCohortIDs},
		}},
		{entitystore.Sessions, []backLink{
			{entitystore.FieldCohortIDs, entitystore.Cohorts, entitystore.FieldSessionIDs},
			{entitystore.FieldStudentIDs, entitystore.Accounts, entitystore.FieldSessionIDs},
			{entitystore.FieldTeacherIDs, entitystore.Accounts, entitystore.FieldSessionIDs},
		}},
		{entitystore.Accounts, []backLink{
			{entitystore.FieldCohortIDs, entitystore.Cohorts, entitystore.FieldMemberIDs},
			{entitystore.FieldSessionIDs, entitystore.Sessions, entitystore.FieldStudentIDs},
			{entitystore.FieldSessionIDs, entitystore.Sessions, entitystore.FieldTeacherIDs},
		}},
	}
	for _, tt := range tests {
		got := backLinks(tt.kind)
		if len(got) != len(tt.want) {
			t.Errorf("backLinks(%s) = %v, want %v", tt.kind, got, tt.want)
			continue
		}
		have := map[backLink]bool{}
		for _, l := range got {
			have[l] = true
		}
		for _, l := range tt.want {
			if !have[l] {
				t.Errorf("backLinks(%s) missing %v", tt.kind, l)
			}
		}
	}
}

func TestRelations_Valid(t *testing.T) {
	for _, r := range Relations {
		if err := r.validate(); err != nil {
			t.Errorf("relation %s: %v", r.Name, err)
		}
		got, ok := RelationByName(r.Name)
		if !ok || got != r {
			t.Errorf("RelationByName(%q) = %v, %v", r.Name, got, ok)
		}
	}
	if _, ok := RelationByName("nope"); ok {
		t.Error("RelationByName should reject unknown names")
	}
}
