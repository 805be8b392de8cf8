// internal/app/membership/relations.go
package membership

import (
	"fmt"

	entitystore "github.com/dalemusser/classhub/internal/app/store/entities"
)

// Relation is one direction of a mirrored pair of reference arrays. The
// owner's OwnerField lists peers; each listed peer's PeerField lists the owner.
type Relation struct {
	Name       string
	Owner      entitystore.Kind
	OwnerField entitystore.Field
	Peer       entitystore.Kind
	PeerField  entitystore.Field

	// Sibling is another owner field mirrored into the same PeerField. A peer
	// dropped from OwnerField keeps the owner ref while Sibling still lists it.
	Sibling entitystore.Field
}

func (r Relation) String() string { return r.Name }

var (
	// CohortMembers edits cohort.member_ids <-> account.cohort_ids.
	CohortMembers = Relation{
		Name:       "cohort_members",
		Owner:      entitystore.Cohorts,
		OwnerField: entitystore.FieldMemberIDs,
		Peer:       entitystore.Accounts,
		PeerField:  entitystore.FieldCohortIDs,
	}

	// AccountCohorts edits account.cohort_ids <-> cohort.member_ids.
	AccountCohorts = Relation{
		Name:       "account_cohorts",
		Owner:      entitystore.Accounts,
		OwnerField: entitystore.FieldCohortIDs,
		Peer:       entitystore.Cohorts,
		PeerField:  entitystore.FieldMemberIDs,
	}

	// CohortSessions edits cohort.session_ids <-> session.cohort_ids.
	CohortSessions = Relation{
		Name:       "cohort_sessions",
		Owner:      entitystore.Cohorts,
		OwnerField: entitystore.FieldSessionIDs,
		Peer:       entitystore.Sessions,
		PeerField:  entitystore.FieldCohortIDs,
	}

	// SessionCohorts edits session.cohort_ids <-> cohort.session_ids.
	SessionCohorts = Relation{
		Name:       "session_cohorts",
		Owner:      entitystore.Sessions,
		OwnerField: entitystore.FieldCohortIDs,
		Peer:       entitystore.Cohorts,
		PeerField:  entitystore.FieldSessionIDs,
	}

	// SessionStudents edits session.student_ids <-> account.session_ids.
	SessionStudents = Relation{
		Name:       "session_students",
		Owner:      entitystore.Sessions,
		OwnerField: entitystore.FieldStudentIDs,
		Peer:       entitystore.Accounts,
		PeerField:  entitystore.FieldSessionIDs,
		Sibling:    entitystore.FieldTeacherIDs,
	}

	// SessionTeachers edits session.teacher_ids <-> account.session_ids.
	// Teachers are mirrored exactly like students.
	SessionTeachers = Relation{
		Name:       "session_teachers",
		Owner:      entitystore.Sessions,
		OwnerField: entitystore.FieldTeacherIDs,
		Peer:       entitystore.Accounts,
		PeerField:  entitystore.FieldSessionIDs,
		Sibling:    entitystore.FieldStudentIDs,
	}
)

// Relations lists every relation the reconciler accepts.
var Relations = []Relation{
	CohortMembers, AccountCohorts,
	CohortSessions, SessionCohorts,
	SessionStudents, SessionTeachers,
}

// RelationByName looks a relation up by Name.
func RelationByName(name string) (Relation, bool) {
	for _, r := range Relations {
		if r.Name == name {
			return r, true
		}
	}
	return Relation{}, false
}

func (r Relation) validate() error {
	if !r.Owner.HasField(r.OwnerField) || !r.Peer.HasField(r.PeerField) {
		return fmt.Errorf("membership: invalid relation %q", r.Name)
	}
	if r.Sibling != "" && !r.Owner.HasField(r.Sibling) {
		return fmt.Errorf("membership: invalid sibling field on relation %q", r.Name)
	}
	return nil
}

// backLink names where references to a deleted document of some kind live:
// its own Field lists documents of Target whose TargetField points back.
type backLink struct {
	Field       entitystore.Field
	Target      entitystore.Kind
	TargetField entitystore.Field
}

// backLinks derives the cascade plan for kind from Relations.
func backLinks(kind entitystore.Kind) []backLink {
	seen := map[backLink]bool{}
	var out []backLink
	add := func(l backLink) {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	for _, r := range Relations {
		if r.Owner == kind {
			add(backLink{Field: r.OwnerField, Target: r.Peer, TargetField: r.PeerField})
		}
		if r.Peer == kind {
			add(backLink{Field: r.PeerField, Target: r.Owner, TargetField: r.OwnerField})
		}
	}
	return out
}
