package membership_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/dalemusser/classhub/internal/app/membership"
	entitystore "github.com/dalemusser/classhub/internal/app/store/entities"
	"github.com/dalemusser/classhub/internal/domain/models"
	"github.com/dalemusser/classhub/internal/testutil"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

// newJournalService runs the service over MongoDB with transactions off, so
// every unit commits through the intent journal and peer leases.
func newJournalService(t *testing.T) (*membership.Service, *testutil.Fixtures, *mongo.Database) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	store := entitystore.NewMongo(db, zap.NewNop(), entitystore.Options{ForceJournal: true})
	return membership.New(store, zap.NewNop(), 2), testutil.NewFixtures(t, db), db
}

func loadAll[T any](t *testing.T, ctx context.Context, db *mongo.Database, coll string) []T {
	t.Helper()
	cur, err := db.Collection(coll).Find(ctx, bson.M{})
	if err != nil {
		t.Fatalf("find %s: %v", coll, err)
	}
	var out []T
	if err := cur.All(ctx, &out); err != nil {
		t.Fatalf("decode %s: %v", coll, err)
	}
	return out
}

// checkMongoInvariants asserts every ref points at a live document and is
// mirrored on the other side.
func checkMongoInvariants(t *testing.T, ctx context.Context, db *mongo.Database) {
	t.Helper()
	accounts := map[primitive.ObjectID]models.Account{}
	for _, a := range loadAll[models.Account](t, ctx, db, "accounts") {
		accounts[a.ID] = a
	}
	cohorts := map[primitive.ObjectID]models.Cohort{}
	for _, c := range loadAll[models.Cohort](t, ctx, db, "cohorts") {
		cohorts[c.ID] = c
	}
	sessions := map[primitive.ObjectID]models.Session{}
	for _, s := range loadAll[models.Session](t, ctx, db, "sessions") {
		sessions[s.ID] = s
	}

	for _, a := range accounts {
		for _, c := range a.CohortIDs {
			if cc, ok := cohorts[c]; !ok || !contains(cc.MemberIDs, a.ID) {
				t.Errorf("account %s lists cohort %s without a mirror", a.ID.Hex(), c.Hex())
			}
		}
		for _, s := range a.SessionIDs {
			ss, ok := sessions[s]
			if !ok || (!contains(ss.StudentIDs, a.ID) && !contains(ss.TeacherIDs, a.ID)) {
				t.Errorf("account %s lists session %s without a mirror", a.ID.Hex(), s.Hex())
			}
		}
	}
	for _, c := range cohorts {
		for _, a := range c.MemberIDs {
			if aa, ok := accounts[a]; !ok || !contains(aa.CohortIDs, c.ID) {
				t.Errorf("cohort %s lists member %s without a mirror", c.ID.Hex(), a.Hex())
			}
		}
		for _, s := range c.SessionIDs {
			if ss, ok := sessions[s]; !ok || !contains(ss.CohortIDs, c.ID) {
				t.Errorf("cohort %s lists session %s without a mirror", c.ID.Hex(), s.Hex())
			}
		}
	}
	for _, s := range sessions {
		for _, c := range s.CohortIDs {
			if cc, ok := cohorts[c]; !ok || !contains(cc.SessionIDs, s.ID) {
				t.Errorf("session %s lists cohort %s without a mirror", s.ID.Hex(), c.Hex())
			}
		}
		for _, a := range append(append([]primitive.ObjectID{}, s.StudentIDs...), s.TeacherIDs...) {
			if aa, ok := accounts[a]; !ok || !contains(aa.SessionIDs, s.ID) {
				t.Errorf("session %s lists account %s without a mirror", s.ID.Hex(), a.Hex())
			}
		}
	}
}

// race starts both calls together and returns their errors.
func race(a, b func() error) (error, error) {
	var (
		wg         sync.WaitGroup
		errA, errB error
	)
	start := make(chan struct{})
	wg.Add(2)
	go func() { defer wg.Done(); <-start; errA = a() }()
	go func() { defer wg.Done(); <-start; errB = b() }()
	close(start)
	wg.Wait()
	return errA, errB
}

func TestJournal_ReconcileRacesCohortDelete(t *testing.T) {
	svc, fx, db := newJournalService(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	for i := 0; i < 15; i++ {
		s := fx.CreateSession(ctx, "20250301")
		c := fx.CreateCohort(ctx, fmt.Sprintf("race-%d", i))

		recErr, delErr := race(
			func() error {
				_, err := svc.Reconcile(ctx, membership.SessionCohorts, s.ID, ids(c.ID))
				return err
			},
			func() error { return svc.DeleteCohort(ctx, c.ID) },
		)
		if delErr != nil {
			t.Fatalf("round %d: DeleteCohort: %v", i, delErr)
		}
		if recErr != nil && !errors.Is(recErr, membership.ErrNotFound) {
			t.Fatalf("round %d: Reconcile: %v", i, recErr)
		}
	}
	checkMongoInvariants(t, ctx, db)
}

func TestJournal_AddRacesAccountDelete(t *testing.T) {
	svc, fx, db := newJournalService(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	for i := 0; i < 15; i++ {
		a := fx.CreateStudent(ctx, fmt.Sprintf("amy-%d", i))
		c := fx.CreateCohort(ctx, fmt.Sprintf("P-%d", i))
		s := fx.CreateSession(ctx, "20250301")

		addErr, delErr := race(
			func() error { return svc.Add(ctx, membership.CohortMembers, c.ID, a.ID) },
			func() error { return svc.DeleteAccount(ctx, a.ID) },
		)
		if delErr != nil {
			t.Fatalf("round %d: DeleteAccount: %v", i, delErr)
		}
		if addErr != nil && !errors.Is(addErr, membership.ErrNotFound) {
			t.Fatalf("round %d: Add: %v", i, addErr)
		}

		b := fx.CreateTeacher(ctx, fmt.Sprintf("bob-%d", i))
		recErr, delErr := race(
			func() error {
				_, err := svc.Reconcile(ctx, membership.SessionTeachers, s.ID, ids(b.ID))
				return err
			},
			func() error { return svc.DeleteAccount(ctx, b.ID) },
		)
		if delErr != nil {
			t.Fatalf("round %d: DeleteAccount: %v", i, delErr)
		}
		if recErr != nil && !errors.Is(recErr, membership.ErrNotFound) {
			t.Fatalf("round %d: Reconcile: %v", i, recErr)
		}
	}
	checkMongoInvariants(t, ctx, db)
}

func TestJournal_DisjointOwnersSharePeers(t *testing.T) {
	svc, fx, db := newJournalService(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	var students []primitive.ObjectID
	for i := 0; i < 4; i++ {
		students = append(students, fx.CreateStudent(ctx, fmt.Sprintf("s%d", i)).ID)
	}
	var cohorts []primitive.ObjectID
	for i := 0; i < 6; i++ {
		cohorts = append(cohorts, fx.CreateCohort(ctx, fmt.Sprintf("C%d", i)).ID)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(cohorts))
	for _, c := range cohorts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Reconcile(ctx, membership.CohortMembers, c, students)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Reconcile failed: %v", err)
		}
	}

	for _, a := range loadAll[models.Account](t, ctx, db, "accounts") {
		if !sameSet(a.CohortIDs, cohorts) {
			t.Errorf("account %s has %d cohorts, want %d", a.ID.Hex(), len(a.CohortIDs), len(cohorts))
		}
	}
	checkMongoInvariants(t, ctx, db)
}
