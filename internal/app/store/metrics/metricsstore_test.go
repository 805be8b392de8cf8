package metricsstore_test

import (
	"testing"

	metricsstore "github.com/dalemusser/classhub/internal/app/store/metrics"
	"github.com/dalemusser/classhub/internal/domain/models"
	"github.com/dalemusser/classhub/internal/testutil"
	"go.mongodb.org/mongo-driver/bson"
)

func TestFetchCounts_Empty(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	counts := metricsstore.FetchCounts(ctx, db)
	if counts != (metricsstore.Counts{}) {
		t.Errorf("counts on empty db = %+v, want zero", counts)
	}
}

func TestFetchCounts_WithData(t *testing.T) {
	db := testutil.SetupTestDB(t)
	fixtures := testutil.NewFixtures(t, db)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	fixtures.CreateStudent(ctx, "s1")
	fixtures.CreateStudent(ctx, "s2")
	fixtures.CreateStudent(ctx, "s3")
	fixtures.CreateTeacher(ctx, "t1")
	fixtures.CreateAccount(ctx, "root", models.RoleAdmin)
	fixtures.CreateCohort(ctx, "P1")
	c := fixtures.CreateCohort(ctx, "P2")
	if _, err := db.Collection("cohorts").UpdateByID(ctx, c.ID, bson.M{"$set": bson.M{"active": false}}); err != nil {
		t.Fatalf("deactivate cohort: %v", err)
	}
	fixtures.CreateSession(ctx, "20250301")
	if _, err := db.Collection("membership_intents").InsertOne(ctx, bson.M{"_id": "i1", "state": models.IntentPending}); err != nil {
		t.Fatalf("insert intent: %v", err)
	}

	got := metricsstore.FetchCounts(ctx, db)
	want := metricsstore.Counts{
		Students:       3,
		Teachers:       1,
		Admins:         1,
		Cohorts:        2,
		ActiveCohorts:  1,
		Sessions:       1,
		PendingIntents: 1,
	}
	if got != want {
		t.Errorf("FetchCounts() = %+v, want %+v", got, want)
	}

	g := got.Gauges()
	if g["student"] != 3 || g["cohort_active"] != 1 || len(g) != 7 {
		t.Errorf("Gauges() = %v", g)
	}
}
