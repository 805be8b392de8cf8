package entitystore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	entitystore "github.com/dalemusser/classhub/internal/app/store/entities"
	intentstore "github.com/dalemusser/classhub/internal/app/store/intents"
	"github.com/dalemusser/classhub/internal/domain/models"
	"github.com/dalemusser/classhub/internal/testutil"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

// modes runs each test against both commit paths. On a standalone server the
// transaction store falls back to the journal after the first attempt.
var modes = []struct {
	name    string
	journal bool
}{
	{"auto", false},
	{"journal", true},
}

func newStore(db *mongo.Database, journal bool) *entitystore.Mongo {
	return entitystore.NewMongo(db, zap.NewNop(), entitystore.Options{ForceJournal: journal})
}

func refs(t *testing.T, ctx context.Context, s entitystore.Store, kind entitystore.Kind, id primitive.ObjectID, f entitystore.Field) []primitive.ObjectID {
	t.Helper()
	var out []primitive.ObjectID
	err := s.View(ctx, func(ctx context.Context, r entitystore.Reader) error {
		var err error
		out, err = r.Refs(ctx, kind, id, f)
		return err
	})
	if err != nil {
		t.Fatalf("Refs(%s %s.%s): %v", kind, id.Hex(), f, err)
	}
	return out
}

func has(ids []primitive.ObjectID, id primitive.ObjectID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func TestMongo_UpdateAppliesStagedOps(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			db := testutil.SetupTestDB(t)
			fx := testutil.NewFixtures(t, db)
			store := newStore(db, mode.journal)
			ctx, cancel := testutil.TestContext()
			defer cancel()

			a := fx.CreateStudent(ctx, "amy")
			c := fx.CreateCohort(ctx, "P1")

			err := store.Update(ctx, "test", func(ctx context.Context, tx entitystore.Tx) error {
				if err := tx.Lock(ctx, entitystore.Cohorts, c.ID); err != nil {
					return err
				}
				tx.Stage(
					entitystore.AddRefs(entitystore.Cohorts, entitystore.FieldMemberIDs, []primitive.ObjectID{c.ID}, a.ID),
					entitystore.AddRefs(entitystore.Accounts, entitystore.FieldCohortIDs, []primitive.ObjectID{a.ID}, c.ID),
				)
				return nil
			})
			if err != nil {
				t.Fatalf("Update failed: %v", err)
			}
			if got := refs(t, ctx, store, entitystore.Cohorts, c.ID, entitystore.FieldMemberIDs); !has(got, a.ID) {
				t.Errorf("cohort members = %v, want %s", got, a.ID.Hex())
			}
			if got := refs(t, ctx, store, entitystore.Accounts, a.ID, entitystore.FieldCohortIDs); !has(got, c.ID) {
				t.Errorf("account cohorts = %v, want %s", got, c.ID.Hex())
			}

			if mode.journal {
				n, err := intentstore.New(db).CountPending(ctx)
				if err != nil || n != 0 {
					t.Errorf("pending intents after commit = %d, %v", n, err)
				}
			}
		})
	}
}

func TestMongo_Delete(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			db := testutil.SetupTestDB(t)
			fx := testutil.NewFixtures(t, db)
			store := newStore(db, mode.journal)
			ctx, cancel := testutil.TestContext()
			defer cancel()

			s := fx.CreateSession(ctx, "20250301")
			err := store.Update(ctx, "test", func(ctx context.Context, tx entitystore.Tx) error {
				if err := tx.Lock(ctx, entitystore.Sessions, s.ID); err != nil {
					return err
				}
				tx.Stage(entitystore.DeleteDocs(entitystore.Sessions, s.ID))
				return nil
			})
			if err != nil {
				t.Fatalf("Update failed: %v", err)
			}
			err = store.View(ctx, func(ctx context.Context, r entitystore.Reader) error {
				_, err := r.Refs(ctx, entitystore.Sessions, s.ID, entitystore.FieldCohortIDs)
				return err
			})
			if !errors.Is(err, entitystore.ErrNotFound) {
				t.Errorf("Refs on deleted session: got %v, want ErrNotFound", err)
			}
		})
	}
}

func TestMongo_FailureCommitsNothing(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			db := testutil.SetupTestDB(t)
			fx := testutil.NewFixtures(t, db)
			store := newStore(db, mode.journal)
			ctx, cancel := testutil.TestContext()
			defer cancel()

			a := fx.CreateStudent(ctx, "amy")
			c := fx.CreateCohort(ctx, "P1")
			gone := fx.CreateCohort(ctx, "P2")
			s := fx.CreateSession(ctx, "20250301")
			// A non-array student_ids makes the $pull below fail.
			if _, err := db.Collection("sessions").UpdateByID(ctx, s.ID, bson.M{"$set": bson.M{"student_ids": "broken"}}); err != nil {
				t.Fatalf("corrupt session: %v", err)
			}

			err := store.Update(ctx, "test", func(ctx context.Context, tx entitystore.Tx) error {
				if err := tx.Lock(ctx, entitystore.Cohorts, c.ID); err != nil {
					return err
				}
				tx.Stage(
					entitystore.AddRefs(entitystore.Cohorts, entitystore.FieldMemberIDs, []primitive.ObjectID{c.ID}, a.ID),
					entitystore.DeleteDocs(entitystore.Cohorts, gone.ID),
					entitystore.PullRefs(entitystore.Sessions, entitystore.FieldStudentIDs, []primitive.ObjectID{s.ID}, a.ID),
				)
				return nil
			})
			var ae *entitystore.ApplyError
			if !errors.As(err, &ae) {
				t.Fatalf("Update: got %v, want *ApplyError", err)
			}
			if ae.Op.Kind != entitystore.Sessions {
				t.Errorf("ApplyError.Op = %v, want the sessions pull", ae.Op)
			}

			if got := refs(t, ctx, store, entitystore.Cohorts, c.ID, entitystore.FieldMemberIDs); len(got) != 0 {
				t.Errorf("cohort members after failed unit = %v, want none", got)
			}
			if got := refs(t, ctx, store, entitystore.Cohorts, gone.ID, entitystore.FieldMemberIDs); got == nil {
				t.Error("deleted cohort should be restored")
			}
		})
	}
}

func TestMongo_FnErrorCommitsNothing(t *testing.T) {
	db := testutil.SetupTestDB(t)
	fx := testutil.NewFixtures(t, db)
	store := newStore(db, true)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	c := fx.CreateCohort(ctx, "P1")
	boom := errors.New("boom")
	err := store.Update(ctx, "test", func(ctx context.Context, tx entitystore.Tx) error {
		tx.Stage(entitystore.DeleteDocs(entitystore.Cohorts, c.ID))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update: got %v, want boom", err)
	}
	refs(t, ctx, store, entitystore.Cohorts, c.ID, entitystore.FieldMemberIDs)
}

func TestMongo_LockMissingOwner(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			db := testutil.SetupTestDB(t)
			store := newStore(db, mode.journal)
			ctx, cancel := testutil.TestContext()
			defer cancel()

			err := store.Update(ctx, "test", func(ctx context.Context, tx entitystore.Tx) error {
				return tx.Lock(ctx, entitystore.Cohorts, primitive.NewObjectID())
			})
			if !errors.Is(err, entitystore.ErrNotFound) {
				t.Errorf("Lock on missing cohort: got %v, want ErrNotFound", err)
			}
		})
	}
}

func TestMongo_LockedOwnerTimesOut(t *testing.T) {
	db := testutil.SetupTestDB(t)
	fx := testutil.NewFixtures(t, db)
	store := newStore(db, true)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	c := fx.CreateCohort(ctx, "P1")
	if _, err := intentstore.New(db).AcquireLease(ctx, "cohorts:"+c.ID.Hex(), "someone-else", time.Minute); err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}

	short, cancelShort := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancelShort()
	err := store.Update(short, "test", func(ctx context.Context, tx entitystore.Tx) error {
		return tx.Lock(ctx, entitystore.Cohorts, c.ID)
	})
	if !errors.Is(err, entitystore.ErrLocked) {
		t.Errorf("got %v, want ErrLocked", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want it to wrap context.DeadlineExceeded", err)
	}
}

func TestMongo_ConcurrentUpdatesSerialize(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			db := testutil.SetupTestDB(t)
			fx := testutil.NewFixtures(t, db)
			store := newStore(db, mode.journal)
			ctx, cancel := testutil.TestContext()
			defer cancel()

			c := fx.CreateCohort(ctx, "P1")
			const n = 8
			members := make([]primitive.ObjectID, n)
			for i := range members {
				members[i] = primitive.NewObjectID()
			}

			var wg sync.WaitGroup
			errs := make(chan error, n)
			for _, m := range members {
				wg.Add(1)
				go func(m primitive.ObjectID) {
					defer wg.Done()
					errs <- store.Update(ctx, "test", func(ctx context.Context, tx entitystore.Tx) error {
						if err := tx.Lock(ctx, entitystore.Cohorts, c.ID); err != nil {
							return err
						}
						tx.Stage(entitystore.AddRefs(entitystore.Cohorts, entitystore.FieldMemberIDs, []primitive.ObjectID{c.ID}, m))
						return nil
					})
				}(m)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					t.Errorf("Update failed: %v", err)
				}
			}

			got := refs(t, ctx, store, entitystore.Cohorts, c.ID, entitystore.FieldMemberIDs)
			if len(got) != n {
				t.Errorf("members = %d, want %d", len(got), n)
			}
		})
	}
}

func TestMongo_RecoverRollsForward(t *testing.T) {
	db := testutil.SetupTestDB(t)
	fx := testutil.NewFixtures(t, db)
	store := entitystore.NewMongo(db, zap.NewNop(), entitystore.Options{ForceJournal: true, Lease: time.Millisecond})
	intents := intentstore.New(db)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	a := fx.CreateStudent(ctx, "amy")
	c := fx.CreateCohort(ctx, "P1")

	// A crashed unit: intent recorded, only the first step applied.
	in := models.Intent{
		ID:      uuid.NewString(),
		Label:   "reconcile:cohort_members",
		LockKey: "cohorts:" + c.ID.Hex(),
		Touched: []primitive.ObjectID{c.ID, a.ID},
		Steps: []models.IntentStep{
			{Collection: "cohorts", Action: "add_ref", IDs: []primitive.ObjectID{c.ID}, Field: "member_ids", Refs: []primitive.ObjectID{a.ID}},
			{Collection: "accounts", Action: "add_ref", IDs: []primitive.ObjectID{a.ID}, Field: "cohort_ids", Refs: []primitive.ObjectID{c.ID}},
		},
	}
	if err := intents.Insert(ctx, in); err != nil {
		t.Fatalf("Insert intent: %v", err)
	}
	if _, err := db.Collection("cohorts").UpdateByID(ctx, c.ID, bson.M{"$addToSet": bson.M{"member_ids": a.ID}}); err != nil {
		t.Fatalf("apply first step: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	n, err := store.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Recover returned %d, want 1", n)
	}
	if got := refs(t, ctx, store, entitystore.Accounts, a.ID, entitystore.FieldCohortIDs); !has(got, c.ID) {
		t.Errorf("account cohorts after recovery = %v", got)
	}
	got, err := intents.GetByID(ctx, in.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.State != models.IntentCommitted {
		t.Errorf("intent state = %q, want committed", got.State)
	}

	// Nothing left to do.
	if n, err := store.Recover(ctx); err != nil || n != 0 {
		t.Errorf("second Recover = %d, %v", n, err)
	}
}

func TestMongo_Reader(t *testing.T) {
	db := testutil.SetupTestDB(t)
	fx := testutil.NewFixtures(t, db)
	store := newStore(db, true)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	a := fx.CreateStudent(ctx, "amy")
	c := fx.CreateCohort(ctx, "P1", a.ID)
	s1 := fx.CreateSession(ctx, "20250301")
	s2 := fx.CreateSession(ctx, "20250302")
	if _, err := db.Collection("sessions").UpdateByID(ctx, s2.ID, bson.M{"$set": bson.M{"cohort_ids": bson.A{c.ID}}}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	err := store.View(ctx, func(ctx context.Context, r entitystore.Reader) error {
		ghost := primitive.NewObjectID()
		missing, err := r.Missing(ctx, entitystore.Accounts, []primitive.ObjectID{a.ID, ghost, ghost})
		if err != nil {
			return err
		}
		if len(missing) != 1 || missing[0] != ghost {
			t.Errorf("Missing = %v, want [%s]", missing, ghost.Hex())
		}

		holders, err := r.Referencing(ctx, entitystore.Cohorts, entitystore.FieldMemberIDs, a.ID)
		if err != nil {
			return err
		}
		if len(holders) != 1 || holders[0] != c.ID {
			t.Errorf("Referencing = %v, want [%s]", holders, c.ID.Hex())
		}

		byDate, err := r.FindSessions(ctx, entitystore.SessionFilter{Date: "20250301"})
		if err != nil {
			return err
		}
		if len(byDate) != 1 || byDate[0].ID != s1.ID {
			t.Errorf("FindSessions(date) = %v", byDate)
		}
		byCohort, err := r.FindSessions(ctx, entitystore.SessionFilter{CohortID: c.ID})
		if err != nil {
			return err
		}
		if len(byCohort) != 1 || byCohort[0].ID != s2.ID {
			t.Errorf("FindSessions(cohort) = %v", byCohort)
		}

		accts, err := r.Accounts(ctx, []primitive.ObjectID{a.ID, ghost})
		if err != nil {
			return err
		}
		if len(accts) != 1 {
			t.Errorf("Accounts should skip missing ids, got %d", len(accts))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
}

func TestMongo_LockPeersTakesOverExpiredLease(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			db := testutil.SetupTestDB(t)
			fx := testutil.NewFixtures(t, db)
			store := newStore(db, mode.journal)
			ctx, cancel := testutil.TestContext()
			defer cancel()

			c := fx.CreateCohort(ctx, "P1")
			s := fx.CreateSession(ctx, "20250301")
			if _, err := intentstore.New(db).AcquireLease(ctx, "sessions:"+s.ID.Hex(), "someone-else", 200*time.Millisecond); err != nil {
				t.Fatalf("AcquireLease failed: %v", err)
			}

			err := store.Update(ctx, "test", func(ctx context.Context, tx entitystore.Tx) error {
				if err := tx.Lock(ctx, entitystore.Cohorts, c.ID); err != nil {
					return err
				}
				if err := tx.LockPeers(ctx, entitystore.Sessions, []primitive.ObjectID{s.ID, primitive.NewObjectID()}); err != nil {
					return err
				}
				tx.Stage(
					entitystore.AddRefs(entitystore.Cohorts, entitystore.FieldSessionIDs, []primitive.ObjectID{c.ID}, s.ID),
					entitystore.AddRefs(entitystore.Sessions, entitystore.FieldCohortIDs, []primitive.ObjectID{s.ID}, c.ID),
				)
				return nil
			})
			if err != nil {
				t.Fatalf("Update failed: %v", err)
			}
			if got := refs(t, ctx, store, entitystore.Sessions, s.ID, entitystore.FieldCohortIDs); !has(got, c.ID) {
				t.Errorf("session cohorts = %v, want %s", got, c.ID.Hex())
			}
		})
	}
}

func TestMongo_LockPeersHeldTimesOut(t *testing.T) {
	db := testutil.SetupTestDB(t)
	fx := testutil.NewFixtures(t, db)
	store := newStore(db, true)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	c := fx.CreateCohort(ctx, "P1")
	a := fx.CreateStudent(ctx, "amy")
	if _, err := intentstore.New(db).AcquireLease(ctx, "accounts:"+a.ID.Hex(), "someone-else", time.Minute); err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}

	short, cancelShort := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancelShort()
	err := store.Update(short, "test", func(ctx context.Context, tx entitystore.Tx) error {
		if err := tx.Lock(ctx, entitystore.Cohorts, c.ID); err != nil {
			return err
		}
		if err := tx.LockPeers(ctx, entitystore.Accounts, []primitive.ObjectID{a.ID}); err != nil {
			return err
		}
		tx.Stage(entitystore.AddRefs(entitystore.Accounts, entitystore.FieldCohortIDs, []primitive.ObjectID{a.ID}, c.ID))
		return nil
	})
	if !errors.Is(err, entitystore.ErrLocked) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want ErrLocked wrapping context.DeadlineExceeded", err)
	}
	if got := refs(t, ctx, store, entitystore.Accounts, a.ID, entitystore.FieldCohortIDs); len(got) != 0 {
		t.Errorf("account cohorts = %v, want none", got)
	}
}

// A unit blocked on a peer gives up its owner lease between attempts, so
// other units on the same owner keep going.
func TestMongo_ContendedUnitReleasesOwner(t *testing.T) {
	db := testutil.SetupTestDB(t)
	fx := testutil.NewFixtures(t, db)
	store := newStore(db, true)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	c := fx.CreateCohort(ctx, "P1")
	held := fx.CreateStudent(ctx, "amy")
	free := fx.CreateStudent(ctx, "bob")
	if _, err := intentstore.New(db).AcquireLease(ctx, "accounts:"+held.ID.Hex(), "someone-else", time.Minute); err != nil {
		t.Fatalf("AcquireLease failed: %v", err)
	}

	addMember := func(ctx context.Context, a primitive.ObjectID) error {
		return store.Update(ctx, "test", func(ctx context.Context, tx entitystore.Tx) error {
			if err := tx.Lock(ctx, entitystore.Cohorts, c.ID); err != nil {
				return err
			}
			if err := tx.LockPeers(ctx, entitystore.Accounts, []primitive.ObjectID{a}); err != nil {
				return err
			}
			tx.Stage(
				entitystore.AddRefs(entitystore.Cohorts, entitystore.FieldMemberIDs, []primitive.ObjectID{c.ID}, a),
				entitystore.AddRefs(entitystore.Accounts, entitystore.FieldCohortIDs, []primitive.ObjectID{a}, c.ID),
			)
			return nil
		})
	}

	blocked, cancelBlocked := context.WithTimeout(ctx, 3*time.Second)
	defer cancelBlocked()
	blockedDone := make(chan error, 1)
	go func() { blockedDone <- addMember(blocked, held.ID) }()

	time.Sleep(50 * time.Millisecond)
	if err := addMember(ctx, free.ID); err != nil {
		t.Fatalf("unit on the same owner failed: %v", err)
	}
	select {
	case err := <-blockedDone:
		t.Fatalf("blocked unit finished early: %v", err)
	default:
	}

	if err := <-blockedDone; !errors.Is(err, entitystore.ErrLocked) {
		t.Errorf("blocked unit: got %v, want ErrLocked", err)
	}
	got := refs(t, ctx, store, entitystore.Cohorts, c.ID, entitystore.FieldMemberIDs)
	if !has(got, free.ID) || has(got, held.ID) {
		t.Errorf("members = %v, want only %s", got, free.ID.Hex())
	}
}
