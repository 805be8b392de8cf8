package sessionstore_test

import (
	"errors"
	"testing"

	sessionstore "github.com/dalemusser/classhub/internal/app/store/sessions"
	"github.com/dalemusser/classhub/internal/testutil"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

func TestValidDateTime(t *testing.T) {
	dates := []struct {
		in   string
		want bool
	}{
		{"20250301", true},
		{"20240229", true},
		{"20250229", false},
		{"2025-03-01", false},
		{"", false},
	}
	for _, tt := range dates {
		if got := sessionstore.ValidDate(tt.in); got != tt.want {
			t.Errorf("ValidDate(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	times := []struct {
		in   string
		want bool
	}{
		{"09:00", true},
		{"23:59", true},
		{"24:00", false},
		{"9am", false},
	}
	for _, tt := range times {
		if got := sessionstore.ValidTime(tt.in); got != tt.want {
			t.Errorf("ValidTime(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestStore_Create(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := sessionstore.New(db)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	s, err := store.Create(ctx, sessionstore.Fields{
		Type:        " Lab ",
		Room:        "<b>B12</b>",
		Date:        "2025-03-01",
		StartTime:   "09:00",
		EndTime:     "10:30",
		Description: "Bring <script>alert(1)</script>goggles",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if s.ID == primitive.NilObjectID {
		t.Error("expected ID to be assigned")
	}
	if s.Type != "Lab" {
		t.Errorf("Type: got %q", s.Type)
	}
	if s.Room != "B12" {
		t.Errorf("Room should be stripped of markup, got %q", s.Room)
	}
	if s.Date != "20250301" {
		t.Errorf("Date: got %q, want 20250301", s.Date)
	}
	if s.Description != "Bring goggles" {
		t.Errorf("Description should drop the script, got %q", s.Description)
	}
	if s.CohortIDs == nil || s.TeacherIDs == nil || s.StudentIDs == nil {
		t.Error("expected empty, non-nil ref arrays")
	}
}

func TestStore_Create_Validation(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := sessionstore.New(db)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	base := sessionstore.Fields{Type: "Lab", Date: "20250301"}
	tests := []struct {
		name string
		mod  func(f *sessionstore.Fields)
		want error
	}{
		{"missing type", func(f *sessionstore.Fields) { f.Type = "" }, sessionstore.ErrTypeRequired},
		{"bad date", func(f *sessionstore.Fields) { f.Date = "March 1" }, sessionstore.ErrBadDate},
		{"bad time", func(f *sessionstore.Fields) { f.StartTime = "25:00" }, sessionstore.ErrBadTime},
		{"end before start", func(f *sessionstore.Fields) { f.StartTime, f.EndTime = "10:00", "09:00" }, sessionstore.ErrEndBeforeStart},
		{"no times is fine", func(f *sessionstore.Fields) {}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := base
			tt.mod(&f)
			_, err := store.Create(ctx, f)
			if !errors.Is(err, tt.want) {
				t.Errorf("Create: got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestStore_UpdateFields(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := sessionstore.New(db)
	fixtures := testutil.NewFixtures(t, db)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	s := fixtures.CreateSession(ctx, "20250301")
	teacher := fixtures.CreateTeacher(ctx, "ms_t")
	if _, err := db.Collection("sessions").UpdateByID(ctx, s.ID, bson.M{"$set": bson.M{"teacher_ids": bson.A{teacher.ID}}}); err != nil {
		t.Fatalf("seed teacher_ids: %v", err)
	}

	out, err := store.UpdateFields(ctx, s.ID, sessionstore.Fields{
		Type: "Exam", Room: "Hall", Date: "20250302", StartTime: "13:00", EndTime: "15:00",
	})
	if err != nil {
		t.Fatalf("UpdateFields failed: %v", err)
	}
	if out.Type != "Exam" || out.Date != "20250302" || out.StartTime != "13:00" {
		t.Errorf("UpdateFields returned %+v", out)
	}
	// Ref arrays are untouched.
	if len(out.TeacherIDs) != 1 || out.TeacherIDs[0] != teacher.ID {
		t.Errorf("TeacherIDs changed: %v", out.TeacherIDs)
	}

	_, err = store.UpdateFields(ctx, primitive.NewObjectID(), sessionstore.Fields{Type: "Exam", Date: "20250302"})
	if err != mongo.ErrNoDocuments {
		t.Errorf("expected mongo.ErrNoDocuments, got %v", err)
	}
}

func TestStore_Listing(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := sessionstore.New(db)
	fixtures := testutil.NewFixtures(t, db)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	c := fixtures.CreateCohort(ctx, "Period 1")
	s1 := fixtures.CreateSession(ctx, "20250301")
	s2 := fixtures.CreateSession(ctx, "20250302")
	s3 := fixtures.CreateSession(ctx, "20250310")
	if _, err := db.Collection("sessions").UpdateByID(ctx, s2.ID, bson.M{"$set": bson.M{"cohort_ids": bson.A{c.ID}}}); err != nil {
		t.Fatalf("seed cohort_ids: %v", err)
	}

	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != s1.ID || all[2].ID != s3.ID {
		t.Errorf("List not ordered by date: %v", all)
	}

	byDate, err := store.ListByDate(ctx, "2025-03-02")
	if err != nil {
		t.Fatalf("ListByDate failed: %v", err)
	}
	if len(byDate) != 1 || byDate[0].ID != s2.ID {
		t.Errorf("ListByDate = %v", byDate)
	}
	if _, err := store.ListByDate(ctx, "tomorrow"); !errors.Is(err, sessionstore.ErrBadDate) {
		t.Errorf("expected ErrBadDate, got %v", err)
	}

	byCohort, err := store.ListByCohort(ctx, c.ID)
	if err != nil {
		t.Fatalf("ListByCohort failed: %v", err)
	}
	if len(byCohort) != 1 || byCohort[0].ID != s2.ID {
		t.Errorf("ListByCohort = %v", byCohort)
	}

	inRange, err := store.ListRange(ctx, "20250301", "20250305")
	if err != nil {
		t.Fatalf("ListRange failed: %v", err)
	}
	if len(inRange) != 2 {
		t.Errorf("ListRange: got %d sessions, want 2", len(inRange))
	}
}
