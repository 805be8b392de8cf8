package bootstrap

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/dalemusser/classhub/internal/testutil"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

func testLogger() *zap.Logger {
	return zap.NewNop()
}

func validConfig() AppConfig {
	return AppConfig{
		MongoURI:               "mongodb://localhost:27017",
		MongoDatabase:          "classhub_test",
		ReconcileTimeout:       30 * time.Second,
		BatchTimeout:           2 * time.Minute,
		IntentLease:            time.Minute,
		IntentRecoveryInterval: time.Minute,
		BulkDeleteConcurrency:  2,
		MetricsEnabled:         true,
		AuditLogEntity:         "all",
		AuditLogMembership:     "db",
		AuditRetention:         24 * time.Hour,
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*AppConfig)
		wantErr bool
	}{
		{"valid", func(*AppConfig) {}, false},
		{"empty uri", func(c *AppConfig) { c.MongoURI = "" }, true},
		{"no database", func(c *AppConfig) { c.MongoDatabase = "" }, true},
		{"lease too short", func(c *AppConfig) { c.IntentLease = time.Millisecond }, true},
		{"no recovery interval", func(c *AppConfig) { c.IntentRecoveryInterval = 0 }, true},
		{"no bulk concurrency", func(c *AppConfig) { c.BulkDeleteConcurrency = 0 }, true},
		{"negative rate limit", func(c *AppConfig) { c.WriteRateLimit = -1 }, true},
		{"long reconcile only warns", func(c *AppConfig) { c.ReconcileTimeout = time.Hour }, false},
		{"bad audit setting", func(c *AppConfig) { c.AuditLogMembership = "both" }, true},
		{"audit off", func(c *AppConfig) { c.AuditLogEntity = "off" }, false},
		{"negative audit retention", func(c *AppConfig) { c.AuditRetention = -time.Hour }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := ValidateConfig(nil, cfg, testLogger())
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnsureSchema(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()

	deps := DBDeps{MongoClient: db.Client(), MongoDatabase: db}
	for i := 0; i < 2; i++ {
		if err := EnsureSchema(ctx, nil, validConfig(), deps, testLogger()); err != nil {
			t.Fatalf("EnsureSchema run %d: %v", i+1, err)
		}
	}

	names, err := db.ListCollectionNames(ctx, bson.M{})
	if err != nil {
		t.Fatalf("ListCollectionNames: %v", err)
	}
	have := map[string]bool{}
	for _, n := range names {
		have[n] = true
	}
	for _, want := range []string{"accounts", "cohorts", "sessions", "membership_intents", "membership_locks", "audit_events"} {
		if !have[want] {
			t.Errorf("collection %s not created", want)
		}
	}
}

func TestStartupAndShutdown(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx, cancel := testutil.TestContext()
	defer cancel()
	t.Cleanup(func() { built = DBDeps{} })

	cfg := validConfig()
	cfg.ForceJournal = true
	deps := DBDeps{MongoDatabase: db}

	if err := Startup(ctx, nil, cfg, deps, testLogger()); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if built.Entities == nil || built.Recovery == nil || built.Intents == nil {
		t.Fatalf("Startup did not wire runtime deps: %+v", built)
	}
	if built.Audit == nil || built.AuditPurge == nil {
		t.Error("Startup should wire the audit logger and purge worker")
	}
	if !built.Entities.Journaling() {
		t.Error("force_journal should put the entity store in journal mode")
	}
	// No client in deps, so Shutdown only stops the workers.
	if err := Shutdown(context.Background(), nil, cfg, deps, testLogger()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestBuildHandler_Routes(t *testing.T) {
	db := testutil.SetupTestDB(t)

	deps := DBDeps{MongoClient: db.Client(), MongoDatabase: db}
	h, err := BuildHandler(nil, validConfig(), deps, testLogger())
	if err != nil {
		t.Fatalf("BuildHandler: %v", err)
	}

	tests := []struct {
		method, path string
		body         any
		status       int
	}{
		{http.MethodGet, "/health", nil, http.StatusOK},
		{http.MethodGet, "/metrics", nil, http.StatusOK},
		{http.MethodPost, "/api/accounts", map[string]string{"username": "amy", "password": "secret1"}, http.StatusCreated},
		{http.MethodGet, "/api/accounts?role=student", nil, http.StatusOK},
		{http.MethodGet, "/api/cohorts", nil, http.StatusOK},
		{http.MethodGet, "/api/sessions", nil, http.StatusOK},
		{http.MethodGet, "/api/sessions/date/20250301", nil, http.StatusOK},
		{http.MethodGet, "/api/audit", nil, http.StatusOK},
		{http.MethodGet, "/nope", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := testutil.NewRequest(tt.method, tt.path)
			if tt.body != nil {
				req = testutil.NewJSONRequest(t, tt.method, tt.path, tt.body)
			}
			rec := testutil.NewRecorder()
			h.ServeHTTP(rec, req)
			rec.AssertStatus(t, tt.status)
		})
	}
}

func TestBuildHandler_WriteRateLimit(t *testing.T) {
	db := testutil.SetupTestDB(t)

	cfg := validConfig()
	cfg.WriteRateLimit = 1
	h, err := BuildHandler(nil, cfg, DBDeps{MongoClient: db.Client(), MongoDatabase: db}, testLogger())
	if err != nil {
		t.Fatalf("BuildHandler: %v", err)
	}
	t.Cleanup(func() {
		writeLimiter.Stop()
		writeLimiter = nil
	})

	body := map[string]string{"name": "P1"}
	for i, want := range []int{http.StatusCreated, http.StatusTooManyRequests} {
		rec := testutil.NewRecorder()
		h.ServeHTTP(rec, testutil.NewJSONRequest(t, http.MethodPost, "/api/cohorts", body))
		rec.AssertStatus(t, want)
		if i == 1 {
			rec.AssertContains(t, "Too many requests")
		}
	}
	rec := testutil.NewRecorder()
	h.ServeHTTP(rec, testutil.NewRequest(http.MethodGet, "/api/cohorts"))
	rec.AssertStatus(t, http.StatusOK)
}

func TestBuildHandler_MetricsDisabled(t *testing.T) {
	db := testutil.SetupTestDB(t)

	cfg := validConfig()
	cfg.MetricsEnabled = false
	h, err := BuildHandler(nil, cfg, DBDeps{MongoClient: db.Client(), MongoDatabase: db}, testLogger())
	if err != nil {
		t.Fatalf("BuildHandler: %v", err)
	}
	rec := testutil.NewRecorder()
	h.ServeHTTP(rec, testutil.NewRequest(http.MethodGet, "/metrics"))
	rec.AssertStatus(t, http.StatusNotFound)
}
