// internal/app/bootstrap/config.go
package bootstrap

import (
	"fmt"
	"time"

	"github.com/dalemusser/classhub/internal/app/system/auditlog"
	"github.com/dalemusser/waffle/config"
	wafflemongo "github.com/dalemusser/waffle/pantry/mongo"
	"go.uber.org/zap"
)

// appConfigKeys defines the configuration keys for ClassHub.
// These are loaded via WAFFLE's config system with support for:
//   - Config files: mongo_uri, intent_lease, etc.
//   - Environment variables: CLASSHUB_MONGO_URI, CLASSHUB_INTENT_LEASE, etc.
//   - Command-line flags: --mongo_uri, --intent_lease, etc.
var appConfigKeys = []config.AppKey{
	{Name: "mongo_uri", Default: "mongodb://localhost:27017", Desc: "MongoDB connection URI"},
	{Name: "mongo_database", Default: "classhub", Desc: "MongoDB database name"},
	{Name: "mongo_max_pool_size", Default: 100, Desc: "MongoDB max connection pool size (default: 100)"},
	{Name: "mongo_min_pool_size", Default: 10, Desc: "MongoDB min connection pool size (default: 10)"},

	// Membership deadlines
	{Name: "reconcile_timeout", Default: "30s", Desc: "Deadline for one reconcile or cascade delete"},
	{Name: "batch_timeout", Default: "2m", Desc: "Deadline for bulk session delete"},

	// Intent journal
	{Name: "force_journal", Default: false, Desc: "Always commit through the intent journal, even when transactions are available"},
	{Name: "intent_lease", Default: "1m", Desc: "Owner lease length; pending intents older than this are rolled forward"},
	{Name: "intent_recovery_interval", Default: "1m", Desc: "How often abandoned intents are recovered"},
	{Name: "intent_retention", Default: "168h", Desc: "How long finished intents are kept (0 keeps them forever)"},

	{Name: "bulk_delete_concurrency", Default: 4, Desc: "Parallel cascades when deleting sessions in bulk"},
	{Name: "write_rate_limit", Default: 120, Desc: "Mutating API requests allowed per client IP per minute (0 disables)"},
	{Name: "metrics_enabled", Default: true, Desc: "Expose Prometheus metrics at /metrics"},

	// Audit trail
	{Name: "audit_log_entity", Default: "all", Desc: "Account/cohort/session create, update, delete events: all, db, log, off"},
	{Name: "audit_log_membership", Default: "all", Desc: "Reconcile and add/remove member events: all, db, log, off"},
	{Name: "audit_retention", Default: "2160h", Desc: "How long audit events are kept (0 keeps them forever)"},
}

// LoadConfig loads WAFFLE core config and app-specific config.
//
// WAFFLE's config.LoadWithAppConfig handles:
//   - Loading from .env files
//   - Loading from config.yaml/json/toml files
//   - Reading environment variables (WAFFLE_* for core, CLASSHUB_* for app)
//   - Parsing command-line flags
//   - Merging with precedence: flags > env > files > defaults
func LoadConfig(logger *zap.Logger) (*config.CoreConfig, AppConfig, error) {
	coreCfg, appValues, err := config.LoadWithAppConfig(logger, "CLASSHUB", appConfigKeys)
	if err != nil {
		return nil, AppConfig{}, err
	}

	appCfg := AppConfig{
		MongoURI:         appValues.String("mongo_uri"),
		MongoDatabase:    appValues.String("mongo_database"),
		MongoMaxPoolSize: uint64(appValues.Int("mongo_max_pool_size")),
		MongoMinPoolSize: uint64(appValues.Int("mongo_min_pool_size")),

		ReconcileTimeout: appValues.Duration("reconcile_timeout", 30*time.Second),
		BatchTimeout:     appValues.Duration("batch_timeout", 2*time.Minute),

		ForceJournal:           appValues.Bool("force_journal"),
		IntentLease:            appValues.Duration("intent_lease", time.Minute),
		IntentRecoveryInterval: appValues.Duration("intent_recovery_interval", time.Minute),
		IntentRetention:        appValues.Duration("intent_retention", 7*24*time.Hour),

		BulkDeleteConcurrency: appValues.Int("bulk_delete_concurrency"),
		WriteRateLimit:        appValues.Int("write_rate_limit"),
		MetricsEnabled:        appValues.Bool("metrics_enabled"),

		AuditLogEntity:     appValues.String("audit_log_entity"),
		AuditLogMembership: appValues.String("audit_log_membership"),
		AuditRetention:     appValues.Duration("audit_retention", 90*24*time.Hour),
	}

	return coreCfg, appCfg, nil
}

// ValidateConfig performs app-specific config validation.
//
// ClassHub validates the MongoDB URI format to catch configuration errors
// early, before attempting to connect.
func ValidateConfig(coreCfg *config.CoreConfig, appCfg AppConfig, logger *zap.Logger) error {
	if err := wafflemongo.ValidateURI(appCfg.MongoURI); err != nil {
		logger.Error("invalid MongoDB URI", zap.Error(err))
		return fmt.Errorf("invalid MongoDB URI: %w", err)
	}
	if appCfg.MongoDatabase == "" {
		return fmt.Errorf("mongo_database must be set")
	}
	if appCfg.IntentLease < time.Second {
		return fmt.Errorf("intent_lease must be at least 1s, got %s", appCfg.IntentLease)
	}
	if appCfg.ReconcileTimeout > appCfg.IntentLease {
		logger.Warn("reconcile_timeout exceeds intent_lease; a slow journaled unit can be taken over",
			zap.Duration("reconcile_timeout", appCfg.ReconcileTimeout),
			zap.Duration("intent_lease", appCfg.IntentLease))
	}
	if appCfg.IntentRecoveryInterval <= 0 {
		return fmt.Errorf("intent_recovery_interval must be positive")
	}
	if appCfg.BulkDeleteConcurrency < 1 {
		return fmt.Errorf("bulk_delete_concurrency must be at least 1, got %d", appCfg.BulkDeleteConcurrency)
	}
	if appCfg.WriteRateLimit < 0 {
		return fmt.Errorf("write_rate_limit must not be negative")
	}
	for key, v := range map[string]string{
		"audit_log_entity":     appCfg.AuditLogEntity,
		"audit_log_membership": appCfg.AuditLogMembership,
	} {
		if !auditlog.ValidSetting(v) {
			return fmt.Errorf("%s must be all, db, log, or off, got %q", key, v)
		}
	}
	if appCfg.AuditRetention < 0 {
		return fmt.Errorf("audit_retention must not be negative")
	}
	return nil
}
