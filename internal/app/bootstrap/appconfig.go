// internal/app/bootstrap/appconfig.go
package bootstrap

import "time"

// AppConfig holds service-specific configuration for this WAFFLE app.
//
// These values come from environment variables, configuration files, or
// command-line flags (loaded in LoadConfig). They represent *app-level*
// configuration, not WAFFLE core configuration.
//
// WAFFLE's CoreConfig handles framework-level settings like HTTP ports,
// TLS, logging level and format, and CORS. AppConfig carries the database
// connection and the knobs of the membership layer.
type AppConfig struct {
	// MongoDB connection configuration
	MongoURI         string // MongoDB connection string (e.g., mongodb://localhost:27017)
	MongoDatabase    string // Database name within MongoDB
	MongoMaxPoolSize uint64
	MongoMinPoolSize uint64

	// Deadlines for membership units (zero keeps the timeouts package default)
	ReconcileTimeout time.Duration // one reconcile or cascade delete
	BatchTimeout     time.Duration // bulk session delete

	// Intent journal (used when the server has no transactions)
	ForceJournal           bool          // always journal, even on a replica set
	IntentLease            time.Duration // owner lease; pending intents older than this are abandoned
	IntentRecoveryInterval time.Duration // how often the recovery worker sweeps
	IntentRetention        time.Duration // finished intents older than this are purged (0 keeps them)

	BulkDeleteConcurrency int  // parallel cascades in bulk session delete
	WriteRateLimit        int  // mutating API requests per client per minute (0 disables)
	MetricsEnabled        bool // expose /metrics

	// Audit trail destinations: "all", "db", "log", or "off"
	AuditLogEntity     string
	AuditLogMembership string
	AuditRetention     time.Duration // events older than this are purged (0 keeps them)
}
