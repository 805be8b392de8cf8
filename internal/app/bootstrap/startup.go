// internal/app/bootstrap/startup.go
package bootstrap

import (
	"context"
	"time"

	"github.com/dalemusser/classhub/internal/app/store/audit"
	entitystore "github.com/dalemusser/classhub/internal/app/store/entities"
	intentstore "github.com/dalemusser/classhub/internal/app/store/intents"
	"github.com/dalemusser/classhub/internal/app/system/auditlog"
	"github.com/dalemusser/classhub/internal/app/system/timeouts"
	"github.com/dalemusser/classhub/internal/app/system/workers"
	"github.com/dalemusser/waffle/config"
	"go.uber.org/zap"
)

// Startup applies the configured deadlines, builds the entity store, and
// starts the intent recovery worker. deps is a value in the WAFFLE
// lifecycle, so the pieces wired here are kept in built for
// BuildHandler and Shutdown.
func Startup(ctx context.Context, coreCfg *config.CoreConfig, appCfg AppConfig, deps DBDeps, logger *zap.Logger) error {
	timeouts.Configure(timeouts.Config{
		Reconcile: appCfg.ReconcileTimeout,
		Batch:     appCfg.BatchTimeout,
	})

	rt := wire(deps, appCfg, logger)
	if appCfg.ForceJournal {
		logger.Info("intent journal forced on")
	}

	// Roll forward anything a previous process left pending before
	// serving requests.
	rt.Recovery.Start()
	if rt.AuditPurge != nil {
		rt.AuditPurge.Start()
	}
	built = rt
	return nil
}

// built holds what Startup wired.
var built DBDeps

// wire builds the shared stores, the audit logger and the workers.
func wire(deps DBDeps, appCfg AppConfig, logger *zap.Logger) DBDeps {
	deps.Entities = entitystore.NewMongo(deps.MongoDatabase, logger.Named("entities"), entitystore.Options{
		Lease:        appCfg.IntentLease,
		ForceJournal: appCfg.ForceJournal,
	})
	deps.Intents = intentstore.New(deps.MongoDatabase)
	deps.Recovery = workers.NewIntentRecovery(deps.Entities, deps.Intents, logger.Named("recovery"),
		appCfg.IntentRecoveryInterval, appCfg.IntentRetention)

	deps.AuditStore = audit.New(deps.MongoDatabase)
	deps.Audit = auditlog.New(deps.AuditStore, logger.Named("audit"), auditlog.Config{
		Entity:     appCfg.AuditLogEntity,
		Membership: appCfg.AuditLogMembership,
	})
	if appCfg.AuditRetention > 0 {
		deps.AuditPurge = workers.NewAuditPurge(deps.AuditStore, logger.Named("audit"), time.Hour, appCfg.AuditRetention)
	}
	return deps
}
