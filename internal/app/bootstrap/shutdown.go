// internal/app/bootstrap/shutdown.go
package bootstrap

import (
	"context"

	"github.com/dalemusser/waffle/config"
	"go.uber.org/zap"
)

// Shutdown stops the background workers, then disconnects MongoDB.
func Shutdown(ctx context.Context, coreCfg *config.CoreConfig, appCfg AppConfig, deps DBDeps, logger *zap.Logger) error {
	if built.Recovery != nil {
		logger.Info("stopping intent recovery worker")
		built.Recovery.Stop()
	}
	if built.AuditPurge != nil {
		built.AuditPurge.Stop()
	}
	if writeLimiter != nil {
		writeLimiter.Stop()
	}
	if deps.MongoClient != nil {
		logger.Info("disconnecting ClassHub MongoDB client")
		if err := deps.MongoClient.Disconnect(ctx); err != nil {
			logger.Error("MongoDB disconnect failed", zap.Error(err))
			return err
		}
	}
	return nil
}
