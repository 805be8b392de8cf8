// internal/app/bootstrap/routes.go
package bootstrap

import (
	"context"
	"net/http"
	"time"

	accountsfeature "github.com/dalemusser/classhub/internal/app/features/accounts"
	auditfeature "github.com/dalemusser/classhub/internal/app/features/auditlog"
	cohortsfeature "github.com/dalemusser/classhub/internal/app/features/cohorts"
	healthfeature "github.com/dalemusser/classhub/internal/app/features/health"
	sessionsfeature "github.com/dalemusser/classhub/internal/app/features/sessions"
	"github.com/dalemusser/classhub/internal/app/features/shared/apiresp"
	"github.com/dalemusser/classhub/internal/app/membership"
	accountstore "github.com/dalemusser/classhub/internal/app/store/accounts"
	cohortstore "github.com/dalemusser/classhub/internal/app/store/cohorts"
	metricsstore "github.com/dalemusser/classhub/internal/app/store/metrics"
	sessionstore "github.com/dalemusser/classhub/internal/app/store/sessions"
	"github.com/dalemusser/classhub/internal/app/system/metrics"
	"github.com/dalemusser/classhub/internal/app/system/ratelimit"
	"github.com/dalemusser/waffle/config"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// writeLimiter throttles mutating API calls; Shutdown stops it.
var writeLimiter *ratelimit.Limiter

// BuildHandler constructs the root HTTP handler (router) for this WAFFLE app.
//
// WAFFLE calls this after configuration, DB connections, schema setup, and
// the Startup hook have completed. Every feature shares one membership
// service, so all relationship writes go through the same reconciler and
// cascade coordinator.
func BuildHandler(coreCfg *config.CoreConfig, appCfg AppConfig, deps DBDeps, logger *zap.Logger) (http.Handler, error) {
	rt := built
	if rt.Entities == nil {
		rt = wire(deps, appCfg, logger)
	}
	db := deps.MongoDatabase
	members := membership.New(rt.Entities, logger.Named("membership"), appCfg.BulkDeleteConcurrency)

	r := chi.NewRouter()

	// Health check endpoint for load balancers and orchestrators
	healthHandler := healthfeature.NewHandler(deps.MongoClient, rt.Entities, rt.Intents, logger)
	r.Mount("/health", healthfeature.Routes(healthHandler))

	if appCfg.MetricsEnabled {
		metrics.SetEntityCounts(func(ctx context.Context) map[string]int64 {
			return metricsstore.FetchCounts(ctx, db).Gauges()
		})
		r.Handle("/metrics", metrics.Handler())
	}

	r.Route("/api", func(api chi.Router) {
		if appCfg.WriteRateLimit > 0 {
			writeLimiter = ratelimit.New(appCfg.WriteRateLimit, time.Minute)
			api.Use(ratelimit.Writes(writeLimiter, func(w http.ResponseWriter, r *http.Request) {
				logger.Warn("write rate limit exceeded", zap.String("ip", ratelimit.ClientIP(r)), zap.String("path", r.URL.Path))
				apiresp.Fail(w, http.StatusTooManyRequests, "Too many requests")
			}))
		}

		accountsHandler := accountsfeature.NewHandler(accountstore.New(db), members, rt.Audit, logger)
		api.Mount("/accounts", accountsfeature.Routes(accountsHandler))

		cohortsHandler := cohortsfeature.NewHandler(cohortstore.New(db), members, rt.Audit, logger)
		api.Mount("/cohorts", cohortsfeature.Routes(cohortsHandler))

		sessionsHandler := sessionsfeature.NewHandler(sessionstore.New(db), members, rt.Audit, logger)
		api.Mount("/sessions", sessionsfeature.Routes(sessionsHandler))

		auditHandler := auditfeature.NewHandler(rt.AuditStore, logger)
		api.Mount("/audit", auditfeature.Routes(auditHandler))
	})

	return r, nil
}
