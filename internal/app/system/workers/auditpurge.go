// internal/app/system/workers/auditpurge.go
package workers

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventPurger deletes audit events older than a cutoff.
type EventPurger interface {
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditPurge trims the audit trail to a retention window.
type AuditPurge struct {
	purger    EventPurger
	log       *zap.Logger
	interval  time.Duration
	retention time.Duration
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func NewAuditPurge(purger EventPurger, logger *zap.Logger, interval, retention time.Duration) *AuditPurge {
	return &AuditPurge{
		purger:    purger,
		log:       logger,
		interval:  interval,
		retention: retention,
		stopCh:    make(chan struct{}),
	}
}

// Start runs one purge immediately and then begins the background loop.
func (w *AuditPurge) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.Sweep()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.Sweep()
			}
		}
	}()
	w.log.Info("audit purge worker started", zap.Duration("retention", w.retention))
}

func (w *AuditPurge) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	w.log.Info("audit purge worker stopped")
}

// Sweep deletes events older than the retention window.
func (w *AuditPurge) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := w.purger.PurgeBefore(ctx, time.Now().UTC().Add(-w.retention))
	if err != nil {
		w.log.Error("failed to purge audit events", zap.Error(err))
		return
	}
	if n > 0 {
		w.log.Info("purged audit events", zap.Int64("count", n))
	}
}
