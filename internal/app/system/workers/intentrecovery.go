// internal/app/system/workers/intentrecovery.go
package workers

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Recoverer rolls abandoned journal intents forward.
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// Purger deletes finished journal intents.
type Purger interface {
	PurgeFinished(ctx context.Context, before time.Time) (int64, error)
}

// IntentRecovery is a background worker that finishes membership units a
// crashed process left pending, and trims old committed/rolled-back intents.
type IntentRecovery struct {
	recoverer Recoverer
	purger    Purger
	log       *zap.Logger
	interval  time.Duration
	retention time.Duration
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewIntentRecovery creates a new intent recovery worker.
//
// Parameters:
//   - rec: the entity store (Recover)
//   - purger: the intent store (PurgeFinished)
//   - logger: zap logger for logging
//   - interval: how often to sweep (e.g., 30 seconds)
//   - retention: how long finished intents are kept (e.g., 24 hours)
func NewIntentRecovery(rec Recoverer, purger Purger, logger *zap.Logger, interval, retention time.Duration) *IntentRecovery {
	return &IntentRecovery{
		recoverer: rec,
		purger:    purger,
		log:       logger,
		interval:  interval,
		retention: retention,
		stopCh:    make(chan struct{}),
	}
}

// Start runs one sweep immediately and then begins the background loop.
func (w *IntentRecovery) Start() {
	w.wg.Add(1)
	go w.run()
	w.log.Info("intent recovery worker started",
		zap.Duration("interval", w.interval),
		zap.Duration("retention", w.retention))
}

// Stop signals the worker to stop and waits for it to finish.
func (w *IntentRecovery) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	w.log.Info("intent recovery worker stopped")
}

func (w *IntentRecovery) run() {
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
}

// Sweep performs one recovery and purge pass.
func (w *IntentRecovery) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := w.recoverer.Recover(ctx)
	if err != nil {
		w.log.Error("failed to recover pending intents", zap.Int("recovered", n), zap.Error(err))
	} else if n > 0 {
		w.log.Info("recovered pending intents", zap.Int("count", n))
	}

	if w.purger == nil || w.retention <= 0 {
		return
	}
	purged, err := w.purger.PurgeFinished(ctx, time.Now().UTC().Add(-w.retention))
	if err != nil {
		w.log.Error("failed to purge finished intents", zap.Error(err))
		return
	}
	if purged > 0 {
		w.log.Info("purged finished intents", zap.Int64("count", purged))
	}
}
