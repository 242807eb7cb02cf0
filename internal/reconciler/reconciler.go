package reconciler

import (
	"context"
	"sync"
	"time"

	"passkeeper/internal/passes/service"
	"passkeeper/pkg/logger"
)

// Reconciler drives the transfer engine on a fixed cadence and sweeps
// out reservations past the retention window once a day. Every tick is
// an independent idempotent pass, so a missed or doubled tick is
// harmless.
type Reconciler struct {
	service         service.PassService
	log             *logger.Logger
	tickInterval    time.Duration
	cleanupInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(svc service.PassService, log *logger.Logger, tickInterval, cleanupInterval time.Duration) *Reconciler {
	return &Reconciler{
		service:         svc,
		log:             log,
		tickInterval:    tickInterval,
		cleanupInterval: cleanupInterval,
	}
}

// Start launches the background loops. Call Stop to end them.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(2)
	go r.reconcileLoop(ctx)
	go r.cleanupLoop(ctx)

	r.log.Info("Reconciler started",
		"tick_interval", r.tickInterval,
		"cleanup_interval", r.cleanupInterval,
	)
}

// Stop cancels the loops and waits for the in-flight pass to finish.
func (r *Reconciler) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.wg.Wait()
	r.log.Info("Reconciler stopped")
}

func (r *Reconciler) reconcileLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.service.Reconcile(ctx); err != nil {
				// failed passes retry on the next tick
				r.log.Error("Reconciliation pass failed", "error", err)
			}
		}
	}
}

func (r *Reconciler) cleanupLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.service.PurgeOld(ctx); err != nil {
				r.log.Error("Retention sweep failed", "error", err)
			}
		}
	}
}
