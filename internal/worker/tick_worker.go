package worker

import (
	"context"
	"sync"
	"time"

	"github.com/NCGHoldings/StoresONE-sub005/internal/logger"
)

// TickWorker runs fn on a fixed interval until stopped.
type TickWorker struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)
	log      *logger.Logger

	stop chan struct{}
	once sync.Once
	wg   *sync.WaitGroup
}

// NewTickWorker creates a worker. wg is shared so callers can wait for all
// workers at shutdown.
func NewTickWorker(name string, interval time.Duration, fn func(ctx context.Context), wg *sync.WaitGroup, log *logger.Logger) *TickWorker {
	return &TickWorker{
		name:     name,
		interval: interval,
		fn:       fn,
		log:      log,
		stop:     make(chan struct{}),
		wg:       wg,
	}
}

// Start launches the loop. ctx is handed to every tick; cancelling it has
// the same effect as Stop.
func (tw *TickWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(tw.interval)
	tw.wg.Add(1)
	go func() {
		defer tw.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				tw.fn(ctx)
			case <-tw.stop:
				tw.log.Info().Str("worker", tw.name).Msg("Stopping tick worker")
				return
			case <-ctx.Done():
				tw.log.Info().Str("worker", tw.name).Msg("Tick worker context done")
				return
			}
		}
	}()
	tw.log.Info().Str("worker", tw.name).Dur("interval", tw.interval).Msg("Tick worker started")
}

// Stop ends the loop. Safe to call more than once.
func (tw *TickWorker) Stop() {
	tw.once.Do(func() { close(tw.stop) })
}
