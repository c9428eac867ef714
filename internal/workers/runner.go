package workers

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Worker is one periodic reconciliation job. Run handles a single pass;
// errors are logged and the next tick proceeds regardless.
type Worker interface {
	Name() string
	Interval() time.Duration
	Run(ctx context.Context) error
}

// Runner drives a set of workers on their own tickers. Each pass gets a
// deadline equal to the worker's interval so a wedged pass cannot pile up.
type Runner struct {
	workers []Worker
	wg      sync.WaitGroup
}

func NewRunner(workers ...Worker) *Runner {
	return &Runner{workers: workers}
}

// Start launches every worker. Each runs one pass immediately, then on its
// interval, until ctx is canceled.
func (r *Runner) Start(ctx context.Context) {
	for _, w := range r.workers {
		r.wg.Add(1)
		go func(w Worker) {
			defer r.wg.Done()
			log.Info().Str("worker", w.Name()).Dur("interval", w.Interval()).Msg("🔧 Worker started")

			r.pass(ctx, w)
			ticker := time.NewTicker(w.Interval())
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					log.Info().Str("worker", w.Name()).Msg("Worker stopped")
					return
				case <-ticker.C:
					r.pass(ctx, w)
				}
			}
		}(w)
	}
}

// Wait blocks until all workers have exited.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) pass(ctx context.Context, w Worker) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Str("worker", w.Name()).
				Bytes("stack", debug.Stack()).
				Msg("Worker panic recovered")
		}
	}()

	passCtx, cancel := context.WithTimeout(ctx, w.Interval())
	defer cancel()
	if err := w.Run(passCtx); err != nil {
		log.Error().Err(err).Str("worker", w.Name()).Msg("Worker pass failed")
	}
}
