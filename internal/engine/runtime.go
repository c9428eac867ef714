package engine

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"dcabot/internal/broker"
)

// Runtime fans stream events out to the engine. Quotes get one capacity-1
// channel per symbol: a newer quote replaces an unconsumed older one, so a
// slow asset never backs up the stream reader. Trade updates share one
// buffered channel and are never dropped.
type Runtime struct {
	engine *Engine

	quoteCh map[string]chan broker.Quote
	tradeCh chan broker.TradeUpdate

	// mu fences intake against Drain: producers hold it shared while
	// sending, Drain holds it exclusively while flipping draining and
	// closing the channels, so a send can never hit a closed channel even
	// if a stream reader is still mid-delivery.
	mu       sync.RWMutex
	draining bool

	wg sync.WaitGroup
}

func NewRuntime(e *Engine, symbols []string) *Runtime {
	r := &Runtime{
		engine:  e,
		quoteCh: make(map[string]chan broker.Quote, len(symbols)),
		tradeCh: make(chan broker.TradeUpdate, 1024),
	}
	for _, s := range symbols {
		r.quoteCh[s] = make(chan broker.Quote, 1)
	}
	return r
}

// Start launches one consumer goroutine per symbol plus the trade-update
// consumer. Consumers exit when their channels are closed by Drain.
func (r *Runtime) Start(ctx context.Context) {
	for symbol, ch := range r.quoteCh {
		r.wg.Add(1)
		go func(symbol string, ch chan broker.Quote) {
			defer r.wg.Done()
			for q := range ch {
				r.dispatch(func() { r.engine.HandleQuote(ctx, q) }, "quote", symbol)
			}
		}(symbol, ch)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for u := range r.tradeCh {
			r.dispatch(func() { r.engine.HandleTradeUpdate(ctx, u) }, "trade_update", u.Order.Symbol)
		}
	}()

	log.Info().Int("symbols", len(r.quoteCh)).Msg("⚙️ Runtime started")
}

// dispatch isolates handler panics so one bad event cannot kill a consumer.
func (r *Runtime) dispatch(fn func(), kind, symbol string) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Str("kind", kind).
				Str("symbol", symbol).
				Bytes("stack", debug.Stack()).
				Msg("Handler panic recovered")
		}
	}()
	fn()
}

// OnQuote enqueues a quote, replacing any unconsumed older quote for the
// same symbol. Safe to call from the stream reader goroutine, including
// concurrently with Drain.
func (r *Runtime) OnQuote(q broker.Quote) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.draining {
		return
	}
	ch, ok := r.quoteCh[q.Symbol]
	if !ok {
		return
	}
	for {
		select {
		case ch <- q:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// OnTradeUpdate enqueues a trade update. Blocks if the buffer is full:
// order lifecycle events must not be lost.
func (r *Runtime) OnTradeUpdate(u broker.TradeUpdate) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.draining {
		log.Warn().
			Str("order_id", u.Order.ID).
			Str("event", u.Event).
			Msg("Trade update arrived during drain, dropped")
		return
	}
	r.tradeCh <- u
}

// Drain stops intake, lets in-flight work finish, and waits up to timeout.
func (r *Runtime) Drain(timeout time.Duration) {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return
	}
	r.draining = true
	for _, ch := range r.quoteCh {
		close(ch)
	}
	close(r.tradeCh)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("Runtime drained")
	case <-time.After(timeout):
		log.Warn().Dur("timeout", timeout).Msg("Runtime drain timed out")
	}
}
