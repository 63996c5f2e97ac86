// Package poller synthesizes ticker events from request/response fetches
// while a provider's push transport is degraded. One polling loop exists
// per degraded provider; cycles walk the subscribed symbols sequentially
// with an inter-call delay so REST rate limits are respected.
package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tickflow/internal/event"
	"tickflow/internal/metrics"
	"tickflow/internal/transport"
	"tickflow/logger"
)

const (
	// DefaultInterval between polling cycles.
	DefaultInterval = 5 * time.Second
	// MinInterval is the hard floor; polling never goes sub-second.
	MinInterval = time.Second
	// defaultCallsPerSecond paces the sequential per-symbol fetches
	// inside one cycle.
	defaultCallsPerSecond = 5
)

// Fetcher is the single-fetch slice of the transport capability.
type Fetcher interface {
	PollOnce(ctx context.Context, provider, symbol string) (transport.RawQuote, error)
}

// SymbolSource reports which symbols are currently subscribed for a
// provider on a channel. Backed by the subscription registry.
type SymbolSource interface {
	SymbolsFor(provider string, ch event.Channel) []string
}

// Publisher receives the synthesized ticks. Backed by the fan-out bus.
type Publisher func(event.Event)

type providerPoll struct {
	cancel   context.CancelFunc
	inFlight atomic.Bool
	cycles   sync.WaitGroup
	done     chan struct{}
}

// Driver runs the polling fallback for every degraded provider.
type Driver struct {
	log      *logger.Log
	fetch    Fetcher
	source   SymbolSource
	publish  Publisher
	interval time.Duration
	rps      float64

	mu     sync.Mutex
	active map[string]*providerPoll

	cycles       atomic.Int64
	skippedTicks atomic.Int64
	fetchErrors  atomic.Int64
}

func New(fetch Fetcher, source SymbolSource, publish Publisher, interval time.Duration, log *logger.Log) *Driver {
	if log == nil {
		log = logger.GetLogger()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if interval < MinInterval {
		interval = MinInterval
	}
	return &Driver{
		log:      log,
		fetch:    fetch,
		source:   source,
		publish:  publish,
		interval: interval,
		rps:      defaultCallsPerSecond,
		active:   make(map[string]*providerPoll),
	}
}

// Activate starts the polling loop for a provider. Idempotent: a
// provider that is already polling keeps its existing loop.
func (d *Driver) Activate(ctx context.Context, provider string) {
	d.mu.Lock()
	if _, running := d.active[provider]; running {
		d.mu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	pp := &providerPoll{cancel: cancel, done: make(chan struct{})}
	d.active[provider] = pp
	d.mu.Unlock()

	d.log.WithComponent("poller").WithFields(logger.Fields{
		"provider": provider,
		"interval": d.interval.String(),
	}).Info("polling fallback activated")

	go d.runLoop(pollCtx, provider, pp)
}

// Deactivate cancels the polling loop for a provider. The in-flight
// cycle, if any, aborts at its next suspension point and no further
// synthesized ticks are emitted.
func (d *Driver) Deactivate(provider string) {
	d.mu.Lock()
	pp := d.active[provider]
	delete(d.active, provider)
	d.mu.Unlock()
	if pp == nil {
		return
	}
	pp.cancel()
	<-pp.done

	d.log.WithComponent("poller").WithField("provider", provider).Info("polling fallback deactivated")
}

// Active reports whether a provider is currently being polled.
func (d *Driver) Active(provider string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[provider]
	return ok
}

func (d *Driver) runLoop(ctx context.Context, provider string, pp *providerPoll) {
	defer func() {
		pp.cycles.Wait()
		close(pp.done)
	}()

	limiter := rate.NewLimiter(rate.Limit(d.rps), 1)

	// First cycle runs immediately so consumers see data well inside one
	// polling interval of the fallback activating.
	d.startCycle(ctx, provider, pp, limiter)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.startCycle(ctx, provider, pp, limiter)
		}
	}
}

// startCycle launches one polling cycle unless the previous one is still
// running, in which case this timer tick is skipped. Cycles for the same
// provider are never queued.
func (d *Driver) startCycle(ctx context.Context, provider string, pp *providerPoll, limiter *rate.Limiter) {
	if !pp.inFlight.CompareAndSwap(false, true) {
		d.skippedTicks.Add(1)
		d.log.WithComponent("poller").WithField("provider", provider).Debug("previous cycle still running, tick skipped")
		return
	}
	pp.cycles.Add(1)
	go func() {
		defer pp.cycles.Done()
		defer pp.inFlight.Store(false)
		d.cycle(ctx, provider, limiter)
	}()
}

func (d *Driver) cycle(ctx context.Context, provider string, limiter *rate.Limiter) {
	d.cycles.Add(1)
	metrics.Inc(metrics.PollCycles)
	log := d.log.WithComponent("poller").WithField("provider", provider)

	symbols := d.source.SymbolsFor(provider, event.ChannelTicker)
	start := time.Now()

	for _, symbol := range symbols {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		quote, err := d.fetch.PollOnce(ctx, provider, symbol)
		if err != nil {
			d.fetchErrors.Add(1)
			metrics.Inc(metrics.PollFetchErrors)
			log.WithField("symbol", symbol).WithError(err).Debug("poll fetch failed, symbol skipped")
			continue
		}
		if ctx.Err() != nil {
			return
		}

		at := quote.At
		if at.IsZero() {
			at = time.Now().UTC()
		}
		d.publish(event.Tick{
			Provider:  provider,
			Symbol:    symbol,
			Price:     quote.Price,
			Bid:       quote.Bid,
			Ask:       quote.Ask,
			Volume:    quote.Volume,
			Timestamp: at,
			Synthetic: true,
		})
	}

	if len(symbols) > 0 {
		logger.LogPerformanceEntry(log, "poller", "poll_cycle", time.Since(start), logger.Fields{
			"symbols": len(symbols),
		})
	}
}

// Stats reports driver counters for the periodic engine report.
type Stats struct {
	ActiveProviders int
	Cycles          int64
	SkippedTicks    int64
	FetchErrors     int64
}

func (d *Driver) Stats() Stats {
	d.mu.Lock()
	n := len(d.active)
	d.mu.Unlock()
	return Stats{
		ActiveProviders: n,
		Cycles:          d.cycles.Load(),
		SkippedTicks:    d.skippedTicks.Load(),
		FetchErrors:     d.fetchErrors.Load(),
	}
}
