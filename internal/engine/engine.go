// Package engine wires the subscription registry, transport, decoders,
// fan-out bus, connection tracker and polling fallback into one facade.
// Consumers subscribe through the engine and listen for typed events;
// providers degrade to polling and recover to streaming without any
// consumer involvement.
package engine

import (
	"context"
	"sync"
	"time"

	"tickflow/config"
	"tickflow/internal/aggregate"
	"tickflow/internal/bus"
	"tickflow/internal/conn"
	"tickflow/internal/decode"
	"tickflow/internal/event"
	"tickflow/internal/metrics"
	"tickflow/internal/poller"
	"tickflow/internal/registry"
	"tickflow/internal/transport"
	"tickflow/logger"
)

type Engine struct {
	log      *logger.Log
	cfg      *config.Config
	tr       transport.Transport
	bus      *bus.Bus
	tracker  *conn.Tracker
	registry *registry.Registry
	poller   *poller.Driver
	decoder  *decode.Registry
	agg      *aggregate.Aggregator

	mu           sync.Mutex
	runCtx       context.Context
	runCancel    context.CancelFunc
	cancelEvent  transport.CancelFunc
	cancelStatus transport.CancelFunc
	wg           sync.WaitGroup
	started      bool

	transMu sync.Mutex
	transQ  map[string]*transitionQueue
}

// transitionQueue runs connection transition work for one provider in
// arrival order on a single worker goroutine. The hooks fire from inside
// subscribe calls that hold registry entry locks, so the work cannot run
// on the calling goroutine, and unordered goroutines would let a queued
// recovery undo a later degradation.
type transitionQueue struct {
	mu      sync.Mutex
	pending []func()
	running bool
}

// New assembles an engine around the given transport. The transport is
// usually a feed.Mux but tests pass fakes.
func New(cfg *config.Config, tr transport.Transport, log *logger.Log) *Engine {
	if log == nil {
		log = logger.GetLogger()
	}

	e := &Engine{
		log:     log,
		cfg:     cfg,
		tr:      tr,
		bus:     bus.New(log),
		decoder: decode.Default(),
		transQ:  make(map[string]*transitionQueue),
	}

	e.tracker = conn.NewTracker(cfg.Staleness.Window.Std(), conn.Hooks{
		OnDegraded:  e.onDegraded,
		OnStreaming: e.onStreaming,
	}, log)

	e.registry = registry.New(conduit{e}, e.onProviderIdle, log)
	e.poller = poller.New(pollFetcher{e}, e.registry, e.publish, cfg.Polling.Interval.Std(), log)
	e.agg = aggregate.New(e.registry, e.bus, log)

	return e
}

// conduit adapts the transport for the registry: the network subscribe
// happens here, with connection state bookkeeping around it.
type conduit struct{ e *Engine }

func (c conduit) EnsureSubscribed(ctx context.Context, key event.Key) error {
	c.e.tracker.Connecting(key.Provider)
	if err := c.e.tr.Subscribe(ctx, key.Provider, key.Symbol, key.Channel, key.Params); err != nil {
		c.e.tracker.Degrade(key.Provider, err)
		return err
	}
	c.e.tracker.StreamingUp(key.Provider)
	return nil
}

func (c conduit) EnsureUnsubscribed(ctx context.Context, key event.Key) error {
	return c.e.tr.Unsubscribe(ctx, key.Provider, key.Symbol, key.Channel)
}

// pollFetcher narrows the transport to the poll capability.
type pollFetcher struct{ e *Engine }

func (p pollFetcher) PollOnce(ctx context.Context, provider, symbol string) (transport.RawQuote, error) {
	return p.e.tr.PollOnce(ctx, provider, symbol)
}

// Start attaches the engine to its transport and launches the staleness
// watchdog. Events flow until Stop or context cancellation.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	e.runCtx, e.runCancel = context.WithCancel(ctx)
	e.cancelEvent = e.tr.OnEvent(e.handleRaw)
	e.cancelStatus = e.tr.OnStatus(e.handleStatus)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.tracker.RunWatchdog(e.runCtx, e.cfg.Staleness.CheckEvery.Std())
	}()

	e.started = true
	e.log.WithComponent("engine").WithFields(logger.Fields{
		"staleness_window": e.cfg.Staleness.Window.String(),
		"poll_interval":    e.cfg.Polling.Interval.String(),
	}).Info("engine started")
	return nil
}

// Stop detaches from the transport, stops every polling loop and waits
// for internal goroutines.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancelEvent, cancelStatus := e.cancelEvent, e.cancelStatus
	runCancel := e.runCancel
	e.mu.Unlock()

	if cancelEvent != nil {
		cancelEvent()
	}
	if cancelStatus != nil {
		cancelStatus()
	}
	for _, snap := range e.tracker.Snapshots() {
		e.poller.Deactivate(snap.Provider)
	}
	runCancel()
	e.wg.Wait()

	e.log.WithComponent("engine").Info("engine stopped")
}

func (e *Engine) handleRaw(raw transport.RawEvent) {
	at := raw.ReceivedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	e.tracker.MarkEvent(raw.Provider, at)

	ev, err := e.decoder.Decode(raw)
	if err != nil {
		metrics.Inc(metrics.DecodeFailures)
		e.log.WithComponent("engine").WithFields(logger.Fields{
			"provider": raw.Provider,
			"channel":  raw.Channel.String(),
		}).WithError(err).Debug("payload dropped")
		return
	}

	metrics.Inc(metrics.EventsDecoded)
	e.publish(ev)
}

func (e *Engine) handleStatus(st transport.StatusEvent) {
	e.tracker.OnStatus(st)
}

func (e *Engine) publish(ev event.Event) {
	metrics.Inc(metrics.EventsPublished)
	e.bus.Publish(ev)
}

// enqueueTransition appends work to the provider's transition queue and
// ensures a worker is draining it.
func (e *Engine) enqueueTransition(provider string, task func()) {
	e.transMu.Lock()
	q := e.transQ[provider]
	if q == nil {
		q = &transitionQueue{}
		e.transQ[provider] = q
	}
	e.transMu.Unlock()

	q.mu.Lock()
	q.pending = append(q.pending, task)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			q.mu.Lock()
			if len(q.pending) == 0 {
				q.running = false
				q.mu.Unlock()
				return
			}
			next := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()
			next()
		}
	}()
}

// onDegraded flips the provider to polling. Interest is preserved; only
// the delivery mechanism changes. The state re-check discards the task
// when a later transition already superseded this one.
func (e *Engine) onDegraded(provider string) {
	metrics.Inc(metrics.Degradations)
	e.enqueueTransition(provider, func() {
		if e.tracker.State(provider) != conn.StateDegraded {
			return
		}
		e.registry.MarkProviderMode(provider, registry.ModePolling)
		e.poller.Activate(e.runContext(), provider)
	})
}

// onStreaming re-establishes every live subscription on the recovered
// connection before switching the provider back to streaming. Transports
// accept duplicate subscribes for an already-active topic.
func (e *Engine) onStreaming(provider string) {
	metrics.Inc(metrics.Reconnects)
	e.enqueueTransition(provider, func() {
		if e.tracker.State(provider) != conn.StateStreaming {
			return
		}
		ctx := e.runContext()
		for _, key := range e.registry.KeysFor(provider) {
			if err := e.tr.Subscribe(ctx, key.Provider, key.Symbol, key.Channel, key.Params); err != nil {
				e.log.WithComponent("engine").WithFields(logger.Fields{
					"provider": provider,
					"symbol":   key.Symbol,
				}).WithError(err).Warn("resubscribe failed after recovery")
			}
		}
		e.poller.Deactivate(provider)
		e.registry.MarkProviderMode(provider, registry.ModeStreaming)
	})
}

// onProviderIdle runs when the last subscription of a provider is
// released. The polling loop, if any, stops and connection state resets.
func (e *Engine) onProviderIdle(provider string) {
	e.poller.Deactivate(provider)
	e.tracker.Teardown(provider)
}

func (e *Engine) runContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runCtx != nil {
		return e.runCtx
	}
	return context.Background()
}

// Subscribe registers interest in a provider/symbol/channel stream.
func (e *Engine) Subscribe(ctx context.Context, provider, symbol string, ch event.Channel, params event.Params) (*registry.Handle, error) {
	h, err := e.registry.Subscribe(ctx, provider, symbol, ch, params)
	if err == nil {
		metrics.Set(metrics.ActiveSubs, int64(len(e.registry.KeysFor(provider))))
	}
	return h, err
}

// Release drops one unit of interest. The stream closes when the last
// handle goes.
func (e *Engine) Release(ctx context.Context, h *registry.Handle) error {
	return e.registry.Release(ctx, h)
}

// OnTick delivers ticker events matching the predicate built from
// provider and symbol; empty strings match everything.
func (e *Engine) OnTick(provider, symbol string, fn func(event.Tick)) *bus.Token {
	return e.listen(event.ChannelTicker, provider, symbol, func(ev event.Event) {
		if t, ok := ev.(event.Tick); ok {
			fn(t)
		}
	})
}

func (e *Engine) OnBook(provider, symbol string, fn func(event.Book)) *bus.Token {
	return e.listen(event.ChannelOrderBook, provider, symbol, func(ev event.Event) {
		if b, ok := ev.(event.Book); ok {
			fn(b)
		}
	})
}

func (e *Engine) OnTrade(provider, symbol string, fn func(event.Trade)) *bus.Token {
	return e.listen(event.ChannelTrade, provider, symbol, func(ev event.Event) {
		if t, ok := ev.(event.Trade); ok {
			fn(t)
		}
	})
}

func (e *Engine) OnCandle(provider, symbol string, fn func(event.Candle)) *bus.Token {
	return e.listen(event.ChannelCandle, provider, symbol, func(ev event.Event) {
		if c, ok := ev.(event.Candle); ok {
			fn(c)
		}
	})
}

func (e *Engine) listen(ch event.Channel, provider, symbol string, fn func(event.Event)) *bus.Token {
	key := event.NewKey(provider, symbol, ch, event.Params{})
	return e.bus.Listen(func(ev event.Event) bool {
		k := ev.EventKey()
		if k.Channel != ch {
			return false
		}
		if provider != "" && k.Provider != key.Provider {
			return false
		}
		if symbol != "" && k.Symbol != key.Symbol {
			return false
		}
		return true
	}, fn)
}

// Track folds a symbol's quotes from several providers into one
// composite view.
func (e *Engine) Track(ctx context.Context, symbol string, providers []string) error {
	return e.agg.Track(ctx, symbol, providers)
}

func (e *Engine) Untrack(ctx context.Context, symbol string) error {
	return e.agg.Untrack(ctx, symbol)
}

// AggregatedSpread reports the cross-provider price dispersion for a
// tracked symbol.
func (e *Engine) AggregatedSpread(symbol string) (aggregate.Spread, bool) {
	return e.agg.Spread(symbol)
}

// Latest returns the most recent tick per provider for a tracked symbol.
func (e *Engine) Latest(symbol string) map[string]event.Tick {
	return e.agg.Latest(symbol)
}

// ConnectionStatus snapshots every known provider connection.
func (e *Engine) ConnectionStatus() []conn.Snapshot {
	return e.tracker.Snapshots()
}

// Mode reports the delivery mode for a subscription key.
func (e *Engine) Mode(key event.Key) (registry.Mode, bool) {
	return e.registry.Mode(key)
}

// Report logs a one-line health summary. Called periodically by the
// binary; cheap enough for tight intervals.
func (e *Engine) Report() {
	busStats := e.bus.Stats()
	pollStats := e.poller.Stats()
	e.log.WithComponent("engine").WithFields(logger.Fields{
		"listeners": busStats.Listeners,
		"published": busStats.Published,
		"poll_active": pollStats.ActiveProviders,
		"poll_cycles": pollStats.Cycles,
		"poll_errors": pollStats.FetchErrors,
		"decode_failures": metrics.Get(metrics.DecodeFailures),
		"events_decoded": metrics.Get(metrics.EventsDecoded),
	}).Info("engine report")
	if metrics.PublishEnabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metrics.PublishSnapshot(ctx, "engine")
	}
}
