// Package conn tracks per-provider connectivity. The tracker is driven
// only by asynchronous signals (transport status pushes, event arrival
// marks, registry teardown) and reacts by toggling the polling fallback
// through its hooks; it never initiates reconnects itself.
package conn

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tickflow/internal/metrics"
	"tickflow/internal/transport"
	"tickflow/logger"
)

// State is the connectivity state of one provider.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Metrics are per-provider connectivity counters.
type Metrics struct {
	ReconnectCount int64
	LastEventAt    time.Time
}

// Snapshot is a point-in-time view of one provider connection.
type Snapshot struct {
	Provider string
	State    State
	LastErr  error
	Metrics  Metrics
}

// Hooks receive state transition notifications. They are invoked outside
// the per-provider lock, so they may call back into the tracker.
type Hooks struct {
	// OnDegraded fires on entry into StateDegraded.
	OnDegraded func(provider string)
	// OnStreaming fires on entry into StateStreaming from Degraded or
	// Connecting; the engine re-issues streaming subscribes here.
	OnStreaming func(provider string)
}

type connection struct {
	provider   string
	mu         sync.Mutex
	state      State
	lastErr    error
	reconnects int64
	lastEvent  time.Time
	staleness  time.Duration
}

// Tracker holds one connection record per provider. Records are created
// lazily on first subscription and survive until process exit; they are
// only reset to Disconnected, never destroyed, while lookups may race
// with teardown.
type Tracker struct {
	log              *logger.Log
	defaultStaleness time.Duration
	hooks            Hooks

	mu    sync.RWMutex
	conns map[string]*connection
}

// DefaultStaleness is the window without any streamed event after which
// a Streaming provider is considered degraded.
const DefaultStaleness = 30 * time.Second

func NewTracker(defaultStaleness time.Duration, hooks Hooks, log *logger.Log) *Tracker {
	if log == nil {
		log = logger.GetLogger()
	}
	if defaultStaleness <= 0 {
		defaultStaleness = DefaultStaleness
	}
	return &Tracker{
		log:              log,
		defaultStaleness: defaultStaleness,
		hooks:            hooks,
		conns:            make(map[string]*connection),
	}
}

func (t *Tracker) get(provider string) *connection {
	t.mu.RLock()
	c := t.conns[provider]
	t.mu.RUnlock()
	if c != nil {
		return c
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if c = t.conns[provider]; c == nil {
		c = &connection{provider: provider, staleness: t.defaultStaleness}
		t.conns[provider] = c
	}
	return c
}

// SetStaleness overrides the staleness window for one provider.
func (t *Tracker) SetStaleness(provider string, d time.Duration) {
	if d <= 0 {
		return
	}
	c := t.get(provider)
	c.mu.Lock()
	c.staleness = d
	c.mu.Unlock()
}

// Connecting records a connect request for the provider. Idempotent: a
// provider already connecting or past that state is left alone.
func (t *Tracker) Connecting(provider string) {
	c := t.get(provider)
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.state = StateConnecting
		t.log.WithComponent("conn").WithField("provider", provider).Info("connecting")
	}
	c.mu.Unlock()
}

// StreamingUp records a successful (re)connect signal. Entering Streaming
// from Degraded or Connecting fires the OnStreaming hook.
func (t *Tracker) StreamingUp(provider string) {
	c := t.get(provider)
	c.mu.Lock()
	prev := c.state
	if prev == StateStreaming {
		c.mu.Unlock()
		return
	}
	c.state = StateStreaming
	c.lastErr = nil
	c.lastEvent = time.Now()
	if prev == StateDegraded {
		c.reconnects++
	}
	c.mu.Unlock()

	t.log.WithComponent("conn").WithFields(logger.Fields{
		"provider": provider,
		"from":     prev.String(),
	}).Info("provider streaming")

	if t.hooks.OnStreaming != nil {
		t.hooks.OnStreaming(provider)
	}
}

// Degrade records a subscribe failure, disconnect or staleness timeout.
// Entering Degraded fires the OnDegraded hook; repeated signals while
// already degraded only refresh the error.
func (t *Tracker) Degrade(provider string, err error) {
	c := t.get(provider)
	c.mu.Lock()
	prev := c.state
	c.lastErr = err
	if prev == StateDegraded || prev == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDegraded
	c.mu.Unlock()

	t.log.WithComponent("conn").WithFields(logger.Fields{
		"provider": provider,
		"from":     prev.String(),
	}).WithError(err).Warn("provider degraded, polling fallback active")

	if t.hooks.OnDegraded != nil {
		t.hooks.OnDegraded(provider)
	}
}

// OnStatus translates a raw transport connectivity signal.
func (t *Tracker) OnStatus(ev transport.StatusEvent) {
	if ev.Up {
		t.StreamingUp(ev.Provider)
	} else {
		t.Degrade(ev.Provider, ev.Err)
	}
}

// MarkEvent records arrival of a streamed event for staleness tracking.
func (t *Tracker) MarkEvent(provider string, at time.Time) {
	c := t.get(provider)
	c.mu.Lock()
	if at.After(c.lastEvent) {
		c.lastEvent = at
	}
	c.mu.Unlock()
}

// Teardown resets a provider to Disconnected. The registry calls this
// when its last subscription for the provider is released.
func (t *Tracker) Teardown(provider string) {
	t.mu.RLock()
	c := t.conns[provider]
	t.mu.RUnlock()
	if c == nil {
		return
	}
	c.mu.Lock()
	prev := c.state
	c.state = StateDisconnected
	c.mu.Unlock()

	if prev != StateDisconnected {
		t.log.WithComponent("conn").WithField("provider", provider).Info("provider torn down")
	}
}

// Snapshot returns the current view of one provider, false when the
// provider was never subscribed.
func (t *Tracker) Snapshot(provider string) (Snapshot, bool) {
	t.mu.RLock()
	c := t.conns[provider]
	t.mu.RUnlock()
	if c == nil {
		return Snapshot{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Provider: provider,
		State:    c.state,
		LastErr:  c.lastErr,
		Metrics: Metrics{
			ReconnectCount: c.reconnects,
			LastEventAt:    c.lastEvent,
		},
	}, true
}

// Snapshots returns the current view of every known provider, sorted
// by provider name.
func (t *Tracker) Snapshots() []Snapshot {
	t.mu.RLock()
	providers := make([]string, 0, len(t.conns))
	for p := range t.conns {
		providers = append(providers, p)
	}
	t.mu.RUnlock()
	sort.Strings(providers)

	out := make([]Snapshot, 0, len(providers))
	for _, p := range providers {
		if snap, ok := t.Snapshot(p); ok {
			out = append(out, snap)
		}
	}
	return out
}

// State returns just the state for one provider.
func (t *Tracker) State(provider string) State {
	snap, ok := t.Snapshot(provider)
	if !ok {
		return StateDisconnected
	}
	return snap.State
}

// RunWatchdog degrades Streaming providers that stop producing events
// inside their staleness window. It blocks until ctx is done.
func (t *Tracker) RunWatchdog(ctx context.Context, checkEvery time.Duration) {
	if checkEvery <= 0 {
		checkEvery = time.Second
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.sweep(now)
		}
	}
}

func (t *Tracker) sweep(now time.Time) {
	t.mu.RLock()
	conns := make([]*connection, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.RUnlock()

	for _, c := range conns {
		c.mu.Lock()
		stale := c.state == StateStreaming && !c.lastEvent.IsZero() && now.Sub(c.lastEvent) > c.staleness
		provider := c.provider
		window := c.staleness
		c.mu.Unlock()

		if stale {
			metrics.Inc(metrics.StaleDegradation)
			t.Degrade(provider, fmt.Errorf("no event for %s", window))
		}
	}
}
