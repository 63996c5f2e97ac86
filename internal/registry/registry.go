// Package registry implements reference-counted subscription management.
// Any number of consumers may subscribe to the same (provider, symbol,
// channel) key; the underlying transport subscribe happens exactly once
// on the 0→1 transition and the unsubscribe exactly once on 1→0.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"tickflow/internal/event"
	"tickflow/logger"
)

var (
	// ErrHandleReleased is returned when a handle is released twice. A
	// caller error, reported synchronously, never a crash.
	ErrHandleReleased = errors.New("registry: handle already released")
	// ErrRefCountUnderflow signals a reference count dropping below zero,
	// a programming-error class failure kept distinct so tests catch it.
	ErrRefCountUnderflow = errors.New("registry: refcount underflow")
)

// Mode says which transport path currently services an entry.
type Mode int

const (
	ModeStreaming Mode = iota
	ModePolling
)

func (m Mode) String() string {
	if m == ModePolling {
		return "polling"
	}
	return "streaming"
}

// Conduit performs the actual network subscribe/unsubscribe. It is
// invoked exactly once per key lifetime in each direction.
type Conduit interface {
	EnsureSubscribed(ctx context.Context, key event.Key) error
	EnsureUnsubscribed(ctx context.Context, key event.Key) error
}

// Handle is the opaque subscription token handed to consumers. Release
// through Registry.Release; double release reports ErrHandleReleased.
type Handle struct {
	id       uuid.UUID
	key      event.Key
	released atomic.Bool
}

// Key returns the canonical key this handle references.
func (h *Handle) Key() event.Key { return h.key }

type entry struct {
	key event.Key

	mu       sync.Mutex
	refCount int
	mode     Mode
	removed  bool
}

// Registry is the owner of all subscription entries. The global mutex
// guards only the key→entry map; refcount transitions serialize on the
// per-entry mutex so unrelated keys never block each other.
type Registry struct {
	log     *logger.Log
	conduit Conduit

	// onIdle fires when the last entry of a provider is removed.
	onIdle func(provider string)

	mu      sync.Mutex
	entries map[event.Key]*entry
}

func New(conduit Conduit, onIdle func(provider string), log *logger.Log) *Registry {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Registry{
		log:     log,
		conduit: conduit,
		onIdle:  onIdle,
		entries: make(map[event.Key]*entry),
	}
}

func (r *Registry) lookupOrCreate(key event.Key) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[key]
	if e == nil {
		e = &entry{key: key}
		r.entries[key] = e
	}
	return e
}

// Subscribe normalizes the raw symbol, bumps the reference count for the
// resulting key and, on the first reference, issues the transport
// subscribe. A failing transport call never drops the counted interest:
// the entry falls back to polling and the returned handle stays valid.
func (r *Registry) Subscribe(ctx context.Context, provider, rawSymbol string, ch event.Channel, params event.Params) (*Handle, error) {
	if provider == "" || rawSymbol == "" {
		return nil, fmt.Errorf("registry: provider and symbol required")
	}
	key := event.NewKey(provider, rawSymbol, ch, params)

	for {
		e := r.lookupOrCreate(key)
		e.mu.Lock()
		if e.removed {
			// Lost a race with the final release; the map entry is gone
			// or about to be. Start over with a fresh entry.
			e.mu.Unlock()
			continue
		}

		if e.refCount == 0 {
			if err := r.conduit.EnsureSubscribed(ctx, key); err != nil {
				e.mode = ModePolling
				r.log.WithComponent("registry").WithFields(logger.Fields{
					"provider": key.Provider,
					"symbol":   key.Symbol,
					"channel":  key.Channel.String(),
				}).WithError(err).Warn("transport subscribe failed, entry falls back to polling")
			} else {
				e.mode = ModeStreaming
			}
		}
		e.refCount++
		count := e.refCount
		e.mu.Unlock()

		r.log.WithComponent("registry").WithFields(logger.Fields{
			"provider": key.Provider,
			"symbol":   key.Symbol,
			"channel":  key.Channel.String(),
			"refcount": count,
		}).Debug("subscribed")

		return &Handle{id: uuid.New(), key: key}, nil
	}
}

// Release drops one reference. On the last release the transport
// unsubscribe is issued and the entry removed. Releasing a handle twice
// returns ErrHandleReleased.
func (r *Registry) Release(ctx context.Context, h *Handle) error {
	if h == nil || h.released.Swap(true) {
		return ErrHandleReleased
	}

	r.mu.Lock()
	e := r.entries[h.key]
	r.mu.Unlock()
	if e == nil {
		return ErrRefCountUnderflow
	}

	e.mu.Lock()
	if e.refCount <= 0 {
		e.mu.Unlock()
		return ErrRefCountUnderflow
	}
	e.refCount--
	last := e.refCount == 0
	if last {
		e.removed = true
		if err := r.conduit.EnsureUnsubscribed(ctx, h.key); err != nil {
			r.log.WithComponent("registry").WithFields(logger.Fields{
				"provider": h.key.Provider,
				"symbol":   h.key.Symbol,
				"channel":  h.key.Channel.String(),
			}).WithError(err).Warn("transport unsubscribe failed")
		}
	}
	e.mu.Unlock()

	if !last {
		return nil
	}

	r.mu.Lock()
	if r.entries[h.key] == e {
		delete(r.entries, h.key)
	}
	idle := true
	for k := range r.entries {
		if k.Provider == h.key.Provider {
			idle = false
			break
		}
	}
	r.mu.Unlock()

	if idle && r.onIdle != nil {
		r.onIdle(h.key.Provider)
	}
	return nil
}

// RefCount reports the live reference count for a key, zero when absent.
func (r *Registry) RefCount(key event.Key) int {
	r.mu.Lock()
	e := r.entries[key]
	r.mu.Unlock()
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refCount
}

// Mode reports which path currently services a key.
func (r *Registry) Mode(key event.Key) (Mode, bool) {
	r.mu.Lock()
	e := r.entries[key]
	r.mu.Unlock()
	if e == nil {
		return ModeStreaming, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode, true
}

// MarkProviderMode flips every live entry of a provider to the given
// mode. The engine calls this when the provider degrades or recovers.
func (r *Registry) MarkProviderMode(provider string, m Mode) {
	for _, e := range r.entriesFor(provider) {
		e.mu.Lock()
		if !e.removed {
			e.mode = m
		}
		e.mu.Unlock()
	}
}

// KeysFor lists the live keys of one provider.
func (r *Registry) KeysFor(provider string) []event.Key {
	entries := r.entriesFor(provider)
	keys := make([]event.Key, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.key)
	}
	return keys
}

// SymbolsFor lists the distinct symbols of one provider subscribed on
// the given channel. The polling driver fetches exactly this set.
func (r *Registry) SymbolsFor(provider string, ch event.Channel) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range r.entriesFor(provider) {
		if e.key.Channel != ch {
			continue
		}
		if _, dup := seen[e.key.Symbol]; dup {
			continue
		}
		seen[e.key.Symbol] = struct{}{}
		out = append(out, e.key.Symbol)
	}
	return out
}

func (r *Registry) entriesFor(provider string) []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entry
	for k, e := range r.entries {
		if k.Provider == provider {
			out = append(out, e)
		}
	}
	return out
}
