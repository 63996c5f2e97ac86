// Package aggregate maintains a cross-provider composite view per
// instrument: the latest tick from every tracked provider plus the
// spread between the cheapest and most expensive quote.
package aggregate

import (
	"context"
	"strings"
	"sync"

	"tickflow/internal/bus"
	"tickflow/internal/event"
	"tickflow/internal/registry"
	"tickflow/internal/symbols"
	"tickflow/logger"
)

// Subscriber is the slice of the registry the aggregator needs.
type Subscriber interface {
	Subscribe(ctx context.Context, provider, rawSymbol string, ch event.Channel, params event.Params) (*registry.Handle, error)
	Release(ctx context.Context, h *registry.Handle) error
}

// Spread describes the price dispersion across providers for one symbol.
type Spread struct {
	Symbol      string
	MinPrice    float64
	MinProvider string
	MaxPrice    float64
	MaxProvider string
	// Percent is (max-min)/min expressed as a percentage.
	Percent float64
	// Providers is how many providers contributed a price.
	Providers int
}

type tracked struct {
	handles map[string]*registry.Handle // provider -> ticker subscription
	latest  map[string]event.Tick       // provider -> most recent tick
	token   *bus.Token
}

// Aggregator tracks symbols across a configurable provider set and
// folds their ticker streams into a latest-per-provider table.
type Aggregator struct {
	log  *logger.Log
	subs Subscriber
	bus  *bus.Bus

	mu      sync.Mutex
	symbols map[string]*tracked
}

func New(subs Subscriber, b *bus.Bus, log *logger.Log) *Aggregator {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Aggregator{
		log:     log,
		subs:    subs,
		bus:     b,
		symbols: make(map[string]*tracked),
	}
}

// Track declares the provider set for a symbol. Calling it again with a
// different set subscribes the added providers and releases the removed
// ones; providers present in both sets keep their existing handles. An
// empty provider set stops tracking the symbol entirely.
func (a *Aggregator) Track(ctx context.Context, rawSymbol string, providers []string) error {
	symbol := symbols.Normalize(rawSymbol)
	want := make(map[string]bool, len(providers))
	for _, p := range providers {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			want[p] = true
		}
	}

	a.mu.Lock()
	tr := a.symbols[symbol]
	if tr == nil {
		if len(want) == 0 {
			a.mu.Unlock()
			return nil
		}
		tr = &tracked{
			handles: make(map[string]*registry.Handle),
			latest:  make(map[string]event.Tick),
		}
		sym := symbol
		tr.token = a.bus.Listen(func(ev event.Event) bool {
			k := ev.EventKey()
			return k.Channel == event.ChannelTicker && k.Symbol == sym
		}, a.record)
		a.symbols[symbol] = tr
	}

	var added []string
	var removed []*registry.Handle
	for p := range want {
		if _, ok := tr.handles[p]; !ok {
			added = append(added, p)
		}
	}
	for p, h := range tr.handles {
		if !want[p] {
			removed = append(removed, h)
			delete(tr.handles, p)
			delete(tr.latest, p)
		}
	}
	a.mu.Unlock()

	var firstErr error
	for _, p := range added {
		h, err := a.subs.Subscribe(ctx, p, symbol, event.ChannelTicker, event.Params{})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			a.log.WithComponent("aggregate").WithFields(logger.Fields{
				"provider": p,
				"symbol":   symbol,
			}).WithError(err).Error("provider subscription failed")
			continue
		}
		a.mu.Lock()
		tr.handles[p] = h
		a.mu.Unlock()
	}
	for _, h := range removed {
		if err := a.subs.Release(ctx, h); err != nil {
			a.log.WithComponent("aggregate").WithError(err).Warn("handle release failed")
		}
	}

	a.mu.Lock()
	if len(tr.handles) == 0 {
		tr.token.Release()
		delete(a.symbols, symbol)
	}
	a.mu.Unlock()

	return firstErr
}

// Untrack releases every provider subscription for a symbol.
func (a *Aggregator) Untrack(ctx context.Context, rawSymbol string) error {
	return a.Track(ctx, rawSymbol, nil)
}

func (a *Aggregator) record(ev event.Event) {
	tick, ok := ev.(event.Tick)
	if !ok {
		return
	}
	key := ev.EventKey()

	a.mu.Lock()
	defer a.mu.Unlock()
	tr := a.symbols[key.Symbol]
	if tr == nil {
		return
	}
	if _, tracked := tr.handles[key.Provider]; !tracked {
		return
	}
	tr.latest[key.Provider] = tick
}

// Latest returns the most recent tick per provider for a symbol.
func (a *Aggregator) Latest(rawSymbol string) map[string]event.Tick {
	symbol := symbols.Normalize(rawSymbol)

	a.mu.Lock()
	defer a.mu.Unlock()
	tr := a.symbols[symbol]
	if tr == nil {
		return nil
	}
	out := make(map[string]event.Tick, len(tr.latest))
	for p, t := range tr.latest {
		out[p] = t
	}
	return out
}

// Spread reports the min/max dispersion across providers. ok is false
// until at least two providers have contributed a price.
func (a *Aggregator) Spread(rawSymbol string) (Spread, bool) {
	symbol := symbols.Normalize(rawSymbol)

	a.mu.Lock()
	defer a.mu.Unlock()
	tr := a.symbols[symbol]
	if tr == nil || len(tr.latest) < 2 {
		return Spread{}, false
	}

	s := Spread{Symbol: symbol, Providers: len(tr.latest)}
	first := true
	for p, t := range tr.latest {
		if first || t.Price < s.MinPrice {
			s.MinPrice = t.Price
			s.MinProvider = p
		}
		if first || t.Price > s.MaxPrice {
			s.MaxPrice = t.Price
			s.MaxProvider = p
		}
		first = false
	}
	if s.MinPrice > 0 {
		s.Percent = (s.MaxPrice - s.MinPrice) / s.MinPrice * 100
	}
	return s, true
}

// Tracked lists the provider set currently subscribed for a symbol.
func (a *Aggregator) Tracked(rawSymbol string) []string {
	symbol := symbols.Normalize(rawSymbol)

	a.mu.Lock()
	defer a.mu.Unlock()
	tr := a.symbols[symbol]
	if tr == nil {
		return nil
	}
	out := make([]string, 0, len(tr.handles))
	for p := range tr.handles {
		out = append(out, p)
	}
	return out
}
