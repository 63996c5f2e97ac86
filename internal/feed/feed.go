// Package feed provides the per-venue transport adapters. Each adapter
// owns its venue connectivity (websocket streams and REST fetches) and
// converts venue payloads into raw transport events without decoding
// them; decoding stays in the decode package.
package feed

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"tickflow/config"
	"tickflow/internal/transport"
	"tickflow/logger"
)

const (
	ProviderBinance = "binance"
	ProviderBybit   = "bybit"
	ProviderKucoin  = "kucoin"
)

const (
	defaultReconnectDelay = 5 * time.Second
	defaultKeepAlive      = 20 * time.Second
)

// notifier implements the push-registration half of transport.Transport.
// Adapters embed it and call emit/emitStatus from their stream loops.
type notifier struct {
	mu       sync.RWMutex
	events   map[uuid.UUID]func(transport.RawEvent)
	statuses map[uuid.UUID]func(transport.StatusEvent)
}

func newNotifier() notifier {
	return notifier{
		events:   make(map[uuid.UUID]func(transport.RawEvent)),
		statuses: make(map[uuid.UUID]func(transport.StatusEvent)),
	}
}

func (n *notifier) OnEvent(fn func(transport.RawEvent)) transport.CancelFunc {
	id := uuid.New()
	n.mu.Lock()
	n.events[id] = fn
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.events, id)
			n.mu.Unlock()
		})
	}
}

func (n *notifier) OnStatus(fn func(transport.StatusEvent)) transport.CancelFunc {
	id := uuid.New()
	n.mu.Lock()
	n.statuses[id] = fn
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.statuses, id)
			n.mu.Unlock()
		})
	}
}

func (n *notifier) emit(ev transport.RawEvent) {
	n.mu.RLock()
	fns := make([]func(transport.RawEvent), 0, len(n.events))
	for _, fn := range n.events {
		fns = append(fns, fn)
	}
	n.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (n *notifier) emitStatus(ev transport.StatusEvent) {
	n.mu.RLock()
	fns := make([]func(transport.StatusEvent), 0, len(n.statuses))
	for _, fn := range n.statuses {
		fns = append(fns, fn)
	}
	n.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func newLimiter(cfg config.RateLimitConfig) *rate.Limiter {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// waitBeforeReconnect blocks for the reconnect delay. It returns true
// when the adapter context or the stream's stop channel fires first.
func waitBeforeReconnect(ctx context.Context, stop <-chan struct{}, delay time.Duration) bool {
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	case <-timer.C:
		return false
	}
}

func parsePrice(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// closer is implemented by every adapter so BuildMux can shut the set
// down as one unit.
type closer interface {
	Close()
}

// BuildMux constructs adapters for every enabled provider and registers
// them on a single mux. The returned stop function closes all venue
// connections and waits for their stream loops to exit.
func BuildMux(cfg *config.Config, log *logger.Log) (*transport.Mux, func(), error) {
	mux := transport.NewMux()
	var closers []closer

	stop := func() {
		for _, c := range closers {
			c.Close()
		}
	}

	for _, name := range cfg.EnabledProviders() {
		pc, ok := cfg.Provider(name)
		if !ok {
			continue
		}
		switch name {
		case ProviderBinance:
			a := NewBinance(pc, log)
			mux.Register(ProviderBinance, a)
			closers = append(closers, a)
		case ProviderBybit:
			a := NewBybit(pc, log)
			mux.Register(ProviderBybit, a)
			closers = append(closers, a)
		case ProviderKucoin:
			a := NewKucoin(pc, log)
			mux.Register(ProviderKucoin, a)
			closers = append(closers, a)
		default:
			stop()
			return nil, nil, fmt.Errorf("feed: no adapter for provider %q", name)
		}
	}

	return mux, stop, nil
}
