// Package metrics keeps in-process counters for the engine and ships
// them to CloudWatch when an AWS configuration is available. Publishing
// stays disabled otherwise and counters remain local.
package metrics

import (
	"sort"
	"sync"
)

// Counter names used across the engine.
const (
	EventsDecoded    = "events_decoded"
	DecodeFailures   = "decode_failures"
	EventsPublished  = "events_published"
	PollCycles       = "poll_cycles"
	PollFetchErrors  = "poll_fetch_errors"
	Reconnects       = "reconnects"
	Degradations     = "degradations"
	ActiveSubs       = "active_subscriptions"
	ListenerPanics   = "listener_panics"
	StaleDegradation = "stale_degradations"
)

type counterSet struct {
	mu       sync.RWMutex
	counters map[string]int64
}

var defaultSet = &counterSet{counters: make(map[string]int64)}

// Inc bumps a named counter by one.
func Inc(name string) { Add(name, 1) }

// Add bumps a named counter by delta.
func Add(name string, delta int64) {
	defaultSet.mu.Lock()
	defaultSet.counters[name] += delta
	defaultSet.mu.Unlock()
}

// Set overwrites a gauge-style counter.
func Set(name string, value int64) {
	defaultSet.mu.Lock()
	defaultSet.counters[name] = value
	defaultSet.mu.Unlock()
}

// Get reads one counter.
func Get(name string) int64 {
	defaultSet.mu.RLock()
	defer defaultSet.mu.RUnlock()
	return defaultSet.counters[name]
}

// Snapshot copies all counters, keys sorted for stable logging.
func Snapshot() map[string]int64 {
	defaultSet.mu.RLock()
	defer defaultSet.mu.RUnlock()
	out := make(map[string]int64, len(defaultSet.counters))
	for k, v := range defaultSet.counters {
		out[k] = v
	}
	return out
}

// Names lists the currently known counter names in order.
func Names() []string {
	defaultSet.mu.RLock()
	defer defaultSet.mu.RUnlock()
	names := make([]string, 0, len(defaultSet.counters))
	for k := range defaultSet.counters {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Reset clears every counter. Test helper.
func Reset() {
	defaultSet.mu.Lock()
	defaultSet.counters = make(map[string]int64)
	defaultSet.mu.Unlock()
}
