// Package transport defines the capability surface the engine consumes
// from venue connectivity code. The engine never owns sockets or performs
// TLS handshakes; it subscribes, observes push signals and issues single
// REST-style fetches through this interface.
package transport

import (
	"context"
	"errors"
	"time"

	"tickflow/internal/event"
)

var (
	// ErrUnknownProvider is returned when no adapter serves the provider.
	ErrUnknownProvider = errors.New("transport: unknown provider")
	// ErrChannelUnsupported is returned when an adapter cannot stream the
	// requested channel. The registry reacts by falling back to polling.
	ErrChannelUnsupported = errors.New("transport: channel not supported")
)

// RawEvent is a provider-shaped push payload before decoding.
type RawEvent struct {
	Provider   string
	Symbol     string
	Channel    event.Channel
	Params     event.Params
	Data       []byte
	ReceivedAt time.Time
}

// StatusEvent notifies the engine about provider connectivity changes.
type StatusEvent struct {
	Provider string
	Up       bool
	Err      error
	At       time.Time
}

// RawQuote is the response of a single request/response price fetch.
type RawQuote struct {
	Symbol string
	Price  float64
	Bid    float64
	Ask    float64
	Volume float64
	At     time.Time
}

// CancelFunc releases a push-notification registration. Implementations
// must make it safe to call more than once.
type CancelFunc func()

// Transport is the external connectivity capability, one logical instance
// spanning any number of providers.
type Transport interface {
	// Subscribe asks the venue to start streaming the given channel. The
	// engine issues it once per live subscription key and again after a
	// reconnect; subscribing an already-active topic must be a no-op.
	Subscribe(ctx context.Context, provider, symbol string, ch event.Channel, params event.Params) error

	// Unsubscribe retires a streaming subscription.
	Unsubscribe(ctx context.Context, provider, symbol string, ch event.Channel) error

	// OnEvent registers a push consumer for raw provider events.
	OnEvent(fn func(RawEvent)) CancelFunc

	// OnStatus registers a push consumer for connectivity signals.
	OnStatus(fn func(StatusEvent)) CancelFunc

	// PollOnce performs one REST-style quote fetch, used by the polling
	// fallback while a provider is degraded.
	PollOnce(ctx context.Context, provider, symbol string) (RawQuote, error)
}
