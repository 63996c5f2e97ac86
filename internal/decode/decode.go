// Package decode turns provider wire payloads into normalized events.
// One decoder exists per provider; each knows the JSON shapes that
// provider pushes and maps them onto the shared event types.
package decode

import (
	"errors"
	"fmt"
	"strings"

	"tickflow/internal/event"
	"tickflow/internal/transport"
)

// ErrUnknownShape reports a payload the provider decoder does not
// recognize. Callers drop the event and count it; the stream continues.
var ErrUnknownShape = errors.New("decode: unrecognized payload shape")

// Decoder converts one provider's raw payloads into events.
type Decoder interface {
	Provider() string
	Decode(raw transport.RawEvent) (event.Event, error)
}

// Registry dispatches raw events to the decoder registered for their
// provider.
type Registry struct {
	decoders map[string]Decoder
}

func NewRegistry(decoders ...Decoder) *Registry {
	r := &Registry{decoders: make(map[string]Decoder, len(decoders))}
	for _, d := range decoders {
		r.Register(d)
	}
	return r
}

func (r *Registry) Register(d Decoder) {
	r.decoders[strings.ToLower(d.Provider())] = d
}

// Decode routes the payload to its provider decoder.
func (r *Registry) Decode(raw transport.RawEvent) (event.Event, error) {
	d, ok := r.decoders[strings.ToLower(raw.Provider)]
	if !ok {
		return nil, fmt.Errorf("decode: no decoder for provider %q: %w", raw.Provider, transport.ErrUnknownProvider)
	}
	return d.Decode(raw)
}

// Default wires up the decoders for every built-in provider.
func Default() *Registry {
	return NewRegistry(NewBinance(), NewBybit(), NewKucoin())
}
