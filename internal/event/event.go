// Canonical market data event shapes shared by the streaming and polling
// paths. Raw provider payloads are translated into these types at the
// decode boundary and never travel further.
package event

import (
	"time"

	"tickflow/internal/symbols"
)

// Channel is the category of market data carried by a subscription.
type Channel int

const (
	ChannelTicker Channel = iota + 1
	ChannelOrderBook
	ChannelTrade
	ChannelCandle
)

func (c Channel) String() string {
	switch c {
	case ChannelTicker:
		return "ticker"
	case ChannelOrderBook:
		return "orderbook"
	case ChannelTrade:
		return "trade"
	case ChannelCandle:
		return "candle"
	default:
		return "unknown"
	}
}

// Params carries the optional parameterization of a subscription key.
// The zero value means provider defaults.
type Params struct {
	Depth    int           // order book depth
	Interval time.Duration // candle interval
}

// Key identifies a (provider, canonical symbol, channel) subscription.
// It is comparable and safe to use as a map key; two raw symbols that
// normalize to the same canonical form produce equal keys.
type Key struct {
	Provider string
	Symbol   string
	Channel  Channel
	Params   Params
}

// NewKey builds a Key from a raw symbol, normalizing it first. Provider
// names are case-insensitive and stored lower-cased the way the exchange
// readers name themselves.
func NewKey(provider, rawSymbol string, channel Channel, params Params) Key {
	return Key{
		Provider: normalizeProvider(provider),
		Symbol:   symbols.Normalize(rawSymbol),
		Channel:  channel,
		Params:   params,
	}
}

func normalizeProvider(p string) string {
	out := make([]byte, 0, len(p))
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

// Event is implemented by every canonical market data shape.
type Event interface {
	EventKey() Key
	At() time.Time
}

// Tick is the latest traded or mid price for an instrument on one provider.
type Tick struct {
	Provider  string
	Symbol    string
	Price     float64
	Bid       float64
	Ask       float64
	Volume    float64
	Timestamp time.Time
	Synthetic bool // true when produced by the polling fallback
}

func (t Tick) EventKey() Key {
	return Key{Provider: t.Provider, Symbol: t.Symbol, Channel: ChannelTicker}
}
func (t Tick) At() time.Time { return t.Timestamp }

// Level is one price level of an order book side.
type Level struct {
	Price    float64
	Quantity float64
}

// Book is an order book snapshot.
type Book struct {
	Provider  string
	Symbol    string
	Bids      []Level
	Asks      []Level
	Depth     int
	Timestamp time.Time
}

func (b Book) EventKey() Key {
	return Key{Provider: b.Provider, Symbol: b.Symbol, Channel: ChannelOrderBook, Params: Params{Depth: b.Depth}}
}
func (b Book) At() time.Time { return b.Timestamp }

// Trade is a single executed trade.
type Trade struct {
	Provider  string
	Symbol    string
	Price     float64
	Quantity  float64
	Side      string // "buy" or "sell", taker side
	Timestamp time.Time
}

func (t Trade) EventKey() Key { return Key{Provider: t.Provider, Symbol: t.Symbol, Channel: ChannelTrade} }
func (t Trade) At() time.Time { return t.Timestamp }

// Candle is one OHLCV bar.
type Candle struct {
	Provider  string
	Symbol    string
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Interval  time.Duration
	Timestamp time.Time // bar open time
}

func (c Candle) EventKey() Key {
	return Key{Provider: c.Provider, Symbol: c.Symbol, Channel: ChannelCandle, Params: Params{Interval: c.Interval}}
}
func (c Candle) At() time.Time { return c.Timestamp }
