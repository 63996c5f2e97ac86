package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewKey_NormalizesSymbolAndProvider(t *testing.T) {
	a := NewKey("Zerodha", "RELIANCE", ChannelTicker, Params{})
	b := NewKey("zerodha", "reliance_eq", ChannelTicker, Params{})
	assert.Equal(t, a, b)
	assert.Equal(t, "RELIANCEEQ", a.Symbol)
	assert.Equal(t, "zerodha", a.Provider)
}

func TestNewKey_ParamsDistinguishKeys(t *testing.T) {
	a := NewKey("binance", "BTCUSDT", ChannelOrderBook, Params{Depth: 10})
	b := NewKey("binance", "BTCUSDT", ChannelOrderBook, Params{Depth: 50})
	assert.NotEqual(t, a, b)
}

func TestEventKeyRoundTrip(t *testing.T) {
	now := time.Now()
	tick := Tick{Provider: "binance", Symbol: "BTCUSDT", Price: 100, Timestamp: now}
	key := tick.EventKey()
	assert.Equal(t, ChannelTicker, key.Channel)
	assert.Equal(t, "BTCUSDT", key.Symbol)
	assert.Equal(t, now, tick.At())

	candle := Candle{Provider: "bybit", Symbol: "ETHUSDT", Interval: time.Minute, Timestamp: now}
	assert.Equal(t, Params{Interval: time.Minute}, candle.EventKey().Params)
}

func TestChannelString(t *testing.T) {
	assert.Equal(t, "ticker", ChannelTicker.String())
	assert.Equal(t, "orderbook", ChannelOrderBook.String())
	assert.Equal(t, "trade", ChannelTrade.String())
	assert.Equal(t, "candle", ChannelCandle.String())
	assert.Equal(t, "unknown", Channel(0).String())
}
