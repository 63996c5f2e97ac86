package decode

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickflow/internal/event"
	"tickflow/internal/transport"
)

func rawEvent(provider string, ch event.Channel, data string) transport.RawEvent {
	return transport.RawEvent{
		Provider:   provider,
		Symbol:     "RELIANCEEQ",
		Channel:    ch,
		Data:       []byte(data),
		ReceivedAt: time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC),
	}
}

func TestBinanceBookTicker(t *testing.T) {
	payload := `{"e":"bookTicker","u":400900217,"s":"RELIANCEEQ","b":"2450.10","B":"31.2","a":"2450.90","A":"40.6","E":1756634400000}`

	ev, err := NewBinance().Decode(rawEvent("binance", event.ChannelTicker, payload))
	require.NoError(t, err)

	tick, ok := ev.(event.Tick)
	require.True(t, ok)
	assert.Equal(t, "binance", tick.Provider)
	assert.Equal(t, "RELIANCEEQ", tick.Symbol)
	assert.Equal(t, 2450.10, tick.Bid)
	assert.Equal(t, 2450.90, tick.Ask)
	assert.InDelta(t, 2450.50, tick.Price, 1e-9)
	assert.Equal(t, int64(1756634400000), tick.Timestamp.UnixMilli())
}

func TestBinanceAggTrade(t *testing.T) {
	payload := `{"e":"aggTrade","E":1756634400500,"s":"TCS","a":5933014,"p":"3501.25","q":"12","T":1756634400490,"m":true}`

	ev, err := NewBinance().Decode(rawEvent("binance", event.ChannelTrade, payload))
	require.NoError(t, err)

	trade, ok := ev.(event.Trade)
	require.True(t, ok)
	assert.Equal(t, 3501.25, trade.Price)
	assert.Equal(t, 12.0, trade.Quantity)
	assert.Equal(t, "sell", trade.Side)
}

func TestBinanceDepthUpdate(t *testing.T) {
	payload := `{"e":"depthUpdate","E":1756634401000,"s":"INFY","b":[["1500.00","10"],["1499.95","4"]],"a":[["1500.10","7"]]}`
	raw := rawEvent("binance", event.ChannelOrderBook, payload)
	raw.Params = event.Params{Depth: 5}

	ev, err := NewBinance().Decode(raw)
	require.NoError(t, err)

	book, ok := ev.(event.Book)
	require.True(t, ok)
	assert.Equal(t, 5, book.Depth)
	require.Len(t, book.Bids, 2)
	assert.Equal(t, 1500.00, book.Bids[0].Price)
	assert.Equal(t, 10.0, book.Bids[0].Quantity)
	require.Len(t, book.Asks, 1)
	assert.Equal(t, int64(1756634401000), book.Timestamp.UnixMilli(), "type tag must not shadow the event time")
}

func TestBinanceUnknownShape(t *testing.T) {
	_, err := NewBinance().Decode(rawEvent("binance", event.ChannelTicker, `{"e":"markPriceUpdate","s":"X"}`))
	assert.ErrorIs(t, err, ErrUnknownShape)

	_, err = NewBinance().Decode(rawEvent("binance", event.ChannelTicker, `not json`))
	assert.ErrorIs(t, err, ErrUnknownShape)
}

func TestBybitTicker(t *testing.T) {
	payload := `{"topic":"tickers.RELIANCEEQ","type":"snapshot","ts":1756634400000,"data":{"symbol":"RELIANCEEQ","lastPrice":"2451.00","bid1Price":"2450.80","ask1Price":"2451.20","volume24h":"125000"}}`

	ev, err := NewBybit().Decode(rawEvent("bybit", event.ChannelTicker, payload))
	require.NoError(t, err)

	tick, ok := ev.(event.Tick)
	require.True(t, ok)
	assert.Equal(t, "bybit", tick.Provider)
	assert.Equal(t, 2451.00, tick.Price)
	assert.Equal(t, 125000.0, tick.Volume)
}

func TestBybitOrderbookAndTrade(t *testing.T) {
	book := `{"topic":"orderbook.50.SBIN","type":"delta","ts":1756634400200,"data":{"s":"SBIN","b":[["820.10","100"]],"a":[["820.30","50"],["820.35","20"]],"u":18521288}}`
	ev, err := NewBybit().Decode(rawEvent("bybit", event.ChannelOrderBook, book))
	require.NoError(t, err)
	b, ok := ev.(event.Book)
	require.True(t, ok)
	assert.Equal(t, "SBINEQ", b.Symbol)
	assert.Len(t, b.Asks, 2)

	trade := `{"topic":"publicTrade.SBIN","type":"snapshot","ts":1756634400300,"data":[{"T":1756634400290,"s":"SBIN","S":"Buy","v":"15","p":"820.20","i":"x"}]}`
	ev, err = NewBybit().Decode(rawEvent("bybit", event.ChannelTrade, trade))
	require.NoError(t, err)
	tr, ok := ev.(event.Trade)
	require.True(t, ok)
	assert.Equal(t, "buy", tr.Side)
	assert.Equal(t, 820.20, tr.Price)
}

func TestBybitUnknownTopic(t *testing.T) {
	_, err := NewBybit().Decode(rawEvent("bybit", event.ChannelTicker, `{"topic":"liquidation.SBIN","data":{}}`))
	assert.ErrorIs(t, err, ErrUnknownShape)
}

func TestKucoinTicker(t *testing.T) {
	payload := `{"type":"message","topic":"/market/ticker:ITC","subject":"trade.ticker","data":{"sequence":"154","price":"440.55","size":"25","bestBid":"440.50","bestAsk":"440.60","time":1756634400000}}`

	ev, err := NewKucoin().Decode(rawEvent("kucoin", event.ChannelTicker, payload))
	require.NoError(t, err)

	tick, ok := ev.(event.Tick)
	require.True(t, ok)
	assert.Equal(t, "kucoin", tick.Provider)
	assert.Equal(t, "ITCEQ", tick.Symbol)
	assert.Equal(t, 440.55, tick.Price)
	assert.Equal(t, 440.50, tick.Bid)
}

func TestKucoinMatchNanosecondTime(t *testing.T) {
	payload := `{"type":"message","topic":"/market/match:ITC","subject":"trade.l3match","data":{"price":"440.60","size":"5","side":"buy","time":"1756634400123456789"}}`

	ev, err := NewKucoin().Decode(rawEvent("kucoin", event.ChannelTrade, payload))
	require.NoError(t, err)

	trade, ok := ev.(event.Trade)
	require.True(t, ok)
	assert.Equal(t, int64(1756634400123456789), trade.Timestamp.UnixNano())
	assert.Equal(t, "buy", trade.Side)
}

func TestKucoinWelcomeFrameRejected(t *testing.T) {
	_, err := NewKucoin().Decode(rawEvent("kucoin", event.ChannelTicker, `{"id":"1","type":"welcome"}`))
	assert.ErrorIs(t, err, ErrUnknownShape)
}

func TestRegistryDispatch(t *testing.T) {
	reg := Default()

	payload := `{"e":"bookTicker","s":"RELIANCEEQ","b":"2450.10","a":"2450.90","E":1756634400000}`
	ev, err := reg.Decode(rawEvent("binance", event.ChannelTicker, payload))
	require.NoError(t, err)
	assert.Equal(t, "binance", ev.EventKey().Provider)

	_, err = reg.Decode(rawEvent("nosuch", event.ChannelTicker, payload))
	assert.True(t, errors.Is(err, transport.ErrUnknownProvider))
}

func TestPayloadSymbolFallsBackToSubscription(t *testing.T) {
	payload := `{"e":"bookTicker","b":"100","a":"102","E":1756634400000}`
	ev, err := NewBinance().Decode(rawEvent("binance", event.ChannelTicker, payload))
	require.NoError(t, err)
	assert.Equal(t, "RELIANCEEQ", ev.EventKey().Symbol)
}
