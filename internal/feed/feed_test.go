package feed

import (
	"context"
	"sync"
	"testing"
	"time"

	futurespublic "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/futurespublic"
	futures "github.com/adshao/go-binance/v2/futures"
	"github.com/stretchr/testify/require"

	"tickflow/config"
	"tickflow/internal/decode"
	"tickflow/internal/event"
	"tickflow/internal/transport"
)

type rawSink struct {
	mu     sync.Mutex
	events []transport.RawEvent
}

func (s *rawSink) add(ev transport.RawEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *rawSink) all() []transport.RawEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.RawEvent, len(s.events))
	copy(out, s.events)
	return out
}

func TestNotifierFanOutAndCancel(t *testing.T) {
	n := newNotifier()

	var got []string
	var mu sync.Mutex
	cancelA := n.OnEvent(func(ev transport.RawEvent) {
		mu.Lock()
		got = append(got, "a:"+ev.Symbol)
		mu.Unlock()
	})
	n.OnEvent(func(ev transport.RawEvent) {
		mu.Lock()
		got = append(got, "b:"+ev.Symbol)
		mu.Unlock()
	})

	n.emit(transport.RawEvent{Symbol: "RELIANCEEQ"})
	require.Len(t, got, 2)

	cancelA()
	cancelA()
	n.emit(transport.RawEvent{Symbol: "TCSEQ"})
	require.Len(t, got, 3)
	require.Equal(t, "b:TCSEQ", got[2])
}

func TestBybitTopicMapping(t *testing.T) {
	topic, err := bybitTopic(streamKey{Symbol: "RELIANCEEQ", Channel: event.ChannelTicker}, event.Params{})
	require.NoError(t, err)
	require.Equal(t, "tickers.RELIANCEEQ", topic)

	topic, err = bybitTopic(streamKey{Symbol: "TCSEQ", Channel: event.ChannelOrderBook}, event.Params{Depth: 200})
	require.NoError(t, err)
	require.Equal(t, "orderbook.200.TCSEQ", topic)

	topic, err = bybitTopic(streamKey{Symbol: "TCSEQ", Channel: event.ChannelOrderBook}, event.Params{})
	require.NoError(t, err)
	require.Equal(t, "orderbook.50.TCSEQ", topic)

	topic, err = bybitTopic(streamKey{Symbol: "INFYEQ", Channel: event.ChannelCandle}, event.Params{Interval: 5 * time.Minute})
	require.NoError(t, err)
	require.Equal(t, "kline.5.INFYEQ", topic)

	_, err = bybitTopic(streamKey{Symbol: "INFYEQ", Channel: event.Channel(99)}, event.Params{})
	require.ErrorIs(t, err, transport.ErrChannelUnsupported)
}

func TestBybitHandleMessageRoutesByTopic(t *testing.T) {
	a := NewBybit(config.ProviderConfig{}, nil)
	defer a.Close()

	sink := &rawSink{}
	a.OnEvent(sink.add)

	a.topics["tickers.RELIANCEEQ"] = bybitBinding{
		key: streamKey{Symbol: "RELIANCEEQ", Channel: event.ChannelTicker},
	}

	msg := []byte(`{"topic":"tickers.RELIANCEEQ","type":"snapshot","ts":1756634400000,"data":{"lastPrice":"2450.50"}}`)
	a.handleMessage(msg)

	events := sink.all()
	require.Len(t, events, 1)
	require.Equal(t, ProviderBybit, events[0].Provider)
	require.Equal(t, "RELIANCEEQ", events[0].Symbol)
	require.Equal(t, event.ChannelTicker, events[0].Channel)
	require.JSONEq(t, string(msg), string(events[0].Data))
}

func TestBybitHandleMessageIgnoresAcksAndUnknownTopics(t *testing.T) {
	a := NewBybit(config.ProviderConfig{}, nil)
	defer a.Close()

	sink := &rawSink{}
	a.OnEvent(sink.add)

	a.handleMessage([]byte(`{"op":"subscribe","success":false,"ret_msg":"bad topic"}`))
	a.handleMessage([]byte(`{"topic":"tickers.UNKNOWN","data":{}}`))
	a.handleMessage([]byte(`not json`))

	require.Empty(t, sink.all())
}

func TestBinanceDepthForwardDecodes(t *testing.T) {
	a := NewBinance(config.ProviderConfig{}, nil)
	defer a.Close()

	sink := &rawSink{}
	a.OnEvent(sink.add)

	key := streamKey{Symbol: "RELIANCEEQ", Channel: event.ChannelOrderBook}
	a.forwardDepth(key, event.Params{Depth: 10}, &futures.WsDepthEvent{
		Symbol: "RELIANCEEQ",
		Time:   1756634400000,
		Bids:   []futures.Bid{{Price: "2450.10", Quantity: "15"}},
		Asks:   []futures.Ask{{Price: "2450.90", Quantity: "8"}},
	})

	events := sink.all()
	require.Len(t, events, 1)

	ev, err := decode.NewBinance().Decode(events[0])
	require.NoError(t, err)
	book, ok := ev.(event.Book)
	require.True(t, ok)
	require.Equal(t, "RELIANCEEQ", book.Symbol)
	require.Equal(t, 10, book.Depth)
	require.Len(t, book.Bids, 1)
	require.Equal(t, 2450.10, book.Bids[0].Price)
	require.Equal(t, 8.0, book.Asks[0].Quantity)
}

func TestBinanceIntervalToken(t *testing.T) {
	require.Equal(t, "1m", binanceIntervalToken(0))
	require.Equal(t, "5m", binanceIntervalToken(5*time.Minute))
	require.Equal(t, "2h", binanceIntervalToken(2*time.Hour))
	require.Equal(t, "1d", binanceIntervalToken(24*time.Hour))
}

func TestKucoinForwardIncrementDecodes(t *testing.T) {
	a := NewKucoin(config.ProviderConfig{}, nil)

	sink := &rawSink{}
	a.OnEvent(sink.add)

	key := streamKey{Symbol: "TCSEQ", Channel: event.ChannelOrderBook}
	a.forwardIncrement(key, event.Params{Depth: 5}, "level2", &futurespublic.OrderbookIncrementEvent{
		Change:    "3500.25,buy,42",
		Sequence:  1001,
		Timestamp: 1756634400000,
	})

	events := sink.all()
	require.Len(t, events, 1)
	require.Equal(t, ProviderKucoin, events[0].Provider)

	ev, err := decode.NewKucoin().Decode(events[0])
	require.NoError(t, err)
	book, ok := ev.(event.Book)
	require.True(t, ok)
	require.Equal(t, "TCSEQ", book.Symbol)
	require.Len(t, book.Bids, 1)
	require.Equal(t, 3500.25, book.Bids[0].Price)
	require.Equal(t, 42.0, book.Bids[0].Quantity)
	require.Empty(t, book.Asks)
}

func TestKucoinUnsupportedChannelsFallBack(t *testing.T) {
	a := NewKucoin(config.ProviderConfig{}, nil)

	err := a.Subscribe(context.Background(), ProviderKucoin, "RELIANCEEQ", event.ChannelTicker, event.Params{})
	require.ErrorIs(t, err, transport.ErrChannelUnsupported)
	err = a.Subscribe(context.Background(), ProviderKucoin, "RELIANCEEQ", event.ChannelCandle, event.Params{})
	require.ErrorIs(t, err, transport.ErrChannelUnsupported)
}

func TestParseChange(t *testing.T) {
	side, price, qty := parseChange("5000.0,buy,83")
	require.Equal(t, "buy", side)
	require.Equal(t, "5000.0", price)
	require.Equal(t, "83", qty)

	side, price, qty = parseChange("sell,4999.5,10")
	require.Equal(t, "sell", side)
	require.Equal(t, "4999.5", price)
	require.Equal(t, "10", qty)

	side, _, _ = parseChange("garbage")
	require.Empty(t, side)
}

func TestWaitBeforeReconnectStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.True(t, waitBeforeReconnect(ctx, nil, time.Hour))

	stop := make(chan struct{})
	close(stop)
	require.True(t, waitBeforeReconnect(context.Background(), stop, time.Hour))

	require.False(t, waitBeforeReconnect(context.Background(), nil, time.Millisecond))
}

func TestBuildMuxRegistersEnabledProviders(t *testing.T) {
	cfg := &config.Config{}
	cfg.Providers.Bybit = config.ProviderConfig{Enabled: true}

	mux, stop, err := BuildMux(cfg, nil)
	require.NoError(t, err)
	defer stop()

	_, err = mux.PollOnce(context.Background(), "binance", "RELIANCEEQ")
	require.ErrorIs(t, err, transport.ErrUnknownProvider)
}
