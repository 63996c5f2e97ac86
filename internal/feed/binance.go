package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"

	"tickflow/config"
	"tickflow/internal/event"
	"tickflow/internal/symbols"
	"tickflow/internal/transport"
	"tickflow/logger"
)

const binanceRestBase = "https://fapi.binance.com"

// diffDepthRate is the update interval requested from the diff depth
// stream. Binance accepts 100ms, 250ms and 500ms.
const diffDepthRate = 250 * time.Millisecond

// streamKey identifies one venue stream. Parameter variants of the same
// symbol and channel share a single stream.
type streamKey struct {
	Symbol  string
	Channel event.Channel
}

type stream struct {
	stop chan struct{}
	done chan struct{}
}

// wsStarter opens one websocket stream and returns its done and stop
// channels, following the go-binance serve convention.
type wsStarter func() (doneC, stopC chan struct{}, err error)

// Binance streams futures market data through the go-binance websocket
// helpers and answers fallback quote fetches over REST.
type Binance struct {
	notifier
	cfg     config.ProviderConfig
	log     *logger.Log
	client  *futures.Client
	limiter *rate.Limiter

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	mu      sync.Mutex
	streams map[streamKey]*stream
}

func NewBinance(cfg config.ProviderConfig, log *logger.Log) *Binance {
	if log == nil {
		log = logger.GetLogger()
	}

	httpTransport := &http.Transport{
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 32,
		MaxConnsPerHost:     64,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  false,
	}
	httpClient := &http.Client{Transport: httpTransport, Timeout: 10 * time.Second}

	client := futures.NewClient("", "")
	client.HTTPClient = httpClient
	if cfg.RestURL != "" {
		if parsed, err := url.Parse(cfg.RestURL); err == nil && parsed.Host != "" {
			client.SetApiEndpoint(fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Binance{
		notifier:  newNotifier(),
		cfg:       cfg,
		log:       log,
		client:    client,
		limiter:   newLimiter(cfg.RateLimit),
		runCtx:    ctx,
		runCancel: cancel,
		streams:   make(map[streamKey]*stream),
	}

	log.WithComponent("binance_feed").Info("binance feed adapter initialized")
	return a
}

func (a *Binance) Subscribe(ctx context.Context, provider, symbol string, ch event.Channel, params event.Params) error {
	sym := symbols.Normalize(symbol)
	key := streamKey{Symbol: sym, Channel: ch}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.streams[key]; ok {
		return nil
	}

	start, err := a.starter(key, params)
	if err != nil {
		return err
	}

	doneC, stopC, err := start()
	if err != nil {
		return fmt.Errorf("binance subscribe %s %s: %w", sym, ch, err)
	}

	st := &stream{stop: make(chan struct{}), done: make(chan struct{})}
	a.streams[key] = st
	a.wg.Add(1)
	go a.runStream(key, st, start, doneC, stopC)

	a.log.WithComponent("binance_feed").WithFields(logger.Fields{
		"symbol":  sym,
		"channel": ch.String(),
	}).Info("stream subscribed")
	return nil
}

func (a *Binance) starter(key streamKey, params event.Params) (wsStarter, error) {
	errHandler := func(err error) {
		if err != nil {
			a.log.WithComponent("binance_feed").WithError(err).WithFields(logger.Fields{
				"symbol":  key.Symbol,
				"channel": key.Channel.String(),
			}).Warn("websocket error")
		}
	}

	switch key.Channel {
	case event.ChannelTicker:
		return func() (chan struct{}, chan struct{}, error) {
			return futures.WsBookTickerServe(key.Symbol, func(ev *futures.WsBookTickerEvent) {
				a.forwardJSON(key, params, ev)
			}, errHandler)
		}, nil
	case event.ChannelTrade:
		return func() (chan struct{}, chan struct{}, error) {
			return futures.WsAggTradeServe(key.Symbol, func(ev *futures.WsAggTradeEvent) {
				a.forwardJSON(key, params, ev)
			}, errHandler)
		}, nil
	case event.ChannelOrderBook:
		return func() (chan struct{}, chan struct{}, error) {
			return futures.WsDiffDepthServeWithRate(key.Symbol, diffDepthRate, func(ev *futures.WsDepthEvent) {
				a.forwardDepth(key, params, ev)
			}, errHandler)
		}, nil
	case event.ChannelCandle:
		interval := binanceIntervalToken(params.Interval)
		return func() (chan struct{}, chan struct{}, error) {
			return futures.WsKlineServe(key.Symbol, interval, func(ev *futures.WsKlineEvent) {
				a.forwardJSON(key, params, ev)
			}, errHandler)
		}, nil
	default:
		return nil, transport.ErrChannelUnsupported
	}
}

// runStream owns one stream's lifecycle: it waits for shutdown or the
// stream ending on its own, and re-dials until unsubscribed.
func (a *Binance) runStream(key streamKey, st *stream, start wsStarter, doneC, stopC chan struct{}) {
	defer a.wg.Done()
	defer close(st.done)

	log := a.log.WithComponent("binance_feed").WithFields(logger.Fields{
		"symbol":  key.Symbol,
		"channel": key.Channel.String(),
	})

	for {
		select {
		case <-a.runCtx.Done():
			close(stopC)
			<-doneC
			return
		case <-st.stop:
			close(stopC)
			<-doneC
			return
		case <-doneC:
			a.emitStatus(transport.StatusEvent{Provider: ProviderBinance, Up: false, At: time.Now().UTC()})
			log.Warn("stream ended, reconnecting")
		}

		for {
			if waitBeforeReconnect(a.runCtx, st.stop, defaultReconnectDelay) {
				return
			}
			var err error
			doneC, stopC, err = start()
			if err != nil {
				log.WithError(err).Warn("reconnect attempt failed")
				continue
			}
			a.emitStatus(transport.StatusEvent{Provider: ProviderBinance, Up: true, At: time.Now().UTC()})
			log.Info("stream reconnected")
			break
		}
	}
}

func (a *Binance) Unsubscribe(ctx context.Context, provider, symbol string, ch event.Channel) error {
	key := streamKey{Symbol: symbols.Normalize(symbol), Channel: ch}

	a.mu.Lock()
	st, ok := a.streams[key]
	if ok {
		delete(a.streams, key)
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}

	close(st.stop)
	<-st.done

	a.log.WithComponent("binance_feed").WithFields(logger.Fields{
		"symbol":  key.Symbol,
		"channel": ch.String(),
	}).Info("stream unsubscribed")
	return nil
}

func (a *Binance) forwardJSON(key streamKey, params event.Params, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		a.log.WithComponent("binance_feed").WithError(err).Warn("failed to marshal stream event")
		return
	}
	a.emit(transport.RawEvent{
		Provider:   ProviderBinance,
		Symbol:     key.Symbol,
		Channel:    key.Channel,
		Params:     params,
		Data:       data,
		ReceivedAt: time.Now().UTC(),
	})
}

// forwardDepth rebuilds the wire-level depth shape. The client decodes
// price levels into structs, so a straight re-marshal would not produce
// the original [price, quantity] pairs.
func (a *Binance) forwardDepth(key streamKey, params event.Params, ev *futures.WsDepthEvent) {
	bids := make([][]string, 0, len(ev.Bids))
	for _, b := range ev.Bids {
		bids = append(bids, []string{b.Price, b.Quantity})
	}
	asks := make([][]string, 0, len(ev.Asks))
	for _, s := range ev.Asks {
		asks = append(asks, []string{s.Price, s.Quantity})
	}

	payload := struct {
		EventType string     `json:"e"`
		EventMs   int64      `json:"E"`
		Symbol    string     `json:"s"`
		Bids      [][]string `json:"b"`
		Asks      [][]string `json:"a"`
	}{
		EventType: "depthUpdate",
		EventMs:   ev.Time,
		Symbol:    ev.Symbol,
		Bids:      bids,
		Asks:      asks,
	}
	a.forwardJSON(key, params, payload)
}

func (a *Binance) PollOnce(ctx context.Context, provider, symbol string) (transport.RawQuote, error) {
	sym := symbols.Normalize(symbol)
	log := a.log.WithComponent("binance_feed").WithFields(logger.Fields{
		"symbol":    sym,
		"operation": "poll_once",
	})

	if err := a.limiter.Wait(ctx); err != nil {
		return transport.RawQuote{}, err
	}

	base := a.cfg.RestURL
	if base == "" {
		base = binanceRestBase
	}
	reqURL := fmt.Sprintf("%s/fapi/v1/ticker/bookTicker?symbol=%s", base, sym)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return transport.RawQuote{}, err
	}

	start := time.Now()
	resp, err := a.client.HTTPClient.Do(req)
	if err != nil {
		return transport.RawQuote{}, err
	}
	defer resp.Body.Close()
	logger.LogPerformanceEntry(log, "binance_feed", "api_request", time.Since(start), logger.Fields{"symbol": sym})

	if resp.StatusCode != http.StatusOK {
		return transport.RawQuote{}, fmt.Errorf("binance book ticker: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Symbol   string `json:"symbol"`
		BidPrice string `json:"bidPrice"`
		AskPrice string `json:"askPrice"`
		Time     int64  `json:"time"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return transport.RawQuote{}, err
	}

	bid := parsePrice(body.BidPrice)
	ask := parsePrice(body.AskPrice)
	price := bid
	if bid > 0 && ask > 0 {
		price = (bid + ask) / 2
	}

	at := time.Now().UTC()
	if body.Time > 0 {
		at = time.UnixMilli(body.Time).UTC()
	}
	return transport.RawQuote{Symbol: sym, Price: price, Bid: bid, Ask: ask, At: at}, nil
}

// Close tears down every stream and waits for their loops to exit.
func (a *Binance) Close() {
	a.runCancel()
	a.wg.Wait()
}

func binanceIntervalToken(d time.Duration) string {
	switch {
	case d <= 0:
		return "1m"
	case d >= 24*time.Hour:
		return "1d"
	case d >= time.Hour:
		return fmt.Sprintf("%dh", int(d/time.Hour))
	case d >= time.Minute:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	default:
		return "1m"
	}
}
