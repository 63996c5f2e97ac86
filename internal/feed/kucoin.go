package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	api "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/api"
	futurespublic "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/futurespublic"
	futuresmarket "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/generate/futures/market"
	sdktype "github.com/Kucoin/kucoin-universal-sdk/sdk/golang/pkg/types"
	"golang.org/x/time/rate"

	"tickflow/config"
	"tickflow/internal/event"
	"tickflow/internal/symbols"
	"tickflow/internal/transport"
	"tickflow/logger"
)

const kucoinRestBase = "https://api-futures.kucoin.com"

// Kucoin streams futures order book increments through the universal
// SDK websocket service. The SDK exposes no public ticker or candle
// stream hooks, so those channels report ErrChannelUnsupported and get
// served by the REST fallback instead.
type Kucoin struct {
	notifier
	cfg       config.ProviderConfig
	log       *logger.Log
	client    api.Client
	marketAPI futuresmarket.MarketAPI
	limiter   *rate.Limiter

	mu   sync.Mutex
	ws   futurespublic.FuturesPublicWS
	subs map[streamKey]string
}

func NewKucoin(cfg config.ProviderConfig, log *logger.Log) *Kucoin {
	if log == nil {
		log = logger.GetLogger()
	}

	baseURL := cfg.RestURL
	if baseURL == "" {
		baseURL = kucoinRestBase
	}

	transportOpt := sdktype.NewTransportOptionBuilder().
		SetMaxIdleConns(32).
		SetMaxIdleConnsPerHost(32).
		SetMaxConnsPerHost(64).
		SetIdleConnTimeout(90 * time.Second).
		SetTimeout(10 * time.Second).
		Build()

	option := sdktype.NewClientOptionBuilder().
		WithFuturesEndpoint(baseURL).
		WithTransportOption(transportOpt).
		Build()

	client := api.NewClient(option)

	a := &Kucoin{
		notifier:  newNotifier(),
		cfg:       cfg,
		log:       log,
		client:    client,
		marketAPI: client.RestService().GetFuturesService().GetMarketAPI(),
		limiter:   newLimiter(cfg.RateLimit),
		subs:      make(map[streamKey]string),
	}

	log.WithComponent("kucoin_feed").Info("kucoin feed adapter initialized")
	return a
}

// ensureWS lazily starts the public websocket service. Callers hold a.mu.
func (a *Kucoin) ensureWS() (futurespublic.FuturesPublicWS, error) {
	if a.ws != nil {
		return a.ws, nil
	}

	endpoint := a.cfg.RestURL
	if endpoint == "" {
		endpoint = kucoinRestBase
	}
	if a.cfg.WsURL != "" {
		if parsed, err := url.Parse(a.cfg.WsURL); err == nil && parsed.Host != "" {
			endpoint = fmt.Sprintf("https://%s", parsed.Host)
		}
	}

	transportOpt := sdktype.NewTransportOptionBuilder().
		SetMaxIdleConns(32).
		SetMaxIdleConnsPerHost(32).
		SetMaxConnsPerHost(64).
		SetIdleConnTimeout(90 * time.Second).
		SetTimeout(10 * time.Second).
		Build()
	option := sdktype.NewClientOptionBuilder().
		WithFuturesEndpoint(endpoint).
		WithTransportOption(transportOpt).
		Build()

	ws := api.NewClient(option).WsService().NewFuturesPublicWS()
	if ws == nil {
		return nil, fmt.Errorf("kucoin: failed to create public websocket client")
	}
	if err := ws.Start(); err != nil {
		return nil, fmt.Errorf("kucoin: start websocket service: %w", err)
	}
	a.ws = ws
	return ws, nil
}

func (a *Kucoin) Subscribe(ctx context.Context, provider, symbol string, ch event.Channel, params event.Params) error {
	if ch != event.ChannelOrderBook {
		return transport.ErrChannelUnsupported
	}

	key := streamKey{Symbol: symbols.Normalize(symbol), Channel: ch}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.subs[key]; ok {
		return nil
	}

	ws, err := a.ensureWS()
	if err != nil {
		a.emitStatus(transport.StatusEvent{Provider: ProviderKucoin, Up: false, Err: err, At: time.Now().UTC()})
		return err
	}

	id, err := ws.OrderbookIncrement(key.Symbol, func(topic, subject string, data *futurespublic.OrderbookIncrementEvent) error {
		a.forwardIncrement(key, params, subject, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("kucoin subscribe %s: %w", key.Symbol, err)
	}
	a.subs[key] = id

	a.log.WithComponent("kucoin_feed").WithFields(logger.Fields{
		"symbol":  key.Symbol,
		"channel": ch.String(),
	}).Info("stream subscribed")
	return nil
}

func (a *Kucoin) forwardIncrement(key streamKey, params event.Params, subject string, data *futurespublic.OrderbookIncrementEvent) {
	if data == nil {
		return
	}

	side, price, quantity := parseChange(data.Change)
	entry := []string{price, quantity, strconv.FormatInt(data.Sequence, 10)}

	var changes struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	switch side {
	case "buy":
		changes.Bids = [][]string{entry}
	case "sell":
		changes.Asks = [][]string{entry}
	default:
		return
	}

	payload, err := json.Marshal(struct {
		Type    string      `json:"type"`
		Topic   string      `json:"topic"`
		Subject string      `json:"subject"`
		Data    interface{} `json:"data"`
	}{
		Type:    "message",
		Topic:   "/market/level2:" + key.Symbol,
		Subject: subject,
		Data: struct {
			Changes interface{} `json:"changes"`
			Time    int64       `json:"time"`
		}{Changes: changes, Time: data.Timestamp},
	})
	if err != nil {
		a.log.WithComponent("kucoin_feed").WithError(err).Warn("failed to marshal increment event")
		return
	}

	a.emit(transport.RawEvent{
		Provider:   ProviderKucoin,
		Symbol:     key.Symbol,
		Channel:    key.Channel,
		Params:     params,
		Data:       payload,
		ReceivedAt: time.Now().UTC(),
	})
}

// parseChange splits a level2 change string ("price,side,quantity",
// field order not guaranteed) into its parts.
func parseChange(change string) (side, price, quantity string) {
	parts := strings.Split(change, ",")
	if len(parts) < 3 {
		return
	}
	for _, p := range parts {
		p = strings.TrimSpace(p)
		switch p {
		case "buy", "sell":
			side = p
		default:
			if price == "" {
				price = p
			} else if quantity == "" {
				quantity = p
			}
		}
	}
	return
}

func (a *Kucoin) Unsubscribe(ctx context.Context, provider, symbol string, ch event.Channel) error {
	key := streamKey{Symbol: symbols.Normalize(symbol), Channel: ch}

	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.subs[key]
	if !ok {
		return nil
	}
	delete(a.subs, key)
	if a.ws != nil && id != "" {
		a.ws.UnSubscribe(id)
	}

	a.log.WithComponent("kucoin_feed").WithFields(logger.Fields{
		"symbol":  key.Symbol,
		"channel": ch.String(),
	}).Info("stream unsubscribed")
	return nil
}

func (a *Kucoin) PollOnce(ctx context.Context, provider, symbol string) (transport.RawQuote, error) {
	sym := symbols.Normalize(symbol)
	log := a.log.WithComponent("kucoin_feed").WithFields(logger.Fields{
		"symbol":    sym,
		"operation": "poll_once",
	})

	if err := a.limiter.Wait(ctx); err != nil {
		return transport.RawQuote{}, err
	}

	req := futuresmarket.NewGetSymbolReqBuilder().SetSymbol(sym).Build()
	start := time.Now()
	resp, err := a.marketAPI.GetSymbol(req, ctx)
	if err != nil {
		return transport.RawQuote{}, err
	}
	if resp == nil {
		return transport.RawQuote{}, fmt.Errorf("kucoin: empty response for symbol %s", sym)
	}
	logger.LogPerformanceEntry(log, "kucoin_feed", "api_request", time.Since(start), logger.Fields{"symbol": sym})

	payload, err := json.Marshal(resp)
	if err != nil {
		return transport.RawQuote{}, err
	}
	var contract struct {
		LastTradePrice float64 `json:"lastTradePrice"`
		MarkPrice      float64 `json:"markPrice"`
		VolumeOf24h    float64 `json:"volumeOf24h"`
	}
	if err := json.Unmarshal(payload, &contract); err != nil {
		return transport.RawQuote{}, err
	}

	price := contract.LastTradePrice
	if price == 0 {
		price = contract.MarkPrice
	}
	if price == 0 {
		return transport.RawQuote{}, fmt.Errorf("kucoin: no price in contract detail for %s", sym)
	}

	return transport.RawQuote{
		Symbol: sym,
		Price:  price,
		Volume: contract.VolumeOf24h,
		At:     time.Now().UTC(),
	}, nil
}

// Close cancels every subscription and stops the websocket service.
func (a *Kucoin) Close() {
	a.mu.Lock()
	ws := a.ws
	subs := a.subs
	a.ws = nil
	a.subs = make(map[streamKey]string)
	a.mu.Unlock()

	if ws == nil {
		return
	}
	for _, id := range subs {
		if id != "" {
			ws.UnSubscribe(id)
		}
	}
	ws.Stop()
	a.log.WithComponent("kucoin_feed").Info("kucoin feed adapter stopped")
}
