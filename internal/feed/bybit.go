package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"tickflow/config"
	"tickflow/internal/event"
	"tickflow/internal/symbols"
	"tickflow/internal/transport"
	"tickflow/logger"
)

const (
	bybitRestBase = "https://api.bybit.com"
	bybitWsURL    = "wss://stream.bybit.com/v5/public/linear"

	// bybitDefaultDepth is used when a book subscription does not pin
	// a depth. The venue serves 1, 50, 200 and 500 level books.
	bybitDefaultDepth = 50
)

type bybitBinding struct {
	key    streamKey
	params event.Params
}

// Bybit multiplexes all subscriptions over a single public websocket
// connection and answers fallback quote fetches through the venue's
// REST client.
type Bybit struct {
	notifier
	cfg     config.ProviderConfig
	log     *logger.Log
	client  *bybit.Client
	limiter *rate.Limiter

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	mu      sync.Mutex
	topics  map[string]bybitBinding
	conn    *websocket.Conn
	started bool
}

func NewBybit(cfg config.ProviderConfig, log *logger.Log) *Bybit {
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

	base := bybitRestBase
	if cfg.RestURL != "" {
		base = cfg.RestURL
		if parsed, err := url.Parse(cfg.RestURL); err == nil && parsed.Host != "" {
			base = fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
		}
	}
	client := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(base))
	client.HTTPClient = httpClient

	ctx, cancel := context.WithCancel(context.Background())
	a := &Bybit{
		notifier:  newNotifier(),
		cfg:       cfg,
		log:       log,
		client:    client,
		limiter:   newLimiter(cfg.RateLimit),
		runCtx:    ctx,
		runCancel: cancel,
		topics:    make(map[string]bybitBinding),
	}

	log.WithComponent("bybit_feed").Info("bybit feed adapter initialized")
	return a
}

func bybitTopic(key streamKey, params event.Params) (string, error) {
	switch key.Channel {
	case event.ChannelTicker:
		return "tickers." + key.Symbol, nil
	case event.ChannelOrderBook:
		depth := params.Depth
		if depth <= 0 {
			depth = bybitDefaultDepth
		}
		return fmt.Sprintf("orderbook.%d.%s", depth, key.Symbol), nil
	case event.ChannelTrade:
		return "publicTrade." + key.Symbol, nil
	case event.ChannelCandle:
		return fmt.Sprintf("kline.%s.%s", bybitIntervalToken(params.Interval), key.Symbol), nil
	default:
		return "", transport.ErrChannelUnsupported
	}
}

func (a *Bybit) Subscribe(ctx context.Context, provider, symbol string, ch event.Channel, params event.Params) error {
	key := streamKey{Symbol: symbols.Normalize(symbol), Channel: ch}
	topic, err := bybitTopic(key, params)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.topics[topic]; ok {
		return nil
	}
	a.topics[topic] = bybitBinding{key: key, params: params}

	if !a.started {
		a.started = true
		a.wg.Add(1)
		go a.run()
	} else if a.conn != nil {
		if err := writeBybitOp(a.conn, "subscribe", []string{topic}); err != nil {
			a.log.WithComponent("bybit_feed").WithError(err).WithField("topic", topic).Warn("subscribe request failed, will retry on reconnect")
		}
	}

	a.log.WithComponent("bybit_feed").WithField("topic", topic).Info("topic subscribed")
	return nil
}

func (a *Bybit) Unsubscribe(ctx context.Context, provider, symbol string, ch event.Channel) error {
	key := streamKey{Symbol: symbols.Normalize(symbol), Channel: ch}

	a.mu.Lock()
	defer a.mu.Unlock()
	for topic, binding := range a.topics {
		if binding.key != key {
			continue
		}
		delete(a.topics, topic)
		if a.conn != nil {
			if err := writeBybitOp(a.conn, "unsubscribe", []string{topic}); err != nil {
				a.log.WithComponent("bybit_feed").WithError(err).WithField("topic", topic).Warn("unsubscribe request failed")
			}
		}
		a.log.WithComponent("bybit_feed").WithField("topic", topic).Info("topic unsubscribed")
	}
	return nil
}

func (a *Bybit) run() {
	defer a.wg.Done()

	wsURL := a.cfg.WsURL
	if wsURL == "" {
		wsURL = bybitWsURL
	}
	log := a.log.WithComponent("bybit_feed").WithField("url", wsURL)
	dialer := websocket.DefaultDialer

	for {
		if a.runCtx.Err() != nil {
			return
		}

		conn, _, err := dialer.DialContext(a.runCtx, wsURL, nil)
		if err != nil {
			log.WithError(err).Warn("failed to connect to bybit websocket")
			a.emitStatus(transport.StatusEvent{Provider: ProviderBybit, Up: false, Err: err, At: time.Now().UTC()})
			if waitBeforeReconnect(a.runCtx, nil, defaultReconnectDelay) {
				return
			}
			continue
		}

		if err := a.subscribeAll(conn); err != nil {
			log.WithError(err).Warn("failed to subscribe to bybit topics")
			conn.Close()
			if waitBeforeReconnect(a.runCtx, nil, defaultReconnectDelay) {
				return
			}
			continue
		}

		a.setConn(conn)
		a.emitStatus(transport.StatusEvent{Provider: ProviderBybit, Up: true, At: time.Now().UTC()})
		pingCancel := a.startPingLoop(conn)

		// Unblock the read loop when the adapter shuts down.
		readDone := make(chan struct{})
		go func() {
			select {
			case <-a.runCtx.Done():
				conn.Close()
			case <-readDone:
			}
		}()

		err = a.readMessages(conn)
		close(readDone)
		pingCancel()
		a.setConn(nil)
		conn.Close()

		if a.runCtx.Err() != nil {
			return
		}
		log.WithError(err).Warn("bybit websocket read loop ended")
		a.emitStatus(transport.StatusEvent{Provider: ProviderBybit, Up: false, Err: err, At: time.Now().UTC()})

		if waitBeforeReconnect(a.runCtx, nil, defaultReconnectDelay) {
			return
		}
	}
}

func (a *Bybit) setConn(conn *websocket.Conn) {
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
}

func (a *Bybit) subscribeAll(conn *websocket.Conn) error {
	a.mu.Lock()
	topics := make([]string, 0, len(a.topics))
	for topic := range a.topics {
		topics = append(topics, topic)
	}
	a.mu.Unlock()

	if len(topics) == 0 {
		return nil
	}
	return writeBybitOp(conn, "subscribe", topics)
}

func writeBybitOp(conn *websocket.Conn, op string, topics []string) error {
	req := struct {
		Op    string   `json:"op"`
		Args  []string `json:"args"`
		ReqID string   `json:"req_id"`
	}{
		Op:    op,
		Args:  topics,
		ReqID: fmt.Sprintf("%d", time.Now().UnixNano()),
	}
	return conn.WriteJSON(req)
}

func (a *Bybit) readMessages(conn *websocket.Conn) error {
	for {
		if a.runCtx.Err() != nil {
			return a.runCtx.Err()
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		a.handleMessage(msg)
	}
}

func (a *Bybit) handleMessage(msg []byte) {
	var frame struct {
		Op      string `json:"op"`
		Success *bool  `json:"success"`
		RetMsg  string `json:"ret_msg"`
		Topic   string `json:"topic"`
	}
	if err := json.Unmarshal(msg, &frame); err != nil {
		a.log.WithComponent("bybit_feed").WithError(err).Debug("unparseable websocket frame")
		return
	}

	if frame.Op != "" {
		if frame.Success != nil && !*frame.Success {
			a.log.WithComponent("bybit_feed").WithFields(logger.Fields{
				"op":      frame.Op,
				"ret_msg": frame.RetMsg,
			}).Warn("bybit request rejected")
		}
		return
	}
	if frame.Topic == "" {
		return
	}

	a.mu.Lock()
	binding, ok := a.topics[frame.Topic]
	a.mu.Unlock()
	if !ok {
		return
	}

	a.emit(transport.RawEvent{
		Provider:   ProviderBybit,
		Symbol:     binding.key.Symbol,
		Channel:    binding.key.Channel,
		Params:     binding.params,
		Data:       msg,
		ReceivedAt: time.Now().UTC(),
	})
}

func (a *Bybit) startPingLoop(conn *websocket.Conn) context.CancelFunc {
	pingCtx, cancel := context.WithCancel(a.runCtx)
	ticker := time.NewTicker(defaultKeepAlive)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(time.Second))
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					a.log.WithComponent("bybit_feed").WithError(err).Warn("failed to send websocket ping")
					cancel()
					return
				}
			}
		}
	}()
	return cancel
}

func (a *Bybit) PollOnce(ctx context.Context, provider, symbol string) (transport.RawQuote, error) {
	sym := symbols.Normalize(symbol)
	log := a.log.WithComponent("bybit_feed").WithFields(logger.Fields{
		"symbol":    sym,
		"operation": "poll_once",
	})

	if err := a.limiter.Wait(ctx); err != nil {
		return transport.RawQuote{}, err
	}

	params := map[string]interface{}{
		"category": "linear",
		"symbol":   sym,
		"limit":    1,
	}

	start := time.Now()
	resp, err := a.client.NewUtaBybitServiceWithParams(params).GetOrderBookInfo(ctx)
	if err != nil {
		return transport.RawQuote{}, err
	}
	logger.LogPerformanceEntry(log, "bybit_feed", "api_request", time.Since(start), logger.Fields{"symbol": sym})

	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return transport.RawQuote{}, err
	}

	var book struct {
		Bids [][]string `json:"b"`
		Asks [][]string `json:"a"`
		Ts   int64      `json:"ts"`
	}
	if err := json.Unmarshal(payload, &book); err != nil {
		return transport.RawQuote{}, err
	}

	var bid, ask float64
	if len(book.Bids) > 0 && len(book.Bids[0]) > 0 {
		bid = parsePrice(book.Bids[0][0])
	}
	if len(book.Asks) > 0 && len(book.Asks[0]) > 0 {
		ask = parsePrice(book.Asks[0][0])
	}
	if bid == 0 && ask == 0 {
		return transport.RawQuote{}, fmt.Errorf("bybit order book for %s is empty", sym)
	}
	price := bid
	if bid > 0 && ask > 0 {
		price = (bid + ask) / 2
	}

	at := time.Now().UTC()
	if book.Ts > 0 {
		at = time.UnixMilli(book.Ts).UTC()
	}
	return transport.RawQuote{Symbol: sym, Price: price, Bid: bid, Ask: ask, At: at}, nil
}

// Close drops the websocket connection and waits for the run loop.
func (a *Bybit) Close() {
	a.runCancel()
	a.wg.Wait()
}

func bybitIntervalToken(d time.Duration) string {
	switch {
	case d >= 24*time.Hour:
		return "D"
	case d >= time.Minute:
		return fmt.Sprintf("%d", int(d/time.Minute))
	default:
		return "1"
	}
}
