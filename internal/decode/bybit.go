package decode

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"tickflow/internal/event"
	"tickflow/internal/transport"
)

// bybitEnvelope is the v5 public stream wrapper. The topic prefix tells
// the payload shape; data is decoded per topic.
type bybitEnvelope struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Ts    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

type bybitTicker struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	Bid1Price string `json:"bid1Price"`
	Ask1Price string `json:"ask1Price"`
	Volume24h string `json:"volume24h"`
}

type bybitOrderbook struct {
	Symbol string     `json:"s"`
	Bids   [][]string `json:"b"`
	Asks   [][]string `json:"a"`
}

type bybitTrade struct {
	TradeMs int64  `json:"T"`
	Symbol  string `json:"s"`
	Side    string `json:"S"`
	Size    string `json:"v"`
	Price   string `json:"p"`
}

type bybitKline struct {
	StartMs  int64  `json:"start"`
	Interval string `json:"interval"`
	Open     string `json:"open"`
	Close    string `json:"close"`
	High     string `json:"high"`
	Low      string `json:"low"`
	Volume   string `json:"volume"`
}

// Bybit decodes the v5 public websocket payloads.
type Bybit struct{}

func NewBybit() *Bybit { return &Bybit{} }

func (d *Bybit) Provider() string { return "bybit" }

func (d *Bybit) Decode(raw transport.RawEvent) (event.Event, error) {
	var env bybitEnvelope
	if err := json.Unmarshal(raw.Data, &env); err != nil {
		return nil, ErrUnknownShape
	}

	switch {
	case strings.HasPrefix(env.Topic, "tickers."):
		return d.decodeTicker(raw, env)
	case strings.HasPrefix(env.Topic, "orderbook."):
		return d.decodeOrderbook(raw, env)
	case strings.HasPrefix(env.Topic, "publicTrade."):
		return d.decodeTrade(raw, env)
	case strings.HasPrefix(env.Topic, "kline."):
		return d.decodeKline(raw, env)
	default:
		return nil, ErrUnknownShape
	}
}

func (d *Bybit) decodeTicker(raw transport.RawEvent, env bybitEnvelope) (event.Event, error) {
	var tk bybitTicker
	if err := json.Unmarshal(env.Data, &tk); err != nil {
		return nil, ErrUnknownShape
	}

	price, _ := strconv.ParseFloat(tk.LastPrice, 64)
	bid, _ := strconv.ParseFloat(tk.Bid1Price, 64)
	ask, _ := strconv.ParseFloat(tk.Ask1Price, 64)
	vol, _ := strconv.ParseFloat(tk.Volume24h, 64)
	if price == 0 && bid > 0 && ask > 0 {
		price = (bid + ask) / 2
	}
	return event.Tick{
		Provider:  "bybit",
		Symbol:    eventSymbol(raw, tk.Symbol),
		Price:     price,
		Bid:       bid,
		Ask:       ask,
		Volume:    vol,
		Timestamp: msTime(env.Ts, raw.ReceivedAt),
	}, nil
}

func (d *Bybit) decodeOrderbook(raw transport.RawEvent, env bybitEnvelope) (event.Event, error) {
	var ob bybitOrderbook
	if err := json.Unmarshal(env.Data, &ob); err != nil {
		return nil, ErrUnknownShape
	}

	return event.Book{
		Provider:  "bybit",
		Symbol:    eventSymbol(raw, ob.Symbol),
		Depth:     raw.Params.Depth,
		Bids:      parseLevels(ob.Bids),
		Asks:      parseLevels(ob.Asks),
		Timestamp: msTime(env.Ts, raw.ReceivedAt),
	}, nil
}

// decodeTrade takes the first trade of the batch; callers that need the
// full batch subscribe to the raw stream instead.
func (d *Bybit) decodeTrade(raw transport.RawEvent, env bybitEnvelope) (event.Event, error) {
	var trades []bybitTrade
	if err := json.Unmarshal(env.Data, &trades); err != nil || len(trades) == 0 {
		return nil, ErrUnknownShape
	}

	tr := trades[0]
	price, _ := strconv.ParseFloat(tr.Price, 64)
	size, _ := strconv.ParseFloat(tr.Size, 64)
	return event.Trade{
		Provider:  "bybit",
		Symbol:    eventSymbol(raw, tr.Symbol),
		Price:     price,
		Quantity:  size,
		Side:      strings.ToLower(tr.Side),
		Timestamp: msTime(tr.TradeMs, raw.ReceivedAt),
	}, nil
}

func (d *Bybit) decodeKline(raw transport.RawEvent, env bybitEnvelope) (event.Event, error) {
	var bars []bybitKline
	if err := json.Unmarshal(env.Data, &bars); err != nil || len(bars) == 0 {
		return nil, ErrUnknownShape
	}

	bar := bars[0]
	open, _ := strconv.ParseFloat(bar.Open, 64)
	high, _ := strconv.ParseFloat(bar.High, 64)
	low, _ := strconv.ParseFloat(bar.Low, 64)
	cls, _ := strconv.ParseFloat(bar.Close, 64)
	vol, _ := strconv.ParseFloat(bar.Volume, 64)
	return event.Candle{
		Provider:  "bybit",
		Symbol:    eventSymbol(raw, ""),
		Interval:  bybitInterval(bar.Interval),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cls,
		Volume:    vol,
		Timestamp: msTime(bar.StartMs, raw.ReceivedAt),
	}, nil
}

// bybitInterval parses the v5 interval token, minutes unless marked D.
func bybitInterval(s string) time.Duration {
	if s == "D" {
		return 24 * time.Hour
	}
	mins, err := strconv.Atoi(s)
	if err != nil || mins <= 0 {
		return time.Minute
	}
	return time.Duration(mins) * time.Minute
}
