package decode

import (
	"encoding/json"
	"strconv"
	"time"

	"tickflow/internal/event"
	"tickflow/internal/symbols"
	"tickflow/internal/transport"
)

// binanceEnvelope carries the event-type tag common to all Binance
// stream payloads.
type binanceEnvelope struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
}

// Event carries the type tag in bookTicker and depth payloads. Without
// an exact "e" tag the string would bind case-insensitively to the "E"
// millisecond field and fail the whole unmarshal.
type binanceBookTicker struct {
	Event   string `json:"e"`
	Symbol  string `json:"s"`
	BidPx   string `json:"b"`
	BidQty  string `json:"B"`
	AskPx   string `json:"a"`
	AskQty  string `json:"A"`
	EventMs int64  `json:"E"`
}

type binanceAggTrade struct {
	Symbol  string `json:"s"`
	Price   string `json:"p"`
	Qty     string `json:"q"`
	TradeMs int64  `json:"T"`
	Maker   bool   `json:"m"`
}

type binanceDepth struct {
	Event   string     `json:"e"`
	Symbol  string     `json:"s"`
	EventMs int64      `json:"E"`
	Bids    [][]string `json:"b"`
	Asks    [][]string `json:"a"`
}

type binanceKline struct {
	Symbol string `json:"s"`
	Kline  struct {
		StartMs  int64  `json:"t"`
		Interval string `json:"i"`
		Open     string `json:"o"`
		Close    string `json:"c"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Volume   string `json:"v"`
	} `json:"k"`
}

// Binance decodes the futures stream payloads.
type Binance struct{}

func NewBinance() *Binance { return &Binance{} }

func (d *Binance) Provider() string { return "binance" }

func (d *Binance) Decode(raw transport.RawEvent) (event.Event, error) {
	var env binanceEnvelope
	if err := json.Unmarshal(raw.Data, &env); err != nil {
		return nil, ErrUnknownShape
	}

	switch env.EventType {
	case "bookTicker":
		return d.decodeBookTicker(raw)
	case "aggTrade":
		return d.decodeAggTrade(raw)
	case "depthUpdate":
		return d.decodeDepth(raw)
	case "kline":
		return d.decodeKline(raw)
	default:
		return nil, ErrUnknownShape
	}
}

func (d *Binance) decodeBookTicker(raw transport.RawEvent) (event.Event, error) {
	var bt binanceBookTicker
	if err := json.Unmarshal(raw.Data, &bt); err != nil {
		return nil, ErrUnknownShape
	}

	bid, _ := strconv.ParseFloat(bt.BidPx, 64)
	ask, _ := strconv.ParseFloat(bt.AskPx, 64)
	price := bid
	if bid > 0 && ask > 0 {
		price = (bid + ask) / 2
	}
	return event.Tick{
		Provider:  "binance",
		Symbol:    eventSymbol(raw, bt.Symbol),
		Price:     price,
		Bid:       bid,
		Ask:       ask,
		Timestamp: msTime(bt.EventMs, raw.ReceivedAt),
	}, nil
}

func (d *Binance) decodeAggTrade(raw transport.RawEvent) (event.Event, error) {
	var at binanceAggTrade
	if err := json.Unmarshal(raw.Data, &at); err != nil {
		return nil, ErrUnknownShape
	}

	price, _ := strconv.ParseFloat(at.Price, 64)
	qty, _ := strconv.ParseFloat(at.Qty, 64)
	side := "buy"
	if at.Maker {
		side = "sell"
	}
	return event.Trade{
		Provider:  "binance",
		Symbol:    eventSymbol(raw, at.Symbol),
		Price:     price,
		Quantity:  qty,
		Side:      side,
		Timestamp: msTime(at.TradeMs, raw.ReceivedAt),
	}, nil
}

func (d *Binance) decodeDepth(raw transport.RawEvent) (event.Event, error) {
	var dp binanceDepth
	if err := json.Unmarshal(raw.Data, &dp); err != nil {
		return nil, ErrUnknownShape
	}

	book := event.Book{
		Provider:  "binance",
		Symbol:    eventSymbol(raw, dp.Symbol),
		Depth:     raw.Params.Depth,
		Bids:      parseLevels(dp.Bids),
		Asks:      parseLevels(dp.Asks),
		Timestamp: msTime(dp.EventMs, raw.ReceivedAt),
	}
	return book, nil
}

func (d *Binance) decodeKline(raw transport.RawEvent) (event.Event, error) {
	var kl binanceKline
	if err := json.Unmarshal(raw.Data, &kl); err != nil {
		return nil, ErrUnknownShape
	}

	open, _ := strconv.ParseFloat(kl.Kline.Open, 64)
	high, _ := strconv.ParseFloat(kl.Kline.High, 64)
	low, _ := strconv.ParseFloat(kl.Kline.Low, 64)
	cls, _ := strconv.ParseFloat(kl.Kline.Close, 64)
	vol, _ := strconv.ParseFloat(kl.Kline.Volume, 64)
	return event.Candle{
		Provider:  "binance",
		Symbol:    eventSymbol(raw, kl.Symbol),
		Interval:  binanceInterval(kl.Kline.Interval),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cls,
		Volume:    vol,
		Timestamp: msTime(kl.Kline.StartMs, raw.ReceivedAt),
	}, nil
}

func binanceInterval(s string) time.Duration {
	switch s {
	case "1m":
		return time.Minute
	case "5m":
		return 5 * time.Minute
	case "15m":
		return 15 * time.Minute
	case "1h":
		return time.Hour
	case "1d":
		return 24 * time.Hour
	}
	return time.Minute
}

// eventSymbol prefers the payload symbol, falling back to the
// subscription's symbol when the payload omits it.
func eventSymbol(raw transport.RawEvent, payloadSymbol string) string {
	if payloadSymbol != "" {
		return symbols.Normalize(payloadSymbol)
	}
	return symbols.Normalize(raw.Symbol)
}

func msTime(ms int64, fallback time.Time) time.Time {
	if ms <= 0 {
		return fallback
	}
	return time.Unix(0, ms*int64(time.Millisecond)).UTC()
}

func nsTime(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func parseLevels(raw [][]string) []event.Level {
	levels := make([]event.Level, 0, len(raw))
	for _, l := range raw {
		if len(l) < 2 {
			continue
		}
		price, _ := strconv.ParseFloat(l[0], 64)
		qty, _ := strconv.ParseFloat(l[1], 64)
		levels = append(levels, event.Level{Price: price, Quantity: qty})
	}
	return levels
}
