package decode

import (
	"encoding/json"
	"strconv"
	"strings"

	"tickflow/internal/event"
	"tickflow/internal/transport"
)

// kucoinEnvelope is the websocket message wrapper. The topic carries
// the channel and symbol ("/market/ticker:RELIANCEEQ").
type kucoinEnvelope struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
}

type kucoinTicker struct {
	Price   string `json:"price"`
	Size    string `json:"size"`
	BestBid string `json:"bestBid"`
	BestAsk string `json:"bestAsk"`
	TimeMs  int64  `json:"time"`
}

type kucoinMatch struct {
	Price  string `json:"price"`
	Size   string `json:"size"`
	Side   string `json:"side"`
	TimeNs string `json:"time"`
}

type kucoinLevel2 struct {
	Changes struct {
		Asks [][]string `json:"asks"`
		Bids [][]string `json:"bids"`
	} `json:"changes"`
}

// Kucoin decodes the public websocket payloads.
type Kucoin struct{}

func NewKucoin() *Kucoin { return &Kucoin{} }

func (d *Kucoin) Provider() string { return "kucoin" }

func (d *Kucoin) Decode(raw transport.RawEvent) (event.Event, error) {
	var env kucoinEnvelope
	if err := json.Unmarshal(raw.Data, &env); err != nil {
		return nil, ErrUnknownShape
	}
	if env.Type != "" && env.Type != "message" {
		return nil, ErrUnknownShape
	}

	switch {
	case strings.HasPrefix(env.Topic, "/market/ticker:"):
		return d.decodeTicker(raw, env)
	case strings.HasPrefix(env.Topic, "/market/match:"):
		return d.decodeMatch(raw, env)
	case strings.HasPrefix(env.Topic, "/market/level2:"):
		return d.decodeLevel2(raw, env)
	default:
		return nil, ErrUnknownShape
	}
}

func (d *Kucoin) decodeTicker(raw transport.RawEvent, env kucoinEnvelope) (event.Event, error) {
	var tk kucoinTicker
	if err := json.Unmarshal(env.Data, &tk); err != nil {
		return nil, ErrUnknownShape
	}

	price, _ := strconv.ParseFloat(tk.Price, 64)
	bid, _ := strconv.ParseFloat(tk.BestBid, 64)
	ask, _ := strconv.ParseFloat(tk.BestAsk, 64)
	size, _ := strconv.ParseFloat(tk.Size, 64)
	return event.Tick{
		Provider:  "kucoin",
		Symbol:    eventSymbol(raw, topicSymbol(env.Topic)),
		Price:     price,
		Bid:       bid,
		Ask:       ask,
		Volume:    size,
		Timestamp: msTime(tk.TimeMs, raw.ReceivedAt),
	}, nil
}

func (d *Kucoin) decodeMatch(raw transport.RawEvent, env kucoinEnvelope) (event.Event, error) {
	var m kucoinMatch
	if err := json.Unmarshal(env.Data, &m); err != nil {
		return nil, ErrUnknownShape
	}

	price, _ := strconv.ParseFloat(m.Price, 64)
	size, _ := strconv.ParseFloat(m.Size, 64)
	ts := raw.ReceivedAt
	// Match times arrive as nanosecond epoch strings.
	if ns, err := strconv.ParseInt(m.TimeNs, 10, 64); err == nil && ns > 0 {
		ts = nsTime(ns)
	}
	return event.Trade{
		Provider:  "kucoin",
		Symbol:    eventSymbol(raw, topicSymbol(env.Topic)),
		Price:     price,
		Quantity:  size,
		Side:      strings.ToLower(m.Side),
		Timestamp: ts,
	}, nil
}

func (d *Kucoin) decodeLevel2(raw transport.RawEvent, env kucoinEnvelope) (event.Event, error) {
	var l2 kucoinLevel2
	if err := json.Unmarshal(env.Data, &l2); err != nil {
		return nil, ErrUnknownShape
	}

	return event.Book{
		Provider:  "kucoin",
		Symbol:    eventSymbol(raw, topicSymbol(env.Topic)),
		Depth:     raw.Params.Depth,
		Bids:      parseLevels(l2.Changes.Bids),
		Asks:      parseLevels(l2.Changes.Asks),
		Timestamp: raw.ReceivedAt,
	}, nil
}

func topicSymbol(topic string) string {
	if i := strings.LastIndex(topic, ":"); i >= 0 {
		return topic[i+1:]
	}
	return ""
}
