package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/kalshimm/internal/domain"
)

// Channels the session subscribes to.
const (
	ChannelOrderbook = "orderbook_delta"
	ChannelFill      = "fill"
)

// Inbound message types.
const (
	typeSnapshot = "orderbook_snapshot"
	typeDelta    = "orderbook_delta"
	typeFill     = "fill"
	typeError    = "error"
)

type command struct {
	ID     int64         `json:"id"`
	Cmd    string        `json:"cmd"`
	Params commandParams `json:"params"`
}

type commandParams struct {
	Channels      []string `json:"channels"`
	MarketTickers []string `json:"market_tickers,omitempty"`
}

type envelope struct {
	Type string          `json:"type"`
	SID  int64           `json:"sid"`
	Seq  int64           `json:"seq"`
	Msg  json.RawMessage `json:"msg"`
}

type snapshotMsg struct {
	MarketTicker string  `json:"market_ticker"`
	Yes          [][]int `json:"yes"`
	No           [][]int `json:"no"`
}

type deltaMsg struct {
	MarketTicker string `json:"market_ticker"`
	Price        *int   `json:"price"`
	Delta        *int   `json:"delta"`
	Side         string `json:"side"`
}

type fillMsg struct {
	TradeID      string `json:"trade_id"`
	OrderID      string `json:"order_id"`
	MarketTicker string `json:"market_ticker"`
	Side         string `json:"side"`
	YesPrice     int    `json:"yes_price"`
	NoPrice      int    `json:"no_price"`
	Count        int    `json:"count"`
	Action       string `json:"action"`
	TS           int64  `json:"ts"`
}

type errorMsg struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func toLevels(raw [][]int) []domain.Level {
	out := make([]domain.Level, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			continue
		}
		out = append(out, domain.Level{Price: lvl[0], Qty: lvl[1]})
	}
	return out
}

func (d deltaMsg) validate() (domain.BookSide, error) {
	if d.MarketTicker == "" || d.Price == nil || d.Delta == nil {
		return "", errors.New("delta missing fields")
	}
	side, ok := domain.ParseBookSide(d.Side)
	if !ok {
		return "", fmt.Errorf("delta unknown side %q", d.Side)
	}
	return side, nil
}

// toFill converts a fill message. Only YES buys are ours to quote, so the
// price is the YES price unless the exchange reports a NO fill.
func (f fillMsg) toFill() (domain.Fill, error) {
	if f.MarketTicker == "" || f.OrderID == "" || f.Count <= 0 {
		return domain.Fill{}, errors.New("fill missing fields")
	}
	price := f.YesPrice
	if f.Side == string(domain.BookNo) {
		price = f.NoPrice
	}
	ts := time.Now()
	if f.TS > 0 {
		ts = time.Unix(f.TS, 0)
	}
	return domain.Fill{
		TradeID: f.TradeID,
		OrderID: f.OrderID,
		Ticker:  f.MarketTicker,
		Price:   price,
		Count:   f.Count,
		Time:    ts,
	}, nil
}
