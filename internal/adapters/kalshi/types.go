package kalshi

import (
	"time"

	"github.com/alejandrodnm/kalshimm/internal/domain"
)

// createOrderRequest es el body de POST /portfolio/orders.
type createOrderRequest struct {
	Ticker        string `json:"ticker"`
	Action        string `json:"action"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Count         int    `json:"count"`
	YesPrice      int    `json:"yes_price"`
	ExpirationTS  int64  `json:"expiration_ts,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

type apiOrder struct {
	OrderID        string `json:"order_id"`
	ClientOrderID  string `json:"client_order_id"`
	Ticker         string `json:"ticker"`
	Status         string `json:"status"`
	Side           string `json:"side"`
	Action         string `json:"action"`
	YesPrice       int    `json:"yes_price"`
	FillCount      int    `json:"fill_count"`
	RemainingCount int    `json:"remaining_count"`
}

type orderResponse struct {
	Order apiOrder `json:"order"`
}

type ordersResponse struct {
	Orders []apiOrder `json:"orders"`
	Cursor string     `json:"cursor"`
}

type apiPosition struct {
	Ticker   string `json:"ticker"`
	Position int    `json:"position"`
}

type positionsResponse struct {
	MarketPositions []apiPosition `json:"market_positions"`
	Cursor          string        `json:"cursor"`
}

type apiMarket struct {
	Ticker                 string `json:"ticker"`
	Title                  string `json:"title"`
	YesSubTitle            string `json:"yes_sub_title"`
	Status                 string `json:"status"`
	CloseTime              string `json:"close_time"`
	ExpectedExpirationTime string `json:"expected_expiration_time"`
}

type marketResponse struct {
	Market apiMarket `json:"market"`
}

// Market es la información de un mercado que usa el operador.
type Market struct {
	Ticker    string
	Title     string
	Label     string
	Status    string
	EventTime time.Time // expected_expiration_time, o close_time si falta
}

func (m apiMarket) toMarket() Market {
	out := Market{
		Ticker: m.Ticker,
		Title:  m.Title,
		Label:  m.YesSubTitle,
		Status: m.Status,
	}
	for _, raw := range []string{m.ExpectedExpirationTime, m.CloseTime} {
		if raw == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			out.EventTime = t
			break
		}
	}
	return out
}

// toStatus mapea los estados de orden de Kalshi.
func toStatus(s string, fillCount int) domain.OrderStatus {
	switch s {
	case "resting":
		if fillCount > 0 {
			return domain.OrderPartial
		}
		return domain.OrderLive
	case "executed":
		return domain.OrderFilled
	case "canceled", "cancelled":
		return domain.OrderCanceled
	default:
		return domain.OrderPending
	}
}
