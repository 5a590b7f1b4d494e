package kalshi

// trading.go: ejecución de órdenes contra la API de Kalshi.
//
// Implementa ports.OrderExecutor. Todas las órdenes son compras límite de
// YES; un lado del match compra YES en su propio ticker.

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/alejandrodnm/kalshimm/internal/domain"
	"github.com/google/uuid"
)

// TradingClient implementa ports.OrderExecutor.
type TradingClient struct {
	client *Client
}

// NewTradingClient crea un TradingClient sobre un Client autenticado.
func NewTradingClient(client *Client) *TradingClient {
	return &TradingClient{client: client}
}

// PlaceOrder envía una compra límite de YES.
func (tc *TradingClient) PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (domain.PlacedOrder, error) {
	if !domain.ValidPrice(req.Price) || req.Count <= 0 {
		return domain.PlacedOrder{}, fmt.Errorf("kalshi.PlaceOrder: %w: price=%d count=%d",
			domain.ErrOrderRejected, req.Price, req.Count)
	}
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	body := createOrderRequest{
		Ticker:        req.Ticker,
		Action:        "buy",
		Side:          "yes",
		Type:          "limit",
		Count:         req.Count,
		YesPrice:      req.Price,
		ClientOrderID: clientID,
	}
	if !req.Expiration.IsZero() {
		body.ExpirationTS = req.Expiration.Unix()
	}

	var resp orderResponse
	if err := tc.client.do(ctx, http.MethodPost, "/portfolio/orders", body, &resp); err != nil {
		return domain.PlacedOrder{}, fmt.Errorf("kalshi.PlaceOrder: %s: %w", req.Ticker, err)
	}
	if resp.Order.OrderID == "" {
		return domain.PlacedOrder{}, fmt.Errorf("kalshi.PlaceOrder: %w: empty order id", domain.ErrOrderRejected)
	}
	return domain.PlacedOrder{
		OrderID: resp.Order.OrderID,
		Status:  toStatus(resp.Order.Status, resp.Order.FillCount),
	}, nil
}

// CancelOrder cancela una orden. 404 se devuelve como domain.ErrOrderNotFound.
func (tc *TradingClient) CancelOrder(ctx context.Context, orderID string) error {
	path := "/portfolio/orders/" + url.PathEscape(orderID)
	if err := tc.client.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("kalshi.CancelOrder: %s: %w", orderID, err)
	}
	return nil
}

// GetOrder devuelve el estado de una orden (polling de fills).
func (tc *TradingClient) GetOrder(ctx context.Context, orderID string) (domain.OrderReport, error) {
	var resp orderResponse
	path := "/portfolio/orders/" + url.PathEscape(orderID)
	if err := tc.client.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return domain.OrderReport{}, fmt.Errorf("kalshi.GetOrder: %s: %w", orderID, err)
	}
	o := resp.Order
	return domain.OrderReport{
		OrderID:        o.OrderID,
		Status:         toStatus(o.Status, o.FillCount),
		FillCount:      o.FillCount,
		RemainingCount: o.RemainingCount,
	}, nil
}

// RestingOrders devuelve los IDs de nuestras órdenes en reposo en ticker.
func (tc *TradingClient) RestingOrders(ctx context.Context, ticker string) ([]string, error) {
	q := url.Values{}
	q.Set("ticker", ticker)
	q.Set("status", "resting")

	var ids []string
	cursor := ""
	for {
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var resp ordersResponse
		if err := tc.client.do(ctx, http.MethodGet, "/portfolio/orders?"+q.Encode(), nil, &resp); err != nil {
			return nil, fmt.Errorf("kalshi.RestingOrders: %s: %w", ticker, err)
		}
		for _, o := range resp.Orders {
			ids = append(ids, o.OrderID)
		}
		if resp.Cursor == "" || len(resp.Orders) == 0 {
			return ids, nil
		}
		cursor = resp.Cursor
	}
}

// Position devuelve los contratos YES que tenemos en ticker.
func (tc *TradingClient) Position(ctx context.Context, ticker string) (int, error) {
	q := url.Values{}
	q.Set("ticker", ticker)

	var resp positionsResponse
	if err := tc.client.do(ctx, http.MethodGet, "/portfolio/positions?"+q.Encode(), nil, &resp); err != nil {
		return 0, fmt.Errorf("kalshi.Position: %s: %w", ticker, err)
	}
	for _, p := range resp.MarketPositions {
		if p.Ticker == ticker || p.Ticker == "" {
			return p.Position, nil
		}
	}
	return 0, nil
}

// Market devuelve la información pública de un mercado, incluida la hora
// del evento cuando la configuración no la trae.
func (tc *TradingClient) Market(ctx context.Context, ticker string) (Market, error) {
	var resp marketResponse
	if err := tc.client.do(ctx, http.MethodGet, "/markets/"+url.PathEscape(ticker), nil, &resp); err != nil {
		return Market{}, fmt.Errorf("kalshi.Market: %s: %w", ticker, err)
	}
	return resp.Market.toMarket(), nil
}
