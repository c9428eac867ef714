package broker

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BROKER REST CLIENT
// ═══════════════════════════════════════════════════════════════════════════════
//
// Order placement and account queries against the Alpaca-style trading API.
// All requests go through a shared rate limiter; transient failures retry.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	placeTimeout    = 10 * time.Second
	cancelTimeout   = 10 * time.Second
	queryTimeout    = 5 * time.Second
	requestsPerSec  = 3
	requestBurst    = 5
	transientRetrys = 2
)

// Client is the REST implementation of Broker.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	dryRun  bool

	mu        sync.Mutex
	drySerial int64
}

// NewClient creates a broker REST client. With dryRun set, order mutations
// are logged and fabricated instead of sent.
func NewClient(baseURL, apiKey, apiSecret string, dryRun bool) *Client {
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetHeader("APCA-API-KEY-ID", apiKey).
		SetHeader("APCA-API-SECRET-KEY", apiSecret).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(transientRetrys).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})

	mode := "LIVE"
	if dryRun {
		mode = "DRY RUN"
	}
	log.Info().Str("mode", mode).Str("base_url", baseURL).Msg("🚀 Broker client initialized")

	return &Client{
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSec), requestBurst),
		dryRun:  dryRun,
	}
}

// apiOrder is the wire representation of an order.
type apiOrder struct {
	ID             string     `json:"id"`
	ClientOrderID  string     `json:"client_order_id"`
	Symbol         string     `json:"symbol"`
	Side           string     `json:"side"`
	Type           string     `json:"type"`
	Status         string     `json:"status"`
	LimitPrice     *string    `json:"limit_price"`
	Qty            *string    `json:"qty"`
	Notional       *string    `json:"notional"`
	FilledQty      string     `json:"filled_qty"`
	FilledAvgPrice *string    `json:"filled_avg_price"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      *time.Time `json:"updated_at"`
}

type apiPosition struct {
	Symbol       string `json:"symbol"`
	Qty          string `json:"qty"`
	QtyAvailable string `json:"qty_available"`
	AvgEntry     string `json:"avg_entry_price"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) PlaceLimitBuy(ctx context.Context, symbol string, notional, limitPrice decimal.Decimal, clientOrderID string) (*OrderSnapshot, error) {
	if c.dryRun {
		snap := c.dryOrder(symbol, "buy", "limit", clientOrderID, &limitPrice, &notional, nil)
		log.Info().
			Str("symbol", symbol).
			Str("limit_price", limitPrice.String()).
			Str("notional", notional.String()).
			Str("order_id", snap.ID).
			Msg("📝 DRY RUN: limit buy would be placed")
		return snap, nil
	}

	body := map[string]any{
		"symbol":          symbol,
		"side":            "buy",
		"type":            "limit",
		"time_in_force":   "gtc",
		"limit_price":     limitPrice.String(),
		"notional":        notional.String(),
		"client_order_id": clientOrderID,
	}
	return c.submitOrder(ctx, body)
}

func (c *Client) PlaceMarketSell(ctx context.Context, symbol string, qty decimal.Decimal, clientOrderID string) (*OrderSnapshot, error) {
	if c.dryRun {
		snap := c.dryOrder(symbol, "sell", "market", clientOrderID, nil, nil, &qty)
		log.Info().
			Str("symbol", symbol).
			Str("qty", qty.String()).
			Str("order_id", snap.ID).
			Msg("📝 DRY RUN: market sell would be placed")
		return snap, nil
	}

	body := map[string]any{
		"symbol":          symbol,
		"side":            "sell",
		"type":            "market",
		"time_in_force":   "gtc",
		"qty":             qty.String(),
		"client_order_id": clientOrderID,
	}
	return c.submitOrder(ctx, body)
}

func (c *Client) submitOrder(ctx context.Context, body map[string]any) (*OrderSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, placeTimeout)
	defer cancel()
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var order apiOrder
	var apiErr apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&order).
		SetError(&apiErr).
		Post("/v2/orders")
	if err != nil {
		return nil, fmt.Errorf("submit order: %w", err)
	}
	if resp.IsError() {
		if resp.StatusCode() == http.StatusForbidden && strings.Contains(strings.ToLower(apiErr.Message), "insufficient") {
			return nil, fmt.Errorf("%w: %s", ErrInsufficientFunds, apiErr.Message)
		}
		return nil, fmt.Errorf("submit order: HTTP %d: %s", resp.StatusCode(), apiErr.Message)
	}

	snap := toSnapshot(order)
	log.Info().
		Str("symbol", snap.Symbol).
		Str("side", snap.Side).
		Str("order_id", snap.ID).
		Str("status", snap.Status).
		Msg("✅ Order submitted")
	return &snap, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if c.dryRun {
		log.Info().Str("order_id", orderID).Msg("📝 DRY RUN: order would be canceled")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, cancelTimeout)
	defer cancel()
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		Delete("/v2/orders/" + orderID)
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	switch resp.StatusCode() {
	case http.StatusNotFound:
		return ErrOrderNotFound
	case http.StatusUnprocessableEntity:
		// Already in a terminal state; nothing to cancel.
		return nil
	}
	if resp.IsError() {
		return fmt.Errorf("cancel order %s: HTTP %d", orderID, resp.StatusCode())
	}
	return nil
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (*OrderSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var order apiOrder
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&order).
		Get("/v2/orders/" + orderID)
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, ErrOrderNotFound
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get order %s: HTTP %d", orderID, resp.StatusCode())
	}
	snap := toSnapshot(order)
	return &snap, nil
}

func (c *Client) GetOpenOrders(ctx context.Context) ([]OrderSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var orders []apiOrder
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("status", "open").
		SetResult(&orders).
		Get("/v2/orders")
	if err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get open orders: HTTP %d", resp.StatusCode())
	}

	snaps := make([]OrderSnapshot, 0, len(orders))
	for _, o := range orders {
		snaps = append(snaps, toSnapshot(o))
	}
	return snaps, nil
}

func (c *Client) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var pos apiPosition
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&pos).
		Get("/v2/positions/" + positionPath(symbol))
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", symbol, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, ErrPositionNotFound
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get position %s: HTTP %d", symbol, resp.StatusCode())
	}

	return &Position{
		Symbol:       symbol,
		Qty:          mustDecimal(pos.Qty),
		AvailableQty: mustDecimal(pos.QtyAvailable),
		AvgEntry:     mustDecimal(pos.AvgEntry),
	}, nil
}

// positionPath converts "BTC/USD" to the path form "BTCUSD".
func positionPath(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

func (c *Client) dryOrder(symbol, side, typ, clientOrderID string, limit, notional, qty *decimal.Decimal) *OrderSnapshot {
	c.mu.Lock()
	c.drySerial++
	id := fmt.Sprintf("DRY_%d_%d", time.Now().UnixNano(), c.drySerial)
	c.mu.Unlock()

	return &OrderSnapshot{
		ID:            id,
		ClientOrderID: clientOrderID,
		Symbol:        symbol,
		Side:          side,
		Type:          typ,
		Status:        "accepted",
		LimitPrice:    limit,
		Notional:      notional,
		Qty:           qty,
		FilledQty:     decimal.Zero,
		CreatedAt:     time.Now().UTC(),
	}
}

func toSnapshot(o apiOrder) OrderSnapshot {
	snap := OrderSnapshot{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		Type:          o.Type,
		Status:        o.Status,
		FilledQty:     mustDecimal(o.FilledQty),
		CreatedAt:     o.CreatedAt,
	}
	if o.UpdatedAt != nil {
		snap.UpdatedAt = *o.UpdatedAt
	}
	snap.LimitPrice = parseDecimalPtr(o.LimitPrice)
	snap.Qty = parseDecimalPtr(o.Qty)
	snap.Notional = parseDecimalPtr(o.Notional)
	snap.FilledAvgPrice = parseDecimalPtr(o.FilledAvgPrice)
	return snap
}

func parseDecimalPtr(s *string) *decimal.Decimal {
	if s == nil || *s == "" {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
