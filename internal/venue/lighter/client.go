// Package lighter implements the venue connector for Lighter. The
// venue has native market orders, so execution never needs limit
// emulation here.
package lighter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"hedge-volume-bot/internal/config"
	"hedge-volume-bot/internal/venue"

	"go.uber.org/zap"
)

type marketInfo struct {
	ID            int
	SizeDecimals  int
	PriceDecimals int
}

func (m marketInfo) sizeIncrement() float64 {
	return math.Pow(10, -float64(m.SizeDecimals))
}

func (m marketInfo) tickSize() float64 {
	return math.Pow(10, -float64(m.PriceDecimals))
}

type Client struct {
	cfg  config.VenueConfig
	http *http.Client
	log  *zap.Logger

	mu     sync.Mutex
	market *marketInfo
}

func New(cfg config.VenueConfig, log *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
		log:  log.With(zap.String("venue", "lighter")),
	}
}

func (c *Client) Name() string { return "lighter" }

func (c *Client) SupportsMarketOrders() bool { return true }

// Init resolves the configured ticker to a market id and its size and
// price steps. Must succeed before any order is placed.
func (c *Client) Init(ctx context.Context) error {
	var resp struct {
		OrderBooks []struct {
			Symbol        string `json:"symbol"`
			MarketID      int    `json:"market_id"`
			SizeDecimals  int    `json:"supported_size_decimals"`
			PriceDecimals int    `json:"supported_price_decimals"`
		} `json:"order_books"`
	}
	if err := c.get(ctx, "/api/v1/orderBooks", nil, &resp); err != nil {
		return fmt.Errorf("resolve market: %w", err)
	}
	for _, ob := range resp.OrderBooks {
		if ob.Symbol == c.cfg.Ticker {
			c.mu.Lock()
			c.market = &marketInfo{ID: ob.MarketID, SizeDecimals: ob.SizeDecimals, PriceDecimals: ob.PriceDecimals}
			c.mu.Unlock()
			c.log.Info("market resolved",
				zap.String("ticker", c.cfg.Ticker),
				zap.Int("market_id", ob.MarketID),
				zap.Int("size_decimals", ob.SizeDecimals),
			)
			return nil
		}
	}
	return fmt.Errorf("ticker %q not listed", c.cfg.Ticker)
}

func (c *Client) marketOrErr() (marketInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.market == nil {
		return marketInfo{}, errors.New("market not resolved, call Init first")
	}
	return *c.market, nil
}

func (c *Client) SizeIncrement() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.market == nil {
		return 0
	}
	return c.market.sizeIncrement()
}

func (c *Client) TickSize() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.market == nil {
		return 0
	}
	return c.market.tickSize()
}

func (c *Client) SubmitOrder(ctx context.Context, req venue.OrderRequest) (string, error) {
	market, err := c.marketOrErr()
	if err != nil {
		return "", err
	}
	orderType := "market"
	body := map[string]any{
		"market_id":  market.ID,
		"side":       string(req.Side),
		"size":       strconv.FormatFloat(req.Quantity, 'f', market.SizeDecimals, 64),
		"order_type": orderType,
	}
	if req.LimitPrice > 0 {
		body["order_type"] = "limit"
		body["price"] = strconv.FormatFloat(req.LimitPrice, 'f', market.PriceDecimals, 64)
	}
	if req.ReduceOnly {
		body["reduce_only"] = true
	}
	if req.ClientOrderID != "" {
		body["client_order_id"] = req.ClientOrderID
	}
	var resp struct {
		OrderID string `json:"order_id"`
	}
	if err := c.post(ctx, "/api/v1/order", body, &resp); err != nil {
		return "", err
	}
	if resp.OrderID == "" {
		return "", errors.New("venue returned no order id")
	}
	return resp.OrderID, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	var resp struct {
		Canceled bool `json:"canceled"`
	}
	return c.post(ctx, "/api/v1/cancelOrder", map[string]any{"order_id": orderID}, &resp)
}

func (c *Client) QueryOrder(ctx context.Context, orderID string) (venue.OrderRecord, error) {
	var resp wireOrder
	params := url.Values{"order_id": {orderID}}
	if err := c.get(ctx, "/api/v1/order", params, &resp); err != nil {
		return venue.OrderRecord{}, err
	}
	return resp.record(c.Name())
}

func (c *Client) QueryPosition(ctx context.Context) (float64, error) {
	market, err := c.marketOrErr()
	if err != nil {
		return 0, err
	}
	acct, err := c.account(ctx)
	if err != nil {
		return 0, err
	}
	for _, pos := range acct.Positions {
		if pos.MarketID != market.ID {
			continue
		}
		size, err := parseFloat(pos.Size)
		if err != nil {
			return 0, err
		}
		if pos.Sign < 0 {
			size = -size
		}
		return size, nil
	}
	return 0, nil
}

func (c *Client) QueryBalance(ctx context.Context) (float64, error) {
	acct, err := c.account(ctx)
	if err != nil {
		return 0, err
	}
	return parseFloat(acct.AvailableBalance)
}

type wireAccount struct {
	AvailableBalance string `json:"available_balance"`
	Positions        []struct {
		MarketID int    `json:"market_id"`
		Size     string `json:"position"`
		Sign     int    `json:"sign"`
	} `json:"positions"`
}

func (c *Client) account(ctx context.Context) (wireAccount, error) {
	var resp wireAccount
	err := c.get(ctx, "/api/v1/account", nil, &resp)
	return resp, err
}

type wireOrder struct {
	OrderID      string `json:"order_id"`
	Side         string `json:"side"`
	Status       string `json:"status"`
	Size         string `json:"size"`
	FilledSize   string `json:"filled_size"`
	AvgFillPrice string `json:"avg_fill_price"`
}

func (o wireOrder) record(venueName string) (venue.OrderRecord, error) {
	requested, err := parseFloat(o.Size)
	if err != nil {
		return venue.OrderRecord{}, err
	}
	filled, err := parseFloat(o.FilledSize)
	if err != nil {
		return venue.OrderRecord{}, err
	}
	avg, err := parseFloat(o.AvgFillPrice)
	if err != nil {
		return venue.OrderRecord{}, err
	}
	return venue.OrderRecord{
		ID:           o.OrderID,
		Venue:        venueName,
		Side:         venue.Side(o.Side),
		RequestedQty: requested,
		FilledQty:    filled,
		AvgFillPrice: avg,
		Status:       statusFromWire(o.Status),
	}, nil
}

func statusFromWire(status string) venue.OrderStatus {
	switch status {
	case "pending":
		return venue.StatusPending
	case "open", "in-progress":
		return venue.StatusOpen
	case "filled":
		return venue.StatusFilled
	case "canceled", "canceled-post-only", "canceled-reduce-only", "canceled-self-trade":
		return venue.StatusCanceled
	case "rejected", "failed":
		return venue.StatusRejected
	default:
		if status == "partially_filled" {
			return venue.StatusPartiallyFilled
		}
		return venue.StatusPending
	}
}

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RESTURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	endpoint := c.cfg.RESTURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	return c.do(req, out)
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", c.cfg.APIKey)
	}
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("lighter http %d: %s", resp.StatusCode, string(body))
	}
	var envelope struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Code != 0 && envelope.Code != 200 {
		return fmt.Errorf("lighter api error %d: %s", envelope.Code, envelope.Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
