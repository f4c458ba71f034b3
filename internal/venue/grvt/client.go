// Package grvt implements the venue connector for GRVT. The venue has
// no native market orders; execution emulates them with aggressive
// limit orders priced off the stream replica.
package grvt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"hedge-volume-bot/internal/config"
	"hedge-volume-bot/internal/venue"

	"go.uber.org/zap"
)

type instrumentInfo struct {
	SizeIncrement float64
	TickSize      float64
	SizeDecimals  int
	PriceDecimals int
}

type Client struct {
	cfg    config.VenueConfig
	http   *http.Client
	signer *Signer
	log    *zap.Logger
	nonce  atomic.Uint64

	mu         sync.Mutex
	instrument *instrumentInfo
}

func New(cfg config.VenueConfig, log *zap.Logger) (*Client, error) {
	signer, err := NewSigner(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("grvt signer: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: timeout},
		signer: signer,
		log:    log.With(zap.String("venue", "grvt")),
	}
	c.nonce.Store(uint64(time.Now().UnixNano()))
	return c, nil
}

func (c *Client) Name() string { return "grvt" }

func (c *Client) SupportsMarketOrders() bool { return false }

// Init fetches the instrument's size and price steps.
func (c *Client) Init(ctx context.Context) error {
	var resp struct {
		Result struct {
			Instrument    string `json:"instrument"`
			MinSize       string `json:"min_size"`
			TickSize      string `json:"tick_size"`
			SizeDecimals  int    `json:"base_decimals"`
			PriceDecimals int    `json:"quote_decimals"`
		} `json:"result"`
	}
	if err := c.post(ctx, "/full/v1/instrument", map[string]any{"instrument": c.cfg.Ticker}, &resp); err != nil {
		return fmt.Errorf("resolve instrument: %w", err)
	}
	if resp.Result.Instrument == "" {
		return fmt.Errorf("instrument %q not listed", c.cfg.Ticker)
	}
	minSize, err := parseFloat(resp.Result.MinSize)
	if err != nil {
		return err
	}
	tick, err := parseFloat(resp.Result.TickSize)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.instrument = &instrumentInfo{
		SizeIncrement: minSize,
		TickSize:      tick,
		SizeDecimals:  resp.Result.SizeDecimals,
		PriceDecimals: resp.Result.PriceDecimals,
	}
	c.mu.Unlock()
	c.log.Info("instrument resolved",
		zap.String("instrument", resp.Result.Instrument),
		zap.Float64("size_increment", minSize),
		zap.Float64("tick_size", tick),
	)
	return nil
}

func (c *Client) instrumentOrErr() (instrumentInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.instrument == nil {
		return instrumentInfo{}, errors.New("instrument not resolved, call Init first")
	}
	return *c.instrument, nil
}

func (c *Client) SizeIncrement() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.instrument == nil {
		return 0
	}
	return c.instrument.SizeIncrement
}

func (c *Client) TickSize() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.instrument == nil {
		return 0
	}
	return c.instrument.TickSize
}

func (c *Client) SubmitOrder(ctx context.Context, req venue.OrderRequest) (string, error) {
	if req.LimitPrice <= 0 {
		return "", errors.New("grvt has no market orders, a limit price is required")
	}
	inst, err := c.instrumentOrErr()
	if err != nil {
		return "", err
	}
	order := map[string]any{
		"instrument":      c.cfg.Ticker,
		"is_buy":          req.Side == venue.SideBuy,
		"size":            strconv.FormatFloat(req.Quantity, 'f', inst.SizeDecimals, 64),
		"limit_price":     strconv.FormatFloat(req.LimitPrice, 'f', inst.PriceDecimals, 64),
		"reduce_only":     req.ReduceOnly,
		"time_in_force":   "GOOD_TILL_TIME",
		"client_order_id": req.ClientOrderID,
	}
	if c.cfg.SubAccount != "" {
		order["sub_account_id"] = c.cfg.SubAccount
	}
	body, err := c.signedBody(map[string]any{"order": order})
	if err != nil {
		return "", err
	}
	var resp struct {
		Result struct {
			OrderID string `json:"order_id"`
		} `json:"result"`
	}
	if err := c.postRaw(ctx, "/full/v1/create_order", body, &resp); err != nil {
		return "", err
	}
	if resp.Result.OrderID == "" {
		return "", errors.New("venue returned no order id")
	}
	return resp.Result.OrderID, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	body, err := c.signedBody(map[string]any{"order_id": orderID})
	if err != nil {
		return err
	}
	var resp struct {
		Result struct {
			Ack bool `json:"ack"`
		} `json:"result"`
	}
	return c.postRaw(ctx, "/full/v1/cancel_order", body, &resp)
}

func (c *Client) QueryOrder(ctx context.Context, orderID string) (venue.OrderRecord, error) {
	var resp struct {
		Result wireOrder `json:"result"`
	}
	if err := c.post(ctx, "/full/v1/order", map[string]any{"order_id": orderID}, &resp); err != nil {
		return venue.OrderRecord{}, err
	}
	return resp.Result.record(c.Name())
}

func (c *Client) QueryPosition(ctx context.Context) (float64, error) {
	var resp struct {
		Result struct {
			Positions []struct {
				Instrument string `json:"instrument"`
				Size       string `json:"size"`
			} `json:"positions"`
		} `json:"result"`
	}
	if err := c.post(ctx, "/full/v1/positions", map[string]any{"instrument": c.cfg.Ticker}, &resp); err != nil {
		return 0, err
	}
	for _, pos := range resp.Result.Positions {
		if pos.Instrument != c.cfg.Ticker {
			continue
		}
		return parseFloat(pos.Size)
	}
	return 0, nil
}

func (c *Client) QueryBalance(ctx context.Context) (float64, error) {
	var resp struct {
		Result struct {
			AvailableBalance string `json:"available_balance"`
		} `json:"result"`
	}
	if err := c.post(ctx, "/full/v1/account_summary", map[string]any{}, &resp); err != nil {
		return 0, err
	}
	return parseFloat(resp.Result.AvailableBalance)
}

type wireOrder struct {
	OrderID      string `json:"order_id"`
	IsBuy        bool   `json:"is_buy"`
	State        string `json:"state"`
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
	side := venue.SideSell
	if o.IsBuy {
		side = venue.SideBuy
	}
	return venue.OrderRecord{
		ID:           o.OrderID,
		Venue:        venueName,
		Side:         side,
		RequestedQty: requested,
		FilledQty:    filled,
		AvgFillPrice: avg,
		Status:       statusFromWire(o.State),
	}, nil
}

func statusFromWire(state string) venue.OrderStatus {
	switch state {
	case "PENDING":
		return venue.StatusPending
	case "OPEN":
		return venue.StatusOpen
	case "PARTIALLY_FILLED":
		return venue.StatusPartiallyFilled
	case "FILLED":
		return venue.StatusFilled
	case "CANCELLED", "EXPIRED":
		return venue.StatusCanceled
	case "REJECTED":
		return venue.StatusRejected
	default:
		return venue.StatusPending
	}
}

// signedBody attaches the account address, a fresh nonce and the
// payload signature to a request body.
func (c *Client) signedBody(body map[string]any) ([]byte, error) {
	nonce := c.nonce.Add(1)
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	signature, err := c.signer.Sign(payload, nonce)
	if err != nil {
		return nil, err
	}
	body["nonce"] = nonce
	body["wallet"] = c.signer.Address().Hex()
	body["signature"] = signature
	return json.Marshal(body)
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
	return c.postRaw(ctx, path, payload, out)
}

func (c *Client) postRaw(ctx context.Context, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RESTURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-Grvt-Api-Key", c.cfg.APIKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("grvt http %d: %s", resp.StatusCode, string(body))
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var envelope struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Code != 0 {
		return fmt.Errorf("grvt api error %d: %s", envelope.Error.Code, envelope.Error.Message)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}
