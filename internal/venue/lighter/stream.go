package lighter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"hedge-volume-bot/internal/venue"
	"hedge-volume-bot/internal/venue/ws"

	"go.uber.org/zap"
)

const pingInterval = 15 * time.Second

// Subscribe opens one stream session for the resolved market's book
// and this account's orders. The returned channel closes when the
// session dies; the caller owns reconnecting.
func (c *Client) Subscribe(ctx context.Context) (<-chan venue.Event, error) {
	market, err := c.marketOrErr()
	if err != nil {
		return nil, err
	}
	sess, err := ws.Dial(ctx, c.cfg.WSURL, c.log)
	if err != nil {
		return nil, err
	}
	subs := []map[string]string{
		{"type": "subscribe", "channel": fmt.Sprintf("order_book/%d", market.ID)},
		{"type": "subscribe", "channel": "account_orders"},
	}
	for _, sub := range subs {
		if err := sess.WriteJSON(ctx, sub); err != nil {
			_ = sess.Close()
			return nil, err
		}
	}
	sess.StartPing(ctx, pingInterval, map[string]string{"type": "ping"})

	events := make(chan venue.Event, 64)
	go func() {
		defer close(events)
		defer sess.Close()
		err := sess.ReadLoop(ctx, func(raw json.RawMessage) {
			for _, ev := range parseStreamMessage(raw) {
				select {
				case events <- ev:
				case <-ctx.Done():
				}
			}
		})
		if err != nil && ctx.Err() == nil {
			c.log.Warn("stream session ended", zap.Error(err))
		}
	}()
	return events, nil
}

type streamMessage struct {
	Type      string    `json:"type"`
	Offset    uint64    `json:"offset"`
	OrderBook *wireBook `json:"order_book"`
	Orders    []struct {
		OrderID      string `json:"order_id"`
		Status       string `json:"status"`
		FilledSize   string `json:"filled_size"`
		AvgFillPrice string `json:"avg_fill_price"`
	} `json:"orders"`
}

type wireBook struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

// parseStreamMessage maps one wire frame to zero or more events.
// Unknown frame types (pongs, acks) produce nothing.
func parseStreamMessage(raw json.RawMessage) []venue.Event {
	var msg streamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}
	switch msg.Type {
	case "subscribed/order_book":
		if msg.OrderBook == nil {
			return nil
		}
		bid, ask := topOfBook(msg.OrderBook)
		return []venue.Event{venue.Snapshot{Seq: msg.Offset, Bid: bid, Ask: ask}}
	case "update/order_book":
		if msg.OrderBook == nil {
			return nil
		}
		bid, ask := topOfBook(msg.OrderBook)
		return []venue.Event{venue.Delta{Seq: msg.Offset, Bid: bid, Ask: ask}}
	case "update/account_orders", "subscribed/account_orders":
		var events []venue.Event
		for _, ord := range msg.Orders {
			filled, err := parseFloat(ord.FilledSize)
			if err != nil {
				continue
			}
			avg, err := parseFloat(ord.AvgFillPrice)
			if err != nil {
				continue
			}
			events = append(events, venue.OrderUpdate{
				OrderID:      ord.OrderID,
				Status:       statusFromWire(ord.Status),
				FilledQty:    filled,
				AvgFillPrice: avg,
			})
		}
		return events
	default:
		return nil
	}
}

// topOfBook reads the best level of each side; a missing side maps to
// zero, which book deltas treat as unchanged.
func topOfBook(book *wireBook) (bid, ask float64) {
	if len(book.Bids) > 0 && len(book.Bids[0]) > 0 {
		if v, err := parseFloat(book.Bids[0][0]); err == nil {
			bid = v
		}
	}
	if len(book.Asks) > 0 && len(book.Asks[0]) > 0 {
		if v, err := parseFloat(book.Asks[0][0]); err == nil {
			ask = v
		}
	}
	return bid, ask
}
