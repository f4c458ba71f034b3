package grvt

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

// Subscribe opens one stream session for the instrument's book and
// this account's orders. The returned channel closes when the session
// dies; the caller owns reconnecting.
func (c *Client) Subscribe(ctx context.Context) (<-chan venue.Event, error) {
	if _, err := c.instrumentOrErr(); err != nil {
		return nil, err
	}
	sess, err := ws.Dial(ctx, c.cfg.WSURL, c.log)
	if err != nil {
		return nil, err
	}
	sub := map[string]any{
		"request": "subscribe",
		"streams": []string{
			fmt.Sprintf("book.s.%s", c.cfg.Ticker),
			"order.s",
		},
	}
	if err := sess.WriteJSON(ctx, sub); err != nil {
		_ = sess.Close()
		return nil, err
	}
	sess.StartPing(ctx, pingInterval, map[string]string{"request": "ping"})

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
	Stream   string `json:"stream"`
	Sequence uint64 `json:"sequence_number"`
	Snapshot bool   `json:"snapshot"`
	Bids     []struct {
		Price string `json:"price"`
		Size  string `json:"size"`
	} `json:"bids"`
	Asks []struct {
		Price string `json:"price"`
		Size  string `json:"size"`
	} `json:"asks"`
	Order *wireOrder `json:"order"`
}

func parseStreamMessage(raw json.RawMessage) []venue.Event {
	var msg streamMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}
	switch msg.Stream {
	case "book.s":
		var bid, ask float64
		if len(msg.Bids) > 0 {
			if v, err := parseFloat(msg.Bids[0].Price); err == nil {
				bid = v
			}
		}
		if len(msg.Asks) > 0 {
			if v, err := parseFloat(msg.Asks[0].Price); err == nil {
				ask = v
			}
		}
		if msg.Snapshot {
			return []venue.Event{venue.Snapshot{Seq: msg.Sequence, Bid: bid, Ask: ask}}
		}
		return []venue.Event{venue.Delta{Seq: msg.Sequence, Bid: bid, Ask: ask}}
	case "order.s":
		if msg.Order == nil {
			return nil
		}
		filled, err := parseFloat(msg.Order.FilledSize)
		if err != nil {
			return nil
		}
		avg, err := parseFloat(msg.Order.AvgFillPrice)
		if err != nil {
			return nil
		}
		return []venue.Event{venue.OrderUpdate{
			OrderID:      msg.Order.OrderID,
			Status:       statusFromWire(msg.Order.State),
			FilledQty:    filled,
			AvgFillPrice: avg,
		}}
	default:
		return nil
	}
}
