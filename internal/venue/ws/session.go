// Package ws wraps one websocket connection. Reconnect policy lives
// with the stream replica, not here: a session is dialed, read until
// it fails, and thrown away.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

type Session struct {
	conn *websocket.Conn
	log  *zap.Logger
}

func Dial(ctx context.Context, url string, log *zap.Logger) (*Session, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &Session{conn: conn, log: log}, nil
}

func (s *Session) WriteJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// ReadLoop hands every frame to the handler and returns the first
// read error. A canceled context surfaces as ctx.Err().
func (s *Session) ReadLoop(ctx context.Context, handler func(json.RawMessage)) error {
	if handler == nil {
		return errors.New("ws handler is required")
	}
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logReadError(err)
			return err
		}
		handler(json.RawMessage(data))
	}
}

// StartPing writes the payload on the interval until the context ends
// or a write fails.
func (s *Session) StartPing(ctx context.Context, interval time.Duration, payload any) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.WriteJSON(ctx, payload); err != nil {
					return
				}
			}
		}
	}()
}

func (s *Session) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "done")
}

func (s *Session) logReadError(err error) {
	if s.log == nil {
		return
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		s.log.Info("ws closed", zap.Error(err))
		return
	}
	s.log.Warn("ws read failed", zap.Error(err))
}
