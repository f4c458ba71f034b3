package alerts

import (
	"context"
	"errors"
)

type Sender interface {
	Send(ctx context.Context, message string) error
}

// Fanout delivers one message to every configured channel and keeps
// going past individual failures.
type Fanout struct {
	senders []Sender
}

func NewFanout(senders ...Sender) *Fanout {
	return &Fanout{senders: senders}
}

func (f *Fanout) Send(ctx context.Context, message string) error {
	var errs []error
	for _, s := range f.senders {
		if err := s.Send(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
