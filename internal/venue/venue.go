// Package venue defines the boundary between the trading core and a
// remote trading venue: order submission, order/position queries and
// the typed event stream a venue pushes at us.
package venue

import "context"

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
)

func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected:
		return true
	}
	return false
}

type OrderRecord struct {
	ID            string
	Venue         string
	Side          Side
	RequestedQty  float64
	FilledQty     float64
	AvgFillPrice  float64
	Status        OrderStatus
	LastUpdateSeq uint64
}

// OrderRequest describes a desired order. LimitPrice == 0 means a
// native market order, which not every venue supports.
type OrderRequest struct {
	Side          Side
	Quantity      float64
	LimitPrice    float64
	ReduceOnly    bool
	ClientOrderID string
}

// Event is one message from a venue's push stream. Exactly one of the
// concrete types below.
type Event interface{ event() }

// Snapshot resets the book to a known state and (re)bases sequencing.
type Snapshot struct {
	Seq uint64
	Bid float64
	Ask float64
}

// Delta updates one or both sides of the top of book. A zero side
// means "unchanged".
type Delta struct {
	Seq uint64
	Bid float64
	Ask float64
}

// OrderUpdate reports progress on an order this process placed. It is
// keyed by order id and carries no book sequence.
type OrderUpdate struct {
	OrderID      string
	Status       OrderStatus
	FilledQty    float64
	AvgFillPrice float64
}

func (Snapshot) event()    {}
func (Delta) event()       {}
func (OrderUpdate) event() {}

// Connector is the venue-specific client consumed by the stream
// replica and the execution primitive. Implementations live under
// internal/venue/<name>; every call can fail and callers must treat
// them as such.
type Connector interface {
	Name() string

	SubmitOrder(ctx context.Context, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	QueryOrder(ctx context.Context, orderID string) (OrderRecord, error)
	QueryPosition(ctx context.Context) (float64, error)
	QueryBalance(ctx context.Context) (float64, error)

	// Subscribe opens a fresh stream. The returned channel is closed
	// when the connection drops; reconnect policy belongs to the
	// caller (the stream replica), not the connector.
	Subscribe(ctx context.Context) (<-chan Event, error)

	SizeIncrement() float64
	TickSize() float64
	SupportsMarketOrders() bool
}
