package domain

// StreamEvent is a parsed message from the venue event stream.
// Exactly one of the payload fields is set, according to Type.
type StreamEvent struct {
	Type     EventType
	Price    *PriceUpdateEvent
	Fill     *FillEvent
	Order    *OrderUpdateEvent
	Position *PositionEvent
}

type EventType string

const (
	EventPriceUpdate EventType = "price"
	EventFill        EventType = "fill"
	EventOrderUpdate EventType = "order"
	EventPosition    EventType = "position"
)

// PriceUpdateEvent carries a best-bid/offer update.
type PriceUpdateEvent struct {
	Symbol string
	Bid    float64
	Ask    float64
}

// FillEvent reports an execution against a resting order.
type FillEvent struct {
	Symbol    string
	OrderRef  string
	Price     float64
	Filled    float64
	Remaining float64
}

type OrderUpdateReason string

const (
	OrderReasonFilled    OrderUpdateReason = "filled"
	OrderReasonCancelled OrderUpdateReason = "cancelled"
)

// OrderUpdateEvent reports a status change on an order.
type OrderUpdateEvent struct {
	Symbol   string
	OrderRef string
	Reason   OrderUpdateReason
}

// PositionEvent is informational only; the engine does not act on it.
type PositionEvent struct {
	Symbol string
	Size   float64
	Entry  float64
}
