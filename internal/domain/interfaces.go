package domain

import "context"

// PlaceOrderRequest describes a limit order. A positive Amount buys, a
// negative Amount sells.
type PlaceOrderRequest struct {
	Symbol      string
	Price       float64
	Amount      float64
	ClientRef   string
	TimeInForce string
}

type TriggerKind string

const (
	TriggerTakeProfit TriggerKind = "take_profit"
	TriggerStopLoss   TriggerKind = "stop_loss"
)

// TriggerOrderRequest describes a conditional order that activates when the
// reference price crosses TriggerPrice. TriggerAbove controls the crossing
// direction.
type TriggerOrderRequest struct {
	Symbol       string
	Kind         TriggerKind
	TriggerPrice float64
	LimitPrice   float64
	Amount       float64
	TriggerAbove bool
	ClientRef    string
}

// VenueAPI is the venue's order-placement and market-data RPC surface.
// Implementations return the venue-assigned order reference.
type VenueAPI interface {
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (string, error)
	PlaceTriggerOrder(ctx context.Context, req TriggerOrderRequest) (string, error)
	CancelOrder(ctx context.Context, symbol, orderRef string) error
	CancelTriggerOrder(ctx context.Context, symbol, orderRef string) error
	GetTicker(ctx context.Context, symbol string) (*MarketPrice, error)
	GetInstrument(ctx context.Context, symbol string) (*Instrument, error)
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
}

// HistorySource is the narrow capability the level refresh needs: recent
// price bars, nothing else.
type HistorySource interface {
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
}

// OrderResult is the structured outcome of a gateway submission. Success is
// false on any transport or venue failure; callers never see an error.
type OrderResult struct {
	Ref     string
	Success bool
	Price   float64
}

// Gateway is the order façade consumed by the strategy engine.
type Gateway interface {
	PlaceLimitOrder(ctx context.Context, symbol string, price, amount float64) OrderResult
	PlaceTakeProfit(ctx context.Context, symbol string, trigger, limit, amount float64, isLong bool) OrderResult
	PlaceStopLoss(ctx context.Context, symbol string, trigger, limit, amount float64, isLong bool) OrderResult
	CancelOrder(ctx context.Context, orderRef, symbol string) bool
	CancelTriggerOrder(ctx context.Context, orderRef, symbol string) bool
	MarketPrice(ctx context.Context, symbol string) *MarketPrice
}

// TradeRecord is one journal row: an entry fill or an exit.
type TradeRecord struct {
	Symbol     string
	Side       Side
	LevelPrice float64
	Size       float64
	Price      float64
	Kind       string
	OrderRef   string
}

// TradeRepository persists the audit journal. The live position registry is
// volatile and never stored.
type TradeRepository interface {
	SaveTrade(ctx context.Context, rec *TradeRecord) error
	ListTrades(ctx context.Context, limit int) ([]*TradeRecord, error)
}
