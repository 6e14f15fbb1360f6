package exchange

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/vitos/pivot_trade_bot/internal/domain"
	"go.uber.org/zap"
)

// OrderGateway is a thin façade over the venue API. Every requested price is
// snapped to the instrument's tick size before submission, and every transport
// failure is converted into a structured result instead of an error, so the
// strategy engine only ever checks a success flag.
type OrderGateway struct {
	api         domain.VenueAPI
	log         *zap.Logger
	timeInForce string

	mu    sync.Mutex
	ticks map[string]float64
}

func NewOrderGateway(api domain.VenueAPI, timeInForce string, log *zap.Logger) *OrderGateway {
	if timeInForce == "" {
		timeInForce = "GTC"
	}
	return &OrderGateway{
		api:         api,
		log:         log,
		timeInForce: timeInForce,
		ticks:       make(map[string]float64),
	}
}

func (g *OrderGateway) PlaceLimitOrder(ctx context.Context, symbol string, price, amount float64) domain.OrderResult {
	price = g.normalizePrice(ctx, symbol, price)
	ref, err := g.api.PlaceOrder(ctx, domain.PlaceOrderRequest{
		Symbol:      symbol,
		Price:       price,
		Amount:      amount,
		ClientRef:   uuid.NewString(),
		TimeInForce: g.timeInForce,
	})
	if err != nil {
		g.log.Error("limit order failed",
			zap.String("symbol", symbol), zap.Float64("price", price), zap.Error(err))
		return domain.OrderResult{}
	}
	return domain.OrderResult{Ref: ref, Success: true, Price: price}
}

// PlaceTakeProfit submits the profit-taking trigger order. A long's TP
// triggers when price rises above the trigger; a short's when it falls below.
func (g *OrderGateway) PlaceTakeProfit(ctx context.Context, symbol string, trigger, limit, amount float64, isLong bool) domain.OrderResult {
	return g.placeTrigger(ctx, symbol, domain.TriggerTakeProfit, trigger, limit, amount, isLong)
}

// PlaceStopLoss submits the protective stop. Trigger direction is the mirror
// of the take-profit for the same side.
func (g *OrderGateway) PlaceStopLoss(ctx context.Context, symbol string, trigger, limit, amount float64, isLong bool) domain.OrderResult {
	return g.placeTrigger(ctx, symbol, domain.TriggerStopLoss, trigger, limit, amount, isLong)
}

func (g *OrderGateway) placeTrigger(ctx context.Context, symbol string, kind domain.TriggerKind, trigger, limit, amount float64, isLong bool) domain.OrderResult {
	trigger = g.normalizePrice(ctx, symbol, trigger)
	limit = g.normalizePrice(ctx, symbol, limit)

	triggerAbove := isLong
	if kind == domain.TriggerStopLoss {
		triggerAbove = !isLong
	}

	ref, err := g.api.PlaceTriggerOrder(ctx, domain.TriggerOrderRequest{
		Symbol:       symbol,
		Kind:         kind,
		TriggerPrice: trigger,
		LimitPrice:   limit,
		Amount:       amount,
		TriggerAbove: triggerAbove,
		ClientRef:    uuid.NewString(),
	})
	if err != nil {
		g.log.Error("trigger order failed",
			zap.String("symbol", symbol),
			zap.String("kind", string(kind)),
			zap.Float64("trigger", trigger),
			zap.Error(err))
		return domain.OrderResult{}
	}
	return domain.OrderResult{Ref: ref, Success: true, Price: limit}
}

func (g *OrderGateway) CancelOrder(ctx context.Context, orderRef, symbol string) bool {
	if err := g.api.CancelOrder(ctx, symbol, orderRef); err != nil {
		g.log.Warn("cancel failed", zap.String("ref", orderRef), zap.Error(err))
		return false
	}
	return true
}

func (g *OrderGateway) CancelTriggerOrder(ctx context.Context, orderRef, symbol string) bool {
	if err := g.api.CancelTriggerOrder(ctx, symbol, orderRef); err != nil {
		g.log.Warn("trigger cancel failed", zap.String("ref", orderRef), zap.Error(err))
		return false
	}
	return true
}

func (g *OrderGateway) MarketPrice(ctx context.Context, symbol string) *domain.MarketPrice {
	mp, err := g.api.GetTicker(ctx, symbol)
	if err != nil {
		g.log.Warn("ticker fetch failed", zap.String("symbol", symbol), zap.Error(err))
		return nil
	}
	if mp.Mid == 0 && mp.Bid > 0 && mp.Ask > 0 {
		mp.Mid = (mp.Bid + mp.Ask) / 2
	}
	return mp
}

// normalizePrice snaps a price to the nearest tick multiple, rounded to the
// tick's own decimal precision. Tick sizes are fetched once per symbol and
// cached; when metadata is unavailable the raw price passes through.
func (g *OrderGateway) normalizePrice(ctx context.Context, symbol string, price float64) float64 {
	tick := g.tickSize(ctx, symbol)
	if tick <= 0 {
		return price
	}
	snapped := math.Round(price/tick) * tick
	pow := math.Pow10(tickDecimals(tick))
	return math.Round(snapped*pow) / pow
}

func (g *OrderGateway) tickSize(ctx context.Context, symbol string) float64 {
	g.mu.Lock()
	tick, ok := g.ticks[symbol]
	g.mu.Unlock()
	if ok {
		return tick
	}

	inst, err := g.api.GetInstrument(ctx, symbol)
	if err != nil {
		g.log.Warn("instrument fetch failed", zap.String("symbol", symbol), zap.Error(err))
		return 0
	}

	g.mu.Lock()
	g.ticks[symbol] = inst.TickSize
	g.mu.Unlock()
	return inst.TickSize
}

func tickDecimals(tick float64) int {
	s := strconv.FormatFloat(tick, 'f', -1, 64)
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		return len(s) - idx - 1
	}
	return 0
}
