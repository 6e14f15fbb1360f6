package usecase

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/pivot_trade_bot/internal/domain"
	"go.uber.org/zap"
)

type placedOrder struct {
	symbol  string
	price   float64
	amount  float64
	ref     string
	trigger float64
	kind    domain.TriggerKind
	above   bool
}

type mockGateway struct {
	mu sync.Mutex

	limits      []placedOrder
	triggers    []placedOrder
	cancels     []string
	trigCancels []string

	failEntry bool
	failTP    bool
	failSL    bool
	mid       float64

	seq int
}

func (m *mockGateway) nextRef(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func (m *mockGateway) PlaceLimitOrder(_ context.Context, symbol string, price, amount float64) domain.OrderResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failEntry {
		return domain.OrderResult{}
	}
	ref := m.nextRef("ord")
	m.limits = append(m.limits, placedOrder{symbol: symbol, price: price, amount: amount, ref: ref})
	return domain.OrderResult{Ref: ref, Success: true, Price: price}
}

func (m *mockGateway) PlaceTakeProfit(_ context.Context, symbol string, trigger, limit, amount float64, isLong bool) domain.OrderResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failTP {
		return domain.OrderResult{}
	}
	ref := m.nextRef("tp")
	m.triggers = append(m.triggers, placedOrder{
		symbol: symbol, price: limit, amount: amount, ref: ref,
		trigger: trigger, kind: domain.TriggerTakeProfit, above: isLong,
	})
	return domain.OrderResult{Ref: ref, Success: true, Price: limit}
}

func (m *mockGateway) PlaceStopLoss(_ context.Context, symbol string, trigger, limit, amount float64, isLong bool) domain.OrderResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSL {
		return domain.OrderResult{}
	}
	ref := m.nextRef("sl")
	m.triggers = append(m.triggers, placedOrder{
		symbol: symbol, price: limit, amount: amount, ref: ref,
		trigger: trigger, kind: domain.TriggerStopLoss, above: !isLong,
	})
	return domain.OrderResult{Ref: ref, Success: true, Price: limit}
}

func (m *mockGateway) CancelOrder(_ context.Context, orderRef, _ string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels = append(m.cancels, orderRef)
	return true
}

func (m *mockGateway) CancelTriggerOrder(_ context.Context, orderRef, _ string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trigCancels = append(m.trigCancels, orderRef)
	return true
}

func (m *mockGateway) MarketPrice(_ context.Context, _ string) *domain.MarketPrice {
	if m.mid == 0 {
		return nil
	}
	return &domain.MarketPrice{Bid: m.mid - 0.5, Ask: m.mid + 0.5, Mid: m.mid}
}

type mockHistory struct {
	candles []domain.Candle
	err     error
}

func (m *mockHistory) GetCandles(context.Context, string, string, int) ([]domain.Candle, error) {
	return m.candles, m.err
}

func newTestEngine(gw *mockGateway, hist *mockHistory) *StrategyEngine {
	return NewStrategyEngine(StrategyConfig{
		Symbols:          map[string]float64{"BTCUSDT": 0.5},
		TakeProfitPct:    0.015,
		StopLossPct:      0.0075,
		RefreshInterval:  1, // unused outside Run
		CandleInterval:   "60",
		LookbackBars:     24,
		ResistanceLevels: 1,
		SupportLevels:    1,
	}, gw, hist, nil, zap.NewNop())
}

// One bar with H=110 L=90 C=100 gives pivot 100, range 20: resistance 120,
// support 80.
func pivotHistory() *mockHistory {
	return &mockHistory{candles: []domain.Candle{{High: 110, Low: 90, Close: 100}}}
}

func TestBootstrap_PlacesOneEntryPerLevel(t *testing.T) {
	gw := &mockGateway{mid: 100}
	e := newTestEngine(gw, pivotHistory())

	e.Bootstrap(context.Background())

	require.Len(t, gw.limits, 2)
	long := e.tracker.BySlot("BTCUSDT", domain.SideLong, 80)
	short := e.tracker.BySlot("BTCUSDT", domain.SideShort, 120)
	require.NotNil(t, long)
	require.NotNil(t, short)
	assert.Equal(t, domain.StatusPending, long.Status)
	assert.Equal(t, domain.StatusPending, short.Status)

	// Sign encodes side.
	for _, o := range gw.limits {
		switch o.price {
		case 80:
			assert.Equal(t, 0.5, o.amount)
		case 120:
			assert.Equal(t, -0.5, o.amount)
		default:
			t.Fatalf("unexpected entry price %v", o.price)
		}
	}
}

func TestBootstrap_SkipsSymbolWithoutPrice(t *testing.T) {
	gw := &mockGateway{mid: 0}
	e := newTestEngine(gw, pivotHistory())

	e.Bootstrap(context.Background())

	assert.Empty(t, gw.limits)
	assert.Empty(t, e.tracker.Active())
}

func TestHandleFill_ArmsPairAndCancelsOppositeSide(t *testing.T) {
	gw := &mockGateway{mid: 100}
	e := newTestEngine(gw, pivotHistory())
	ctx := context.Background()
	e.Bootstrap(ctx)

	long := e.tracker.BySlot("BTCUSDT", domain.SideLong, 80)
	short := e.tracker.BySlot("BTCUSDT", domain.SideShort, 120)

	e.handleFill(ctx, &domain.FillEvent{Symbol: "BTCUSDT", OrderRef: long.EntryRef, Price: 80})

	// The opposite-side pending entry was cancelled in the same pass.
	assert.Contains(t, gw.cancels, short.EntryRef)
	assert.Equal(t, domain.StatusCancelled, short.Status)

	// Both protective legs were recorded atomically.
	assert.Equal(t, domain.StatusFilled, long.Status)
	assert.Equal(t, 80.0, long.FillPrice)
	require.NotEmpty(t, long.TPRef)
	require.NotEmpty(t, long.SLRef)

	require.Len(t, gw.triggers, 2)
	for _, o := range gw.triggers {
		assert.Equal(t, -0.5, o.amount) // long exits sell
		switch o.kind {
		case domain.TriggerTakeProfit:
			assert.InDelta(t, 81.2, o.trigger, 1e-9)
			assert.True(t, o.above)
		case domain.TriggerStopLoss:
			assert.InDelta(t, 79.4, o.trigger, 1e-9)
			assert.False(t, o.above)
		}
	}
}

func TestHandleFill_PartialPairFailureIsNotCommitted(t *testing.T) {
	gw := &mockGateway{mid: 100, failSL: true}
	e := newTestEngine(gw, pivotHistory())
	ctx := context.Background()
	e.Bootstrap(ctx)

	long := e.tracker.BySlot("BTCUSDT", domain.SideLong, 80)
	e.handleFill(ctx, &domain.FillEvent{Symbol: "BTCUSDT", OrderRef: long.EntryRef, Price: 80})

	// No half-armed state: the position was not committed and the surviving
	// TP leg was cancelled.
	assert.Equal(t, domain.StatusPending, long.Status)
	assert.Empty(t, long.TPRef)
	assert.Empty(t, long.SLRef)
	require.Len(t, gw.triggers, 1)
	assert.Contains(t, gw.trigCancels, gw.triggers[0].ref)
}

func TestHandleFill_UnknownRefIgnored(t *testing.T) {
	gw := &mockGateway{mid: 100}
	e := newTestEngine(gw, pivotHistory())
	ctx := context.Background()
	e.Bootstrap(ctx)

	e.handleFill(ctx, &domain.FillEvent{Symbol: "BTCUSDT", OrderRef: "someone-elses-order", Price: 80})

	assert.Empty(t, gw.triggers)
	assert.Len(t, e.tracker.Active(), 2)
}

func TestHandleOrderUpdate_ExitCancelsPairAndRearms(t *testing.T) {
	gw := &mockGateway{mid: 100}
	e := newTestEngine(gw, pivotHistory())
	e.running = true
	ctx := context.Background()
	e.Bootstrap(ctx)

	long := e.tracker.BySlot("BTCUSDT", domain.SideLong, 80)
	e.handleFill(ctx, &domain.FillEvent{Symbol: "BTCUSDT", OrderRef: long.EntryRef, Price: 80})
	slRef := long.SLRef

	// Price is still above the level, so the slot re-arms.
	e.handlePrice(&domain.PriceUpdateEvent{Symbol: "BTCUSDT", Bid: 99.5, Ask: 100.5})
	e.handleOrderUpdate(ctx, &domain.OrderUpdateEvent{Symbol: "BTCUSDT", OrderRef: long.TPRef, Reason: domain.OrderReasonFilled})

	assert.Equal(t, domain.StatusTPHit, long.Status)
	assert.Contains(t, gw.trigCancels, slRef)

	fresh := e.tracker.BySlot("BTCUSDT", domain.SideLong, 80)
	require.NotNil(t, fresh)
	assert.Equal(t, domain.StatusPending, fresh.Status)
	assert.NotEqual(t, long.EntryRef, fresh.EntryRef)
}

func TestHandleOrderUpdate_NoRearmWhenPriceCrossedLevel(t *testing.T) {
	gw := &mockGateway{mid: 100}
	e := newTestEngine(gw, pivotHistory())
	e.running = true
	ctx := context.Background()
	e.Bootstrap(ctx)

	long := e.tracker.BySlot("BTCUSDT", domain.SideLong, 80)
	e.handleFill(ctx, &domain.FillEvent{Symbol: "BTCUSDT", OrderRef: long.EntryRef, Price: 80})

	// Price dropped to the level: a long entry at or above current price is
	// never re-armed.
	e.handlePrice(&domain.PriceUpdateEvent{Symbol: "BTCUSDT", Bid: 79.5, Ask: 80.5})
	e.handleOrderUpdate(ctx, &domain.OrderUpdateEvent{Symbol: "BTCUSDT", OrderRef: long.SLRef, Reason: domain.OrderReasonFilled})

	assert.Equal(t, domain.StatusSLHit, long.Status)
	assert.Same(t, long, e.tracker.BySlot("BTCUSDT", domain.SideLong, 80))
}

func TestHandleOrderUpdate_CancelledEntryClearsSlot(t *testing.T) {
	gw := &mockGateway{mid: 100}
	e := newTestEngine(gw, pivotHistory())
	ctx := context.Background()
	e.Bootstrap(ctx)

	long := e.tracker.BySlot("BTCUSDT", domain.SideLong, 80)
	e.handleOrderUpdate(ctx, &domain.OrderUpdateEvent{Symbol: "BTCUSDT", OrderRef: long.EntryRef, Reason: domain.OrderReasonCancelled})

	assert.Equal(t, domain.StatusCancelled, long.Status)
	assert.Len(t, e.tracker.Active(), 1)
}

func TestRefresh_ReplacesWorkingBook(t *testing.T) {
	gw := &mockGateway{mid: 100}
	e := newTestEngine(gw, pivotHistory())
	ctx := context.Background()
	e.Bootstrap(ctx)

	long := e.tracker.BySlot("BTCUSDT", domain.SideLong, 80)
	short := e.tracker.BySlot("BTCUSDT", domain.SideShort, 120)

	e.Refresh(ctx)

	// Old entries cancelled, purged, and fresh ones placed at the recomputed
	// levels.
	assert.Contains(t, gw.cancels, long.EntryRef)
	assert.Contains(t, gw.cancels, short.EntryRef)

	active := e.tracker.Active()
	require.Len(t, active, 2)
	for _, p := range active {
		assert.Equal(t, domain.StatusPending, p.Status)
		assert.NotEqual(t, long.EntryRef, p.EntryRef)
		assert.NotEqual(t, short.EntryRef, p.EntryRef)
	}
}

func TestExitPrices(t *testing.T) {
	// Long entry at 100, TP 1.5%, SL 0.75%, slippage 0.5% of the trigger
	// distance.
	tpTrig, tpLim, slTrig, slLim := exitPrices(domain.SideLong, 100, 0.015, 0.0075, 0.005)
	assert.InDelta(t, 101.5, tpTrig, 1e-9)
	assert.InDelta(t, 101.4925, tpLim, 1e-9)
	assert.InDelta(t, 99.25, slTrig, 1e-9)
	assert.InDelta(t, 99.24625, slLim, 1e-9)

	// Short is the mirror image with limits beyond the trigger on the buy
	// side.
	tpTrig, tpLim, slTrig, slLim = exitPrices(domain.SideShort, 100, 0.015, 0.0075, 0.005)
	assert.InDelta(t, 98.5, tpTrig, 1e-9)
	assert.Greater(t, tpLim, tpTrig)
	assert.InDelta(t, 100.75, slTrig, 1e-9)
	assert.Greater(t, slLim, slTrig)
}
