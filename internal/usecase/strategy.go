package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/vitos/pivot_trade_bot/internal/domain"
	"go.uber.org/zap"
)

// StrategyConfig holds the tunables of the level strategy. Percentages are
// fractions (0.015 = 1.5%).
type StrategyConfig struct {
	Symbols          map[string]float64 // symbol -> order size
	TakeProfitPct    float64
	StopLossPct      float64
	SlippagePct      float64
	RefreshInterval  time.Duration
	CandleInterval   string
	LookbackBars     int
	ResistanceLevels int
	SupportLevels    int
	QueueSize        int
}

func (c *StrategyConfig) applyDefaults() {
	if c.SlippagePct == 0 {
		c.SlippagePct = 0.005
	}
	if c.QueueSize == 0 {
		c.QueueSize = 256
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = 15 * time.Minute
	}
}

// StrategyEngine maintains one entry order per computed pivot level and
// attaches a take-profit/stop-loss pair to every fill. All state mutation
// happens on the Run loop goroutine: stream events and the periodic level
// refresh are processed one at a time, in arrival order.
type StrategyEngine struct {
	cfg     StrategyConfig
	gateway domain.Gateway
	history domain.HistorySource
	journal domain.TradeRepository // optional
	tracker *PositionTracker
	log     *zap.Logger

	events   chan domain.StreamEvent
	lastMids map[string]float64
	running  bool
}

func NewStrategyEngine(cfg StrategyConfig, gateway domain.Gateway, history domain.HistorySource, journal domain.TradeRepository, log *zap.Logger) *StrategyEngine {
	cfg.applyDefaults()
	return &StrategyEngine{
		cfg:      cfg,
		gateway:  gateway,
		history:  history,
		journal:  journal,
		tracker:  NewPositionTracker(),
		log:      log,
		events:   make(chan domain.StreamEvent, cfg.QueueSize),
		lastMids: make(map[string]float64),
	}
}

// Tracker exposes the position registry for inspection.
func (e *StrategyEngine) Tracker() *PositionTracker {
	return e.tracker
}

// Enqueue hands a stream event to the engine loop. Safe to call from the
// stream reader goroutine.
func (e *StrategyEngine) Enqueue(ev domain.StreamEvent) {
	e.events <- ev
}

// Run places the initial order book and then processes events and refresh
// ticks until ctx is cancelled, finishing with a best-effort cleanup of every
// live order.
func (e *StrategyEngine) Run(ctx context.Context) error {
	e.running = true
	e.Bootstrap(ctx)

	ticker := time.NewTicker(e.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-e.events:
			e.handleEvent(ctx, ev)
		case <-ticker.C:
			e.Refresh(ctx)
		case <-ctx.Done():
			e.running = false
			e.shutdown()
			return nil
		}
	}
}

// Bootstrap computes levels from fresh history, primes the mid-price cache
// and places one entry order per level.
func (e *StrategyEngine) Bootstrap(ctx context.Context) {
	for symbol := range e.cfg.Symbols {
		if _, ok := e.lastMids[symbol]; ok {
			continue
		}
		if mp := e.gateway.MarketPrice(ctx, symbol); mp != nil {
			e.lastMids[symbol] = mp.Mid
		}
	}
	e.placeEntries(ctx)
}

func (e *StrategyEngine) handleEvent(ctx context.Context, ev domain.StreamEvent) {
	switch ev.Type {
	case domain.EventPriceUpdate:
		e.handlePrice(ev.Price)
	case domain.EventFill:
		e.handleFill(ctx, ev.Fill)
	case domain.EventOrderUpdate:
		e.handleOrderUpdate(ctx, ev.Order)
	case domain.EventPosition:
		// Informational only.
	}
}

func (e *StrategyEngine) handlePrice(p *domain.PriceUpdateEvent) {
	if p == nil || p.Bid <= 0 || p.Ask <= 0 {
		return
	}
	e.lastMids[p.Symbol] = (p.Bid + p.Ask) / 2
}

// handleFill reacts to an execution on a pending entry order: it cancels any
// opposite-side pending entries for the symbol, then arms the TP/SL pair. The
// position is committed as filled only when both legs are accepted; on a
// partial failure the surviving leg is cancelled and the failure logged for
// the operator.
func (e *StrategyEngine) handleFill(ctx context.Context, f *domain.FillEvent) {
	if f == nil {
		return
	}
	pos := e.tracker.ByRef(f.OrderRef)
	if pos == nil || pos.Status != domain.StatusPending || pos.EntryRef != f.OrderRef {
		// Not one of our entries; TP/SL triggers are handled via order updates.
		return
	}

	e.cancelOppositePending(ctx, pos)

	tpTrigger, tpLimit, slTrigger, slLimit := exitPrices(pos.Side, f.Price, e.cfg.TakeProfitPct, e.cfg.StopLossPct, e.cfg.SlippagePct)
	exitAmount := -pos.Size
	if pos.Side == domain.SideShort {
		exitAmount = pos.Size
	}
	isLong := pos.Side == domain.SideLong

	var wg sync.WaitGroup
	var tpRes, slRes domain.OrderResult
	wg.Add(2)
	go func() {
		defer wg.Done()
		tpRes = e.gateway.PlaceTakeProfit(ctx, pos.Symbol, tpTrigger, tpLimit, exitAmount, isLong)
	}()
	go func() {
		defer wg.Done()
		slRes = e.gateway.PlaceStopLoss(ctx, pos.Symbol, slTrigger, slLimit, exitAmount, isLong)
	}()
	wg.Wait()

	if !tpRes.Success || !slRes.Success {
		e.log.Error("protective pair placement failed, position is unprotected",
			zap.String("symbol", pos.Symbol),
			zap.String("slot", pos.ID),
			zap.Bool("tp_ok", tpRes.Success),
			zap.Bool("sl_ok", slRes.Success),
			zap.Float64("fill_price", f.Price))
		// Compensate: do not leave a single untracked protective order live.
		if tpRes.Success {
			e.gateway.CancelTriggerOrder(ctx, tpRes.Ref, pos.Symbol)
		}
		if slRes.Success {
			e.gateway.CancelTriggerOrder(ctx, slRes.Ref, pos.Symbol)
		}
		return
	}

	if e.tracker.MarkFilled(f.OrderRef, f.Price, tpRes.Ref, slRes.Ref) == nil {
		return
	}
	e.log.Info("entry filled, protective pair armed",
		zap.String("symbol", pos.Symbol),
		zap.String("side", string(pos.Side)),
		zap.Float64("fill_price", f.Price),
		zap.Float64("tp_trigger", tpTrigger),
		zap.Float64("sl_trigger", slTrigger))
	e.journalTrade(ctx, pos, "entry_fill", f.Price, f.OrderRef)
}

func (e *StrategyEngine) cancelOppositePending(ctx context.Context, filled *domain.LevelPosition) {
	for _, p := range e.tracker.Active() {
		if p.Symbol != filled.Symbol || p.Side != filled.Side.Opposite() || p.Status != domain.StatusPending {
			continue
		}
		if !e.gateway.CancelOrder(ctx, p.EntryRef, p.Symbol) {
			e.log.Warn("failed to cancel opposite-side entry",
				zap.String("slot", p.ID), zap.String("ref", p.EntryRef))
		}
		e.tracker.MarkCancelled(p.EntryRef)
	}
}

// handleOrderUpdate routes order status changes: a filled TP or SL retires
// the position (cancelling the paired leg) and re-arms the slot while the
// level is still on the right side of the market; a cancelled entry just
// clears its slot. Unknown references belong to other activity on the
// account and are ignored.
func (e *StrategyEngine) handleOrderUpdate(ctx context.Context, u *domain.OrderUpdateEvent) {
	if u == nil {
		return
	}
	pos := e.tracker.ByRef(u.OrderRef)
	if pos == nil {
		return
	}

	switch u.Reason {
	case domain.OrderReasonCancelled:
		e.tracker.MarkCancelled(u.OrderRef)
	case domain.OrderReasonFilled:
		if pos.Status != domain.StatusFilled {
			return
		}
		status := domain.StatusTPHit
		if u.OrderRef == pos.SLRef {
			status = domain.StatusSLHit
		} else if u.OrderRef != pos.TPRef {
			return
		}
		retired, other := e.tracker.MarkExit(u.OrderRef, status)
		if retired == nil {
			return
		}
		if !e.gateway.CancelTriggerOrder(ctx, other, retired.Symbol) {
			e.log.Warn("failed to cancel paired protective order",
				zap.String("slot", retired.ID), zap.String("ref", other))
		}
		e.log.Info("position exited",
			zap.String("symbol", retired.Symbol),
			zap.String("slot", retired.ID),
			zap.String("status", string(status)))
		e.journalTrade(ctx, retired, string(status), retired.FillPrice, u.OrderRef)
		if e.running {
			e.rearm(ctx, retired)
		}
	}
}

// rearm places a fresh entry at a retired slot when the level is still valid:
// a long level only while price holds above it, a short level only while
// price holds below it.
func (e *StrategyEngine) rearm(ctx context.Context, retired *domain.LevelPosition) {
	mid, ok := e.lastMids[retired.Symbol]
	if !ok || mid <= 0 {
		return
	}
	if retired.Side == domain.SideLong && mid <= retired.LevelPrice {
		return
	}
	if retired.Side == domain.SideShort && mid >= retired.LevelPrice {
		return
	}
	e.placeEntry(ctx, retired.Symbol, retired.Side, retired.LevelPrice, retired.Size)
}

// Refresh recomputes the level set and atomically replaces the working book:
// every pending entry and every protective order is cancelled best-effort,
// terminal records purged, and the placement routine re-run against the new
// levels. A single unresponsive cancel never blocks the rest of the sweep.
func (e *StrategyEngine) Refresh(ctx context.Context) {
	for _, p := range e.tracker.Active() {
		switch p.Status {
		case domain.StatusPending:
			if !e.gateway.CancelOrder(ctx, p.EntryRef, p.Symbol) {
				e.log.Warn("refresh: entry cancel failed", zap.String("ref", p.EntryRef))
			}
			e.tracker.MarkCancelled(p.EntryRef)
		case domain.StatusFilled:
			if !e.gateway.CancelTriggerOrder(ctx, p.TPRef, p.Symbol) {
				e.log.Warn("refresh: tp cancel failed", zap.String("ref", p.TPRef))
			}
			if !e.gateway.CancelTriggerOrder(ctx, p.SLRef, p.Symbol) {
				e.log.Warn("refresh: sl cancel failed", zap.String("ref", p.SLRef))
			}
		}
	}
	purged := e.tracker.Purge()
	e.log.Info("refresh: replaced working book", zap.Int("purged", purged))
	e.placeEntries(ctx)
}

func (e *StrategyEngine) placeEntries(ctx context.Context) {
	for symbol, size := range e.cfg.Symbols {
		mid, ok := e.lastMids[symbol]
		if !ok || mid <= 0 {
			e.log.Warn("no current price, skipping symbol", zap.String("symbol", symbol))
			continue
		}

		candles, err := e.history.GetCandles(ctx, symbol, e.cfg.CandleInterval, e.cfg.LookbackBars)
		if err != nil {
			e.log.Error("failed to fetch history", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		levels := CalcPivotLevels(candles, e.cfg.ResistanceLevels, e.cfg.SupportLevels)
		if levels.Empty() {
			e.log.Warn("insufficient history for levels", zap.String("symbol", symbol))
			continue
		}

		for _, level := range levels.Support {
			e.placeEntry(ctx, symbol, domain.SideLong, level, size)
		}
		for _, level := range levels.Resistance {
			e.placeEntry(ctx, symbol, domain.SideShort, level, size)
		}
	}
}

// placeEntry submits one entry order and registers the pending position. The
// tracker is only mutated after the gateway accepted the order.
func (e *StrategyEngine) placeEntry(ctx context.Context, symbol string, side domain.Side, level, size float64) {
	if e.tracker.HasActive(symbol, side, level) {
		return
	}

	amount := size
	if side == domain.SideShort {
		amount = -size
	}
	res := e.gateway.PlaceLimitOrder(ctx, symbol, level, amount)
	if !res.Success {
		e.log.Warn("entry placement failed",
			zap.String("symbol", symbol), zap.String("side", string(side)), zap.Float64("level", level))
		return
	}

	if _, err := e.tracker.Create(symbol, side, level, size, res.Ref); err != nil {
		e.log.Error("tracker rejected new position, cancelling order",
			zap.String("ref", res.Ref), zap.Error(err))
		e.gateway.CancelOrder(ctx, res.Ref, symbol)
		return
	}
	e.log.Info("entry placed",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("level", level),
		zap.Float64("price", res.Price),
		zap.String("ref", res.Ref))
}

// shutdown best-effort-cancels every live order. Individual failures are
// logged and do not stop the pass.
func (e *StrategyEngine) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, p := range e.tracker.Active() {
		switch p.Status {
		case domain.StatusPending:
			if !e.gateway.CancelOrder(ctx, p.EntryRef, p.Symbol) {
				e.log.Warn("shutdown: entry cancel failed", zap.String("ref", p.EntryRef))
			}
		case domain.StatusFilled:
			if !e.gateway.CancelTriggerOrder(ctx, p.TPRef, p.Symbol) {
				e.log.Warn("shutdown: tp cancel failed", zap.String("ref", p.TPRef))
			}
			if !e.gateway.CancelTriggerOrder(ctx, p.SLRef, p.Symbol) {
				e.log.Warn("shutdown: sl cancel failed", zap.String("ref", p.SLRef))
			}
		}
	}
	e.log.Info("shutdown complete")
}

func (e *StrategyEngine) journalTrade(ctx context.Context, pos *domain.LevelPosition, kind string, price float64, ref string) {
	if e.journal == nil {
		return
	}
	rec := &domain.TradeRecord{
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		LevelPrice: pos.LevelPrice,
		Size:       pos.Size,
		Price:      price,
		Kind:       kind,
		OrderRef:   ref,
	}
	if err := e.journal.SaveTrade(ctx, rec); err != nil {
		e.log.Warn("failed to journal trade", zap.Error(err))
	}
}

// exitPrices derives the TP/SL trigger and limit prices from a fill. Limits
// sit beyond the trigger by slippage * trigger distance, in the direction
// that keeps the order marketable once triggered.
func exitPrices(side domain.Side, fillPrice, tpPct, slPct, slippage float64) (tpTrigger, tpLimit, slTrigger, slLimit float64) {
	tpDist := fillPrice * tpPct
	slDist := fillPrice * slPct

	if side == domain.SideLong {
		tpTrigger = fillPrice + tpDist
		tpLimit = tpTrigger - slippage*tpDist
		slTrigger = fillPrice - slDist
		slLimit = slTrigger - slippage*slDist
	} else {
		tpTrigger = fillPrice - tpDist
		tpLimit = tpTrigger + slippage*tpDist
		slTrigger = fillPrice + slDist
		slLimit = slTrigger + slippage*slDist
	}
	return
}
