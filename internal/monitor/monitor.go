// Package monitor watches every open position and applies the exit rule
// ladder each tick: settlement, partial and full take-profit, stop loss,
// trailing stop, breakeven stop, and the time stop.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/polysignal/trader/internal/clob"
	"github.com/polysignal/trader/internal/config"
	"github.com/polysignal/trader/internal/control"
	"github.com/polysignal/trader/internal/execlog"
	"github.com/polysignal/trader/internal/lifecycle"
	"github.com/polysignal/trader/internal/risk"
	"github.com/polysignal/trader/internal/store"
)

const (
	tickInterval       = 60 * time.Second
	unreachableTicks   = 3
	minPartialNotional = "0.10"
)

// Close reasons.
const (
	ReasonSettledWin    = "SETTLED_WIN"
	ReasonSettledLoss   = "SETTLED_LOSS"
	ReasonTakeProfit    = "TAKE_PROFIT"
	ReasonTakeProfit2   = "TAKE_PROFIT_2"
	ReasonStopLoss      = "STOP_LOSS"
	ReasonTrailingStop  = "TRAILING_STOP"
	ReasonBreakevenStop = "BREAKEVEN_STOP"
	ReasonMaxHoldTime   = "MAX_HOLD_TIME"
)

type venue interface {
	GetPrice(ctx context.Context, tokenID, side string) (decimal.Decimal, error)
	PlaceMarketOrder(ctx context.Context, tokenID, side string, price, size decimal.Decimal) (string, error)
}

type auditSink interface {
	Event(eventType string, detail map[string]any)
	ExecutionEvent(eventType string, executionID uint, dryRun bool, detail map[string]any)
}

// trade is one ledger entry: the open execution plus per-trade exit state.
type trade struct {
	ex          *store.TradeExecution
	lifecycleID string
	entry       decimal.Decimal
	peak        decimal.Decimal
	partialDone bool
	breakeven   bool
}

// Monitor owns the open-trade ledger. Single writer: its own tick loop plus
// Track/Rehydrate called before or between ticks.
type Monitor struct {
	cfg       *config.Config
	rt        *config.Store
	control   *control.Control
	execs     *execlog.Log
	risk      *risk.Manager
	positions *lifecycle.Store
	venue     venue
	audit     auditSink

	mu          sync.Mutex
	trades      map[uint]*trade
	failedTicks int
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
}

func New(
	cfg *config.Config,
	rt *config.Store,
	ctl *control.Control,
	execs *execlog.Log,
	riskMgr *risk.Manager,
	positions *lifecycle.Store,
	vn venue,
	audit auditSink,
) *Monitor {
	return &Monitor{
		cfg:       cfg,
		rt:        rt,
		control:   ctl,
		execs:     execs,
		risk:      riskMgr,
		positions: positions,
		venue:     vn,
		audit:     audit,
		trades:    make(map[uint]*trade),
	}
}

// Track registers an open execution in the ledger.
func (m *Monitor) Track(ex *store.TradeExecution, lifecycleID string) {
	entry := ex.FillPrice
	if !entry.IsPositive() {
		entry = ex.EntryPrice
	}
	m.mu.Lock()
	m.trades[ex.ID] = &trade{
		ex:          ex,
		lifecycleID: lifecycleID,
		entry:       entry,
		peak:        entry,
	}
	n := len(m.trades)
	m.mu.Unlock()
	log.Info().
		Uint("execution_id", ex.ID).
		Str("market", ex.MarketID).
		Int("tracked", n).
		Msg("Position tracked")
}

// Rehydrate rebuilds the ledger from open executions after a restart. Each
// rehydrated position re-enters the lifecycle store as ENTERED.
func (m *Monitor) Rehydrate() error {
	open, err := m.execs.GetOpen()
	if err != nil {
		return err
	}
	for i := range open {
		ex := open[i]
		entry := ex.FillPrice
		if !entry.IsPositive() {
			entry = ex.EntryPrice
		}
		shares := decimal.Zero
		if entry.IsPositive() {
			shares = ex.AmountUSD.DivRound(entry, 2)
		}
		pos := m.positions.Create(ex.ID, ex.MarketID, ex.Side, shares, entry)
		if err := m.positions.Enter(pos.ID, shares, entry); err != nil {
			log.Error().Err(err).Uint("execution_id", ex.ID).Msg("Rehydrated position entry failed")
		}
		m.Track(&ex, pos.ID)
	}
	log.Info().Int("positions", len(open)).Msg("Monitor rehydrated from store")
	return nil
}

// TrackedCount returns the ledger size.
func (m *Monitor) TrackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.trades)
}

// Start launches the tick loop. Idempotent.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
	log.Info().Dur("interval", tickInterval).Msg("Settlement monitor started")
}

// Stop halts the tick loop. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
	log.Info().Msg("Settlement monitor stopped")
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick runs one full pass over the ledger.
func (m *Monitor) tick(ctx context.Context) {
	for _, p := range m.positions.ExpirePending(time.Now().UTC()) {
		log.Warn().Str("position", p.ID).Uint("execution_id", p.ExecutionID).Msg("Pending position expired")
	}

	if !m.control.MonitorActive() {
		return
	}

	m.mu.Lock()
	snapshot := make([]*trade, 0, len(m.trades))
	for _, t := range m.trades {
		snapshot = append(snapshot, t)
	}
	m.mu.Unlock()
	if len(snapshot) == 0 {
		return
	}

	fetchFailures := 0
	for _, t := range snapshot {
		price, err := m.venue.GetPrice(ctx, t.ex.TokenID, clob.SideSell)
		if err != nil {
			fetchFailures++
			log.Warn().Err(err).Uint("execution_id", t.ex.ID).Msg("Price fetch failed")
			continue
		}
		m.evaluate(ctx, t, price)
	}

	if fetchFailures == len(snapshot) {
		m.failedTicks++
		if m.failedTicks >= unreachableTicks {
			log.Error().Int("ticks", m.failedTicks).Msg("🔌 CLOB unreachable")
			m.audit.Event("CLOB_UNREACHABLE", map[string]any{
				"consecutive_ticks": m.failedTicks,
				"open_positions":    len(snapshot),
			})
			m.failedTicks = 0
		}
	} else {
		m.failedTicks = 0
	}
}

// evaluate applies the exit rule ladder to one trade. First match wins.
func (m *Monitor) evaluate(ctx context.Context, t *trade, price decimal.Decimal) {
	if price.GreaterThan(t.peak) {
		t.peak = price
	}
	if !t.entry.IsPositive() {
		return
	}

	hundred := decimal.NewFromInt(100)
	pnlPct := price.Sub(t.entry).Div(t.entry).Mul(hundred)
	drawdown := decimal.Zero
	if t.peak.IsPositive() {
		drawdown = t.peak.Sub(price).Div(t.peak).Mul(hundred)
	}

	// 1. Settlement.
	if price.GreaterThanOrEqual(decimal.NewFromFloat(0.99)) {
		m.closeTrade(ctx, t, price, pnlPct, ReasonSettledWin, true)
		return
	}
	if price.LessThanOrEqual(decimal.NewFromFloat(0.01)) {
		m.closeTrade(ctx, t, price, pnlPct, ReasonSettledLoss, true)
		return
	}

	tp := m.rt.Decimal("take_profit_pct")

	// 2. Partial take-profit, once. Arms the breakeven stop.
	if !t.partialDone && pnlPct.GreaterThanOrEqual(tp) {
		if m.partialExit(ctx, t, price) {
			t.partialDone = true
			t.breakeven = true
			return
		}
		// Remainder too small to split: take the whole profit.
		m.closeTrade(ctx, t, price, pnlPct, ReasonTakeProfit, false)
		return
	}

	// 3. Second take-profit after the partial.
	if t.partialDone && pnlPct.GreaterThanOrEqual(tp.Mul(decimal.NewFromFloat(1.5))) {
		m.closeTrade(ctx, t, price, pnlPct, ReasonTakeProfit2, false)
		return
	}

	// 4. Stop loss.
	if pnlPct.LessThanOrEqual(m.rt.Decimal("stop_loss_pct")) {
		m.closeTrade(ctx, t, price, pnlPct, ReasonStopLoss, false)
		return
	}

	// 5. Trailing stop, only while in profit.
	if pnlPct.IsPositive() && drawdown.GreaterThanOrEqual(m.rt.Decimal("trailing_stop_pct")) {
		m.closeTrade(ctx, t, price, pnlPct, ReasonTrailingStop, false)
		return
	}

	// 6. Breakeven stop, once armed.
	if pnlPct.GreaterThanOrEqual(m.rt.Decimal("breakeven_trigger_pct")) {
		t.breakeven = true
	}
	if t.breakeven && price.LessThanOrEqual(t.entry) {
		m.closeTrade(ctx, t, price, pnlPct, ReasonBreakevenStop, false)
		return
	}

	// 7. Time stop.
	holdHours := time.Since(t.ex.OpenedAt).Hours()
	if holdHours >= m.rt.Get("max_hold_hours") {
		m.closeTrade(ctx, t, price, pnlPct, ReasonMaxHoldTime, false)
	}
}

// partialExit sells half the position at the current price. Returns false
// when the half would fall under the minimum notional.
func (m *Monitor) partialExit(ctx context.Context, t *trade, price decimal.Decimal) bool {
	pos, ok := m.positions.Get(t.lifecycleID)
	if !ok {
		return false
	}
	half := pos.CurrentShares.Div(decimal.NewFromInt(2)).Round(2)
	minNotional := decimal.RequireFromString(minPartialNotional)
	if half.Mul(price).LessThan(minNotional) {
		return false
	}

	if m.liveOrder(t) {
		if _, err := m.venue.PlaceMarketOrder(ctx, t.ex.TokenID, clob.SideSell, price, half); err != nil {
			log.Error().Err(err).Uint("execution_id", t.ex.ID).Msg("Partial exit order failed")
			return false
		}
	}
	if err := m.positions.PartialExit(t.lifecycleID, half, price); err != nil {
		log.Error().Err(err).Str("position", t.lifecycleID).Msg("Partial exit transition failed")
		return false
	}

	m.audit.ExecutionEvent("PARTIAL_EXIT", t.ex.ID, t.ex.DryRun, map[string]any{
		"market_id": t.ex.MarketID,
		"shares":    half.InexactFloat64(),
		"price":     price.InexactFloat64(),
	})
	log.Info().
		Uint("execution_id", t.ex.ID).
		Str("shares", half.StringFixed(2)).
		Str("price", price.StringFixed(4)).
		Msg("💰 Partial take-profit")
	return true
}

func (m *Monitor) liveOrder(t *trade) bool {
	return m.cfg.LiveTradingRequested() && !t.ex.DryRun
}

// closeTrade performs the full close flow: risk counters, execution record,
// SELL order (live, skipped when the market settled), audit, lifecycle,
// ledger removal, drain progress.
func (m *Monitor) closeTrade(ctx context.Context, t *trade, price, pnlPct decimal.Decimal, reason string, settled bool) {
	pnlUSD := t.ex.AmountUSD.Mul(pnlPct).Div(decimal.NewFromInt(100))
	if pos, ok := m.positions.Get(t.lifecycleID); ok {
		// A partial exit already banked its share of the P&L at its own
		// price; only the remaining shares realize at the close price.
		pnlUSD = pos.RealizedPnL.Add(price.Sub(pos.AvgPrice).Mul(pos.CurrentShares))
	}

	if err := m.execs.CloseExecution(t.ex.ID, price, pnlUSD, pnlPct, reason); err != nil {
		log.Error().Err(err).Uint("execution_id", t.ex.ID).Msg("Execution close failed")
		return
	}
	m.risk.RecordTradeClose(t.ex.Category, t.ex.AmountUSD, pnlUSD)

	if m.liveOrder(t) && !settled {
		if pos, ok := m.positions.Get(t.lifecycleID); ok && pos.CurrentShares.IsPositive() {
			if _, err := m.venue.PlaceMarketOrder(ctx, t.ex.TokenID, clob.SideSell, price, pos.CurrentShares); err != nil {
				log.Error().Err(err).Uint("execution_id", t.ex.ID).Msg("Exit order failed, position closed on the books")
			}
		}
	}

	if err := m.positions.Close(t.lifecycleID, price); err != nil {
		log.Error().Err(err).Str("position", t.lifecycleID).Msg("Lifecycle close failed")
	} else if err := m.positions.Remove(t.lifecycleID); err != nil {
		log.Error().Err(err).Str("position", t.lifecycleID).Msg("Lifecycle remove failed")
	}

	m.mu.Lock()
	delete(m.trades, t.ex.ID)
	remaining := len(m.trades)
	m.mu.Unlock()

	m.audit.ExecutionEvent("POSITION_CLOSED", t.ex.ID, t.ex.DryRun, map[string]any{
		"market_id":    t.ex.MarketID,
		"close_reason": reason,
		"exit_price":   price.InexactFloat64(),
		"pnl_usd":      pnlUSD.InexactFloat64(),
		"pnl_pct":      pnlPct.InexactFloat64(),
	})

	emoji := "🔴"
	if pnlUSD.IsPositive() {
		emoji = "🟢"
	}
	log.Info().
		Uint("execution_id", t.ex.ID).
		Str("reason", reason).
		Str("pnl", pnlUSD.StringFixed(2)).
		Str("pnl_pct", pnlPct.StringFixed(2)).
		Msgf("%s Position closed", emoji)

	m.control.NotifyDrainProgress(remaining)
}
