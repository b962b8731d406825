// Package bridge admits upstream scanner signals into trades. Every signal
// walks an ordered, short-circuiting gate chain; every outcome, traded or
// not, lands in the decision log.
package bridge

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/polysignal/trader/internal/clob"
	"github.com/polysignal/trader/internal/config"
	"github.com/polysignal/trader/internal/control"
	"github.com/polysignal/trader/internal/decision"
	"github.com/polysignal/trader/internal/execlog"
	"github.com/polysignal/trader/internal/lifecycle"
	"github.com/polysignal/trader/internal/risk"
	"github.com/polysignal/trader/internal/signal"
	"github.com/polysignal/trader/internal/store"
)

const (
	cooldownMinutes = 5
	pollInterval    = 5 * time.Second
	pollBudget      = 60 * time.Second
)

// venue is the slice of the CLOB client the bridge needs.
type venue interface {
	PlaceMarketOrder(ctx context.Context, tokenID, side string, price, size decimal.Decimal) (string, error)
	GetOrder(ctx context.Context, orderID string) (*clob.OrderStatus, error)
	GetOrderBook(ctx context.Context, tokenID string) (*clob.Book, error)
	GetBalance(ctx context.Context) (decimal.Decimal, error)
	InvalidateBalance()
}

// positionTracker registers a filled position with the settlement monitor.
type positionTracker interface {
	Track(ex *store.TradeExecution, lifecycleID string)
}

type auditSink interface {
	ExecutionEvent(eventType string, executionID uint, dryRun bool, detail map[string]any)
}

// Bridge wires the gate chain to execution. One signal at a time: the feed
// delivers on a single goroutine, so admission per market is serial.
type Bridge struct {
	cfg       *config.Config
	rt        *config.Store
	control   *control.Control
	execs     *execlog.Log
	risk      *risk.Manager
	decisions *decision.Tracker
	positions *lifecycle.Store
	monitor   positionTracker
	venue     venue
	audit     auditSink
	dry       *DrySink

	betSizer     func(*signal.Signal) decimal.Decimal
	signalNotify func(*signal.Signal, string)
}

func New(
	cfg *config.Config,
	rt *config.Store,
	ctl *control.Control,
	execs *execlog.Log,
	riskMgr *risk.Manager,
	decisions *decision.Tracker,
	positions *lifecycle.Store,
	monitor positionTracker,
	vn venue,
	audit auditSink,
	dry *DrySink,
) *Bridge {
	b := &Bridge{
		cfg:       cfg,
		rt:        rt,
		control:   ctl,
		execs:     execs,
		risk:      riskMgr,
		decisions: decisions,
		positions: positions,
		monitor:   monitor,
		venue:     vn,
		audit:     audit,
		dry:       dry,
	}
	b.betSizer = func(sig *signal.Signal) decimal.Decimal {
		return riskMgr.BetSize(sig.ChosenEdge())
	}
	return b
}

// SetBetSizer replaces the default edge-scaled sizer.
func (b *Bridge) SetBetSizer(fn func(*signal.Signal) decimal.Decimal) {
	if fn != nil {
		b.betSizer = fn
	}
}

// SetSignalNotifier wires the per-signal announcement for admitted signals.
func (b *Bridge) SetSignalNotifier(fn func(*signal.Signal, string)) {
	b.signalNotify = fn
}

func (b *Bridge) notifySignal(sig *signal.Signal, event string) {
	if b.signalNotify != nil {
		b.signalNotify(sig, event)
	}
}

func (b *Bridge) live() bool {
	return b.cfg.LiveTradingRequested() && b.venue != nil
}

// HandleSignal runs the full gate chain for one signal:enter event and, if
// it passes, executes the trade (simulated or live).
func (b *Bridge) HandleSignal(ctx context.Context, sig *signal.Signal) {
	scores := map[string]float64{
		"edge":       sig.ChosenEdge(),
		"confidence": sig.Confidence,
		"kelly":      sig.Kelly,
		"spread":     sig.ChosenSpread(),
	}

	chainLen := 7 // strength..risk; live adds balance and liquidity
	if b.live() {
		chainLen = 9
	}

	var gates []decision.GateResult
	pass := func(name, detail string) {
		gates = append(gates, decision.GateResult{Name: name, Passed: true, Detail: detail})
	}
	block := func(name, detail string) {
		gates = append(gates, decision.GateResult{Name: name, Passed: false, Detail: detail})
		b.decisions.Record(sig.Signal, sig.MarketID, decision.OutcomeBlocked, name, gates, chainLen, scores, sig)
		log.Info().
			Str("market", sig.Market.Slug).
			Str("gate", name).
			Str("detail", detail).
			Msg("Signal blocked")
	}

	// 1. Recommendation strength.
	if sig.Rec.Action != signal.ActionEnter ||
		(sig.Rec.Strength != signal.StrengthStrong && sig.Rec.Strength != signal.StrengthGood) {
		block("strength", sig.Rec.Action+"/"+sig.Rec.Strength)
		return
	}
	pass("strength", sig.Rec.Strength)

	// 2. Bot control.
	if !b.control.AllowsNewTrades() {
		block("control", b.control.BlockReason())
		return
	}
	pass("control", "")

	// 3. Dedup: at most one open position per market.
	open, err := b.execs.HasOpenPositionOnMarket(sig.MarketID)
	if err != nil || open {
		detail := "open position exists"
		if err != nil {
			detail = err.Error()
		}
		block("dedup", detail)
		return
	}
	pass("dedup", "")

	// 4. Market cooldown.
	cooling, err := b.execs.IsMarketOnCooldown(sig.MarketID, cooldownMinutes)
	if err != nil || cooling {
		detail := "market on cooldown"
		if err != nil {
			detail = err.Error()
		}
		block("cooldown", detail)
		return
	}
	pass("cooldown", "")

	// 5. Settlement headroom.
	minSettle := b.rt.Get("min_settlement_minutes")
	if sig.Market.SettlementLeftMin < minSettle {
		block("settlement_time", decimal.NewFromFloat(sig.Market.SettlementLeftMin).StringFixed(1)+" min left")
		return
	}
	pass("settlement_time", "")

	// 6. Orderbook spread.
	maxSpread := b.rt.Get("max_spread")
	if sig.ChosenSpread() > maxSpread {
		block("spread", decimal.NewFromFloat(sig.ChosenSpread()).StringFixed(4))
		return
	}
	pass("spread", "")

	// 7. Risk gates, sized first so exposure checks see the real notional.
	betSize := b.betSizer(sig)
	maxBet := b.rt.Decimal("max_bet_usd")
	if betSize.GreaterThan(maxBet) {
		betSize = maxBet
	}
	if !betSize.IsPositive() {
		block("risk", "zero_bet_size")
		return
	}
	if d := b.risk.CanTrade(sig.Market.Category, betSize); !d.Allowed {
		block("risk", d.Reason)
		return
	}
	pass("risk", betSize.StringFixed(2))

	tokenID := sig.TokenID()
	if tokenID == "" {
		b.failNoToken(sig, betSize, gates, scores)
		return
	}

	if !b.live() {
		b.executeDry(sig, tokenID, betSize, gates, scores)
		return
	}

	// 8. Wallet balance (live only).
	balance, err := b.venue.GetBalance(ctx)
	if err != nil {
		block("balance", err.Error())
		return
	}
	minBalance := b.rt.Decimal("min_balance_usd")
	required := minBalance
	if betSize.GreaterThan(required) {
		required = betSize
	}
	if balance.LessThan(required) {
		block("balance", "balance "+balance.StringFixed(2)+" < "+required.StringFixed(2))
		return
	}
	pass("balance", "")

	// 9. Liquidity and estimated slippage (live only).
	book, err := b.venue.GetOrderBook(ctx, tokenID)
	if err != nil {
		block("liquidity", err.Error())
		return
	}
	price := book.BestAsk
	if !price.IsPositive() {
		block("liquidity", "no asks")
		return
	}
	shares := betSize.DivRound(price, 2)
	if book.AskLiquidity.LessThan(shares) {
		block("liquidity", "depth "+book.AskLiquidity.StringFixed(2)+" < "+shares.StringFixed(2))
		return
	}
	mark := sig.EntryPrice()
	if mark.IsPositive() {
		slippagePct := price.Sub(mark).Div(mark).Mul(decimal.NewFromInt(100))
		maxSlippage := b.rt.Decimal("max_slippage_pct")
		if slippagePct.GreaterThan(maxSlippage) {
			block("liquidity", "slippage "+slippagePct.StringFixed(2)+"%")
			return
		}
	}
	pass("liquidity", "")

	b.executeLive(ctx, sig, tokenID, betSize, price, shares, gates, scores)
}

// failNoToken records the fatal missing-token failure against an execution.
func (b *Bridge) failNoToken(sig *signal.Signal, betSize decimal.Decimal, gates []decision.GateResult, scores map[string]float64) {
	ex := b.newExecution(sig, "", betSize)
	ex.Status = store.StatusFailed
	ex.ErrorMsg = "no_token_id"
	if _, err := b.execs.LogExecution(ex); err != nil {
		log.Error().Err(err).Str("market", sig.Market.Slug).Msg("Failed execution log write failed")
	}
	gates = append(gates, decision.GateResult{Name: "token_id", Passed: false, Detail: "no_token_id"})
	b.decisions.Record(sig.Signal, sig.MarketID, decision.OutcomeBlocked, "token_id", gates, len(gates), scores, sig)
	log.Error().Str("market", sig.Market.Slug).Str("side", sig.Rec.Side).Msg("Signal has no token id for chosen side")
}

func (b *Bridge) newExecution(sig *signal.Signal, tokenID string, betSize decimal.Decimal) *store.TradeExecution {
	return &store.TradeExecution{
		SignalID:     sig.Signal,
		MarketID:     sig.MarketID,
		TokenID:      tokenID,
		Side:         sig.Rec.Side,
		AmountUSD:    betSize,
		EntryPrice:   sig.EntryPrice(),
		Edge:         sig.ChosenEdge(),
		Confidence:   sig.Confidence,
		Regime:       sig.RegimeInfo.Regime,
		Category:     sig.Market.Category,
		SizingMethod: "edge_scaled",
	}
}

// executeDry simulates the trade: CSV row, dry execution, lifecycle entry,
// monitor registration.
func (b *Bridge) executeDry(sig *signal.Signal, tokenID string, betSize decimal.Decimal, gates []decision.GateResult, scores map[string]float64) {
	if b.dry != nil {
		b.dry.Write(sig, betSize)
	}

	entry := sig.EntryPrice()
	ex := b.newExecution(sig, tokenID, betSize)
	ex.DryRun = true
	ex.FillPrice = entry
	id, err := b.execs.LogExecution(ex)
	if err != nil {
		log.Error().Err(err).Str("market", sig.Market.Slug).Msg("Dry execution log write failed")
		return
	}

	shares := decimal.Zero
	if entry.IsPositive() {
		shares = betSize.DivRound(entry, 2)
	}
	pos := b.positions.Create(id, sig.MarketID, sig.Rec.Side, shares, entry)
	if err := b.positions.Enter(pos.ID, shares, entry); err != nil {
		log.Error().Err(err).Str("position", pos.ID).Msg("Dry position entry failed")
	}

	b.risk.RecordTradeOpen(sig.Market.Category, betSize)
	b.monitor.Track(ex, pos.ID)
	b.audit.ExecutionEvent("POSITION_OPENED", id, true, map[string]any{
		"market_id": sig.MarketID,
		"question":  sig.Market.Question,
		"side":      sig.Rec.Side,
		"amount":    betSize.InexactFloat64(),
		"price":     entry.InexactFloat64(),
		"edge":      sig.ChosenEdge(),
	})
	b.decisions.Record(sig.Signal, sig.MarketID, decision.OutcomeDryRun, "", gates, len(gates), scores, sig)
	b.notifySignal(sig, "signal.entered")

	log.Info().
		Str("market", sig.Market.Slug).
		Str("side", sig.Rec.Side).
		Str("amount", betSize.StringFixed(2)).
		Msg("📝 DRY RUN: position opened")
}

// executeLive places the BUY order and hands fill resolution to the poller.
func (b *Bridge) executeLive(ctx context.Context, sig *signal.Signal, tokenID string, betSize, price, shares decimal.Decimal, gates []decision.GateResult, scores map[string]float64) {
	orderID, err := b.venue.PlaceMarketOrder(ctx, tokenID, clob.SideBuy, price, shares)
	if err != nil {
		ex := b.newExecution(sig, tokenID, betSize)
		ex.Status = store.StatusFailed
		ex.ErrorMsg = err.Error()
		id, lerr := b.execs.LogExecution(ex)
		if lerr != nil {
			log.Error().Err(lerr).Msg("Rejected execution log write failed")
		} else {
			b.audit.ExecutionEvent("ORDER_REJECTED", id, false, map[string]any{
				"market_id": sig.MarketID,
				"question":  sig.Market.Question,
				"side":      sig.Rec.Side,
				"amount":    betSize.InexactFloat64(),
				"reason":    err.Error(),
			})
		}
		gates = append(gates, decision.GateResult{Name: "venue", Passed: false, Detail: err.Error()})
		b.decisions.Record(sig.Signal, sig.MarketID, decision.OutcomeBlocked, "venue", gates, len(gates), scores, sig)
		log.Error().Err(err).Str("market", sig.Market.Slug).Msg("Order rejected by venue")
		return
	}

	ex := b.newExecution(sig, tokenID, betSize)
	ex.OrderID = orderID
	ex.EntryPrice = price
	id, err := b.execs.LogExecution(ex)
	if err != nil {
		log.Error().Err(err).Str("order_id", orderID).Msg("Execution log write failed after placement")
		return
	}
	b.audit.ExecutionEvent("ORDER_PLACED", id, false, map[string]any{
		"market_id": sig.MarketID,
		"order_id":  orderID,
		"side":      sig.Rec.Side,
		"amount":    betSize.InexactFloat64(),
		"price":     price.InexactFloat64(),
	})

	b.risk.RecordTradeOpen(sig.Market.Category, betSize)
	pos := b.positions.Create(id, sig.MarketID, sig.Rec.Side, shares, price)
	b.venue.InvalidateBalance()
	b.decisions.Record(sig.Signal, sig.MarketID, decision.OutcomeExecuted, "", gates, len(gates), scores, sig)
	b.notifySignal(sig, "signal.entered")

	log.Info().
		Str("market", sig.Market.Slug).
		Str("order_id", orderID).
		Str("amount", betSize.StringFixed(2)).
		Msg("🚀 LIVE: order placed")

	go b.pollFill(ctx, ex, pos.ID, shares, price)
}

// pollFill resolves the fill within the wall budget. Terminal outcomes:
// filled, partial, rejected/expired, timeout (optimistic registration).
func (b *Bridge) pollFill(ctx context.Context, ex *store.TradeExecution, posID string, shares, price decimal.Decimal) {
	deadline := time.Now().Add(pollBudget)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		st, err := b.venue.GetOrder(ctx, ex.OrderID)
		if err != nil {
			log.Warn().Err(err).Str("order_id", ex.OrderID).Msg("Fill poll failed")
			continue
		}

		switch st.Status {
		case "matched":
			fillPrice := st.AveragePrice
			if !fillPrice.IsPositive() {
				fillPrice = price
			}
			filled := st.SizeMatched
			if !filled.IsPositive() {
				filled = shares
			}
			b.registerFill(ex, posID, filled, fillPrice, "POSITION_OPENED", nil)
			return

		case "rejected", "cancelled", "expired":
			if st.SizeMatched.IsPositive() {
				fillPrice := st.AveragePrice
				if !fillPrice.IsPositive() {
					fillPrice = price
				}
				b.registerFill(ex, posID, st.SizeMatched, fillPrice, "ORDER_PARTIAL_FILL", map[string]any{
					"size_matched":   st.SizeMatched.String(),
					"size_remaining": st.SizeRemaining.String(),
					"order_status":   st.Status,
				})
				return
			}
			b.failUnfilled(ex, posID, st.Status)
			return
		}
		// "live": keep polling.
	}

	// Budget exhausted: assume the fill landed and let the monitor and
	// auto-repair sort out the truth.
	b.registerFill(ex, posID, shares, price, "ORDER_FILL_ERROR", map[string]any{
		"reason": "poll_timeout",
	})
}

func (b *Bridge) registerFill(ex *store.TradeExecution, posID string, shares, fillPrice decimal.Decimal, event string, extra map[string]any) {
	if err := b.execs.RecordFill(ex.ID, fillPrice); err != nil {
		log.Error().Err(err).Uint("execution_id", ex.ID).Msg("Fill price record failed")
	}
	if err := b.positions.Enter(posID, shares, fillPrice); err != nil {
		log.Error().Err(err).Str("position", posID).Msg("Position entry failed")
	}
	ex.FillPrice = fillPrice
	b.monitor.Track(ex, posID)

	detail := map[string]any{
		"market_id":  ex.MarketID,
		"order_id":   ex.OrderID,
		"side":       ex.Side,
		"amount":     ex.AmountUSD.InexactFloat64(),
		"fill_price": fillPrice.InexactFloat64(),
	}
	for k, v := range extra {
		detail[k] = v
	}
	b.audit.ExecutionEvent(event, ex.ID, false, detail)
}

func (b *Bridge) failUnfilled(ex *store.TradeExecution, posID, orderStatus string) {
	if err := b.execs.FailExecution(ex.ID, "order "+orderStatus); err != nil {
		log.Error().Err(err).Uint("execution_id", ex.ID).Msg("Execution fail mark failed")
	}
	if err := b.positions.Cancel(posID, "order "+orderStatus); err != nil {
		log.Error().Err(err).Str("position", posID).Msg("Position cancel failed")
	}
	b.risk.RecordTradeClose(ex.Category, ex.AmountUSD, decimal.Zero)
	b.audit.ExecutionEvent("ORDER_REJECTED", ex.ID, false, map[string]any{
		"market_id": ex.MarketID,
		"order_id":  ex.OrderID,
		"reason":    "order " + orderStatus,
	})
	log.Warn().
		Uint("execution_id", ex.ID).
		Str("order_status", orderStatus).
		Msg("Order terminated unfilled")
}
