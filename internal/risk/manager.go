// Package risk gates every trade. Counters live in memory with exactly one
// writer and are reconciled from the persistent store at startup, so
// open/close accounting stays balanced across restarts.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/polysignal/trader/internal/config"
	"github.com/polysignal/trader/internal/control"
	"github.com/polysignal/trader/internal/store"
)

type auditSink interface {
	Event(eventType string, detail map[string]any)
}

// Decision is the outcome of a CanTrade check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Manager owns open-position, exposure and daily-P&L counters.
type Manager struct {
	cfg     *config.Store
	control *control.Control
	audit   auditSink

	mu               sync.RWMutex
	openPositions    int
	totalExposure    decimal.Decimal
	categoryExposure map[string]decimal.Decimal
	dailyPnL         decimal.Decimal
	dailyDate        string
	breakerTripped   bool
}

func NewManager(cfg *config.Store, ctl *control.Control, audit auditSink) *Manager {
	m := &Manager{
		cfg:              cfg,
		control:          ctl,
		audit:            audit,
		totalExposure:    decimal.Zero,
		categoryExposure: make(map[string]decimal.Decimal),
		dailyPnL:         decimal.Zero,
		dailyDate:        today(),
	}
	cfg.SetOpenView(m.OpenView)
	return m
}

func today() string { return time.Now().UTC().Format("2006-01-02") }

// Reconcile rebuilds the counters from the store's open executions. Called
// once at startup before any trading activity.
func (m *Manager) Reconcile(open []store.TradeExecution) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.openPositions = len(open)
	m.totalExposure = decimal.Zero
	m.categoryExposure = make(map[string]decimal.Decimal)
	for _, ex := range open {
		m.totalExposure = m.totalExposure.Add(ex.AmountUSD)
		cat := ex.Category
		m.categoryExposure[cat] = m.categoryExposure[cat].Add(ex.AmountUSD)
	}

	log.Info().
		Int("open_positions", m.openPositions).
		Str("exposure", m.totalExposure.StringFixed(2)).
		Msg("Risk counters reconciled from store")
}

// OpenView reports current open count and exposure (used for config-update
// warnings).
func (m *Manager) OpenView() (int, decimal.Decimal) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.openPositions, m.totalExposure
}

// DailyPnL returns today's realized P&L.
func (m *Manager) DailyPnL() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dailyPnL
}

// CanTrade runs the risk gate chain for a prospective trade of the given
// notional in the given category.
func (m *Manager) CanTrade(category string, amountUSD decimal.Decimal) Decision {
	if !m.control.AllowsNewTrades() {
		return Decision{Allowed: false, Reason: m.control.BlockReason()}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkDayReset()

	if m.breakerTripped {
		return Decision{Allowed: false, Reason: "circuit_breaker"}
	}

	maxOpen := m.cfg.GetInt("max_open_positions")
	if m.openPositions >= maxOpen {
		return Decision{Allowed: false, Reason: fmt.Sprintf("max_open_positions (%d)", maxOpen)}
	}

	lossLimit := m.cfg.Decimal("daily_loss_limit_usd")
	if m.dailyPnL.LessThanOrEqual(lossLimit.Neg()) {
		return Decision{Allowed: false, Reason: "daily_loss_limit"}
	}

	maxExposure := m.cfg.Decimal("max_total_exposure_usd")
	if m.totalExposure.GreaterThanOrEqual(maxExposure) {
		return Decision{Allowed: false, Reason: "max_total_exposure"}
	}

	maxConcPct := m.cfg.Decimal("max_category_concentration_pct")
	newCat := m.categoryExposure[category].Add(amountUSD)
	newTotal := m.totalExposure.Add(amountUSD)
	if newTotal.IsPositive() {
		share := newCat.Div(newTotal).Mul(decimal.NewFromInt(100))
		if share.GreaterThan(maxConcPct) {
			return Decision{Allowed: false, Reason: fmt.Sprintf("category_concentration %s%%", share.StringFixed(1))}
		}
	}

	return Decision{Allowed: true}
}

// BetSize returns the USD stake for a given edge: linear in edge, clamped
// to max_bet_usd. Edge at or above 10% earns the full cap.
func (m *Manager) BetSize(edge float64) decimal.Decimal {
	maxBet := m.cfg.Decimal("max_bet_usd")
	if edge <= 0 {
		return decimal.Zero
	}
	scale := decimal.NewFromFloat(edge / 0.10)
	if scale.GreaterThan(decimal.NewFromInt(1)) {
		scale = decimal.NewFromInt(1)
	}
	return maxBet.Mul(scale).Round(2)
}

// RecordTradeOpen books one opened position against the counters.
func (m *Manager) RecordTradeOpen(category string, amountUSD decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkDayReset()
	m.openPositions++
	m.totalExposure = m.totalExposure.Add(amountUSD)
	m.categoryExposure[category] = m.categoryExposure[category].Add(amountUSD)
}

// RecordTradeClose books one closed position and its realized P&L. Crossing
// the daily loss limit trips the circuit breaker and pauses the bot.
func (m *Manager) RecordTradeClose(category string, amountUSD, pnlUSD decimal.Decimal) {
	m.mu.Lock()
	m.checkDayReset()
	if m.openPositions > 0 {
		m.openPositions--
	}
	m.totalExposure = m.totalExposure.Sub(amountUSD)
	if m.totalExposure.IsNegative() {
		m.totalExposure = decimal.Zero
	}
	cat := m.categoryExposure[category].Sub(amountUSD)
	if cat.IsNegative() {
		cat = decimal.Zero
	}
	m.categoryExposure[category] = cat
	m.dailyPnL = m.dailyPnL.Add(pnlUSD)

	lossLimit := m.cfg.Decimal("daily_loss_limit_usd")
	trip := !m.breakerTripped && m.dailyPnL.LessThanOrEqual(lossLimit.Neg())
	if trip {
		m.breakerTripped = true
	}
	dailyPnL := m.dailyPnL
	m.mu.Unlock()

	log.Info().
		Str("pnl", pnlUSD.StringFixed(2)).
		Str("daily_pnl", dailyPnL.StringFixed(2)).
		Msg("Trade close recorded")

	if trip {
		log.Warn().
			Str("daily_pnl", dailyPnL.StringFixed(2)).
			Str("limit", lossLimit.StringFixed(2)).
			Msg("CIRCUIT BREAKER: daily loss limit crossed")
		if m.audit != nil {
			m.audit.Event("CIRCUIT_BREAKER", map[string]any{
				"daily_pnl":            dailyPnL.InexactFloat64(),
				"daily_loss_limit_usd": lossLimit.InexactFloat64(),
			})
		}
		if err := m.control.SetState(control.StatePaused, "circuit_breaker"); err != nil {
			log.Error().Err(err).Msg("Failed to pause bot after circuit breaker")
		}
	}
}

// checkDayReset clears daily accounting at the UTC day boundary. The
// breaker resets with the day; operators unpause explicitly.
func (m *Manager) checkDayReset() {
	d := today()
	if m.dailyDate != d {
		m.dailyDate = d
		m.dailyPnL = decimal.Zero
		m.breakerTripped = false
		log.Info().Msg("Daily risk stats reset")
	}
}
