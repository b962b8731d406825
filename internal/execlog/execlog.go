// Package execlog is the durable record of every intended trade, live and
// simulated. Every open row is eventually closed, cancelled or failed —
// never reopened.
package execlog

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/polysignal/trader/internal/store"
)

type Log struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Log {
	return &Log{db: db}
}

// LogExecution appends a new execution row and returns its id.
func (l *Log) LogExecution(ex *store.TradeExecution) (uint, error) {
	if ex.Status == "" {
		ex.Status = store.StatusOpen
	}
	if ex.OpenedAt.IsZero() {
		ex.OpenedAt = time.Now().UTC()
	}
	if err := l.db.Create(ex).Error; err != nil {
		return 0, fmt.Errorf("log execution: %w", err)
	}
	log.Info().
		Uint("id", ex.ID).
		Str("market", ex.MarketID).
		Str("side", ex.Side).
		Str("amount", ex.AmountUSD.StringFixed(2)).
		Bool("dry_run", ex.DryRun).
		Msg("Execution logged")
	return ex.ID, nil
}

// CloseExecution terminates an open execution with its exit accounting.
func (l *Log) CloseExecution(id uint, exitPrice, pnlUSD, pnlPct decimal.Decimal, closeReason string) error {
	return l.terminate(id, store.StatusClosed, map[string]any{
		"exit_price":   exitPrice,
		"pnl_usd":      pnlUSD,
		"pnl_pct":      pnlPct,
		"close_reason": closeReason,
	})
}

// FailExecution marks an open execution failed with the causing error.
func (l *Log) FailExecution(id uint, errMsg string) error {
	return l.terminate(id, store.StatusFailed, map[string]any{
		"error_msg": errMsg,
	})
}

// CancelExecution marks an open execution cancelled (admin action).
func (l *Log) CancelExecution(id uint, reason string) error {
	return l.terminate(id, store.StatusCancelled, map[string]any{
		"close_reason": reason,
	})
}

// terminate applies a terminal status to a row that is still open, so a
// closed execution can never transition again.
func (l *Log) terminate(id uint, status string, fields map[string]any) error {
	fields["status"] = status
	fields["closed_at"] = time.Now().UTC()
	res := l.db.Model(&store.TradeExecution{}).
		Where("id = ? AND status = ?", id, store.StatusOpen).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("terminate execution %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("execution %d is not open", id)
	}
	return nil
}

// RecordFill stores the confirmed fill price on an open execution once the
// fill poller resolves it.
func (l *Log) RecordFill(id uint, fillPrice decimal.Decimal) error {
	return l.db.Model(&store.TradeExecution{}).
		Where("id = ? AND status = ?", id, store.StatusOpen).
		Update("fill_price", fillPrice).Error
}

// CancelAllOpen cancels every open execution, returning how many.
func (l *Log) CancelAllOpen(reason string) (int64, error) {
	res := l.db.Model(&store.TradeExecution{}).
		Where("status = ?", store.StatusOpen).
		Updates(map[string]any{
			"status":       store.StatusCancelled,
			"close_reason": reason,
			"closed_at":    time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}

// GetOpen returns all open executions, oldest first.
func (l *Log) GetOpen() ([]store.TradeExecution, error) {
	var out []store.TradeExecution
	err := l.db.Where("status = ?", store.StatusOpen).Order("opened_at ASC").Find(&out).Error
	return out, err
}

// GetByID fetches a single execution.
func (l *Log) GetByID(id uint) (*store.TradeExecution, error) {
	var ex store.TradeExecution
	if err := l.db.First(&ex, id).Error; err != nil {
		return nil, err
	}
	return &ex, nil
}

// GetBySignal returns all executions attempted for one signal.
func (l *Log) GetBySignal(signalID string) ([]store.TradeExecution, error) {
	var out []store.TradeExecution
	err := l.db.Where("signal_id = ?", signalID).Order("id ASC").Find(&out).Error
	return out, err
}

// HasOpenPositionOnMarket is the dedup gate: at most one open execution per
// market.
func (l *Log) HasOpenPositionOnMarket(marketID string) (bool, error) {
	var n int64
	err := l.db.Model(&store.TradeExecution{}).
		Where("market_id = ? AND status = ?", marketID, store.StatusOpen).
		Count(&n).Error
	return n > 0, err
}

// IsMarketOnCooldown reports whether any trade touched the market within
// the trailing window.
func (l *Log) IsMarketOnCooldown(marketID string, minutes int) (bool, error) {
	since := time.Now().UTC().Add(-time.Duration(minutes) * time.Minute)
	var n int64
	err := l.db.Model(&store.TradeExecution{}).
		Where("market_id = ? AND opened_at >= ?", marketID, since).
		Count(&n).Error
	return n > 0, err
}

// GetOpenCount returns the number of open executions.
func (l *Log) GetOpenCount() (int64, error) {
	var n int64
	err := l.db.Model(&store.TradeExecution{}).
		Where("status = ?", store.StatusOpen).
		Count(&n).Error
	return n, err
}
