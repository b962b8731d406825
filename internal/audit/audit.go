// Package audit is the append-only structured event stream. Append failures
// are swallowed: auditing must never break the trading pipeline.
package audit

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/polysignal/trader/internal/store"
)

// outboundEvents maps internal event types to outbound webhook event names.
// Only mapped events reach the notification dispatcher.
var outboundEvents = map[string]string{
	"POSITION_OPENED":        "trade.opened",
	"POSITION_CLOSED":        "trade.closed",
	"PARTIAL_EXIT":           "trade.partial_exit",
	"ORDER_PLACED":           "trade.order_placed",
	"ORDER_REJECTED":         "trade.rejected",
	"ORDER_PARTIAL_FILL":     "trade.partial_fill",
	"ORDER_FILL_ERROR":       "trade.fill_error",
	"CIRCUIT_BREAKER":        "risk.circuit_breaker",
	"CLOB_UNREACHABLE":       "venue.unreachable",
	"BOT_STATE_CHANGE":       "bot.state_change",
	"POSITION_AUTO_REPAIRED": "trade.auto_repaired",
}

// Log appends audit events and fans mapped ones out to the dispatcher.
type Log struct {
	db *gorm.DB

	mu       sync.RWMutex
	notifier func(event string, data map[string]any)
}

func New(db *gorm.DB) *Log {
	return &Log{db: db}
}

// SetNotifier wires the notification dispatcher hook. The hook is invoked
// synchronously after every successful append of a mapped event; its own
// failures are the dispatcher's problem.
func (l *Log) SetNotifier(fn func(event string, data map[string]any)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notifier = fn
}

// Event appends a row with no execution linkage.
func (l *Log) Event(eventType string, detail map[string]any) {
	l.append(eventType, nil, false, detail)
}

// ExecutionEvent appends a row tied to one execution.
func (l *Log) ExecutionEvent(eventType string, executionID uint, dryRun bool, detail map[string]any) {
	l.append(eventType, &executionID, dryRun, detail)
}

func (l *Log) append(eventType string, executionID *uint, dryRun bool, detail map[string]any) {
	blob := "{}"
	if detail != nil {
		if b, err := json.Marshal(detail); err == nil {
			blob = string(b)
		}
	}
	row := store.AuditEvent{
		EventType:   eventType,
		ExecutionID: executionID,
		Detail:      blob,
		DryRun:      dryRun,
		CreatedAt:   time.Now().UTC(),
	}
	if err := l.db.Create(&row).Error; err != nil {
		log.Error().Err(err).Str("event", eventType).Msg("Audit append failed")
		return
	}

	outbound, ok := outboundEvents[eventType]
	if !ok {
		return
	}
	l.mu.RLock()
	notifier := l.notifier
	l.mu.RUnlock()
	if notifier == nil {
		return
	}
	data := map[string]any{}
	if detail != nil {
		for k, v := range detail {
			data[k] = v
		}
	}
	if executionID != nil {
		data["execution_id"] = *executionID
	}
	data["dry_run"] = dryRun
	notifier(outbound, data)
}

// Filter narrows Query results.
type Filter struct {
	EventType   string
	ExecutionID *uint
	Since       time.Time
	Limit       int
}

// Query returns matching events, newest first.
func (l *Log) Query(f Filter) ([]store.AuditEvent, error) {
	q := l.db.Model(&store.AuditEvent{}).Order("id DESC")
	if f.EventType != "" {
		q = q.Where("event_type = ?", f.EventType)
	}
	if f.ExecutionID != nil {
		q = q.Where("execution_id = ?", *f.ExecutionID)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var events []store.AuditEvent
	err := q.Find(&events).Error
	return events, err
}

// Summary returns per-event-type counts over the trailing window.
func (l *Log) Summary(days int) (map[string]int64, error) {
	since := time.Now().UTC().AddDate(0, 0, -days)
	type row struct {
		EventType string
		N         int64
	}
	var rows []row
	err := l.db.Model(&store.AuditEvent{}).
		Select("event_type, count(*) as n").
		Where("created_at >= ?", since).
		Group("event_type").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.EventType] = r.N
	}
	return out, nil
}

// ExecutionTrail returns the full event history of one execution in append
// order.
func (l *Log) ExecutionTrail(executionID uint) ([]store.AuditEvent, error) {
	var events []store.AuditEvent
	err := l.db.Where("execution_id = ?", executionID).Order("id ASC").Find(&events).Error
	return events, err
}

// StaleFlag marks an open execution with no recent audit activity.
type StaleFlag struct {
	ExecutionID uint
	MarketID    string
	AgeHours    float64
	Flag        string
}

// Reconcile compares every open execution's age against its last audit
// event and flags stale_position beyond 24 hours.
func (l *Log) Reconcile() ([]StaleFlag, error) {
	var open []store.TradeExecution
	if err := l.db.Where("status = ?", store.StatusOpen).Find(&open).Error; err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var flags []StaleFlag
	for _, ex := range open {
		last := ex.OpenedAt
		var ev store.AuditEvent
		err := l.db.Where("execution_id = ?", ex.ID).Order("id DESC").First(&ev).Error
		if err == nil && ev.CreatedAt.After(last) {
			last = ev.CreatedAt
		}
		age := now.Sub(last).Hours()
		if age > 24 {
			flags = append(flags, StaleFlag{
				ExecutionID: ex.ID,
				MarketID:    ex.MarketID,
				AgeHours:    age,
				Flag:        "stale_position",
			})
			log.Warn().Uint("execution_id", ex.ID).Float64("age_hours", age).Msg("Stale open position")
		}
	}
	return flags, nil
}

// AutoRepair cancels executions still open past maxAgeHours (default 72 when
// zero) and emits POSITION_AUTO_REPAIRED for each.
func (l *Log) AutoRepair(maxAgeHours int) (int, error) {
	if maxAgeHours <= 0 {
		maxAgeHours = 72
	}
	cutoff := time.Now().UTC().Add(-time.Duration(maxAgeHours) * time.Hour)

	var stale []store.TradeExecution
	if err := l.db.Where("status = ? AND opened_at < ?", store.StatusOpen, cutoff).Find(&stale).Error; err != nil {
		return 0, err
	}

	repaired := 0
	for _, ex := range stale {
		now := time.Now().UTC()
		err := l.db.Model(&store.TradeExecution{}).Where("id = ? AND status = ?", ex.ID, store.StatusOpen).
			Updates(map[string]any{
				"status":       store.StatusCancelled,
				"close_reason": "auto_repair_stale",
				"closed_at":    now,
			}).Error
		if err != nil {
			log.Error().Err(err).Uint("execution_id", ex.ID).Msg("Auto-repair failed")
			continue
		}
		repaired++
		l.ExecutionEvent("POSITION_AUTO_REPAIRED", ex.ID, ex.DryRun, map[string]any{
			"market_id":     ex.MarketID,
			"age_hours":     time.Since(ex.OpenedAt).Hours(),
			"max_age_hours": maxAgeHours,
		})
	}
	if repaired > 0 {
		log.Warn().Int("repaired", repaired).Msg("Stale open executions auto-repaired")
	}
	return repaired, nil
}
