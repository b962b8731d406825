package config

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/polysignal/trader/internal/store"
)

// Rule bounds one runtime parameter. Integer rules additionally require a
// whole number.
type Rule struct {
	Min     float64
	Max     float64
	Integer bool
}

// Rules defines every recognized runtime key. Updates to unknown keys are
// rejected without touching the rest of the batch.
var Rules = map[string]Rule{
	"max_bet_usd":                   {Min: 0.1, Max: 10000},
	"daily_loss_limit_usd":          {Min: 1, Max: 100000},
	"max_open_positions":            {Min: 1, Max: 100, Integer: true},
	"take_profit_pct":               {Min: 1, Max: 500},
	"stop_loss_pct":                 {Min: -95, Max: -1},
	"max_total_exposure_usd":        {Min: 1, Max: 1000000},
	"max_category_concentration_pct": {Min: 1, Max: 100},
	"max_slippage_pct":              {Min: 0.1, Max: 20},
	"min_balance_usd":               {Min: 0, Max: 100000},
	"trailing_stop_pct":             {Min: 0.5, Max: 50},
	"breakeven_trigger_pct":         {Min: 0.5, Max: 100},
	"max_hold_hours":                {Min: 0.25, Max: 168},
	"min_settlement_minutes":        {Min: 0, Max: 1440, Integer: true},
	"max_spread":                    {Min: 0.001, Max: 0.5},
}

var defaults = map[string]float64{
	"max_bet_usd":                   50,
	"daily_loss_limit_usd":          100,
	"max_open_positions":            10,
	"take_profit_pct":               15,
	"stop_loss_pct":                 -10,
	"max_total_exposure_usd":        500,
	"max_category_concentration_pct": 40,
	"max_slippage_pct":              2,
	"min_balance_usd":               10,
	"trailing_stop_pct":             5,
	"breakeven_trigger_pct":         8,
	"max_hold_hours":                6,
	"min_settlement_minutes":        30,
	"max_spread":                    0.05,
}

// UpdateResult reports the outcome of a batch update. Rejected keys never
// block accepted ones.
type UpdateResult struct {
	Updated  map[string]float64
	Errors   map[string]string
	Warnings []string
}

// Detailed exposes a key with its rule and provenance, for admin surfaces.
type Detailed struct {
	Key       string
	Value     float64
	Rule      Rule
	UpdatedAt time.Time
	UpdatedBy string
}

type auditSink interface {
	Event(eventType string, detail map[string]any)
}

// Store is the runtime-mutable policy store. Values are written through to
// trading_config and cached; the cache always equals the latest persisted
// value.
type Store struct {
	db    *gorm.DB
	audit auditSink

	mu    sync.RWMutex
	cache map[string]float64
	subs  []func(key string, value float64)

	// openView reports current open-position count and total exposure, for
	// warning (not error) generation on limit-lowering updates.
	openView func() (int, decimal.Decimal)
}

// NewStore loads trading_config, seeds any missing key from environment
// override or default, and returns the write-through store.
func NewStore(db *gorm.DB, audit auditSink) (*Store, error) {
	s := &Store{
		db:    db,
		audit: audit,
		cache: make(map[string]float64, len(Rules)),
	}

	var rows []store.ConfigValue
	if err := db.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load trading_config: %w", err)
	}
	persisted := make(map[string]float64, len(rows))
	for _, row := range rows {
		persisted[row.Key] = row.Value
	}

	for key, def := range defaults {
		if v, ok := persisted[key]; ok {
			s.cache[key] = v
			continue
		}
		v := getEnvFloat(strings.ToUpper(key), def)
		row := store.ConfigValue{Key: key, Value: v, UpdatedAt: time.Now().UTC(), UpdatedBy: "startup"}
		if err := db.Create(&row).Error; err != nil {
			return nil, fmt.Errorf("seed %s: %w", key, err)
		}
		s.cache[key] = v
	}

	log.Info().Int("keys", len(s.cache)).Msg("Runtime config loaded")
	return s, nil
}

// SetOpenView wires the risk counters consulted for update warnings.
func (s *Store) SetOpenView(fn func() (int, decimal.Decimal)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openView = fn
}

// Subscribe registers a callback invoked for every applied change.
func (s *Store) Subscribe(fn func(key string, value float64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// Get returns the cached value for key, or its default for unknown keys.
func (s *Store) Get(key string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.cache[key]; ok {
		return v
	}
	return defaults[key]
}

// GetInt returns the cached value truncated to an integer.
func (s *Store) GetInt(key string) int {
	return int(s.Get(key))
}

// Decimal returns the cached value as a decimal for money math.
func (s *Store) Decimal(key string) decimal.Decimal {
	return decimal.NewFromFloat(s.Get(key))
}

// GetAll returns a copy of the full cache.
func (s *Store) GetAll() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64, len(s.cache))
	for k, v := range s.cache {
		out[k] = v
	}
	return out
}

// GetDetailed returns every key with its rule and provenance.
func (s *Store) GetDetailed() ([]Detailed, error) {
	var rows []store.ConfigValue
	if err := s.db.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Detailed, 0, len(rows))
	for _, row := range rows {
		out = append(out, Detailed{
			Key:       row.Key,
			Value:     row.Value,
			Rule:      Rules[row.Key],
			UpdatedAt: row.UpdatedAt,
			UpdatedBy: row.UpdatedBy,
		})
	}
	return out, nil
}

// Update validates each change against its rule, persists accepted keys in
// a single transaction, applies them to the cache, then emits a
// CONFIG_CHANGE audit event and broadcasts. Rejected keys are reported in
// Errors without blocking the rest of the batch.
func (s *Store) Update(changes map[string]float64, actor string) UpdateResult {
	res := UpdateResult{
		Updated: make(map[string]float64),
		Errors:  make(map[string]string),
	}

	accepted := make(map[string]float64)
	for key, value := range changes {
		rule, ok := Rules[key]
		if !ok {
			res.Errors[key] = "unknown key"
			continue
		}
		if math.IsNaN(value) || math.IsInf(value, 0) {
			res.Errors[key] = "value must be finite"
			continue
		}
		if value < rule.Min || value > rule.Max {
			res.Errors[key] = fmt.Sprintf("out of range [%g, %g]", rule.Min, rule.Max)
			continue
		}
		if rule.Integer && value != math.Trunc(value) {
			res.Errors[key] = "must be an integer"
			continue
		}
		accepted[key] = value
	}

	if len(accepted) == 0 {
		return res
	}

	res.Warnings = append(res.Warnings, s.limitWarnings(accepted)...)

	err := s.db.Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		for key, value := range accepted {
			if err := tx.Model(&store.ConfigValue{}).
				Where("key = ?", key).
				Updates(map[string]any{"value": value, "updated_at": now, "updated_by": actor}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("Config update transaction failed")
		for key := range accepted {
			res.Errors[key] = "persist failed"
		}
		return res
	}

	s.mu.Lock()
	subs := s.subs
	for key, value := range accepted {
		s.cache[key] = value
		res.Updated[key] = value
	}
	s.mu.Unlock()

	if s.audit != nil {
		s.audit.Event("CONFIG_CHANGE", map[string]any{
			"changes": res.Updated,
			"actor":   actor,
		})
	}
	for key, value := range res.Updated {
		for _, fn := range subs {
			fn(key, value)
		}
		log.Info().Str("key", key).Float64("value", value).Str("actor", actor).Msg("Config updated")
	}
	return res
}

func (s *Store) limitWarnings(accepted map[string]float64) []string {
	s.mu.RLock()
	view := s.openView
	s.mu.RUnlock()
	if view == nil {
		return nil
	}

	openCount, exposure := view()
	var warnings []string
	if v, ok := accepted["max_open_positions"]; ok && float64(openCount) > v {
		warnings = append(warnings, fmt.Sprintf(
			"max_open_positions %g is below current open count %d", v, openCount))
	}
	if v, ok := accepted["max_total_exposure_usd"]; ok && exposure.GreaterThan(decimal.NewFromFloat(v)) {
		warnings = append(warnings, fmt.Sprintf(
			"max_total_exposure_usd %g is below current exposure %s", v, exposure.StringFixed(2)))
	}
	return warnings
}
