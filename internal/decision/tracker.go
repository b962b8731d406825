// Package decision records why every evaluated signal was or was not
// traded: the full gate tree, the blocking gate, and near-miss detection.
package decision

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/polysignal/trader/internal/store"
)

// Outcomes.
const (
	OutcomeExecuted = "executed"
	OutcomeBlocked  = "blocked"
	OutcomeDryRun   = "dry_run"
)

// GateResult is one link of the ordered gate chain.
type GateResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

type Tracker struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Tracker {
	return &Tracker{db: db}
}

// Record persists the decision for one signal. The bridge short-circuits,
// so gates holds only the evaluated prefix; gatesTotal is the full chain
// length. Near-miss is derived here: a blocked decision that passed all
// gates but one. Persistence failures are logged and swallowed — tracking
// never blocks trading.
func (t *Tracker) Record(signalID, marketID, outcome, blockingGate string, gates []GateResult, gatesTotal int, scores map[string]float64, snapshot any) {
	passed := 0
	for _, g := range gates {
		if g.Passed {
			passed++
		}
	}
	total := gatesTotal
	if total < len(gates) {
		total = len(gates)
	}

	rec := store.DecisionRecord{
		SignalID:     signalID,
		MarketID:     marketID,
		Outcome:      outcome,
		BlockingGate: blockingGate,
		GatesPassed:  passed,
		GatesTotal:   total,
		NearMiss:     outcome == OutcomeBlocked && passed >= total-1,
		CreatedAt:    time.Now().UTC(),
	}
	rec.GateDetails = marshal(gates)
	rec.Scores = marshal(scores)
	rec.SignalSnapshot = marshal(snapshot)

	if err := t.db.Create(&rec).Error; err != nil {
		log.Error().Err(err).Str("signal", signalID).Msg("Decision record failed")
		return
	}
	log.Debug().
		Str("signal", signalID).
		Str("outcome", outcome).
		Str("blocking_gate", blockingGate).
		Int("gates_passed", passed).
		Int("gates_total", total).
		Msg("Decision recorded")
}

func marshal(v any) string {
	if v == nil {
		return "{}"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Recent returns the newest decisions.
func (t *Tracker) Recent(limit int) ([]store.DecisionRecord, error) {
	var out []store.DecisionRecord
	err := t.db.Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}

// NearMisses returns blocked decisions that passed all gates but one.
func (t *Tracker) NearMisses(days, limit int) ([]store.DecisionRecord, error) {
	since := time.Now().UTC().AddDate(0, 0, -days)
	var out []store.DecisionRecord
	err := t.db.Where("near_miss = ? AND created_at >= ?", true, since).
		Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}

// GateCost is the per-gate share of blocked signals.
type GateCost struct {
	Gate   string
	Blocks int64
}

// FilterCost reports how often each gate blocked over the window, plus the
// overall pass rate.
type FilterCost struct {
	Total    int64
	Executed int64
	PassRate float64
	ByGate   []GateCost
}

func (t *Tracker) FilterCost(days int) (*FilterCost, error) {
	since := time.Now().UTC().AddDate(0, 0, -days)

	fc := &FilterCost{}
	if err := t.db.Model(&store.DecisionRecord{}).
		Where("created_at >= ?", since).Count(&fc.Total).Error; err != nil {
		return nil, err
	}
	if err := t.db.Model(&store.DecisionRecord{}).
		Where("created_at >= ? AND outcome IN ?", since, []string{OutcomeExecuted, OutcomeDryRun}).
		Count(&fc.Executed).Error; err != nil {
		return nil, err
	}
	if fc.Total > 0 {
		fc.PassRate = float64(fc.Executed) / float64(fc.Total)
	}

	type row struct {
		BlockingGate string
		N            int64
	}
	var rows []row
	err := t.db.Model(&store.DecisionRecord{}).
		Select("blocking_gate, count(*) as n").
		Where("created_at >= ? AND outcome = ?", since, OutcomeBlocked).
		Group("blocking_gate").
		Order("n DESC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		fc.ByGate = append(fc.ByGate, GateCost{Gate: r.BlockingGate, Blocks: r.N})
	}
	return fc, nil
}
