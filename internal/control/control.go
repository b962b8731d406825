// Package control holds the coarse bot run-state machine.
//
//	running  — bridge admits new trades, monitor runs
//	paused   — no new trades, monitor keeps managing open positions
//	stopped  — no new trades, monitor inactive
//	draining — no new trades; auto-pauses once the open ledger empties
package control

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/polysignal/trader/internal/store"
)

type State string

const (
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateStopped  State = "stopped"
	StateDraining State = "draining"
)

func valid(s State) bool {
	switch s {
	case StateRunning, StatePaused, StateStopped, StateDraining:
		return true
	}
	return false
}

type auditSink interface {
	Event(eventType string, detail map[string]any)
}

// Control owns the bot_control singleton row and its in-memory mirror.
type Control struct {
	db    *gorm.DB
	audit auditSink

	mu     sync.RWMutex
	state  State
	reason string
}

// New loads the persisted state (seeded by the startup migration).
func New(db *gorm.DB, audit auditSink) (*Control, error) {
	var row store.BotControl
	if err := db.First(&row, 1).Error; err != nil {
		return nil, fmt.Errorf("load bot_control: %w", err)
	}
	c := &Control{db: db, audit: audit, state: State(row.State), reason: row.Reason}
	if !valid(c.state) {
		c.state = StateRunning
	}
	log.Info().Str("state", string(c.state)).Msg("Bot control loaded")
	return c, nil
}

// State returns the current run state and the reason it was entered.
func (c *Control) State() (State, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state, c.reason
}

// SetState persists and applies a run-state transition.
func (c *Control) SetState(to State, reason string) error {
	if !valid(to) {
		return fmt.Errorf("invalid bot state %q", to)
	}

	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return nil
	}
	now := time.Now().UTC()
	err := c.db.Model(&store.BotControl{}).Where("id = ?", 1).
		Updates(map[string]any{"state": string(to), "reason": reason, "changed_at": now}).Error
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("persist bot state: %w", err)
	}
	c.state = to
	c.reason = reason
	c.mu.Unlock()

	log.Info().Str("from", string(from)).Str("to", string(to)).Str("reason", reason).Msg("Bot state changed")
	if c.audit != nil {
		c.audit.Event("BOT_STATE_CHANGE", map[string]any{
			"from":   string(from),
			"to":     string(to),
			"reason": reason,
		})
	}
	return nil
}

// AllowsNewTrades reports whether the bridge may admit signals.
func (c *Control) AllowsNewTrades() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state == StateRunning
}

// MonitorActive reports whether the settlement monitor should tick.
func (c *Control) MonitorActive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state != StateStopped
}

// BlockReason is the gate-chain reason used when new trades are forbidden.
// A pause caused by the circuit breaker surfaces as "circuit_breaker".
func (c *Control) BlockReason() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.reason != "" {
		return c.reason
	}
	return "bot_" + string(c.state)
}

// NotifyDrainProgress completes a drain: once the open-trade count reaches
// zero while draining, the bot auto-transitions to paused.
func (c *Control) NotifyDrainProgress(openCount int) {
	c.mu.RLock()
	draining := c.state == StateDraining
	c.mu.RUnlock()
	if draining && openCount == 0 {
		if err := c.SetState(StatePaused, "drain_complete"); err != nil {
			log.Error().Err(err).Msg("Drain completion transition failed")
		}
	}
}
