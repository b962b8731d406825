// Package lifecycle tracks each position's in-memory state machine from
// PENDING through to CLOSED or CANCELLED. Terminal states cannot be left.
package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

type State string

const (
	StatePending     State = "PENDING"
	StateEntered     State = "ENTERED"
	StateScaling     State = "SCALING"
	StateHedged      State = "HEDGED"
	StatePartialExit State = "PARTIAL_EXIT"
	StateClosed      State = "CLOSED"
	StateCancelled   State = "CANCELLED"
)

// allowed is the full transition table. Absent keys are terminal.
var allowed = map[State][]State{
	StatePending:     {StateEntered, StateCancelled},
	StateEntered:     {StateScaling, StateHedged, StatePartialExit, StateClosed},
	StateScaling:     {StateEntered, StateHedged, StatePartialExit, StateClosed},
	StateHedged:      {StateEntered, StatePartialExit, StateClosed},
	StatePartialExit: {StateClosed, StateEntered},
	StateClosed:      {},
	StateCancelled:   {},
}

const (
	pendingTimeout = 5 * time.Minute
	maxEvents      = 50
)

// Event is one bounded log entry on a position.
type Event struct {
	At     time.Time
	From   State
	To     State
	Detail string
}

// Position is the in-memory lifecycle overlay of one execution. All prices
// are quoted in the held outcome token's own terms, so P&L math is
// side-agnostic: holding DOWN tokens that appreciate is a gain like any
// other.
type Position struct {
	ID            string
	ExecutionID   uint
	MarketID      string
	Side          string // "UP" or "DOWN"
	State         State
	InitialShares decimal.Decimal
	CurrentShares decimal.Decimal
	AvgPrice      decimal.Decimal
	RealizedPnL   decimal.Decimal
	Events        []Event
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (p *Position) terminal() bool {
	return len(allowed[p.State]) == 0
}

// Store owns all live positions. Single writer: the trading process.
type Store struct {
	mu        sync.RWMutex
	positions map[string]*Position
}

func NewStore() *Store {
	return &Store{positions: make(map[string]*Position)}
}

// Create registers a new PENDING position and returns it.
func (s *Store) Create(executionID uint, marketID, side string, shares, price decimal.Decimal) *Position {
	p := &Position{
		ID:            uuid.NewString(),
		ExecutionID:   executionID,
		MarketID:      marketID,
		Side:          side,
		State:         StatePending,
		InitialShares: shares,
		CurrentShares: shares,
		AvgPrice:      price,
		RealizedPnL:   decimal.Zero,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	s.mu.Lock()
	s.positions[p.ID] = p
	s.mu.Unlock()
	return p
}

// Get returns a copy-safe pointer for read access.
func (s *Store) Get(id string) (*Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	return p, ok
}

// Transition moves a position to a new state, appending a bounded event.
func (s *Store) Transition(id string, to State, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("position %s not found", id)
	}
	return s.transitionLocked(p, to, detail)
}

func (s *Store) transitionLocked(p *Position, to State, detail string) error {
	if !contains(allowed[p.State], to) {
		return fmt.Errorf("illegal transition %s -> %s for position %s", p.State, to, p.ID)
	}
	from := p.State
	p.State = to
	p.UpdatedAt = time.Now().UTC()
	p.Events = append(p.Events, Event{At: p.UpdatedAt, From: from, To: to, Detail: detail})
	if len(p.Events) > maxEvents {
		p.Events = p.Events[len(p.Events)-maxEvents:]
	}
	log.Debug().
		Str("position", p.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("detail", detail).
		Msg("Position transition")
	return nil
}

func contains(states []State, s State) bool {
	for _, x := range states {
		if x == s {
			return true
		}
	}
	return false
}

// Enter confirms the fill that opens a position.
func (s *Store) Enter(id string, shares, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("position %s not found", id)
	}
	if err := s.transitionLocked(p, StateEntered, "entered @ "+price.StringFixed(4)); err != nil {
		return err
	}
	p.InitialShares = shares
	p.CurrentShares = shares
	p.AvgPrice = price
	return nil
}

// Scale adds shares at a new price, updating the size-weighted average.
func (s *Store) Scale(id string, addShares, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("position %s not found", id)
	}
	if err := s.transitionLocked(p, StateScaling, "scale +"+addShares.StringFixed(2)); err != nil {
		return err
	}
	cost := p.AvgPrice.Mul(p.CurrentShares).Add(price.Mul(addShares))
	p.CurrentShares = p.CurrentShares.Add(addShares)
	if p.CurrentShares.IsPositive() {
		p.AvgPrice = cost.Div(p.CurrentShares)
	}
	// Settle back to ENTERED once the add is booked.
	return s.transitionLocked(p, StateEntered, "scale complete")
}

// PartialExit sells part of the position, accruing realized P&L on the
// sold shares.
func (s *Store) PartialExit(id string, shares, exitPrice decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("position %s not found", id)
	}
	if shares.GreaterThan(p.CurrentShares) {
		return fmt.Errorf("partial exit %s exceeds current shares %s", shares, p.CurrentShares)
	}
	if err := s.transitionLocked(p, StatePartialExit, "partial -"+shares.StringFixed(2)+" @ "+exitPrice.StringFixed(4)); err != nil {
		return err
	}
	p.RealizedPnL = p.RealizedPnL.Add(exitPrice.Sub(p.AvgPrice).Mul(shares))
	p.CurrentShares = p.CurrentShares.Sub(shares)
	return nil
}

// Close exits the remaining shares and terminates the position.
func (s *Store) Close(id string, exitPrice decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return fmt.Errorf("position %s not found", id)
	}
	if err := s.transitionLocked(p, StateClosed, "closed @ "+exitPrice.StringFixed(4)); err != nil {
		return err
	}
	if p.CurrentShares.IsPositive() {
		p.RealizedPnL = p.RealizedPnL.Add(exitPrice.Sub(p.AvgPrice).Mul(p.CurrentShares))
		p.CurrentShares = decimal.Zero
	}
	return nil
}

// Cancel aborts a PENDING position.
func (s *Store) Cancel(id string, reason string) error {
	return s.Transition(id, StateCancelled, reason)
}

// ExpirePending cancels any position stuck in PENDING past the timeout and
// returns the expired ones.
func (s *Store) ExpirePending(now time.Time) []*Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []*Position
	for _, p := range s.positions {
		if p.State == StatePending && now.Sub(p.CreatedAt) > pendingTimeout {
			if err := s.transitionLocked(p, StateCancelled, "pending_timeout"); err == nil {
				expired = append(expired, p)
			}
		}
	}
	return expired
}

// Remove garbage-collects a terminal, acknowledged position.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return nil
	}
	if !p.terminal() {
		return fmt.Errorf("position %s is not terminal", id)
	}
	delete(s.positions, id)
	return nil
}

// Len returns the number of tracked positions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}
