package lifecycle

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestLifecycle_HappyPath(t *testing.T) {
	s := NewStore()
	p := s.Create(1, "mkt-1", "UP", dec("100"), dec("0.50"))
	assert.Equal(t, StatePending, p.State)

	require.NoError(t, s.Enter(p.ID, dec("100"), dec("0.52")))
	got, ok := s.Get(p.ID)
	require.True(t, ok)
	assert.Equal(t, StateEntered, got.State)
	assert.True(t, got.AvgPrice.Equal(dec("0.52")))

	require.NoError(t, s.Close(p.ID, dec("0.60")))
	got, _ = s.Get(p.ID)
	assert.Equal(t, StateClosed, got.State)
	// (0.60 - 0.52) * 100 = 8
	assert.True(t, got.RealizedPnL.Equal(dec("8")), "got %s", got.RealizedPnL)
	assert.True(t, got.CurrentShares.IsZero())
}

func TestLifecycle_IllegalTransitions(t *testing.T) {
	s := NewStore()
	p := s.Create(1, "mkt-1", "UP", dec("100"), dec("0.50"))

	// PENDING cannot close or scale directly.
	assert.Error(t, s.Transition(p.ID, StateClosed, ""))
	assert.Error(t, s.Transition(p.ID, StateScaling, ""))

	// Terminal states cannot be left.
	require.NoError(t, s.Cancel(p.ID, "test"))
	assert.Error(t, s.Transition(p.ID, StateEntered, ""))
	assert.Error(t, s.Transition(p.ID, StateClosed, ""))
}

func TestLifecycle_ScaleUpdatesWeightedAverage(t *testing.T) {
	s := NewStore()
	p := s.Create(1, "mkt-1", "UP", dec("100"), dec("0.50"))
	require.NoError(t, s.Enter(p.ID, dec("100"), dec("0.50")))

	// 100 @ 0.50 + 100 @ 0.60 -> 200 @ 0.55, settled back to ENTERED.
	require.NoError(t, s.Scale(p.ID, dec("100"), dec("0.60")))
	got, _ := s.Get(p.ID)
	assert.Equal(t, StateEntered, got.State)
	assert.True(t, got.CurrentShares.Equal(dec("200")))
	assert.True(t, got.AvgPrice.Equal(dec("0.55")), "got %s", got.AvgPrice)
}

func TestLifecycle_PartialExitAccruesPnL(t *testing.T) {
	s := NewStore()
	p := s.Create(1, "mkt-1", "UP", dec("100"), dec("0.50"))
	require.NoError(t, s.Enter(p.ID, dec("100"), dec("0.50")))

	require.NoError(t, s.PartialExit(p.ID, dec("50"), dec("0.60")))
	got, _ := s.Get(p.ID)
	assert.Equal(t, StatePartialExit, got.State)
	assert.True(t, got.CurrentShares.Equal(dec("50")))
	// (0.60 - 0.50) * 50 = 5
	assert.True(t, got.RealizedPnL.Equal(dec("5")), "got %s", got.RealizedPnL)

	// Selling more than held is rejected.
	assert.Error(t, s.PartialExit(p.ID, dec("500"), dec("0.60")))
}

func TestLifecycle_DownSidePricedInOwnToken(t *testing.T) {
	// Entry and exit prices are the DOWN token's own prices, so an
	// appreciating DOWN token is a profit with no sign flip.
	s := NewStore()
	p := s.Create(1, "mkt-1", "DOWN", dec("100"), dec("0.48"))
	require.NoError(t, s.Enter(p.ID, dec("100"), dec("0.48")))

	require.NoError(t, s.Close(p.ID, dec("0.58")))
	got, _ := s.Get(p.ID)
	// (0.58 - 0.48) * 100 = 10
	assert.True(t, got.RealizedPnL.Equal(dec("10")), "got %s", got.RealizedPnL)

	// And a DOWN token falling toward zero is the loss.
	p2 := s.Create(2, "mkt-2", "DOWN", dec("100"), dec("0.48"))
	require.NoError(t, s.Enter(p2.ID, dec("100"), dec("0.48")))
	require.NoError(t, s.Close(p2.ID, dec("0.01")))
	got2, _ := s.Get(p2.ID)
	assert.True(t, got2.RealizedPnL.IsNegative())
}

func TestLifecycle_ExpirePending(t *testing.T) {
	s := NewStore()
	p := s.Create(1, "mkt-1", "UP", dec("100"), dec("0.50"))
	entered := s.Create(2, "mkt-2", "UP", dec("100"), dec("0.50"))
	require.NoError(t, s.Enter(entered.ID, dec("100"), dec("0.50")))

	// Nothing expires inside the window.
	assert.Empty(t, s.ExpirePending(time.Now().UTC()))

	expired := s.ExpirePending(time.Now().UTC().Add(6 * time.Minute))
	require.Len(t, expired, 1)
	assert.Equal(t, p.ID, expired[0].ID)
	got, _ := s.Get(p.ID)
	assert.Equal(t, StateCancelled, got.State)

	// Entered position untouched.
	got, _ = s.Get(entered.ID)
	assert.Equal(t, StateEntered, got.State)
}

func TestLifecycle_RemoveRequiresTerminal(t *testing.T) {
	s := NewStore()
	p := s.Create(1, "mkt-1", "UP", dec("100"), dec("0.50"))
	assert.Error(t, s.Remove(p.ID))

	require.NoError(t, s.Cancel(p.ID, "test"))
	require.NoError(t, s.Remove(p.ID))
	assert.Equal(t, 0, s.Len())
}
