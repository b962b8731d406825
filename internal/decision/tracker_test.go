package decision

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/polysignal/trader/internal/store"
)

const chainLen = 7

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, store.Migrate(db))
	return db
}

// evaluated builds a short-circuited gate prefix: every named gate passes
// except the last one when blocked is true.
func evaluated(blocked bool, names ...string) []GateResult {
	out := make([]GateResult, 0, len(names))
	for i, n := range names {
		out = append(out, GateResult{Name: n, Passed: !(blocked && i == len(names)-1)})
	}
	return out
}

func TestRecord_NearMissDetection(t *testing.T) {
	tr := New(testDB(t))

	// Blocked on the final gate of the chain: near miss.
	tr.Record("sig-1", "mkt-1", OutcomeBlocked, "risk",
		evaluated(true, "strength", "control", "dedup", "cooldown", "settlement_time", "spread", "risk"),
		chainLen, map[string]float64{"edge": 0.08}, nil)

	// Blocked on the very first gate: not a near miss.
	tr.Record("sig-2", "mkt-2", OutcomeBlocked, "strength",
		evaluated(true, "strength"), chainLen, nil, nil)

	misses, err := tr.NearMisses(7, 10)
	require.NoError(t, err)
	require.Len(t, misses, 1)
	assert.Equal(t, "sig-1", misses[0].SignalID)
	assert.Equal(t, 6, misses[0].GatesPassed)
	assert.Equal(t, chainLen, misses[0].GatesTotal)
}

func TestRecord_ExecutedIsNeverNearMiss(t *testing.T) {
	tr := New(testDB(t))
	tr.Record("sig-1", "mkt-1", OutcomeExecuted, "",
		evaluated(false, "strength", "control", "dedup", "cooldown", "settlement_time", "spread", "risk"),
		chainLen, nil, nil)

	misses, err := tr.NearMisses(7, 10)
	require.NoError(t, err)
	assert.Empty(t, misses)
}

func TestRecent_NewestFirst(t *testing.T) {
	tr := New(testDB(t))
	tr.Record("sig-1", "mkt-1", OutcomeBlocked, "spread", evaluated(true, "strength", "spread"), chainLen, nil, nil)
	tr.Record("sig-2", "mkt-2", OutcomeDryRun, "", evaluated(false, "strength"), chainLen, nil, nil)

	recent, err := tr.Recent(10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "sig-2", recent[0].SignalID)

	recent, _ = tr.Recent(1)
	assert.Len(t, recent, 1)
}

func TestFilterCost(t *testing.T) {
	tr := New(testDB(t))
	tr.Record("sig-1", "mkt-1", OutcomeBlocked, "spread", evaluated(true, "strength", "spread"), chainLen, nil, nil)
	tr.Record("sig-2", "mkt-2", OutcomeBlocked, "spread", evaluated(true, "strength", "spread"), chainLen, nil, nil)
	tr.Record("sig-3", "mkt-3", OutcomeBlocked, "risk", evaluated(true, "strength", "risk"), chainLen, nil, nil)
	tr.Record("sig-4", "mkt-4", OutcomeDryRun, "", evaluated(false, "strength"), chainLen, nil, nil)

	fc, err := tr.FilterCost(7)
	require.NoError(t, err)
	assert.EqualValues(t, 4, fc.Total)
	assert.EqualValues(t, 1, fc.Executed)
	assert.InDelta(t, 0.25, fc.PassRate, 1e-9)

	require.NotEmpty(t, fc.ByGate)
	assert.Equal(t, "spread", fc.ByGate[0].Gate)
	assert.EqualValues(t, 2, fc.ByGate[0].Blocks)
}

func TestRecord_PersistsSnapshots(t *testing.T) {
	db := testDB(t)
	tr := New(db)
	tr.Record("sig-1", "mkt-1", OutcomeDryRun, "",
		evaluated(false, "strength"), chainLen,
		map[string]float64{"edge": 0.12, "confidence": 80},
		map[string]string{"slug": "btc-up"})

	var rec store.DecisionRecord
	require.NoError(t, db.First(&rec).Error)
	assert.Contains(t, rec.Scores, "edge")
	assert.Contains(t, rec.SignalSnapshot, "btc-up")
	assert.Contains(t, rec.GateDetails, "strength")
}
