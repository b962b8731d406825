package monitor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/polysignal/trader/internal/audit"
	"github.com/polysignal/trader/internal/config"
	"github.com/polysignal/trader/internal/control"
	"github.com/polysignal/trader/internal/execlog"
	"github.com/polysignal/trader/internal/lifecycle"
	"github.com/polysignal/trader/internal/risk"
	"github.com/polysignal/trader/internal/store"
)

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

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type placedOrder struct {
	tokenID string
	side    string
	size    decimal.Decimal
}

type stubVenue struct {
	price  decimal.Decimal
	err    error
	orders []placedOrder
}

func (s *stubVenue) GetPrice(ctx context.Context, tokenID, side string) (decimal.Decimal, error) {
	return s.price, s.err
}

func (s *stubVenue) PlaceMarketOrder(ctx context.Context, tokenID, side string, price, size decimal.Decimal) (string, error) {
	s.orders = append(s.orders, placedOrder{tokenID: tokenID, side: side, size: size})
	return "ord-1", nil
}

type fixture struct {
	db        *gorm.DB
	mon       *Monitor
	venue     *stubVenue
	execs     *execlog.Log
	control   *control.Control
	auditLog  *audit.Log
	risk      *risk.Manager
	positions *lifecycle.Store
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	db := testDB(t)
	auditLog := audit.New(db)
	ctl, err := control.New(db, auditLog)
	require.NoError(t, err)
	rt, err := config.NewStore(db, auditLog)
	require.NoError(t, err)
	execs := execlog.New(db)
	riskMgr := risk.NewManager(rt, ctl, auditLog)
	vn := &stubVenue{}
	positions := lifecycle.NewStore()
	mon := New(cfg, rt, ctl, execs, riskMgr, positions, vn, auditLog)
	return &fixture{db: db, mon: mon, venue: vn, execs: execs, control: ctl, auditLog: auditLog, risk: riskMgr, positions: positions}
}

func dryFixture(t *testing.T) *fixture {
	return newFixture(t, &config.Config{DryRun: true})
}

// openTrade logs an open execution and rehydrates the ledger from it.
func (f *fixture) openTrade(t *testing.T, amount, entry string, dryRun bool) uint {
	t.Helper()
	return f.openSideTrade(t, "UP", amount, entry, dryRun)
}

func (f *fixture) openSideTrade(t *testing.T, side, amount, entry string, dryRun bool) uint {
	t.Helper()
	ex := &store.TradeExecution{
		SignalID:   "sig-1",
		MarketID:   "mkt-1",
		TokenID:    "tok-1",
		Side:       side,
		AmountUSD:  dec(amount),
		EntryPrice: dec(entry),
		FillPrice:  dec(entry),
		Category:   "crypto",
		DryRun:     dryRun,
	}
	id, err := f.execs.LogExecution(ex)
	require.NoError(t, err)
	require.NoError(t, f.mon.Rehydrate())
	f.risk.RecordTradeOpen(ex.Category, ex.AmountUSD)
	return id
}

func (f *fixture) closedReason(t *testing.T, id uint) (string, *store.TradeExecution) {
	t.Helper()
	ex, err := f.execs.GetByID(id)
	require.NoError(t, err)
	return ex.CloseReason, ex
}

func TestTick_StopLoss(t *testing.T) {
	f := dryFixture(t)
	id := f.openTrade(t, "25", "0.50", true)

	// -12% is past the -10% default stop.
	f.venue.price = dec("0.44")
	f.mon.tick(context.Background())

	reason, ex := f.closedReason(t, id)
	assert.Equal(t, ReasonStopLoss, reason)
	assert.Equal(t, store.StatusClosed, ex.Status)
	assert.True(t, ex.PnLUSD.Equal(dec("-3")), "25 * -12%% = -3, got %s", ex.PnLUSD)
	assert.Equal(t, 0, f.mon.TrackedCount())

	trail, _ := f.auditLog.ExecutionTrail(id)
	require.Len(t, trail, 1)
	assert.Equal(t, "POSITION_CLOSED", trail[0].EventType)
}

func TestTick_SettledWin(t *testing.T) {
	f := dryFixture(t)
	id := f.openTrade(t, "25", "0.50", true)

	f.venue.price = dec("0.995")
	f.mon.tick(context.Background())

	reason, ex := f.closedReason(t, id)
	assert.Equal(t, ReasonSettledWin, reason)
	assert.True(t, ex.PnLUSD.IsPositive())
}

func TestTick_SettledLoss(t *testing.T) {
	f := dryFixture(t)
	id := f.openTrade(t, "25", "0.50", true)

	f.venue.price = dec("0.005")
	f.mon.tick(context.Background())

	reason, _ := f.closedReason(t, id)
	assert.Equal(t, ReasonSettledLoss, reason)
}

func TestTick_PartialTakeProfitThenBreakeven(t *testing.T) {
	f := dryFixture(t)
	id := f.openTrade(t, "50", "0.50", true)

	// +16% crosses the 15% default take-profit: half comes off, the
	// position stays open, and the breakeven stop is armed.
	f.venue.price = dec("0.58")
	f.mon.tick(context.Background())

	ex, err := f.execs.GetByID(id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusOpen, ex.Status)
	assert.Equal(t, 1, f.mon.TrackedCount())

	trail, _ := f.auditLog.ExecutionTrail(id)
	require.Len(t, trail, 1)
	assert.Equal(t, "PARTIAL_EXIT", trail[0].EventType)

	// Price falls back to entry: the armed breakeven stop closes the rest.
	f.venue.price = dec("0.50")
	f.mon.tick(context.Background())

	reason, _ := f.closedReason(t, id)
	assert.Equal(t, ReasonBreakevenStop, reason)
	assert.Equal(t, 0, f.mon.TrackedCount())
}

func TestTick_SecondTakeProfit(t *testing.T) {
	f := dryFixture(t)
	id := f.openTrade(t, "50", "0.50", true)

	f.venue.price = dec("0.58") // partial at +16%
	f.mon.tick(context.Background())

	f.venue.price = dec("0.62") // +24% >= 1.5 * 15%
	f.mon.tick(context.Background())

	reason, ex := f.closedReason(t, id)
	assert.Equal(t, ReasonTakeProfit2, reason)
	// 50 shares off at 0.58 (+4) plus 50 shares at 0.62 (+6); the exited
	// half must not be re-priced at the close.
	assert.True(t, ex.PnLUSD.Equal(dec("10")), "got %s", ex.PnLUSD)
}

func TestTick_DownSideProfitIsProfit(t *testing.T) {
	f := dryFixture(t)
	id := f.openSideTrade(t, "DOWN", "48", "0.48", true)

	// The ledger prices the position in its own token, so a DOWN token
	// rising 0.48 -> 0.58 is ~+20.8%: the partial take-profit fires and
	// the realized half is a gain.
	f.venue.price = dec("0.58")
	f.mon.tick(context.Background())

	trail, _ := f.auditLog.ExecutionTrail(id)
	require.Len(t, trail, 1)
	assert.Equal(t, "PARTIAL_EXIT", trail[0].EventType)

	pos, ok := f.positions.Get(f.mon.trades[id].lifecycleID)
	require.True(t, ok)
	assert.True(t, pos.RealizedPnL.Equal(dec("5")), "got %s", pos.RealizedPnL)

	// TP2 at 0.60 (+25%): total is the banked 5 plus 50 shares * 0.12.
	f.venue.price = dec("0.60")
	f.mon.tick(context.Background())

	reason, ex := f.closedReason(t, id)
	assert.Equal(t, ReasonTakeProfit2, reason)
	assert.True(t, ex.PnLUSD.Equal(dec("11")), "got %s", ex.PnLUSD)
}

func TestTick_TrailingStop(t *testing.T) {
	f := dryFixture(t)
	id := f.openTrade(t, "25", "0.50", true)

	// Run up to +10% (peak 0.55), then give back more than the 5%
	// trailing allowance while still in profit.
	f.venue.price = dec("0.55")
	f.mon.tick(context.Background())
	f.venue.price = dec("0.52")
	f.mon.tick(context.Background())

	reason, ex := f.closedReason(t, id)
	assert.Equal(t, ReasonTrailingStop, reason)
	assert.True(t, ex.PnLUSD.IsPositive(), "trailing stop locks in profit")
}

func TestTick_MaxHoldTime(t *testing.T) {
	f := dryFixture(t)
	id := f.openTrade(t, "25", "0.50", true)

	// Age the trade past the 6-hour default, then rebuild the ledger so
	// the monitor sees the old open time.
	require.NoError(t, f.db.Model(&store.TradeExecution{}).
		Where("id = ?", id).
		Update("opened_at", time.Now().UTC().Add(-7*time.Hour)).Error)
	f.mon = New(&config.Config{DryRun: true}, f.mon.rt, f.control, f.execs, f.risk, lifecycle.NewStore(), f.venue, f.auditLog)
	require.NoError(t, f.mon.Rehydrate())

	f.venue.price = dec("0.50")
	f.mon.tick(context.Background())

	reason, _ := f.closedReason(t, id)
	assert.Equal(t, ReasonMaxHoldTime, reason)
}

func TestTick_VenueUnreachableAfterThreeFailedTicks(t *testing.T) {
	f := dryFixture(t)
	f.openTrade(t, "25", "0.50", true)
	f.venue.err = fmt.Errorf("connection refused")

	ctx := context.Background()
	f.mon.tick(ctx)
	f.mon.tick(ctx)
	events, _ := f.auditLog.Query(audit.Filter{EventType: "CLOB_UNREACHABLE"})
	assert.Empty(t, events, "two failed ticks are not enough")

	f.mon.tick(ctx)
	events, _ = f.auditLog.Query(audit.Filter{EventType: "CLOB_UNREACHABLE"})
	assert.Len(t, events, 1)

	// A successful tick resets the streak.
	f.venue.err = nil
	f.venue.price = dec("0.50")
	f.mon.tick(ctx)
	f.venue.err = fmt.Errorf("connection refused")
	f.mon.tick(ctx)
	f.mon.tick(ctx)
	events, _ = f.auditLog.Query(audit.Filter{EventType: "CLOB_UNREACHABLE"})
	assert.Len(t, events, 1)
}

func TestTick_LiveCloseSellsOnVenue(t *testing.T) {
	f := newFixture(t, &config.Config{EnableTrading: true, DryRun: false})
	f.openTrade(t, "25", "0.50", false)

	f.venue.price = dec("0.44")
	f.mon.tick(context.Background())

	require.Len(t, f.venue.orders, 1)
	assert.Equal(t, "tok-1", f.venue.orders[0].tokenID)
	assert.Equal(t, "SELL", f.venue.orders[0].side)
}

func TestTick_SettledCloseSkipsSellOrder(t *testing.T) {
	f := newFixture(t, &config.Config{EnableTrading: true, DryRun: false})
	f.openTrade(t, "25", "0.50", false)

	f.venue.price = dec("0.995")
	f.mon.tick(context.Background())

	assert.Empty(t, f.venue.orders, "settled markets pay out, no SELL needed")
}

func TestTick_DrainCompletesToPause(t *testing.T) {
	f := dryFixture(t)
	id := f.openTrade(t, "25", "0.50", true)
	require.NoError(t, f.control.SetState(control.StateDraining, "operator"))

	f.venue.price = dec("0.44")
	f.mon.tick(context.Background())

	_, ex := f.closedReason(t, id)
	assert.Equal(t, store.StatusClosed, ex.Status)
	state, reason := f.control.State()
	assert.Equal(t, control.StatePaused, state)
	assert.Equal(t, "drain_complete", reason)
}

func TestStartStop_Idempotent(t *testing.T) {
	f := dryFixture(t)
	ctx := context.Background()

	f.mon.Start(ctx)
	f.mon.Start(ctx) // second start is a no-op
	f.mon.Stop()
	f.mon.Stop() // second stop is a no-op
}
