package notify

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

func TestWebhooks_PerOwnerCap(t *testing.T) {
	w := NewWebhooks(testDB(t))

	for i := 0; i < maxWebhooksPerOwner; i++ {
		_, err := w.Create("a@b.c", fmt.Sprintf("https://example.com/%d", i), "hook")
		require.NoError(t, err)
	}
	_, err := w.Create("a@b.c", "https://example.com/extra", "hook")
	assert.Error(t, err)

	// Other owners are unaffected.
	_, err = w.Create("x@y.z", "https://example.com/0", "hook")
	assert.NoError(t, err)
}

func TestWebhooks_DeactivatedAfterConsecutiveFailures(t *testing.T) {
	w := NewWebhooks(testDB(t))
	hook, err := w.Create("a@b.c", "https://example.com/wh", "flaky")
	require.NoError(t, err)

	for i := 0; i < deactivateAfter-1; i++ {
		require.NoError(t, w.RecordFailure(hook.ID, "HTTP 500"))
	}
	got, _ := w.Get(hook.ID)
	assert.True(t, got.Active, "still active one failure short")

	require.NoError(t, w.RecordFailure(hook.ID, "HTTP 500"))
	got, _ = w.Get(hook.ID)
	assert.False(t, got.Active)
	assert.Equal(t, deactivateAfter, got.ConsecutiveFails)
	assert.Equal(t, deactivateAfter, got.FailCount)

	active, _ := w.Active()
	assert.Empty(t, active)
}

func TestWebhooks_SuccessResetsConsecutiveFailures(t *testing.T) {
	w := NewWebhooks(testDB(t))
	hook, err := w.Create("a@b.c", "https://example.com/wh", "hook")
	require.NoError(t, err)

	for i := 0; i < deactivateAfter-1; i++ {
		require.NoError(t, w.RecordFailure(hook.ID, "timeout"))
	}
	require.NoError(t, w.RecordSuccess(hook.ID))

	got, _ := w.Get(hook.ID)
	assert.True(t, got.Active)
	assert.Equal(t, 0, got.ConsecutiveFails)
	assert.Equal(t, deactivateAfter-1, got.FailCount, "lifetime counter keeps history")
	assert.Equal(t, 1, got.SuccessCount)
	assert.Empty(t, got.LastError)

	// The streak starts over after a success.
	require.NoError(t, w.RecordFailure(hook.ID, "timeout"))
	got, _ = w.Get(hook.ID)
	assert.True(t, got.Active)
}

func TestWebhooks_ByOwner(t *testing.T) {
	w := NewWebhooks(testDB(t))
	w.Create("a@b.c", "https://example.com/1", "one")
	w.Create("a@b.c", "https://example.com/2", "two")
	w.Create("x@y.z", "https://example.com/3", "three")

	hooks, err := w.ByOwner("a@b.c")
	require.NoError(t, err)
	assert.Len(t, hooks, 2)
}

func TestEmailPrefs_UpsertClampsRate(t *testing.T) {
	p := NewEmailPrefs(testDB(t))

	pref := &store.EmailPref{OwnerEmail: "a@b.c", AlertsEnabled: true, MaxAlertsPerHour: 500}
	require.NoError(t, p.Upsert(pref))
	got, err := p.Get("a@b.c")
	require.NoError(t, err)
	assert.Equal(t, 100, got.MaxAlertsPerHour)

	pref.MaxAlertsPerHour = 0
	require.NoError(t, p.Upsert(pref))
	got, _ = p.Get("a@b.c")
	assert.Equal(t, 1, got.MaxAlertsPerHour)
}

func TestWantsCategory(t *testing.T) {
	pref := &store.EmailPref{Categories: ""}
	assert.True(t, wantsCategory(pref, "crypto"), "empty filter means all")

	pref.Categories = `["crypto","politics"]`
	assert.True(t, wantsCategory(pref, "crypto"))
	assert.False(t, wantsCategory(pref, "sports"))

	pref.Categories = `[]`
	assert.True(t, wantsCategory(pref, "sports"))
}
