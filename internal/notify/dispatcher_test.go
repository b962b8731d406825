package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polysignal/trader/internal/store"
)

type fakeSender struct {
	sent []string // "to|subject"
}

func (f *fakeSender) Send(to, subject, body string) error {
	f.sent = append(f.sent, to+"|"+subject)
	return nil
}

func newDispatcher(t *testing.T) (*Dispatcher, *Webhooks, *EmailPrefs, *fakeSender, *Queue) {
	t.Helper()
	db := testDB(t)
	webhooks := NewWebhooks(db)
	queue, err := NewQueue(db, webhooks)
	require.NoError(t, err)
	prefs := NewEmailPrefs(db)
	d := NewDispatcher(webhooks, queue, prefs, nil)
	sender := &fakeSender{}
	d.SetEmailSender(sender)
	return d, webhooks, prefs, sender, queue
}

func TestDispatch_EnqueuesForActiveWebhooks(t *testing.T) {
	d, webhooks, _, _, queue := newDispatcher(t)
	hook, err := webhooks.Create("a@b.c", "https://example.com/wh", "hook")
	require.NoError(t, err)
	inactive, _ := webhooks.Create("a@b.c", "https://example.com/off", "off")
	require.NoError(t, webhooks.Deactivate(inactive.ID, "test"))

	d.Dispatch("trade.opened", map[string]any{"question": "BTC up?", "amount": 20.0})

	var rows []store.WebhookDelivery
	require.NoError(t, queue.db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, hook.ID, rows[0].WebhookID)
	assert.Equal(t, "queued", rows[0].Status)
	assert.Equal(t, "trade.opened", rows[0].Event)
	assert.Contains(t, rows[0].Payload, "BTC up?")
}

func TestDispatch_EmailThrottleAndDigest(t *testing.T) {
	d, _, prefs, sender, _ := newDispatcher(t)
	require.NoError(t, prefs.Upsert(&store.EmailPref{
		OwnerEmail:       "a@b.c",
		AlertsEnabled:    true,
		MaxAlertsPerHour: 1,
	}))

	data := map[string]any{"question": "BTC up?", "amount": 20.0}
	d.Dispatch("trade.opened", data) // medium: sends
	d.Dispatch("trade.opened", data) // over limit: digests

	assert.Len(t, sender.sent, 1)
	assert.Equal(t, 1, d.Throttler().QueuedCount("a@b.c"))

	// Digest flush delivers one combined email.
	n := d.FlushDigest("a@b.c")
	assert.Equal(t, 1, n)
	assert.Len(t, sender.sent, 2)
	assert.Contains(t, sender.sent[1], "Digest")
}

func TestDispatch_CriticalBypassesThrottle(t *testing.T) {
	d, _, prefs, sender, _ := newDispatcher(t)
	require.NoError(t, prefs.Upsert(&store.EmailPref{
		OwnerEmail:       "a@b.c",
		AlertsEnabled:    true,
		MaxAlertsPerHour: 1,
	}))

	for i := 0; i < 5; i++ {
		d.Dispatch("risk.circuit_breaker", map[string]any{"reason": "daily loss"})
	}
	assert.Len(t, sender.sent, 5)
}

func TestDispatch_ConfidenceAndCategoryFilters(t *testing.T) {
	d, _, prefs, sender, _ := newDispatcher(t)
	require.NoError(t, prefs.Upsert(&store.EmailPref{
		OwnerEmail:       "a@b.c",
		AlertsEnabled:    true,
		MinConfidence:    60,
		Categories:       `["crypto"]`,
		MaxAlertsPerHour: 10,
	}))

	// Confidence below the subscriber's floor.
	d.Dispatch("signal.entered", map[string]any{"confidence": 50.0, "category": "crypto", "edge": 0.05})
	assert.Empty(t, sender.sent)

	// Unwanted category.
	d.Dispatch("signal.entered", map[string]any{"confidence": 90.0, "category": "sports", "edge": 0.05})
	assert.Empty(t, sender.sent)

	// Both filters pass.
	d.Dispatch("signal.entered", map[string]any{"confidence": 90.0, "category": "crypto", "edge": 0.05})
	assert.Len(t, sender.sent, 1)
}

func TestDispatch_OptedOutIsSkipped(t *testing.T) {
	d, _, prefs, sender, _ := newDispatcher(t)
	require.NoError(t, prefs.Upsert(&store.EmailPref{
		OwnerEmail:       "a@b.c",
		AlertsEnabled:    false,
		MaxAlertsPerHour: 10,
	}))

	d.Dispatch("trade.opened", map[string]any{"amount": 20.0})
	assert.Empty(t, sender.sent)
}
