package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polysignal/trader/internal/store"
)

func queuedDelivery(t *testing.T, q *Queue, webhookID uint) store.WebhookDelivery {
	t.Helper()
	require.NoError(t, q.Enqueue(webhookID, "trade.opened", map[string]any{"question": "BTC up?"}))
	var row store.WebhookDelivery
	require.NoError(t, q.db.Where("webhook_id = ?", webhookID).First(&row).Error)
	return row
}

func TestDeliver_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	db := testDB(t)
	webhooks := NewWebhooks(db)
	q, err := NewQueue(db, webhooks)
	require.NoError(t, err)
	hook, err := webhooks.Create("a@b.c", srv.URL, "flaky")
	require.NoError(t, err)

	row := queuedDelivery(t, q, hook.ID)
	q.deliver(context.Background(), row)

	assert.EqualValues(t, 3, calls.Load(), "two 500s are retried before the 200")
	var got store.WebhookDelivery
	require.NoError(t, db.First(&got, "id = ?", row.ID).Error)
	assert.Equal(t, "delivered", got.Status)

	fresh, _ := webhooks.Get(hook.ID)
	assert.Equal(t, 1, fresh.SuccessCount)
	assert.Equal(t, 0, fresh.ConsecutiveFails)
}

func TestDeliver_ExhaustedRetriesMarkFailed(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	db := testDB(t)
	webhooks := NewWebhooks(db)
	q, err := NewQueue(db, webhooks)
	require.NoError(t, err)
	hook, err := webhooks.Create("a@b.c", srv.URL, "down")
	require.NoError(t, err)

	row := queuedDelivery(t, q, hook.ID)
	q.deliver(context.Background(), row)

	assert.EqualValues(t, 1+deliveryRetries, calls.Load())
	var got store.WebhookDelivery
	require.NoError(t, db.First(&got, "id = ?", row.ID).Error)
	assert.Equal(t, "failed", got.Status)
	assert.NotEmpty(t, got.LastError)

	fresh, _ := webhooks.Get(hook.ID)
	assert.Equal(t, 1, fresh.ConsecutiveFails, "one delivery, however many HTTP attempts, is one failure")
}

func TestDeliver_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	db := testDB(t)
	webhooks := NewWebhooks(db)
	q, err := NewQueue(db, webhooks)
	require.NoError(t, err)
	hook, err := webhooks.Create("a@b.c", srv.URL, "gone")
	require.NoError(t, err)

	row := queuedDelivery(t, q, hook.ID)
	q.deliver(context.Background(), row)

	assert.EqualValues(t, 1, calls.Load())
	var got store.WebhookDelivery
	require.NoError(t, db.First(&got, "id = ?", row.ID).Error)
	assert.Equal(t, "failed", got.Status)
}
