package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/polysignal/trader/internal/store"
)

const (
	deliveryTimeout = 5 * time.Second
	deliveryRetries = 2
	retryWait       = 500 * time.Millisecond
	drainInterval   = 2 * time.Second
	drainBatch      = 32
	workerPoolSize  = 8
	userAgent       = "PolySignal/1.0"
)

// Queue is the durable webhook delivery queue: envelopes land in
// webhook_queue and a bounded worker pool drains them in the background.
type Queue struct {
	db       *gorm.DB
	webhooks *Webhooks
	http     *resty.Client
	pool     *ants.Pool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewQueue(db *gorm.DB, webhooks *Webhooks) (*Queue, error) {
	pool, err := ants.NewPool(workerPoolSize, ants.WithNonblocking(false))
	if err != nil {
		return nil, err
	}
	httpClient := resty.New().
		SetTimeout(deliveryTimeout).
		SetRetryCount(deliveryRetries).
		SetRetryWaitTime(retryWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == 429
		}).
		SetHeader("User-Agent", userAgent).
		SetHeader("Content-Type", "application/json")

	return &Queue{
		db:       db,
		webhooks: webhooks,
		http:     httpClient,
		pool:     pool,
	}, nil
}

// Enqueue persists one envelope for a webhook. The row survives restarts;
// delivery happens asynchronously.
func (q *Queue) Enqueue(webhookID uint, event string, payload map[string]any) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	row := store.WebhookDelivery{
		ID:        uuid.NewString(),
		WebhookID: webhookID,
		Event:     event,
		Payload:   string(blob),
		Status:    "queued",
		CreatedAt: time.Now().UTC(),
	}
	return q.db.Create(&row).Error
}

// Start launches the background drain loop.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.done = make(chan struct{})
	go q.run(ctx)
}

// Stop halts the drain loop and releases the worker pool.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
		<-q.done
	}
	q.pool.Release()
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.drain(ctx)
		}
	}
}

// drain claims a batch of queued envelopes and submits each to the pool.
// Submit blocks when all workers are busy, which is the backpressure.
func (q *Queue) drain(ctx context.Context) {
	var batch []store.WebhookDelivery
	err := q.db.Where("status = ?", "queued").Order("created_at ASC").Limit(drainBatch).Find(&batch).Error
	if err != nil {
		log.Error().Err(err).Msg("Webhook queue read failed")
		return
	}
	for _, row := range batch {
		row := row
		if err := q.pool.Submit(func() { q.deliver(ctx, row) }); err != nil {
			log.Error().Err(err).Msg("Webhook worker submit failed")
			return
		}
	}
}

func (q *Queue) deliver(ctx context.Context, row store.WebhookDelivery) {
	hook, err := q.webhooks.Get(row.WebhookID)
	if err != nil || !hook.Active {
		q.markFailed(row.ID, row.Attempts+1, "webhook inactive or missing")
		return
	}

	resp, err := q.http.R().
		SetContext(ctx).
		SetBody(json.RawMessage(row.Payload)).
		Post(hook.URL)

	attempts := row.Attempts + 1
	if err == nil && resp.StatusCode() < 300 {
		now := time.Now().UTC()
		uerr := q.db.Model(&store.WebhookDelivery{}).Where("id = ?", row.ID).
			Updates(map[string]any{
				"status":       "delivered",
				"attempts":     attempts,
				"delivered_at": now,
			}).Error
		if uerr != nil {
			log.Error().Err(uerr).Str("delivery", row.ID).Msg("Delivery status update failed")
		}
		if err := q.webhooks.RecordSuccess(hook.ID); err != nil {
			log.Error().Err(err).Uint("webhook", hook.ID).Msg("Webhook success record failed")
		}
		return
	}

	reason := "delivery failed"
	if err != nil {
		reason = err.Error()
	} else {
		reason = resp.Status()
	}
	q.markFailed(row.ID, attempts, reason)
	if err := q.webhooks.RecordFailure(hook.ID, reason); err != nil {
		log.Error().Err(err).Uint("webhook", hook.ID).Msg("Webhook failure record failed")
	}
	log.Warn().Str("delivery", row.ID).Uint("webhook", hook.ID).Str("reason", reason).Msg("Webhook delivery failed")
}

func (q *Queue) markFailed(id string, attempts int, reason string) {
	err := q.db.Model(&store.WebhookDelivery{}).Where("id = ?", id).
		Updates(map[string]any{
			"status":     "failed",
			"attempts":   attempts,
			"last_error": reason,
		}).Error
	if err != nil {
		log.Error().Err(err).Str("delivery", id).Msg("Delivery failure update failed")
	}
}
