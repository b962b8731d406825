package notify

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/polysignal/trader/internal/store"
)

const (
	maxWebhooksPerOwner = 5
	deactivateAfter     = 10 // consecutive failures
)

// Webhooks is the repository for outbound webhook endpoints.
type Webhooks struct {
	db *gorm.DB
}

func NewWebhooks(db *gorm.DB) *Webhooks {
	return &Webhooks{db: db}
}

// Create registers a webhook, enforcing the per-owner cap.
func (w *Webhooks) Create(ownerEmail, url, name string) (*store.Webhook, error) {
	var n int64
	if err := w.db.Model(&store.Webhook{}).Where("owner_email = ?", ownerEmail).Count(&n).Error; err != nil {
		return nil, err
	}
	if n >= maxWebhooksPerOwner {
		return nil, fmt.Errorf("webhook limit reached (%d per owner)", maxWebhooksPerOwner)
	}
	hook := store.Webhook{
		OwnerEmail: ownerEmail,
		URL:        url,
		Name:       name,
		Active:     true,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := w.db.Create(&hook).Error; err != nil {
		return nil, err
	}
	return &hook, nil
}

// Active returns every active webhook.
func (w *Webhooks) Active() ([]store.Webhook, error) {
	var hooks []store.Webhook
	err := w.db.Where("active = ?", true).Find(&hooks).Error
	return hooks, err
}

// ByOwner returns all of one owner's webhooks.
func (w *Webhooks) ByOwner(ownerEmail string) ([]store.Webhook, error) {
	var hooks []store.Webhook
	err := w.db.Where("owner_email = ?", ownerEmail).Find(&hooks).Error
	return hooks, err
}

// Get fetches one webhook.
func (w *Webhooks) Get(id uint) (*store.Webhook, error) {
	var hook store.Webhook
	if err := w.db.First(&hook, id).Error; err != nil {
		return nil, err
	}
	return &hook, nil
}

// Deactivate turns a webhook off (admin or failure policy).
func (w *Webhooks) Deactivate(id uint, reason string) error {
	return w.db.Model(&store.Webhook{}).Where("id = ?", id).
		Updates(map[string]any{
			"active":     false,
			"last_error": reason,
			"updated_at": time.Now().UTC(),
		}).Error
}

// RecordSuccess increments the success counter and clears the error state.
func (w *Webhooks) RecordSuccess(id uint) error {
	return w.db.Model(&store.Webhook{}).Where("id = ?", id).
		Updates(map[string]any{
			"success_count":     gorm.Expr("success_count + 1"),
			"consecutive_fails": 0,
			"last_error":        "",
			"updated_at":        time.Now().UTC(),
		}).Error
}

// RecordFailure increments failure counters and deactivates the endpoint
// after 10 consecutive failures.
func (w *Webhooks) RecordFailure(id uint, errMsg string) error {
	err := w.db.Model(&store.Webhook{}).Where("id = ?", id).
		Updates(map[string]any{
			"fail_count":        gorm.Expr("fail_count + 1"),
			"consecutive_fails": gorm.Expr("consecutive_fails + 1"),
			"last_error":        errMsg,
			"updated_at":        time.Now().UTC(),
		}).Error
	if err != nil {
		return err
	}

	var hook store.Webhook
	if err := w.db.First(&hook, id).Error; err != nil {
		return err
	}
	if hook.ConsecutiveFails >= deactivateAfter && hook.Active {
		log.Warn().Uint("webhook", id).Int("consecutive_fails", hook.ConsecutiveFails).
			Msg("Webhook deactivated after repeated failures")
		return w.Deactivate(id, fmt.Sprintf("deactivated after %d consecutive failures", hook.ConsecutiveFails))
	}
	return nil
}
