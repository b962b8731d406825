// Package notify fans user-actionable events out to webhooks, email and
// Telegram. Nothing in here may fail the trading pipeline: every error is
// logged, recorded against the channel, and swallowed.
package notify

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/polysignal/trader/internal/signal"
)

type auditSink interface {
	Event(eventType string, detail map[string]any)
}

// Dispatcher routes one event to every configured channel.
type Dispatcher struct {
	webhooks  *Webhooks
	queue     *Queue
	prefs     *EmailPrefs
	throttler *Throttler
	email     EmailSender
	telegram  *Telegram
	audit     auditSink
}

func NewDispatcher(webhooks *Webhooks, queue *Queue, prefs *EmailPrefs, audit auditSink) *Dispatcher {
	return &Dispatcher{
		webhooks:  webhooks,
		queue:     queue,
		prefs:     prefs,
		throttler: NewThrottler(),
		email:     logSender{},
		audit:     audit,
	}
}

// SetEmailSender wires the external email transport.
func (d *Dispatcher) SetEmailSender(sender EmailSender) {
	if sender != nil {
		d.email = sender
	}
}

// SetTelegram wires the optional Telegram channel.
func (d *Dispatcher) SetTelegram(t *Telegram) {
	d.telegram = t
}

// Throttler exposes digest flushing to the admin surface.
func (d *Dispatcher) Throttler() *Throttler {
	return d.throttler
}

// SignalData builds the common per-signal payload data block.
func SignalData(sig *signal.Signal) map[string]any {
	edge := sig.ChosenEdge()
	return map[string]any{
		"question":            sig.Market.Question,
		"category":            sig.Market.Category,
		"side":                sig.Rec.Side,
		"signal":              sig.Signal,
		"strength":            sig.Rec.Strength,
		"edge":                edge,
		"confidence":          sig.Confidence,
		"confidence_tier":     confidenceTier(sig.Confidence),
		"model_up":            sig.Prices.Up.InexactFloat64() + sig.Edge.EdgeUp,
		"price_up":            sig.Prices.Up.InexactFloat64(),
		"price_down":          sig.Prices.Down.InexactFloat64(),
		"kelly":               sig.Kelly,
		"settlement_left_min": sig.Market.SettlementLeftMin,
	}
}

func confidenceTier(confidence float64) string {
	switch {
	case confidence >= 80:
		return "high"
	case confidence >= 60:
		return "medium"
	default:
		return "low"
	}
}

// DispatchSignal publishes a signal-scoped event on all channels.
func (d *Dispatcher) DispatchSignal(sig *signal.Signal, event string) {
	d.Dispatch(event, SignalData(sig))
}

// Dispatch is the audit-log hook: route one outbound event everywhere.
// Must never panic or return an error into the caller.
func (d *Dispatcher) Dispatch(event string, data map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("event", event).Msg("Dispatcher panic swallowed")
		}
	}()

	envelope := map[string]any{
		"event":     event,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	}
	prio := ScorePriority(event, data)

	d.dispatchWebhooks(event, envelope)
	d.dispatchEmail(event, prio, data)
	d.telegram.Notify(prio, event, summaryLine(data))
}

func (d *Dispatcher) dispatchWebhooks(event string, envelope map[string]any) {
	hooks, err := d.webhooks.Active()
	if err != nil {
		log.Error().Err(err).Msg("Active webhook lookup failed")
		return
	}
	for _, hook := range hooks {
		if err := d.queue.Enqueue(hook.ID, event, envelope); err != nil {
			log.Error().Err(err).Uint("webhook", hook.ID).Msg("Webhook enqueue failed")
			continue
		}
		if d.audit != nil {
			d.audit.Event("WEBHOOK_DELIVERY_QUEUED", map[string]any{
				"webhook_id": hook.ID,
				"event":      event,
				"status":     "queued",
			})
		}
	}
}

func (d *Dispatcher) dispatchEmail(event string, prio Priority, data map[string]any) {
	prefs, err := d.prefs.OptedIn()
	if err != nil {
		log.Error().Err(err).Msg("Email prefs lookup failed")
		return
	}

	subject := fmt.Sprintf("[PolySignal] %s", event)
	body := summaryLine(data)

	for i := range prefs {
		pref := &prefs[i]
		if confidence, ok := data["confidence"].(float64); ok && confidence < pref.MinConfidence {
			continue
		}
		if category, ok := data["category"].(string); ok && !wantsCategory(pref, category) {
			continue
		}

		switch d.throttler.Check(pref.OwnerEmail, pref.MaxAlertsPerHour, prio) {
		case VerdictSend:
			if err := d.email.Send(pref.OwnerEmail, subject, body); err != nil {
				log.Warn().Err(err).Str("to", pref.OwnerEmail).Msg("Email send failed")
				d.recordDelivery(pref.OwnerEmail, event, "failed")
				continue
			}
			d.throttler.RecordSend(pref.OwnerEmail)
			d.recordDelivery(pref.OwnerEmail, event, "delivered")
		case VerdictDigest:
			d.throttler.Queue(pref.OwnerEmail, DigestItem{
				Event:    event,
				Subject:  subject,
				Body:     body,
				Priority: prio,
			})
			d.recordDelivery(pref.OwnerEmail, event, "queued_digest")
		}
	}
}

func (d *Dispatcher) recordDelivery(owner, event, status string) {
	if d.audit == nil {
		return
	}
	d.audit.Event("EMAIL_DELIVERY", map[string]any{
		"owner":  owner,
		"event":  event,
		"status": status,
	})
}

// FlushDigest sends the owner's digest as a single email and returns how
// many alerts it contained.
func (d *Dispatcher) FlushDigest(owner string) int {
	items := d.throttler.FlushDigestQueue(owner)
	if len(items) == 0 {
		return 0
	}
	body := ""
	for _, item := range items {
		body += fmt.Sprintf("- [%s] %s: %s\n", item.Priority, item.Event, item.Body)
	}
	subject := fmt.Sprintf("[PolySignal] Digest (%d alerts)", len(items))
	if err := d.email.Send(owner, subject, body); err != nil {
		log.Warn().Err(err).Str("to", owner).Msg("Digest send failed")
	}
	return len(items)
}

func summaryLine(data map[string]any) string {
	if q, ok := data["question"].(string); ok && q != "" {
		return q
	}
	if r, ok := data["reason"].(string); ok && r != "" {
		return r
	}
	return fmt.Sprintf("%v", data)
}
