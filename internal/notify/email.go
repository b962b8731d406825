package notify

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/polysignal/trader/internal/store"
)

// EmailSender is the transport contract. The real SMTP/provider client is
// an external collaborator; the dispatcher only needs this.
type EmailSender interface {
	Send(to, subject, body string) error
}

// logSender is the default sink when no transport is wired: it records the
// alert and succeeds, so dry deployments still exercise the throttle path.
type logSender struct{}

func (logSender) Send(to, subject, body string) error {
	log.Info().Str("to", to).Str("subject", subject).Msg("Email alert (log sink)")
	return nil
}

// EmailPrefs is the repository for per-owner alert preferences.
type EmailPrefs struct {
	db *gorm.DB
}

func NewEmailPrefs(db *gorm.DB) *EmailPrefs {
	return &EmailPrefs{db: db}
}

// Upsert writes an owner's preferences, clamping max_alerts_per_hour to
// [1,100].
func (p *EmailPrefs) Upsert(pref *store.EmailPref) error {
	if pref.MaxAlertsPerHour < 1 {
		pref.MaxAlertsPerHour = 1
	}
	if pref.MaxAlertsPerHour > 100 {
		pref.MaxAlertsPerHour = 100
	}
	pref.UpdatedAt = time.Now().UTC()
	if pref.CreatedAt.IsZero() {
		pref.CreatedAt = pref.UpdatedAt
	}
	return p.db.Save(pref).Error
}

// OptedIn returns every subscriber with alerts enabled.
func (p *EmailPrefs) OptedIn() ([]store.EmailPref, error) {
	var prefs []store.EmailPref
	err := p.db.Where("alerts_enabled = ?", true).Find(&prefs).Error
	return prefs, err
}

// Get fetches one owner's preferences.
func (p *EmailPrefs) Get(ownerEmail string) (*store.EmailPref, error) {
	var pref store.EmailPref
	if err := p.db.First(&pref, "owner_email = ?", ownerEmail).Error; err != nil {
		return nil, err
	}
	return &pref, nil
}

// wantsCategory checks the owner's category filter; an empty filter means
// all categories.
func wantsCategory(pref *store.EmailPref, category string) bool {
	if pref.Categories == "" || pref.Categories == "[]" {
		return true
	}
	var cats []string
	if err := json.Unmarshal([]byte(pref.Categories), &cats); err != nil {
		return true
	}
	if len(cats) == 0 {
		return true
	}
	for _, c := range cats {
		if c == category {
			return true
		}
	}
	return false
}
