package store

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the persistent store and runs the startup migration.
// A postgres:// DSN selects PostgreSQL; anything else is treated as a
// SQLite file path (directories created as needed).
func Open(dsn string) (*gorm.DB, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Msg("Database connected (PostgreSQL)")
	} else {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", dsn).Msg("Database initialized (SQLite)")
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates all tables, adds columns introduced after first release,
// and seeds the bot_control singleton. All lazy ensure-table paths collapse
// into this one startup routine.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&TradeExecution{},
		&AuditEvent{},
		&BotControl{},
		&ConfigValue{},
		&DecisionRecord{},
		&Webhook{},
		&EmailPref{},
		&WebhookDelivery{},
	); err != nil {
		return err
	}

	// max_alerts_per_hour postdates the first email_prefs schema; AutoMigrate
	// adds it, but rows migrated from older databases carry a zero value.
	if err := db.Model(&EmailPref{}).
		Where("max_alerts_per_hour < 1").
		Update("max_alerts_per_hour", 10).Error; err != nil {
		return err
	}

	// Seed the control singleton so every component can assume it exists.
	var ctl BotControl
	if err := db.First(&ctl, 1).Error; err != nil {
		if err != gorm.ErrRecordNotFound {
			return err
		}
		ctl = BotControl{ID: 1, State: "running", Reason: "startup", ChangedAt: time.Now().UTC()}
		if err := db.Create(&ctl).Error; err != nil {
			return err
		}
	}
	return nil
}
