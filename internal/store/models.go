package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Execution status domain. Transitions only ever leave "open".
const (
	StatusOpen      = "open"
	StatusClosed    = "closed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// TradeExecution is one record per attempted trade, live or simulated.
// An execution is "open" exactly when the settlement monitor holds it in
// its in-memory ledger after rehydration.
type TradeExecution struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	SignalID     string `gorm:"index"`
	MarketID     string `gorm:"index"`
	TokenID      string
	Side         string          // "UP" or "DOWN"
	AmountUSD    decimal.Decimal `gorm:"type:decimal(20,6)"`
	EntryPrice   decimal.Decimal `gorm:"type:decimal(10,6)"`
	FillPrice    decimal.Decimal `gorm:"type:decimal(10,6)"`
	ExitPrice    decimal.Decimal `gorm:"type:decimal(10,6)"`
	PnLUSD       decimal.Decimal `gorm:"column:pnl_usd;type:decimal(20,6)"`
	PnLPct       decimal.Decimal `gorm:"column:pnl_pct;type:decimal(10,4)"`
	Status       string          `gorm:"index;check:status IN ('open','closed','cancelled','failed')"`
	CloseReason  string
	DryRun       bool
	OrderID      string
	Edge         float64
	Confidence   float64
	QualityScore float64
	Regime       string
	Category     string `gorm:"index"`
	SizingMethod string
	SlippageBps  float64
	ErrorMsg     string
	OpenedAt     time.Time `gorm:"index"`
	ClosedAt     *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (TradeExecution) TableName() string { return "trade_executions" }

// AuditEvent rows are append-only. The system never updates or deletes them.
type AuditEvent struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	EventType   string `gorm:"index"`
	ExecutionID *uint  `gorm:"index"`
	Detail      string // JSON blob
	DryRun      bool
	CreatedAt   time.Time `gorm:"index"`
}

func (AuditEvent) TableName() string { return "trade_audit_log" }

// BotControl is a singleton row (id = 1) holding the coarse run state.
type BotControl struct {
	ID        uint `gorm:"primaryKey"`
	State     string
	Reason    string
	ChangedAt time.Time
}

func (BotControl) TableName() string { return "bot_control" }

// ConfigValue persists one runtime-tunable numeric parameter.
type ConfigValue struct {
	Key       string `gorm:"primaryKey"`
	Value     float64
	UpdatedAt time.Time
	UpdatedBy string
}

func (ConfigValue) TableName() string { return "trading_config" }

// DecisionRecord captures the full gate tree evaluated for one signal.
type DecisionRecord struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	SignalID       string `gorm:"index"`
	MarketID       string `gorm:"index"`
	Outcome        string `gorm:"index"` // executed | blocked | dry_run
	BlockingGate   string
	GatesPassed    int
	GatesTotal     int
	NearMiss       bool `gorm:"index"`
	Scores         string
	GateDetails    string
	SignalSnapshot string
	CreatedAt      time.Time `gorm:"index"`
}

func (DecisionRecord) TableName() string { return "decision_log" }

// Webhook is an outbound subscriber endpoint. At most 5 per owner;
// deactivated after 10 consecutive delivery failures.
type Webhook struct {
	ID               uint   `gorm:"primaryKey;autoIncrement"`
	OwnerEmail       string `gorm:"index"`
	URL              string
	Name             string
	Active           bool `gorm:"index"`
	SuccessCount     int
	FailCount        int
	ConsecutiveFails int
	LastError        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (Webhook) TableName() string { return "webhooks" }

// EmailPref holds per-owner alert preferences.
type EmailPref struct {
	OwnerEmail       string `gorm:"primaryKey"`
	AlertsEnabled    bool
	MinConfidence    float64
	Categories       string // JSON array; empty means all categories
	MaxAlertsPerHour int    // clamped to [1,100]
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (EmailPref) TableName() string { return "email_prefs" }

// WebhookDelivery is one envelope on the durable outbound queue.
type WebhookDelivery struct {
	ID          string `gorm:"primaryKey"` // uuid
	WebhookID   uint   `gorm:"index"`
	Event       string
	Payload     string
	Status      string `gorm:"index"` // queued | delivered | failed
	Attempts    int
	LastError   string
	CreatedAt   time.Time `gorm:"index"`
	DeliveredAt *time.Time
}

func (WebhookDelivery) TableName() string { return "webhook_queue" }
