package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

const (
	DunningStatusActive    = "active"
	DunningStatusPaused    = "paused"
	DunningStatusRecovered = "recovered"
	DunningStatusFailed    = "failed"
	DunningStatusCancelled = "cancelled"
)

const DunningCancelReasonMaxAttempts = "max_attempts_reached"

// EmailLogEntry records one notification sent during a recovery run.
type EmailLogEntry struct {
	Type       string    `json:"type"`
	SentAt     time.Time `json:"sent_at"`
	TemplateID string    `json:"template_id"`
}

// EmailLog is the ordered send log stored as a JSON column.
type EmailLog []EmailLogEntry

func (l EmailLog) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (l *EmailLog) Scan(value interface{}) error {
	if value == nil {
		*l = EmailLog{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported email log column type %T", value)
	}
	if len(data) == 0 {
		*l = EmailLog{}
		return nil
	}
	return json.Unmarshal(data, l)
}

// DunningEvent tracks one payment-recovery run for a failed invoice. It is
// created by the invoice-payment-failed handler and advanced only by the
// dunning orchestrator. At most one active row exists per invoice; recovered,
// cancelled and failed rows are immutable.
type DunningEvent struct {
	ID                    uint       `gorm:"primaryKey" json:"id"`
	CustomerID            uint       `gorm:"not null;index" json:"customer_id"`
	SubscriptionID        *uint      `gorm:"index" json:"subscription_id,omitempty"`
	InvoiceID             uint       `gorm:"not null;index" json:"invoice_id"`
	AmountCents           int64      `gorm:"not null" json:"amount_cents"`
	Currency              string     `gorm:"type:varchar(3);not null" json:"currency"`
	AttemptCount          int        `gorm:"not null;default:0" json:"attempt_count"`
	TotalRecoveryAttempts int        `gorm:"not null;default:0" json:"total_recovery_attempts"`
	Status                string     `gorm:"type:varchar(16);not null;default:'active';index:idx_dunning_events_status_retry,priority:1" json:"status"`
	NextRetryAt           *time.Time `gorm:"type:timestamp;default:null;index:idx_dunning_events_status_retry,priority:2" json:"next_retry_at,omitempty"`
	AttemptClaimedAt      *time.Time `gorm:"type:timestamp;default:null" json:"attempt_claimed_at,omitempty"`
	RecoveredAt           *time.Time `gorm:"type:timestamp;default:null" json:"recovered_at,omitempty"`
	CancelledAt           *time.Time `gorm:"type:timestamp;default:null" json:"cancelled_at,omitempty"`
	CancelReason          string     `gorm:"type:varchar(64);not null;default:''" json:"cancel_reason"`
	EmailsSent            EmailLog   `gorm:"type:longtext" json:"emails_sent"`
	StrategyName          string     `gorm:"type:varchar(50);not null" json:"strategy_name"`
	CreatedAt             time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt             time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (DunningEvent) TableName() string {
	return "dunning_events"
}

// IsTerminal reports whether the record may no longer be advanced.
func (d *DunningEvent) IsTerminal() bool {
	switch d.Status {
	case DunningStatusRecovered, DunningStatusCancelled, DunningStatusFailed:
		return true
	default:
		return false
	}
}

// AppendEmail appends one entry to the ordered send log.
func (d *DunningEvent) AppendEmail(emailType, templateID string, sentAt time.Time) {
	d.EmailsSent = append(d.EmailsSent, EmailLogEntry{
		Type:       emailType,
		SentAt:     sentAt,
		TemplateID: templateID,
	})
}
