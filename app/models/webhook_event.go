package models

import "time"

const (
	EventStatusPending         = "pending"
	EventStatusProcessing      = "processing"
	EventStatusCompleted       = "completed"
	EventStatusFailed          = "failed"
	EventStatusFailedPermanent = "failed_permanent"
)

// WebhookEvent stores raw provider webhook payloads with deduplication and
// processing-state metadata. Rows are created once per provider event id and
// mutated only by the claim/dispatch loop and the retry scheduler.
type WebhookEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Provider        string     `gorm:"type:varchar(20);not null;index:ux_webhook_events_provider_event,unique,priority:1;index" json:"provider"`
	ProviderEventID string     `gorm:"type:varchar(191);not null;index:ux_webhook_events_provider_event,unique,priority:2" json:"provider_event_id"`
	EventType       string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	PayloadJSON     string     `gorm:"type:longtext;not null" json:"payload_json"`
	Status          string     `gorm:"type:varchar(20);not null;default:'pending';index:idx_webhook_events_status_retry,priority:1" json:"status"`
	Attempts        int        `gorm:"not null;default:0" json:"attempts"`
	IdempotencyKey  string     `gorm:"type:varchar(64);not null;default:'';index" json:"idempotency_key"`
	ClaimToken      string     `gorm:"type:varchar(36);not null;default:'';index" json:"claim_token"`
	LastAttemptAt   *time.Time `gorm:"type:timestamp;default:null" json:"last_attempt_at,omitempty"`
	NextRetryAt     *time.Time `gorm:"type:timestamp;default:null;index:idx_webhook_events_status_retry,priority:2" json:"next_retry_at,omitempty"`
	ErrorMessage    string     `gorm:"type:text" json:"error_message"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	CompletedAt     *time.Time `gorm:"type:timestamp;default:null" json:"completed_at,omitempty"`
}

func (WebhookEvent) TableName() string {
	return "webhook_events"
}

// IsTerminal reports whether the event can no longer be claimed.
func (e *WebhookEvent) IsTerminal() bool {
	return e.Status == EventStatusCompleted || e.Status == EventStatusFailedPermanent
}

// IsClaimable reports whether the claim loop may pick this row up at now.
// The database-level conditional update stays authoritative; this helper only
// mirrors its predicate for local decisions and tests.
func (e *WebhookEvent) IsClaimable(now time.Time) bool {
	if e.Status != EventStatusPending && e.Status != EventStatusFailed {
		return false
	}
	return e.NextRetryAt == nil || !e.NextRetryAt.After(now)
}
