package models

import "time"

// IdempotencyRecord marks a logical side effect as applied. It is inserted in
// the same transaction as the effect itself, so a crash between "apply effect"
// and "mark event completed" can never replay the effect. The unique key makes
// concurrent duplicate applications lose at commit time.
type IdempotencyRecord struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	IdempotencyKey string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"idempotency_key"`
	ProcessedAt    time.Time `gorm:"autoCreateTime" json:"processed_at"`
}

func (IdempotencyRecord) TableName() string {
	return "webhook_idempotency"
}
