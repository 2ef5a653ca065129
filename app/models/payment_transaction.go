package models

import "time"

const (
	TransactionKindCharge = "charge"
	TransactionKindRefund = "refund"

	TransactionResultSucceeded = "succeeded"
	TransactionResultFailed    = "failed"
)

// PaymentTransaction is the append-only ledger of applied payment effects.
// Exactly one row exists per idempotency key; this is the observable "effect"
// the idempotent-processing guarantees are stated against.
type PaymentTransaction struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	CustomerID       uint      `gorm:"not null;index" json:"customer_id"`
	InvoiceID        *uint     `gorm:"index" json:"invoice_id,omitempty"`
	ProviderChargeID string    `gorm:"type:varchar(191);not null;default:'';index" json:"provider_charge_id"`
	Kind             string    `gorm:"type:varchar(16);not null" json:"kind"`
	Result           string    `gorm:"type:varchar(16);not null" json:"result"`
	AmountCents      int64     `gorm:"not null" json:"amount_cents"`
	Currency         string    `gorm:"type:varchar(3);not null" json:"currency"`
	FailureReason    string    `gorm:"type:varchar(191);not null;default:''" json:"failure_reason"`
	IdempotencyKey   string    `gorm:"type:varchar(64);not null;index" json:"idempotency_key"`
	CreatedAt        time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (PaymentTransaction) TableName() string {
	return "payment_transactions"
}
