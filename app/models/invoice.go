package models

import "time"

const (
	InvoiceStatusOpen     = "open"
	InvoiceStatusPaid     = "paid"
	InvoiceStatusPastDue  = "past_due"
	InvoiceStatusVoided   = "voided"
	InvoiceStatusRefunded = "refunded"
)

// Invoice mirrors the provider invoice the dunning engine tries to collect.
type Invoice struct {
	ID                uint       `gorm:"primaryKey" json:"id"`
	CustomerID        uint       `gorm:"not null;index" json:"customer_id"`
	SubscriptionID    *uint      `gorm:"index" json:"subscription_id,omitempty"`
	Provider          string     `gorm:"type:varchar(20);not null;index:ux_invoices_provider_invoice,unique,priority:1" json:"provider"`
	ProviderInvoiceID string     `gorm:"type:varchar(191);not null;index:ux_invoices_provider_invoice,unique,priority:2" json:"provider_invoice_id"`
	AmountCents       int64      `gorm:"not null" json:"amount_cents"`
	Currency          string     `gorm:"type:varchar(3);not null" json:"currency"`
	Status            string     `gorm:"type:varchar(16);not null;default:'open';index" json:"status"`
	PaidAt            *time.Time `gorm:"type:timestamp;default:null" json:"paid_at,omitempty"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Invoice) TableName() string {
	return "invoices"
}
