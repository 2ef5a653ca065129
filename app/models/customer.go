package models

import "time"

// Customer mirrors the provider-side customer the recovery engine acts on.
// Account restriction is the first dunning escalation step.
type Customer struct {
	ID                     uint       `gorm:"primaryKey" json:"id"`
	Provider               string     `gorm:"type:varchar(20);not null;index:ux_customers_provider_customer,unique,priority:1" json:"provider"`
	ProviderCustomerID     string     `gorm:"type:varchar(191);not null;index:ux_customers_provider_customer,unique,priority:2" json:"provider_customer_id"`
	Email                  string     `gorm:"type:varchar(191);not null" json:"email"`
	DefaultPaymentMethodID string     `gorm:"type:varchar(191);not null;default:''" json:"default_payment_method_id"`
	DunningStrategyName    string     `gorm:"type:varchar(50);not null;default:''" json:"dunning_strategy_name"`
	AccountRestricted      bool       `gorm:"not null;default:false;index" json:"account_restricted"`
	RestrictedAt           *time.Time `gorm:"type:timestamp;default:null" json:"restricted_at,omitempty"`
	CreatedAt              time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Customer) TableName() string {
	return "customers"
}
