package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event type tags as delivered by the payment provider.
const (
	TypePaymentSucceeded     = "payment.succeeded"
	TypePaymentFailed        = "payment.failed"
	TypeSubscriptionCreated  = "subscription.created"
	TypeSubscriptionUpdated  = "subscription.updated"
	TypeSubscriptionDeleted  = "subscription.deleted"
	TypeInvoicePaid          = "invoice.paid"
	TypeInvoicePaymentFailed = "invoice.payment_failed"
	TypeChargeRefunded       = "charge.refunded"
)

// PaymentPayload is the decoded data of payment.* and charge.refunded events.
type PaymentPayload struct {
	ChargeID      string `json:"charge_id"`
	CustomerID    string `json:"customer_id"`
	InvoiceID     string `json:"invoice_id,omitempty"`
	AmountCents   int64  `json:"amount_cents"`
	Currency      string `json:"currency"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// SubscriptionPayload is the decoded data of subscription.* events.
type SubscriptionPayload struct {
	SubscriptionID     string     `json:"subscription_id"`
	CustomerID         string     `json:"customer_id"`
	CustomerEmail      string     `json:"customer_email,omitempty"`
	PlanRef            string     `json:"plan_ref,omitempty"`
	Status             string     `json:"status"`
	CurrentPeriodStart *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end,omitempty"`
}

// InvoicePayload is the decoded data of invoice.* events.
type InvoicePayload struct {
	InvoiceID      string `json:"invoice_id"`
	CustomerID     string `json:"customer_id"`
	CustomerEmail  string `json:"customer_email,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	ChargeID       string `json:"charge_id,omitempty"`
	AmountCents    int64  `json:"amount_cents"`
	Currency       string `json:"currency"`
}

// DecodePayload unmarshals a stored payload into the given struct.
func DecodePayload(payloadJSON string, out interface{}) error {
	if err := json.Unmarshal([]byte(payloadJSON), out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// DeriveIdempotencyKey builds the deterministic key for a logical side effect.
// The key is derived from the event's logical identity rather than its
// provider event id, so a provider redelivering a semantically identical event
// under a fresh id still maps to the same effect.
func DeriveIdempotencyKey(eventType string, parts ...string) string {
	sum := sha256.Sum256([]byte(eventType + "|" + strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// IdempotencyKeyForEvent derives the key from a raw stored payload. Unknown
// types fall back to the provider event id, which is still unique per row.
func IdempotencyKeyForEvent(eventType, providerEventID, payloadJSON string) string {
	switch eventType {
	case TypePaymentSucceeded, TypePaymentFailed, TypeChargeRefunded:
		var p PaymentPayload
		if err := DecodePayload(payloadJSON, &p); err == nil && p.ChargeID != "" {
			return DeriveIdempotencyKey(eventType, "charge", p.ChargeID)
		}
	case TypeSubscriptionCreated, TypeSubscriptionUpdated, TypeSubscriptionDeleted:
		var p SubscriptionPayload
		if err := DecodePayload(payloadJSON, &p); err == nil && p.SubscriptionID != "" {
			periodEnd := ""
			if p.CurrentPeriodEnd != nil {
				periodEnd = p.CurrentPeriodEnd.UTC().Format(time.RFC3339)
			}
			return DeriveIdempotencyKey(eventType, "subscription", p.SubscriptionID, p.Status, periodEnd)
		}
	case TypeInvoicePaid, TypeInvoicePaymentFailed:
		var p InvoicePayload
		if err := DecodePayload(payloadJSON, &p); err == nil && p.InvoiceID != "" {
			return DeriveIdempotencyKey(eventType, "invoice", p.InvoiceID, p.ChargeID)
		}
	}
	return DeriveIdempotencyKey(eventType, "event", providerEventID)
}
