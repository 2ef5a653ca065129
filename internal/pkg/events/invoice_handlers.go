package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/revopsio/recoup/app/models"
)

// HandleInvoicePaid settles the local invoice. Any active dunning run for the
// invoice is closed by the orchestrator's own sweep, which re-checks the
// gateway before charging; this handler never touches dunning state.
func (h *Handlers) HandleInvoicePaid(ctx context.Context, tx *gorm.DB, event *models.WebhookEvent) error {
	var p InvoicePayload
	if err := DecodePayload(event.PayloadJSON, &p); err != nil {
		return err
	}
	if p.InvoiceID == "" || p.CustomerID == "" {
		return fmt.Errorf("invoice.paid %s: invoice_id and customer_id are required", event.ProviderEventID)
	}

	return runIdempotent(tx, eventKey(event), func() error {
		customer, err := getOrCreateCustomer(tx, event.Provider, p.CustomerID, p.CustomerEmail)
		if err != nil {
			return err
		}

		invoice := &models.Invoice{
			CustomerID:        customer.ID,
			SubscriptionID:    subscriptionRef(tx, event.Provider, p.SubscriptionID),
			Provider:          event.Provider,
			ProviderInvoiceID: p.InvoiceID,
			AmountCents:       p.AmountCents,
			Currency:          p.Currency,
			Status:            models.InvoiceStatusPaid,
			PaidAt:            nowPtr(time.Now()),
		}
		return upsertInvoice(tx, invoice)
	})
}

// HandleInvoicePaymentFailed marks the invoice past due, flags an attached
// subscription, and opens the payment-recovery run. The initial dunning
// notification goes out synchronously at creation.
func (h *Handlers) HandleInvoicePaymentFailed(ctx context.Context, tx *gorm.DB, event *models.WebhookEvent) error {
	var p InvoicePayload
	if err := DecodePayload(event.PayloadJSON, &p); err != nil {
		return err
	}
	if p.InvoiceID == "" || p.CustomerID == "" {
		return fmt.Errorf("invoice.payment_failed %s: invoice_id and customer_id are required", event.ProviderEventID)
	}

	return runIdempotent(tx, eventKey(event), func() error {
		customer, err := getOrCreateCustomer(tx, event.Provider, p.CustomerID, p.CustomerEmail)
		if err != nil {
			return err
		}

		subID := subscriptionRef(tx, event.Provider, p.SubscriptionID)
		invoice := &models.Invoice{
			CustomerID:        customer.ID,
			SubscriptionID:    subID,
			Provider:          event.Provider,
			ProviderInvoiceID: p.InvoiceID,
			AmountCents:       p.AmountCents,
			Currency:          p.Currency,
			Status:            models.InvoiceStatusPastDue,
		}
		if err := upsertInvoice(tx, invoice); err != nil {
			return err
		}

		if subID != nil {
			if err := tx.Model(&models.Subscription{}).
				Where("id = ? AND status IN ?", *subID,
					[]string{models.SubscriptionStatusActive, models.SubscriptionStatusTrialing}).
				Update("status", models.SubscriptionStatusPastDue).Error; err != nil {
				return err
			}
		}

		_, _, err = h.dunning.StartRun(tx, invoice, customer, time.Now())
		return err
	})
}

// subscriptionRef resolves a provider subscription id to the local row id, if
// the mirror exists yet.
func subscriptionRef(tx *gorm.DB, provider, providerSubscriptionID string) *uint {
	if providerSubscriptionID == "" {
		return nil
	}
	sub, err := findSubscriptionByProviderID(tx, provider, providerSubscriptionID)
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return nil
	}
	return &sub.ID
}
