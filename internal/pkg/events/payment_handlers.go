package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/revopsio/recoup/app/models"
)

// HandlePaymentSucceeded records the charge in the payment ledger and settles
// the referenced invoice.
func (h *Handlers) HandlePaymentSucceeded(ctx context.Context, tx *gorm.DB, event *models.WebhookEvent) error {
	var p PaymentPayload
	if err := DecodePayload(event.PayloadJSON, &p); err != nil {
		return err
	}
	if p.ChargeID == "" || p.CustomerID == "" {
		return fmt.Errorf("payment.succeeded %s: charge_id and customer_id are required", event.ProviderEventID)
	}

	return runIdempotent(tx, eventKey(event), func() error {
		customer, err := getOrCreateCustomer(tx, event.Provider, p.CustomerID, "")
		if err != nil {
			return err
		}

		var invoiceID *uint
		if p.InvoiceID != "" {
			invoice := &models.Invoice{
				CustomerID:        customer.ID,
				Provider:          event.Provider,
				ProviderInvoiceID: p.InvoiceID,
				AmountCents:       p.AmountCents,
				Currency:          p.Currency,
				Status:            models.InvoiceStatusPaid,
				PaidAt:            nowPtr(time.Now()),
			}
			if err := upsertInvoice(tx, invoice); err != nil {
				return err
			}
			invoiceID = &invoice.ID
		}

		return tx.Create(&models.PaymentTransaction{
			CustomerID:       customer.ID,
			InvoiceID:        invoiceID,
			ProviderChargeID: p.ChargeID,
			Kind:             models.TransactionKindCharge,
			Result:           models.TransactionResultSucceeded,
			AmountCents:      p.AmountCents,
			Currency:         p.Currency,
			IdempotencyKey:   eventKey(event),
		}).Error
	})
}

// HandlePaymentFailed records the failed charge attempt. The dunning machinery
// is driven by invoice.payment_failed, not here: a standalone charge failure
// carries no invoice to recover.
func (h *Handlers) HandlePaymentFailed(ctx context.Context, tx *gorm.DB, event *models.WebhookEvent) error {
	var p PaymentPayload
	if err := DecodePayload(event.PayloadJSON, &p); err != nil {
		return err
	}
	if p.ChargeID == "" || p.CustomerID == "" {
		return fmt.Errorf("payment.failed %s: charge_id and customer_id are required", event.ProviderEventID)
	}

	return runIdempotent(tx, eventKey(event), func() error {
		customer, err := getOrCreateCustomer(tx, event.Provider, p.CustomerID, "")
		if err != nil {
			return err
		}

		var invoiceID *uint
		if p.InvoiceID != "" {
			var invoice models.Invoice
			err := tx.Where("provider = ? AND provider_invoice_id = ?", event.Provider, p.InvoiceID).
				First(&invoice).Error
			if err == nil {
				invoiceID = &invoice.ID
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		return tx.Create(&models.PaymentTransaction{
			CustomerID:       customer.ID,
			InvoiceID:        invoiceID,
			ProviderChargeID: p.ChargeID,
			Kind:             models.TransactionKindCharge,
			Result:           models.TransactionResultFailed,
			AmountCents:      p.AmountCents,
			Currency:         p.Currency,
			FailureReason:    p.FailureReason,
			IdempotencyKey:   eventKey(event),
		}).Error
	})
}

// HandleChargeRefunded appends a refund row to the ledger and marks the
// referenced invoice refunded.
func (h *Handlers) HandleChargeRefunded(ctx context.Context, tx *gorm.DB, event *models.WebhookEvent) error {
	var p PaymentPayload
	if err := DecodePayload(event.PayloadJSON, &p); err != nil {
		return err
	}
	if p.ChargeID == "" || p.CustomerID == "" {
		return fmt.Errorf("charge.refunded %s: charge_id and customer_id are required", event.ProviderEventID)
	}

	return runIdempotent(tx, eventKey(event), func() error {
		customer, err := getOrCreateCustomer(tx, event.Provider, p.CustomerID, "")
		if err != nil {
			return err
		}

		var invoiceID *uint
		if p.InvoiceID != "" {
			var invoice models.Invoice
			err := tx.Where("provider = ? AND provider_invoice_id = ?", event.Provider, p.InvoiceID).
				First(&invoice).Error
			if err == nil {
				invoiceID = &invoice.ID
				if err := tx.Model(&invoice).Update("status", models.InvoiceStatusRefunded).Error; err != nil {
					return err
				}
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		return tx.Create(&models.PaymentTransaction{
			CustomerID:       customer.ID,
			InvoiceID:        invoiceID,
			ProviderChargeID: p.ChargeID,
			Kind:             models.TransactionKindRefund,
			Result:           models.TransactionResultSucceeded,
			AmountCents:      p.AmountCents,
			Currency:         p.Currency,
			IdempotencyKey:   eventKey(event),
		}).Error
	})
}
