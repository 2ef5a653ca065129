package events

import (
	"context"
	"errors"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/revopsio/recoup/app/models"
	"github.com/revopsio/recoup/internal/pkg/dunning"
)

// HandlerFunc processes one decoded event inside the given transaction. A
// handler must be idempotent on replay: it checks the idempotency ledger for
// its derived key before applying effects, and commits the ledger write with
// the effects atomically.
type HandlerFunc func(ctx context.Context, tx *gorm.DB, event *models.WebhookEvent) error

// Registry is the closed dispatch table over the supported event types.
// Lookup of an unknown type returns an explicit miss; the engine logs and
// counts it instead of silently accepting.
type Registry struct {
	handlers map[string]HandlerFunc
}

// Handlers bundles the type handlers and their collaborators.
type Handlers struct {
	dunning *dunning.Orchestrator
}

// NewHandlers creates the handler set.
func NewHandlers(orchestrator *dunning.Orchestrator) *Handlers {
	return &Handlers{dunning: orchestrator}
}

// NewRegistry builds the dispatch table for the handler set.
func NewRegistry(h *Handlers) *Registry {
	return &Registry{handlers: map[string]HandlerFunc{
		TypePaymentSucceeded:     h.HandlePaymentSucceeded,
		TypePaymentFailed:        h.HandlePaymentFailed,
		TypeSubscriptionCreated:  h.HandleSubscriptionCreated,
		TypeSubscriptionUpdated:  h.HandleSubscriptionUpdated,
		TypeSubscriptionDeleted:  h.HandleSubscriptionDeleted,
		TypeInvoicePaid:          h.HandleInvoicePaid,
		TypeInvoicePaymentFailed: h.HandleInvoicePaymentFailed,
		TypeChargeRefunded:       h.HandleChargeRefunded,
	}}
}

// Lookup returns the handler for the event type, if one exists.
func (r *Registry) Lookup(eventType string) (HandlerFunc, bool) {
	h, ok := r.handlers[eventType]
	return h, ok
}

// Types lists the supported event types, sorted.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// runIdempotent applies fn at most once per key. The check runs against the
// handler's own transaction; the unique index on the ledger makes the loser
// of a concurrent duplicate fail at commit, rolling its effects back.
func runIdempotent(tx *gorm.DB, key string, fn func() error) error {
	var existing models.IdempotencyRecord
	err := tx.Where("idempotency_key = ?", key).First(&existing).Error
	if err == nil {
		// Effect already applied, possibly by a crashed run that never marked
		// the event completed.
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	if err := fn(); err != nil {
		return err
	}
	return tx.Create(&models.IdempotencyRecord{IdempotencyKey: key}).Error
}

// eventKey returns the stored idempotency key, deriving it on the fly for
// rows persisted before the key was computed at intake.
func eventKey(event *models.WebhookEvent) string {
	if event.IdempotencyKey != "" {
		return event.IdempotencyKey
	}
	return IdempotencyKeyForEvent(event.EventType, event.ProviderEventID, event.PayloadJSON)
}

func getOrCreateCustomer(tx *gorm.DB, provider, providerCustomerID, email string) (*models.Customer, error) {
	var customer models.Customer
	err := tx.Where("provider = ? AND provider_customer_id = ?", provider, providerCustomerID).
		First(&customer).Error
	if err == nil {
		if email != "" && customer.Email == "" {
			customer.Email = email
			if err := tx.Save(&customer).Error; err != nil {
				return nil, err
			}
		}
		return &customer, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	customer = models.Customer{
		Provider:           provider,
		ProviderCustomerID: providerCustomerID,
		Email:              email,
	}
	if err := tx.Create(&customer).Error; err != nil {
		return nil, err
	}
	return &customer, nil
}

func findSubscriptionByProviderID(tx *gorm.DB, provider, providerSubscriptionID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := tx.Where("provider = ? AND provider_subscription_id = ?", provider, providerSubscriptionID).
		First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func upsertInvoice(tx *gorm.DB, invoice *models.Invoice) error {
	if err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_invoice_id"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"customer_id",
			"subscription_id",
			"amount_cents",
			"currency",
			"status",
			"paid_at",
			"updated_at",
		}),
	}).Create(invoice).Error; err != nil {
		return err
	}

	// Ensure ID is populated after upsert.
	return tx.Where("provider = ? AND provider_invoice_id = ?", invoice.Provider, invoice.ProviderInvoiceID).
		First(invoice).Error
}

func nowPtr(t time.Time) *time.Time {
	return &t
}
