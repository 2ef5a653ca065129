package events

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/revopsio/recoup/app/models"
)

// HandleSubscriptionCreated mirrors a new provider subscription locally.
func (h *Handlers) HandleSubscriptionCreated(ctx context.Context, tx *gorm.DB, event *models.WebhookEvent) error {
	return h.syncSubscription(tx, event, "")
}

// HandleSubscriptionUpdated reconciles the local mirror with the provider's
// current subscription state. Handlers read current state rather than assume
// a delivery sequence, so updates arriving before the create are absorbed by
// the same upsert.
func (h *Handlers) HandleSubscriptionUpdated(ctx context.Context, tx *gorm.DB, event *models.WebhookEvent) error {
	return h.syncSubscription(tx, event, "")
}

// HandleSubscriptionDeleted marks the local mirror canceled.
func (h *Handlers) HandleSubscriptionDeleted(ctx context.Context, tx *gorm.DB, event *models.WebhookEvent) error {
	return h.syncSubscription(tx, event, models.SubscriptionStatusCanceled)
}

func (h *Handlers) syncSubscription(tx *gorm.DB, event *models.WebhookEvent, statusOverride string) error {
	var p SubscriptionPayload
	if err := DecodePayload(event.PayloadJSON, &p); err != nil {
		return err
	}
	if p.SubscriptionID == "" || p.CustomerID == "" {
		return fmt.Errorf("%s %s: subscription_id and customer_id are required", event.EventType, event.ProviderEventID)
	}

	status := statusOverride
	if status == "" {
		status = p.Status
	}
	if status == "" {
		status = models.SubscriptionStatusActive
	}

	return runIdempotent(tx, eventKey(event), func() error {
		customer, err := getOrCreateCustomer(tx, event.Provider, p.CustomerID, p.CustomerEmail)
		if err != nil {
			return err
		}

		sub := &models.Subscription{
			CustomerID:             customer.ID,
			Provider:               event.Provider,
			ProviderSubscriptionID: p.SubscriptionID,
			PlanRef:                p.PlanRef,
			Status:                 status,
			CurrentPeriodStart:     p.CurrentPeriodStart,
			CurrentPeriodEnd:       p.CurrentPeriodEnd,
			CancelAtPeriodEnd:      p.CancelAtPeriodEnd,
		}
		if status == models.SubscriptionStatusCanceled {
			sub.CanceledAt = nowPtr(time.Now())
		}

		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "provider"},
				{Name: "provider_subscription_id"},
			},
			DoUpdates: clause.AssignmentColumns([]string{
				"customer_id",
				"plan_ref",
				"status",
				"current_period_start",
				"current_period_end",
				"cancel_at_period_end",
				"canceled_at",
				"updated_at",
			}),
		}).Create(sub).Error; err != nil {
			return err
		}
		return nil
	})
}
