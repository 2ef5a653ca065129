package dunning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/revopsio/recoup/app/models"
	"github.com/revopsio/recoup/app/repository"
	"github.com/revopsio/recoup/internal/pkg/gateway"
	"github.com/revopsio/recoup/internal/pkg/mail"
)

const DefaultBatchSize = 100

// SweepResult summarizes one ProcessDue run. Failed counts attempts that did
// not recover the payment, including runs terminated by escalation.
type SweepResult struct {
	Processed int `json:"processed"`
	Recovered int `json:"recovered"`
	Failed    int `json:"failed"`
}

// Orchestrator runs the multi-attempt payment-recovery state machine. Dunning
// events advance only here: active self-loops on unsuccessful retries until a
// day-based escalation or attempt exhaustion terminates the run.
type Orchestrator struct {
	db         *gorm.DB
	strategies *Registry
	gateway    gateway.Client
	mailer     mail.Mailer
	batchSize  int
}

// NewOrchestrator wires the orchestrator with its collaborators.
func NewOrchestrator(db *gorm.DB, strategies *Registry, gw gateway.Client, mailer mail.Mailer, batchSize int) *Orchestrator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Orchestrator{
		db:         db,
		strategies: strategies,
		gateway:    gw,
		mailer:     mailer,
		batchSize:  batchSize,
	}
}

// StartRun opens a recovery run for a failed invoice inside the caller's
// transaction. At most one active run exists per invoice; re-entry returns the
// existing run. The strategy assignment is resolved once, here, and the
// initial notification is sent synchronously at creation.
func (o *Orchestrator) StartRun(tx *gorm.DB, invoice *models.Invoice, customer *models.Customer, now time.Time) (*models.DunningEvent, bool, error) {
	strategy, err := o.strategies.ForCustomer(customer)
	if err != nil {
		return nil, false, err
	}

	next := now.AddDate(0, 0, strategy.IntervalDays(0))
	run := &models.DunningEvent{
		CustomerID:     customer.ID,
		SubscriptionID: invoice.SubscriptionID,
		InvoiceID:      invoice.ID,
		AmountCents:    invoice.AmountCents,
		Currency:       invoice.Currency,
		Status:         models.DunningStatusActive,
		NextRetryAt:    &next,
		EmailsSent:     models.EmailLog{},
		StrategyName:   strategy.Name,
	}

	repo := repository.NewDunningRepository(tx)
	created, stored, err := repo.CreateIfNoneActive(run)
	if err != nil {
		return nil, false, err
	}
	if !created {
		return stored, false, nil
	}

	o.sendEmail(stored, customer, "initial", strategy.InitialTemplateID, map[string]interface{}{
		"invoice_id": invoice.ProviderInvoiceID,
		"amount":     formatAmount(stored.AmountCents),
		"currency":   stored.Currency,
		"next_retry": next.Format("2006-01-02"),
	}, now)
	if err := tx.Model(&models.DunningEvent{}).Where("id = ?", stored.ID).
		Update("emails_sent", stored.EmailsSent).Error; err != nil {
		return nil, false, err
	}
	return stored, true, nil
}

// ProcessDue advances every active run whose retry is due, in a bounded batch.
// Each row is claimed with a conditional update first so a concurrently
// running sweep can never double-charge. Per-item failures are isolated; the
// sweep can be stopped between items, never mid-transition.
func (o *Orchestrator) ProcessDue(ctx context.Context) (*SweepResult, error) {
	now := time.Now()
	repo := repository.NewDunningRepository(o.db)

	due, err := repo.DueBatch(now, o.batchSize)
	if err != nil {
		return nil, fmt.Errorf("load due dunning events: %w", err)
	}

	result := &SweepResult{}
	for i := range due {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		claimed, err := repo.ClaimAttempt(due[i].ID, now)
		if err != nil {
			log.Errorf("[Dunning] Claim of event %d failed: %v", due[i].ID, err)
			continue
		}
		if !claimed {
			continue
		}

		result.Processed++
		recovered, err := o.processOne(ctx, repo, due[i].ID, now)
		if err != nil {
			// The row keeps its due next_retry_at; once the attempt claim
			// expires a later sweep picks it up again.
			log.Errorf("[Dunning] Event %d attempt failed: %v", due[i].ID, err)
		}
		if recovered {
			result.Recovered++
		} else {
			result.Failed++
		}
	}

	if result.Processed > 0 {
		log.Infof("[Dunning] Sweep processed=%d recovered=%d failed=%d",
			result.Processed, result.Recovered, result.Failed)
	}
	return result, nil
}

func (o *Orchestrator) processOne(ctx context.Context, repo repository.DunningRepository, id uint, now time.Time) (bool, error) {
	run, err := repo.GetByID(id)
	if err != nil {
		return false, err
	}

	var customer models.Customer
	if err := o.db.First(&customer, run.CustomerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, o.markSetupFailed(repo, run, "customer missing")
		}
		return false, err
	}
	var invoice models.Invoice
	if err := o.db.First(&invoice, run.InvoiceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, o.markSetupFailed(repo, run, "invoice missing")
		}
		return false, err
	}
	strategy, err := o.strategies.Get(run.StrategyName)
	if err != nil {
		return false, o.markSetupFailed(repo, run, err.Error())
	}

	var subscription *models.Subscription
	if run.SubscriptionID != nil {
		var sub models.Subscription
		if err := o.db.First(&sub, *run.SubscriptionID).Error; err == nil {
			subscription = &sub
		}
	}

	// An invoice settled out of band (customer paid manually, or the paid
	// webhook raced the sweep) closes the run without a new charge.
	if remote, err := o.gateway.RetrieveInvoice(ctx, invoice.ProviderInvoiceID); err == nil && remote.Paid {
		return true, o.recover(repo, run, &customer, &invoice, subscription, strategy, "", now)
	}

	payment, err := o.gateway.PayInvoice(ctx, invoice.ProviderInvoiceID, customer.DefaultPaymentMethodID)
	if err == nil {
		chargeID := ""
		if payment != nil {
			chargeID = payment.ChargeID
		}
		return true, o.recover(repo, run, &customer, &invoice, subscription, strategy, chargeID, now)
	}

	log.Warnf("[Dunning] Collection attempt %d for invoice %s failed: %v",
		run.TotalRecoveryAttempts, invoice.ProviderInvoiceID, err)
	return false, o.handleFailedAttempt(repo, run, &customer, &invoice, subscription, strategy, now)
}

// recover closes the run as recovered, settles the local invoice, appends the
// ledger row, resumes a past_due/paused subscription and sends the success
// notification.
func (o *Orchestrator) recover(repo repository.DunningRepository, run *models.DunningEvent, customer *models.Customer, invoice *models.Invoice, subscription *models.Subscription, strategy *models.DunningStrategy, chargeID string, now time.Time) error {
	if subscription != nil && subscription.IsResumable() {
		if err := o.gateway.UpdateSubscription(context.Background(), subscription.ProviderSubscriptionID,
			gateway.SubscriptionUpdate{Status: models.SubscriptionStatusActive}); err != nil {
			log.Warnf("[Dunning] Resume of subscription %s failed: %v", subscription.ProviderSubscriptionID, err)
		}
	}

	o.sendEmail(run, customer, "success", strategy.SuccessTemplateID, map[string]interface{}{
		"invoice_id": invoice.ProviderInvoiceID,
		"amount":     formatAmount(run.AmountCents),
		"currency":   run.Currency,
	}, now)

	return o.db.Transaction(func(tx *gorm.DB) error {
		run.Status = models.DunningStatusRecovered
		run.RecoveredAt = &now
		run.NextRetryAt = nil
		run.AttemptClaimedAt = nil
		if err := repository.NewDunningRepository(tx).Save(run); err != nil {
			return err
		}

		if err := tx.Model(&models.Invoice{}).Where("id = ?", invoice.ID).
			Updates(map[string]interface{}{
				"status":  models.InvoiceStatusPaid,
				"paid_at": now,
			}).Error; err != nil {
			return err
		}

		if subscription != nil && subscription.IsResumable() {
			if err := tx.Model(&models.Subscription{}).Where("id = ?", subscription.ID).
				Update("status", models.SubscriptionStatusActive).Error; err != nil {
				return err
			}
		}

		if chargeID != "" {
			// Same key the payment.succeeded webhook handler derives for this
			// charge, so a later delivery of that event no-ops instead of
			// double-recording the payment.
			key := chargeKey(chargeID)
			txn := &models.PaymentTransaction{
				CustomerID:       customer.ID,
				InvoiceID:        &invoice.ID,
				ProviderChargeID: chargeID,
				Kind:             models.TransactionKindCharge,
				Result:           models.TransactionResultSucceeded,
				AmountCents:      run.AmountCents,
				Currency:         run.Currency,
				IdempotencyKey:   key,
			}
			if err := tx.Create(txn).Error; err != nil {
				return err
			}
			if err := tx.Create(&models.IdempotencyRecord{IdempotencyKey: key}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// handleFailedAttempt applies the day-based escalation ladder, then either
// schedules the next retry from the strategy's interval table or terminates
// the run when attempts are exhausted. The attempt-count backoff and the
// elapsed-day escalation are evaluated independently.
func (o *Orchestrator) handleFailedAttempt(repo repository.DunningRepository, run *models.DunningEvent, customer *models.Customer, invoice *models.Invoice, subscription *models.Subscription, strategy *models.DunningStrategy, now time.Time) error {
	daysSinceStart := int(now.Sub(run.CreatedAt).Hours() / 24)

	if daysSinceStart >= strategy.RestrictAccessAfterDays && !customer.AccountRestricted {
		if err := o.db.Model(&models.Customer{}).Where("id = ?", customer.ID).
			Updates(map[string]interface{}{
				"account_restricted": true,
				"restricted_at":      now,
			}).Error; err != nil {
			return err
		}
		log.Infof("[Dunning] Restricted account of customer %d after %d days", customer.ID, daysSinceStart)
	}

	if daysSinceStart >= strategy.PauseSubscriptionAfterDays && subscription != nil &&
		subscription.Status != models.SubscriptionStatusPaused && subscription.Status != models.SubscriptionStatusCanceled {
		if err := o.gateway.UpdateSubscription(context.Background(), subscription.ProviderSubscriptionID,
			gateway.SubscriptionUpdate{PauseCollection: true}); err != nil {
			log.Warnf("[Dunning] Pause of subscription %s failed: %v", subscription.ProviderSubscriptionID, err)
		}
		if err := o.db.Model(&models.Subscription{}).Where("id = ?", subscription.ID).
			Update("status", models.SubscriptionStatusPaused).Error; err != nil {
			return err
		}
		log.Infof("[Dunning] Paused subscription %d after %d days", subscription.ID, daysSinceStart)
	}

	if daysSinceStart >= strategy.CancelSubscriptionAfterDays {
		return o.terminate(repo, run, customer, invoice, subscription, strategy, now)
	}

	if run.TotalRecoveryAttempts < strategy.MaxAttempts {
		next := now.AddDate(0, 0, strategy.IntervalDays(run.TotalRecoveryAttempts))
		run.NextRetryAt = &next
		run.AttemptClaimedAt = nil
		o.sendEmail(run, customer, "reminder", strategy.ReminderTemplateID, map[string]interface{}{
			"invoice_id": invoice.ProviderInvoiceID,
			"amount":     formatAmount(run.AmountCents),
			"currency":   run.Currency,
			"next_retry": next.Format("2006-01-02"),
		}, now)
		return repo.Save(run)
	}

	return o.terminate(repo, run, customer, invoice, subscription, strategy, now)
}

// terminate closes the run as cancelled, cancels the attached subscription and
// sends exactly one final notice.
func (o *Orchestrator) terminate(repo repository.DunningRepository, run *models.DunningEvent, customer *models.Customer, invoice *models.Invoice, subscription *models.Subscription, strategy *models.DunningStrategy, now time.Time) error {
	if subscription != nil && subscription.Status != models.SubscriptionStatusCanceled {
		if err := o.gateway.CancelSubscription(context.Background(), subscription.ProviderSubscriptionID); err != nil {
			log.Warnf("[Dunning] Cancel of subscription %s failed: %v", subscription.ProviderSubscriptionID, err)
		}
		if err := o.db.Model(&models.Subscription{}).Where("id = ?", subscription.ID).
			Updates(map[string]interface{}{
				"status":      models.SubscriptionStatusCanceled,
				"canceled_at": now,
			}).Error; err != nil {
			return err
		}
	}

	o.sendEmail(run, customer, "final_notice", strategy.FinalNoticeTemplateID, map[string]interface{}{
		"invoice_id": invoice.ProviderInvoiceID,
		"amount":     formatAmount(run.AmountCents),
		"currency":   run.Currency,
	}, now)

	run.Status = models.DunningStatusCancelled
	run.CancelledAt = &now
	run.CancelReason = models.DunningCancelReasonMaxAttempts
	run.NextRetryAt = nil
	run.AttemptClaimedAt = nil
	log.Infof("[Dunning] Event %d cancelled after %d attempts", run.ID, run.TotalRecoveryAttempts)
	return repo.Save(run)
}

func (o *Orchestrator) markSetupFailed(repo repository.DunningRepository, run *models.DunningEvent, reason string) error {
	log.Errorf("[Dunning] Event %d unprocessable: %s", run.ID, reason)
	run.Status = models.DunningStatusFailed
	run.NextRetryAt = nil
	run.AttemptClaimedAt = nil
	return repo.Save(run)
}

// sendEmail is fire-and-observe: failures are logged and the send log only
// records messages that actually went out.
func (o *Orchestrator) sendEmail(run *models.DunningEvent, customer *models.Customer, emailType, templateID string, data map[string]interface{}, now time.Time) {
	if customer.Email == "" {
		log.Warnf("[Dunning] Customer %d has no email address, skipping %s notification", customer.ID, emailType)
		return
	}
	if _, err := o.mailer.SendTemplatedEmail(customer.Email, templateID, data); err != nil {
		log.Errorf("[Dunning] Sending %s email to customer %d failed: %v", emailType, customer.ID, err)
		return
	}
	run.AppendEmail(emailType, templateID, now)
}

func chargeKey(chargeID string) string {
	sum := sha256.Sum256([]byte("payment.succeeded|charge|" + chargeID))
	return hex.EncodeToString(sum[:])
}

func formatAmount(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}
