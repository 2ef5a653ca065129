package repository

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/revopsio/recoup/app/models"
)

// dunningRepository implements DunningRepository on GORM.
type dunningRepository struct {
	db *gorm.DB
}

// NewDunningRepository creates a dunning-event repository backed by GORM.
func NewDunningRepository(db *gorm.DB) DunningRepository {
	return &dunningRepository{db: db}
}

// CreateIfNoneActive inserts the record unless an active run already exists
// for the invoice, in which case the existing run is returned unchanged.
func (r *dunningRepository) CreateIfNoneActive(event *models.DunningEvent) (bool, *models.DunningEvent, error) {
	created := false
	var stored models.DunningEvent

	err := r.db.Transaction(func(tx *gorm.DB) error {
		var existing models.DunningEvent
		err := tx.Where("invoice_id = ? AND status = ?", event.InvoiceID, models.DunningStatusActive).
			First(&existing).Error
		if err == nil {
			stored = existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := tx.Create(event).Error; err != nil {
			return err
		}
		created = true
		stored = *event
		return nil
	})
	if err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *dunningRepository) GetByID(id uint) (*models.DunningEvent, error) {
	var event models.DunningEvent
	if err := r.db.First(&event, id).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *dunningRepository) GetActiveByInvoice(invoiceID uint) (*models.DunningEvent, error) {
	var event models.DunningEvent
	err := r.db.Where("invoice_id = ? AND status = ?", invoiceID, models.DunningStatusActive).
		First(&event).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// DueBatch returns active runs whose next retry is due, oldest first.
func (r *dunningRepository) DueBatch(now time.Time, limit int) ([]models.DunningEvent, error) {
	var events []models.DunningEvent
	err := r.db.
		Where("status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?", models.DunningStatusActive, now).
		Order("next_retry_at").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// AttemptClaimTTL is how long a claimed attempt holds off a second claimant.
// next_retry_at stays untouched by the claim, so an attempt that dies before
// recording its outcome becomes due again once the claim expires instead of
// stranding the run.
const AttemptClaimTTL = 10 * time.Minute

// ClaimAttempt conditionally increments the attempt counters on a still-active
// due row. The sweep normally runs as a single periodic job, but the
// claimed-at stamp keeps concurrent sweeps safe: only one claimant within the
// claim TTL sees rows affected.
func (r *dunningRepository) ClaimAttempt(id uint, now time.Time) (bool, error) {
	res := r.db.Model(&models.DunningEvent{}).
		Where("id = ? AND status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?",
			id, models.DunningStatusActive, now).
		Where("attempt_claimed_at IS NULL OR attempt_claimed_at <= ?", now.Add(-AttemptClaimTTL)).
		Updates(map[string]interface{}{
			"attempt_count":           gorm.Expr("attempt_count + 1"),
			"total_recovery_attempts": gorm.Expr("total_recovery_attempts + 1"),
			"attempt_claimed_at":      now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Save persists a full state transition. Terminal rows are immutable.
func (r *dunningRepository) Save(event *models.DunningEvent) error {
	var current models.DunningEvent
	if err := r.db.First(&current, event.ID).Error; err != nil {
		return err
	}
	if current.IsTerminal() {
		return fmt.Errorf("dunning event %d is terminal (%s)", event.ID, current.Status)
	}
	return r.db.Save(event).Error
}

func (r *dunningRepository) CountsByStatus() (map[string]int64, error) {
	type row struct {
		Status string
		Total  int64
	}
	var rows []row
	err := r.db.Model(&models.DunningEvent{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Total
	}
	return counts, nil
}
