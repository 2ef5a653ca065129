package repository

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/revopsio/recoup/app/models"
)

// claimCandidates bounds how many eligible rows one ClaimNext call inspects
// before giving up; losers of a claim race move on to the next candidate.
const claimCandidates = 5

var claimableStatuses = []string{models.EventStatusPending, models.EventStatusFailed}

// eventRepository implements EventRepository on GORM.
type eventRepository struct {
	db *gorm.DB
}

// NewEventRepository creates a webhook-event repository backed by GORM.
func NewEventRepository(db *gorm.DB) EventRepository {
	return &eventRepository{db: db}
}

// Store persists an inbound event idempotently. Re-delivery of the same
// provider event id returns the existing row unchanged.
func (r *eventRepository) Store(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *eventRepository) GetByID(id uint) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	if err := r.db.First(&event, id).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

// ClaimNext atomically claims one eligible row: status pending or failed and
// next_retry_at unset or due. The conditional update sets processing state,
// increments attempts exactly once, and stamps a fresh claim token; a zero
// rows-affected result means another worker won the row.
func (r *eventRepository) ClaimNext(now time.Time) (*models.WebhookEvent, error) {
	for i := 0; i < claimCandidates; i++ {
		var candidate models.WebhookEvent
		err := r.db.
			Where("status IN ? AND (next_retry_at IS NULL OR next_retry_at <= ?)", claimableStatuses, now).
			Order("id").
			Offset(i).
			First(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		token := uuid.New().String()
		res := r.db.Model(&models.WebhookEvent{}).
			Where("id = ? AND status IN ? AND (next_retry_at IS NULL OR next_retry_at <= ?)",
				candidate.ID, claimableStatuses, now).
			Updates(map[string]interface{}{
				"status":          models.EventStatusProcessing,
				"attempts":        gorm.Expr("attempts + 1"),
				"last_attempt_at": now,
				"claim_token":     token,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race, try the next candidate.
			continue
		}

		var claimed models.WebhookEvent
		if err := r.db.Where("id = ? AND claim_token = ?", candidate.ID, token).First(&claimed).Error; err != nil {
			return nil, err
		}
		return &claimed, nil
	}
	return nil, nil
}

func (r *eventRepository) MarkCompleted(id uint, at time.Time) error {
	return r.db.Model(&models.WebhookEvent{}).
		Where("id = ? AND status = ?", id, models.EventStatusProcessing).
		Updates(map[string]interface{}{
			"status":        models.EventStatusCompleted,
			"completed_at":  at,
			"next_retry_at": nil,
			"error_message": "",
		}).Error
}

func (r *eventRepository) MarkFailed(id uint, errorMessage string, nextRetryAt *time.Time, permanent bool) error {
	status := models.EventStatusFailed
	if permanent {
		status = models.EventStatusFailedPermanent
		nextRetryAt = nil
	}
	return r.db.Model(&models.WebhookEvent{}).
		Where("id = ? AND status = ?", id, models.EventStatusProcessing).
		Updates(map[string]interface{}{
			"status":        status,
			"error_message": errorMessage,
			"next_retry_at": nextRetryAt,
		}).Error
}

// RequeueStuck returns abandoned claims to the retry pool. A worker that dies
// after ClaimNext leaves its row in processing forever; once last_attempt_at
// is older than the cutoff the claim is considered dead and the row becomes
// claimable again with its attempt count preserved.
func (r *eventRepository) RequeueStuck(olderThan time.Time) (int64, error) {
	res := r.db.Model(&models.WebhookEvent{}).
		Where("status = ? AND last_attempt_at IS NOT NULL AND last_attempt_at < ?",
			models.EventStatusProcessing, olderThan).
		Updates(map[string]interface{}{
			"status":        models.EventStatusFailed,
			"claim_token":   "",
			"next_retry_at": nil,
		})
	return res.RowsAffected, res.Error
}

// PurgeTerminal deletes completed and permanently failed rows older than the
// retention cutoff.
func (r *eventRepository) PurgeTerminal(olderThan time.Time) (int64, error) {
	res := r.db.
		Where("status IN ? AND created_at < ?",
			[]string{models.EventStatusCompleted, models.EventStatusFailedPermanent}, olderThan).
		Delete(&models.WebhookEvent{})
	return res.RowsAffected, res.Error
}

func (r *eventRepository) CountsByStatus() (map[string]int64, error) {
	type row struct {
		Status string
		Total  int64
	}
	var rows []row
	err := r.db.Model(&models.WebhookEvent{}).
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

// CompletionStats computes the failure rate and average intake-to-completion
// latency over a trailing window.
func (r *eventRepository) CompletionStats(since time.Time) (*CompletionStats, error) {
	stats := &CompletionStats{}

	if err := r.db.Model(&models.WebhookEvent{}).
		Where("status = ? AND created_at >= ?", models.EventStatusCompleted, since).
		Count(&stats.Completed).Error; err != nil {
		return nil, err
	}
	if err := r.db.Model(&models.WebhookEvent{}).
		Where("status = ? AND created_at >= ?", models.EventStatusFailedPermanent, since).
		Count(&stats.FailedPermanent).Error; err != nil {
		return nil, err
	}

	if total := stats.Completed + stats.FailedPermanent; total > 0 {
		stats.FailureRate = float64(stats.FailedPermanent) / float64(total)
	}

	var completed []models.WebhookEvent
	if err := r.db.
		Select("created_at", "completed_at").
		Where("status = ? AND created_at >= ? AND completed_at IS NOT NULL", models.EventStatusCompleted, since).
		Find(&completed).Error; err != nil {
		return nil, err
	}
	if len(completed) > 0 {
		var totalSecs float64
		for _, e := range completed {
			totalSecs += e.CompletedAt.Sub(e.CreatedAt).Seconds()
		}
		stats.AvgLatencySecs = totalSecs / float64(len(completed))
	}
	return stats, nil
}
