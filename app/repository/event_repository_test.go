package repository

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/revopsio/recoup/app/models"
)

var testDBSeq atomic.Int64

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:repo_test_%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.WebhookEvent{},
		&models.IdempotencyRecord{},
		&models.DunningEvent{},
		&models.DunningStrategy{},
	))
	return db
}

func newEvent(provider, providerEventID string) *models.WebhookEvent {
	return &models.WebhookEvent{
		Provider:        provider,
		ProviderEventID: providerEventID,
		EventType:       "payment.succeeded",
		PayloadJSON:     `{"charge_id":"ch_1","customer_id":"cus_1"}`,
		Status:          models.EventStatusPending,
	}
}

func TestEventRepository_StoreDeduplicatesByProviderEventID(t *testing.T) {
	repo := NewEventRepository(setupTestDB(t))

	created, first, err := repo.Store(newEvent("stripe", "evt_1"))
	require.NoError(t, err)
	assert.True(t, created)

	created, second, err := repo.Store(newEvent("stripe", "evt_1"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	// The same event id from another provider is a distinct event.
	created, third, err := repo.Store(newEvent("paddle", "evt_1"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestEventRepository_ClaimNextIsExclusive(t *testing.T) {
	repo := NewEventRepository(setupTestDB(t))

	_, stored, err := repo.Store(newEvent("stripe", "evt_1"))
	require.NoError(t, err)

	now := time.Now()
	first, err := repo.ClaimNext(now)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, stored.ID, first.ID)
	assert.Equal(t, models.EventStatusProcessing, first.Status)
	assert.Equal(t, 1, first.Attempts)
	assert.NotEmpty(t, first.ClaimToken)

	// The row is already claimed; a second claim finds nothing.
	second, err := repo.ClaimNext(now)
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestEventRepository_ClaimNextIsExclusiveUnderConcurrency(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEventRepository(db)

	_, stored, err := repo.Store(newEvent("stripe", "evt_1"))
	require.NoError(t, err)

	// The single-connection sqlite fixture serializes statements, not whole
	// claims, so racing goroutines still interleave the candidate select and
	// the conditional update. Exactly one may win.
	const racers = 8
	var (
		wg      sync.WaitGroup
		winners atomic.Int64
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := repo.ClaimNext(time.Now())
			assert.NoError(t, err)
			if claimed != nil {
				assert.Equal(t, stored.ID, claimed.ID)
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), winners.Load())

	var event models.WebhookEvent
	require.NoError(t, db.First(&event, stored.ID).Error)
	assert.Equal(t, models.EventStatusProcessing, event.Status)
	assert.Equal(t, 1, event.Attempts, "losers must not bump the attempt count")
}

func TestEventRepository_ClaimNextSkipsFutureRetries(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEventRepository(db)

	_, stored, err := repo.Store(newEvent("stripe", "evt_1"))
	require.NoError(t, err)

	future := time.Now().Add(time.Hour)
	require.NoError(t, db.Model(&models.WebhookEvent{}).Where("id = ?", stored.ID).
		Updates(map[string]interface{}{
			"status":        models.EventStatusFailed,
			"next_retry_at": future,
		}).Error)

	early, err := repo.ClaimNext(time.Now())
	require.NoError(t, err)
	assert.Nil(t, early)

	due, err := repo.ClaimNext(future.Add(time.Second))
	require.NoError(t, err)
	require.NotNil(t, due)
	assert.Equal(t, stored.ID, due.ID)
}

func TestEventRepository_MarkCompletedOnlyFromProcessing(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEventRepository(db)

	_, stored, err := repo.Store(newEvent("stripe", "evt_1"))
	require.NoError(t, err)

	// A row that was never claimed keeps its state.
	require.NoError(t, repo.MarkCompleted(stored.ID, time.Now()))
	var event models.WebhookEvent
	require.NoError(t, db.First(&event, stored.ID).Error)
	assert.Equal(t, models.EventStatusPending, event.Status)

	claimed, err := repo.ClaimNext(time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, repo.MarkCompleted(stored.ID, time.Now()))
	require.NoError(t, db.First(&event, stored.ID).Error)
	assert.Equal(t, models.EventStatusCompleted, event.Status)
	assert.NotNil(t, event.CompletedAt)
}

func TestEventRepository_MarkFailedPermanentClearsRetry(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEventRepository(db)

	_, stored, err := repo.Store(newEvent("stripe", "evt_1"))
	require.NoError(t, err)
	_, err = repo.ClaimNext(time.Now())
	require.NoError(t, err)

	next := time.Now().Add(time.Hour)
	require.NoError(t, repo.MarkFailed(stored.ID, "boom", &next, true))

	var event models.WebhookEvent
	require.NoError(t, db.First(&event, stored.ID).Error)
	assert.Equal(t, models.EventStatusFailedPermanent, event.Status)
	assert.Equal(t, "boom", event.ErrorMessage)
	assert.Nil(t, event.NextRetryAt)
}

func TestEventRepository_RequeueStuckRecoversAbandonedClaims(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEventRepository(db)

	_, stored, err := repo.Store(newEvent("stripe", "evt_1"))
	require.NoError(t, err)

	// The worker claims the event and then the process dies.
	claimed, err := repo.ClaimNext(time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Without a requeue the row is invisible to the claim loop forever.
	next, err := repo.ClaimNext(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, next)

	// A fresh claim is not stuck yet.
	requeued, err := repo.RequeueStuck(time.Now().Add(-10 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(0), requeued)

	stale := time.Now().Add(-time.Hour)
	require.NoError(t, db.Model(&models.WebhookEvent{}).Where("id = ?", stored.ID).
		Update("last_attempt_at", stale).Error)

	requeued, err = repo.RequeueStuck(time.Now().Add(-10 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), requeued)

	var event models.WebhookEvent
	require.NoError(t, db.First(&event, stored.ID).Error)
	assert.Equal(t, models.EventStatusFailed, event.Status)
	assert.Empty(t, event.ClaimToken)
	assert.Nil(t, event.NextRetryAt)
	assert.Equal(t, 1, event.Attempts, "the interrupted attempt stays counted")

	reclaimed, err := repo.ClaimNext(time.Now())
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, stored.ID, reclaimed.ID)
	assert.Equal(t, 2, reclaimed.Attempts)
}

func TestEventRepository_RequeueStuckLeavesLiveRowsAlone(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEventRepository(db)

	_, pending, err := repo.Store(newEvent("stripe", "evt_pending"))
	require.NoError(t, err)

	_, done, err := repo.Store(newEvent("stripe", "evt_done"))
	require.NoError(t, err)
	stale := time.Now().Add(-time.Hour)
	require.NoError(t, db.Model(&models.WebhookEvent{}).Where("id = ?", done.ID).
		Updates(map[string]interface{}{
			"status":          models.EventStatusCompleted,
			"last_attempt_at": stale,
		}).Error)

	requeued, err := repo.RequeueStuck(time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), requeued)

	var event models.WebhookEvent
	require.NoError(t, db.First(&event, pending.ID).Error)
	assert.Equal(t, models.EventStatusPending, event.Status)
	var doneEvent models.WebhookEvent
	require.NoError(t, db.First(&doneEvent, done.ID).Error)
	assert.Equal(t, models.EventStatusCompleted, doneEvent.Status)
}

func TestEventRepository_PurgeTerminal(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEventRepository(db)

	old := time.Now().AddDate(0, 0, -45)
	rows := []struct {
		id     string
		status string
		age    time.Time
	}{
		{"evt_old_done", models.EventStatusCompleted, old},
		{"evt_old_dead", models.EventStatusFailedPermanent, old},
		{"evt_old_pending", models.EventStatusPending, old},
		{"evt_new_done", models.EventStatusCompleted, time.Now()},
	}
	for _, r := range rows {
		_, stored, err := repo.Store(newEvent("stripe", r.id))
		require.NoError(t, err)
		require.NoError(t, db.Model(&models.WebhookEvent{}).Where("id = ?", stored.ID).
			Updates(map[string]interface{}{"status": r.status, "created_at": r.age}).Error)
	}

	purged, err := repo.PurgeTerminal(time.Now().AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(2), purged)

	// Old pending rows and recent terminal rows survive.
	var remaining []models.WebhookEvent
	require.NoError(t, db.Order("provider_event_id").Find(&remaining).Error)
	require.Len(t, remaining, 2)
	assert.Equal(t, "evt_new_done", remaining[0].ProviderEventID)
	assert.Equal(t, "evt_old_pending", remaining[1].ProviderEventID)
}

func TestEventRepository_CountsAndCompletionStats(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEventRepository(db)

	start := time.Now().Add(-time.Hour)
	for i, status := range []string{
		models.EventStatusCompleted,
		models.EventStatusCompleted,
		models.EventStatusFailedPermanent,
		models.EventStatusPending,
	} {
		_, stored, err := repo.Store(newEvent("stripe", fmt.Sprintf("evt_%d", i)))
		require.NoError(t, err)
		updates := map[string]interface{}{"status": status, "created_at": start}
		if status == models.EventStatusCompleted {
			updates["completed_at"] = start.Add(10 * time.Second)
		}
		require.NoError(t, db.Model(&models.WebhookEvent{}).Where("id = ?", stored.ID).
			Updates(updates).Error)
	}

	counts, err := repo.CountsByStatus()
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[models.EventStatusCompleted])
	assert.Equal(t, int64(1), counts[models.EventStatusFailedPermanent])
	assert.Equal(t, int64(1), counts[models.EventStatusPending])

	stats, err := repo.CompletionStats(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Completed)
	assert.Equal(t, int64(1), stats.FailedPermanent)
	assert.InDelta(t, 1.0/3.0, stats.FailureRate, 0.001)
	assert.InDelta(t, 10.0, stats.AvgLatencySecs, 0.5)
}

func TestDunningRepository_ClaimAttemptGuardsConcurrentSweeps(t *testing.T) {
	db := setupTestDB(t)
	repo := NewDunningRepository(db)

	past := time.Now().Add(-time.Minute)
	run := &models.DunningEvent{
		CustomerID:   1,
		InvoiceID:    1,
		AmountCents:  1000,
		Currency:     "usd",
		Status:       models.DunningStatusActive,
		NextRetryAt:  &past,
		StrategyName: "standard",
	}
	require.NoError(t, db.Create(run).Error)

	claimed, err := repo.ClaimAttempt(run.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, claimed)

	// The claimed-at stamp makes a second sweep lose within the claim TTL.
	claimed, err = repo.ClaimAttempt(run.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, claimed)

	stored, err := repo.GetByID(run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.AttemptCount)
	assert.Equal(t, 1, stored.TotalRecoveryAttempts)
	assert.NotNil(t, stored.AttemptClaimedAt)

	// next_retry_at survives the claim, so an attempt that dies before
	// recording its outcome is still due once the claim expires.
	require.NotNil(t, stored.NextRetryAt)
	due, err := repo.DueBatch(time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	expired := time.Now().Add(-AttemptClaimTTL - time.Minute)
	require.NoError(t, db.Model(&models.DunningEvent{}).Where("id = ?", run.ID).
		Update("attempt_claimed_at", expired).Error)

	claimed, err = repo.ClaimAttempt(run.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, claimed, "expired claims are reclaimable")

	stored, err = repo.GetByID(run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.TotalRecoveryAttempts)
}

func TestDunningRepository_CreateIfNoneActive(t *testing.T) {
	db := setupTestDB(t)
	repo := NewDunningRepository(db)

	run := &models.DunningEvent{
		CustomerID:   1,
		InvoiceID:    7,
		AmountCents:  1000,
		Currency:     "usd",
		Status:       models.DunningStatusActive,
		StrategyName: "standard",
	}
	created, stored, err := repo.CreateIfNoneActive(run)
	require.NoError(t, err)
	assert.True(t, created)

	dup := &models.DunningEvent{
		CustomerID:   1,
		InvoiceID:    7,
		AmountCents:  1000,
		Currency:     "usd",
		Status:       models.DunningStatusActive,
		StrategyName: "standard",
	}
	created, existing, err := repo.CreateIfNoneActive(dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, stored.ID, existing.ID)

	// A closed run does not block a new one for the same invoice.
	require.NoError(t, db.Model(&models.DunningEvent{}).Where("id = ?", stored.ID).
		Update("status", models.DunningStatusRecovered).Error)

	created, _, err = repo.CreateIfNoneActive(&models.DunningEvent{
		CustomerID:   1,
		InvoiceID:    7,
		AmountCents:  1000,
		Currency:     "usd",
		Status:       models.DunningStatusActive,
		StrategyName: "standard",
	})
	require.NoError(t, err)
	assert.True(t, created)
}
