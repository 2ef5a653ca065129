package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/revopsio/recoup/app/models"
	"github.com/revopsio/recoup/app/repository"
	"github.com/revopsio/recoup/internal/pkg/gateway"
)

func newTestEngine(t *testing.T, db *gorm.DB, registry *Registry, cfg Config) (*Engine, repository.EventRepository) {
	t.Helper()
	repo := repository.NewEventRepository(db)
	return NewEngine(db, repo, registry, cfg), repo
}

func claim(t *testing.T, repo repository.EventRepository) *models.WebhookEvent {
	t.Helper()
	event, err := repo.ClaimNext(time.Now())
	require.NoError(t, err)
	require.NotNil(t, event)
	return event
}

func TestEngineProcess_UnknownTypeIsAcceptedAndCounted(t *testing.T) {
	db := setupTestDB(t)
	engine, repo := newTestEngine(t, db, &Registry{handlers: map[string]HandlerFunc{}}, Config{})

	storedEvent(t, db, "customer.created", "evt_1", `{}`)
	engine.process(claim(t, repo))

	var event models.WebhookEvent
	require.NoError(t, db.First(&event).Error)
	assert.Equal(t, models.EventStatusCompleted, event.Status)
	assert.NotNil(t, event.CompletedAt)
	assert.Equal(t, int64(1), engine.UnhandledCount())
}

func TestEngineProcess_RetryableFailureSchedulesBackoff(t *testing.T) {
	db := setupTestDB(t)

	registry := &Registry{handlers: map[string]HandlerFunc{
		TypePaymentSucceeded: func(ctx context.Context, tx *gorm.DB, event *models.WebhookEvent) error {
			return &gateway.APIError{StatusCode: 503, Message: "upstream unavailable"}
		},
	}}
	engine, repo := newTestEngine(t, db, registry, Config{MaxRetries: 5})

	storedEvent(t, db, TypePaymentSucceeded, "evt_1", `{"charge_id":"ch_1","customer_id":"cus_1"}`)
	before := time.Now()
	engine.process(claim(t, repo))

	var event models.WebhookEvent
	require.NoError(t, db.First(&event).Error)
	assert.Equal(t, models.EventStatusFailed, event.Status)
	assert.Equal(t, 1, event.Attempts)
	assert.NotEmpty(t, event.ErrorMessage)
	require.NotNil(t, event.NextRetryAt)
	assert.WithinDuration(t, before.Add(1*time.Minute), *event.NextRetryAt, 10*time.Second)

	// Not claimable until the backoff elapses.
	early, err := repo.ClaimNext(time.Now())
	require.NoError(t, err)
	assert.Nil(t, early)

	// Claimable once the scheduled time passes.
	due, err := repo.ClaimNext(time.Now().Add(2 * time.Minute))
	require.NoError(t, err)
	require.NotNil(t, due)
	assert.Equal(t, 2, due.Attempts)
}

func TestEngineProcess_NonRetryableFailureIsPermanent(t *testing.T) {
	db := setupTestDB(t)

	registry := &Registry{handlers: map[string]HandlerFunc{
		TypePaymentSucceeded: func(ctx context.Context, tx *gorm.DB, event *models.WebhookEvent) error {
			return &gateway.APIError{StatusCode: 400, Message: "malformed request"}
		},
	}}
	engine, repo := newTestEngine(t, db, registry, Config{MaxRetries: 5})

	storedEvent(t, db, TypePaymentSucceeded, "evt_1", `{"charge_id":"ch_1","customer_id":"cus_1"}`)
	engine.process(claim(t, repo))

	var event models.WebhookEvent
	require.NoError(t, db.First(&event).Error)
	assert.Equal(t, models.EventStatusFailedPermanent, event.Status)
	assert.Nil(t, event.NextRetryAt)

	next, err := repo.ClaimNext(time.Now().Add(24 * time.Hour))
	require.NoError(t, err)
	assert.Nil(t, next, "permanently failed events must never be reclaimed")
}

func TestEngineProcess_ExhaustedRetriesBecomePermanent(t *testing.T) {
	db := setupTestDB(t)

	registry := &Registry{handlers: map[string]HandlerFunc{
		TypePaymentSucceeded: func(ctx context.Context, tx *gorm.DB, event *models.WebhookEvent) error {
			return &gateway.APIError{StatusCode: 500, Message: "boom"}
		},
	}}
	engine, repo := newTestEngine(t, db, registry, Config{MaxRetries: 2})

	storedEvent(t, db, TypePaymentSucceeded, "evt_1", `{"charge_id":"ch_1","customer_id":"cus_1"}`)

	now := time.Now()
	for i := 0; i < 2; i++ {
		event, err := repo.ClaimNext(now.Add(time.Duration(i) * 24 * time.Hour))
		require.NoError(t, err)
		require.NotNil(t, event)
		engine.process(event)
	}

	var event models.WebhookEvent
	require.NoError(t, db.First(&event).Error)
	assert.Equal(t, models.EventStatusFailedPermanent, event.Status)
	assert.Equal(t, 2, event.Attempts)
}

func TestEngineProcess_SuccessRollsForwardOnce(t *testing.T) {
	db := setupTestDB(t)
	h, _, _ := newTestHandlers(t, db)
	engine, repo := newTestEngine(t, db, NewRegistry(h), Config{})

	storedEvent(t, db, TypePaymentSucceeded, "evt_1",
		`{"charge_id":"ch_1","customer_id":"cus_1","amount_cents":700,"currency":"usd"}`)
	engine.process(claim(t, repo))

	var event models.WebhookEvent
	require.NoError(t, db.First(&event).Error)
	assert.Equal(t, models.EventStatusCompleted, event.Status)

	var ledger int64
	require.NoError(t, db.Model(&models.PaymentTransaction{}).Count(&ledger).Error)
	assert.Equal(t, int64(1), ledger)
}

func TestEngine_StartStopIdempotent(t *testing.T) {
	db := setupTestDB(t)
	engine, _ := newTestEngine(t, db, &Registry{handlers: map[string]HandlerFunc{}}, Config{
		Workers:      2,
		PollInterval: 10 * time.Millisecond,
	})

	engine.Start()
	engine.Start()
	engine.Notify()
	engine.Stop()
	engine.Stop()
}
