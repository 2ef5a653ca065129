package repository

import (
	"time"

	"github.com/revopsio/recoup/app/models"
	"gorm.io/gorm"
)

// EventRepository defines the interface for webhook-event queue operations.
// ClaimNext is the sole concurrency-safety mechanism over the queue: the
// conditional update it issues lets at most one worker win an eligible row.
type EventRepository interface {
	Store(event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	GetByID(id uint) (*models.WebhookEvent, error)
	ClaimNext(now time.Time) (*models.WebhookEvent, error)
	MarkCompleted(id uint, at time.Time) error
	MarkFailed(id uint, errorMessage string, nextRetryAt *time.Time, permanent bool) error
	RequeueStuck(olderThan time.Time) (int64, error)
	PurgeTerminal(olderThan time.Time) (int64, error)
	CountsByStatus() (map[string]int64, error)
	CompletionStats(since time.Time) (*CompletionStats, error)
}

// CompletionStats is the read-only operator view over a trailing window.
type CompletionStats struct {
	Completed       int64   `json:"completed"`
	FailedPermanent int64   `json:"failed_permanent"`
	FailureRate     float64 `json:"failure_rate"`
	AvgLatencySecs  float64 `json:"avg_latency_seconds"`
}

// DunningRepository defines the interface for dunning-event persistence.
type DunningRepository interface {
	CreateIfNoneActive(event *models.DunningEvent) (bool, *models.DunningEvent, error)
	GetByID(id uint) (*models.DunningEvent, error)
	GetActiveByInvoice(invoiceID uint) (*models.DunningEvent, error)
	DueBatch(now time.Time, limit int) ([]models.DunningEvent, error)
	ClaimAttempt(id uint, now time.Time) (bool, error)
	Save(event *models.DunningEvent) error
	CountsByStatus() (map[string]int64, error)
}

// StrategyRepository loads versioned dunning strategy configuration records.
type StrategyRepository interface {
	ListActive() ([]models.DunningStrategy, error)
	GetByName(name string) (*models.DunningStrategy, error)
	SeedDefaults() error
}

// Repositories struct holds all repository instances
type Repositories struct {
	Event    EventRepository
	Dunning  DunningRepository
	Strategy StrategyRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Event:    NewEventRepository(db),
		Dunning:  NewDunningRepository(db),
		Strategy: NewStrategyRepository(db),
	}
}
