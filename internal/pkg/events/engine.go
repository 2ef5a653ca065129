package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/revopsio/recoup/app/models"
	"github.com/revopsio/recoup/app/repository"
	"github.com/revopsio/recoup/internal/pkg/gateway"
)

const (
	DefaultWorkers        = 10
	DefaultMaxRetries     = 5
	DefaultPollInterval   = 5 * time.Second
	DefaultHandlerTimeout = 30 * time.Second

	// notifyBuffer bounds intake wakeups; a full buffer drops the signal and
	// the poll ticker picks the event up instead. Intake never blocks.
	notifyBuffer = 64
)

// Config controls the engine's worker pool and retry policy.
type Config struct {
	Workers        int
	MaxRetries     int
	PollInterval   time.Duration
	HandlerTimeout time.Duration
	Backoff        BackoffTable
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = DefaultHandlerTimeout
	}
	if len(c.Backoff) == 0 {
		c.Backoff = DefaultBackoffTable
	}
	return c
}

// Engine is the claim/dispatch loop: a fixed pool of workers draws events via
// the repository's atomic claim and routes each to its type handler. The
// database-level conditional update is the sole mutual-exclusion mechanism;
// the engine holds no cross-process lock.
type Engine struct {
	db       *gorm.DB
	repo     repository.EventRepository
	registry *Registry
	cfg      Config

	notifyCh chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool

	unhandled atomic.Int64
}

// NewEngine creates an event-processing engine.
func NewEngine(db *gorm.DB, repo repository.EventRepository, registry *Registry, cfg Config) *Engine {
	return &Engine{
		db:       db,
		repo:     repo,
		registry: registry,
		cfg:      cfg.withDefaults(),
		notifyCh: make(chan struct{}, notifyBuffer),
		stopCh:   make(chan struct{}),
	}
}

// Start starts the worker pool.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return
	}

	e.stopCh = make(chan struct{})
	e.running = true
	log.Infof("[EventEngine] Starting %d workers", e.cfg.Workers)

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
}

// Stop stops the worker pool. Workers finish their current event first; an
// individual handler invocation runs to commit or rollback.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}

	log.Info("[EventEngine] Stopping workers...")
	close(e.stopCh)
	e.running = false
	e.wg.Wait()
	log.Info("[EventEngine] All workers stopped")
}

// Notify wakes an idle worker after intake stored a new event. The signal is
// best-effort: when the buffer is full the notification is dropped and the
// poll interval catches up.
func (e *Engine) Notify() {
	select {
	case e.notifyCh <- struct{}{}:
	default:
	}
}

// UnhandledCount reports how many events of unknown type were accepted.
func (e *Engine) UnhandledCount() int64 {
	return e.unhandled.Load()
}

func (e *Engine) worker(id int) {
	defer e.wg.Done()
	log.Infof("[EventEngine] Worker %d started", id)

	for {
		select {
		case <-e.stopCh:
			log.Infof("[EventEngine] Worker %d stopping", id)
			return
		default:
		}

		event, err := e.repo.ClaimNext(time.Now())
		if err != nil {
			log.Errorf("[EventEngine] Worker %d: claim error: %v", id, err)
			e.idle(e.cfg.PollInterval)
			continue
		}
		if event == nil {
			e.idle(e.cfg.PollInterval)
			continue
		}

		e.process(event)
	}
}

// idle waits for a notify signal, the poll interval, or shutdown.
func (e *Engine) idle(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-e.stopCh:
	case <-e.notifyCh:
	case <-timer.C:
	}
}

// process dispatches one claimed event and commits its outcome.
func (e *Engine) process(event *models.WebhookEvent) {
	now := time.Now()

	handler, ok := e.registry.Lookup(event.EventType)
	if !ok {
		// Dead-letter-by-acceptance: an unknown type must never block the
		// queue. It is logged and counted, then marked completed.
		e.unhandled.Add(1)
		log.Warnf("[EventEngine] No handler for event type %q (event %d), accepting", event.EventType, event.ID)
		if err := e.repo.MarkCompleted(event.ID, now); err != nil {
			log.Errorf("[EventEngine] Marking unhandled event %d completed failed: %v", event.ID, err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.HandlerTimeout)
	defer cancel()

	err := e.db.Transaction(func(tx *gorm.DB) error {
		return handler(ctx, tx, event)
	})
	if err == nil {
		if markErr := e.repo.MarkCompleted(event.ID, time.Now()); markErr != nil {
			log.Errorf("[EventEngine] Marking event %d completed failed: %v", event.ID, markErr)
		}
		return
	}

	retryable := gateway.IsRetryable(err)
	permanent := !retryable || event.Attempts >= e.cfg.MaxRetries

	var nextRetry *time.Time
	if !permanent {
		next := e.cfg.Backoff.NextRetryTime(now, event.Attempts)
		nextRetry = &next
		log.Warnf("[EventEngine] Event %d failed (attempt %d/%d), retry at %s: %v",
			event.ID, event.Attempts, e.cfg.MaxRetries, next.Format(time.RFC3339), err)
	} else {
		log.Errorf("[EventEngine] Event %d permanently failed after %d attempts: %v",
			event.ID, event.Attempts, err)
	}

	if markErr := e.repo.MarkFailed(event.ID, err.Error(), nextRetry, permanent); markErr != nil {
		log.Errorf("[EventEngine] Marking event %d failed errored: %v", event.ID, markErr)
	}
}
