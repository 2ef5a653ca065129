package events

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/revopsio/recoup/app/repository"
	"github.com/revopsio/recoup/internal/pkg/dunning"
)

const (
	DefaultDunningSweepInterval = 15 * time.Minute
	DefaultRetentionInterval    = 1 * time.Hour
	DefaultRetentionWindow      = 30 * 24 * time.Hour
	DefaultStuckSweepInterval   = 1 * time.Minute
	DefaultStuckMaxAge          = 10 * time.Minute
)

// ManagerConfig controls the background jobs around the engine.
type ManagerConfig struct {
	DunningSweepInterval time.Duration
	RetentionInterval    time.Duration
	RetentionWindow      time.Duration
	StuckSweepInterval   time.Duration
	StuckMaxAge          time.Duration
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.DunningSweepInterval <= 0 {
		c.DunningSweepInterval = DefaultDunningSweepInterval
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = DefaultRetentionInterval
	}
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = DefaultRetentionWindow
	}
	if c.StuckSweepInterval <= 0 {
		c.StuckSweepInterval = DefaultStuckSweepInterval
	}
	if c.StuckMaxAge <= 0 {
		c.StuckMaxAge = DefaultStuckMaxAge
	}
	return c
}

// Manager runs the event engine together with the periodic jobs: the dunning
// sweep and the retention sweep over terminal webhook rows.
type Manager struct {
	engine       *Engine
	orchestrator *dunning.Orchestrator
	events       repository.EventRepository
	cfg          ManagerConfig

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewManager wires the manager.
func NewManager(engine *Engine, orchestrator *dunning.Orchestrator, events repository.EventRepository, cfg ManagerConfig) *Manager {
	return &Manager{
		engine:       engine,
		orchestrator: orchestrator,
		events:       events,
		cfg:          cfg.withDefaults(),
	}
}

// GetEngine returns the managed engine.
func (m *Manager) GetEngine() *Engine {
	return m.engine
}

// Start starts the engine and background tasks.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so the manager can be
	// restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[Manager] Starting event engine and background tasks")

	m.engine.Start()

	m.wg.Add(1)
	go m.dunningWorker()

	m.wg.Add(1)
	go m.retentionWorker()

	m.wg.Add(1)
	go m.stuckWorker()
}

// Stop stops background tasks and the engine. Sweeps stop between items,
// never mid-transaction.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[Manager] Stopping background tasks...")
	close(m.stopCh)
	m.running = false
	m.wg.Wait()
	m.engine.Stop()
	log.Info("[Manager] Stopped")
}

// dunningWorker periodically advances due payment-recovery runs.
func (m *Manager) dunningWorker() {
	defer m.wg.Done()
	log.Infof("[Manager] Dunning sweep running (interval=%s)", m.cfg.DunningSweepInterval)

	ticker := time.NewTicker(m.cfg.DunningSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			log.Info("[Manager] Dunning sweep stopping")
			return
		case <-ticker.C:
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				select {
				case <-m.stopCh:
					cancel()
				case <-ctx.Done():
				}
			}()
			if _, err := m.orchestrator.ProcessDue(ctx); err != nil && ctx.Err() == nil {
				log.Errorf("[Manager] Dunning sweep error: %v", err)
			}
			cancel()
		}
	}
}

// stuckWorker recovers events stuck in processing after a crashed worker or
// killed process. Requeued rows go back through the normal claim loop.
func (m *Manager) stuckWorker() {
	defer m.wg.Done()
	log.Infof("[Manager] Stuck sweep running (maxAge=%s, interval=%s)",
		m.cfg.StuckMaxAge, m.cfg.StuckSweepInterval)

	ticker := time.NewTicker(m.cfg.StuckSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			log.Info("[Manager] Stuck sweep stopping")
			return
		case <-ticker.C:
			requeued, err := m.events.RequeueStuck(time.Now().Add(-m.cfg.StuckMaxAge))
			if err != nil {
				log.Errorf("[Manager] Stuck sweep error: %v", err)
				continue
			}
			if requeued > 0 {
				log.Warnf("[Manager] Requeued %d events stuck in processing", requeued)
				m.engine.Notify()
			}
		}
	}
}

// retentionWorker purges terminal webhook rows older than the retention
// window.
func (m *Manager) retentionWorker() {
	defer m.wg.Done()
	log.Infof("[Manager] Retention sweep running (interval=%s, window=%s)",
		m.cfg.RetentionInterval, m.cfg.RetentionWindow)

	ticker := time.NewTicker(m.cfg.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			log.Info("[Manager] Retention sweep stopping")
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.cfg.RetentionWindow)
			purged, err := m.events.PurgeTerminal(cutoff)
			if err != nil {
				log.Errorf("[Manager] Retention sweep error: %v", err)
				continue
			}
			if purged > 0 {
				log.Infof("[Manager] Purged %d terminal events older than %s", purged, cutoff.Format(time.RFC3339))
			}
		}
	}
}
