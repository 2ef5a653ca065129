package dunning

import (
	"fmt"
	"sync"

	"github.com/gofiber/fiber/v2/log"

	"github.com/revopsio/recoup/app/models"
	"github.com/revopsio/recoup/app/repository"
)

// DefaultStrategyName is used when a customer has no explicit assignment.
const DefaultStrategyName = "standard"

// Registry caches the active dunning strategies. Strategies are versioned
// configuration records loaded at boot; Reload swaps the cache explicitly
// instead of mutating it in place. Selecting an unknown name is a
// configuration error, not a runtime fault.
type Registry struct {
	repo repository.StrategyRepository

	mu     sync.RWMutex
	byName map[string]models.DunningStrategy
}

// NewRegistry creates a strategy registry over the given repository.
func NewRegistry(repo repository.StrategyRepository) *Registry {
	return &Registry{
		repo:   repo,
		byName: make(map[string]models.DunningStrategy),
	}
}

// Load seeds the built-in strategies when missing and fills the cache.
func (r *Registry) Load() error {
	if err := r.repo.SeedDefaults(); err != nil {
		return fmt.Errorf("seed default strategies: %w", err)
	}
	return r.Reload()
}

// Reload replaces the cached strategy set from the database.
func (r *Registry) Reload() error {
	strategies, err := r.repo.ListActive()
	if err != nil {
		return fmt.Errorf("load strategies: %w", err)
	}

	byName := make(map[string]models.DunningStrategy, len(strategies))
	for _, s := range strategies {
		byName[s.Name] = s
	}

	r.mu.Lock()
	r.byName = byName
	r.mu.Unlock()

	log.Infof("[Dunning] Loaded %d strategies", len(byName))
	return nil
}

// Get returns the named strategy from the cache.
func (r *Registry) Get(name string) (*models.DunningStrategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown dunning strategy: %q", name)
	}
	return &s, nil
}

// ForCustomer resolves the customer's assigned strategy, falling back to the
// default. The assignment is read once at dunning-event creation; changing it
// later never retouches in-flight records.
func (r *Registry) ForCustomer(customer *models.Customer) (*models.DunningStrategy, error) {
	name := DefaultStrategyName
	if customer != nil && customer.DunningStrategyName != "" {
		name = customer.DunningStrategyName
	}
	return r.Get(name)
}
