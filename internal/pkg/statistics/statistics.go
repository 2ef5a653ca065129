package statistics

import (
	"encoding/json"
	"log"
	"time"

	"github.com/revopsio/recoup/app/repository"
	"github.com/revopsio/recoup/internal/pkg/cache"
	"github.com/revopsio/recoup/internal/pkg/metrics/counter"
)

const (
	CacheKeyOverview = "statistics:engine:overview"
	CacheExpiration  = 30 * time.Second

	// TrailingWindow bounds the completion-stats query.
	TrailingWindow = 24 * time.Hour
)

// Overview is the operator-facing read surface: queue depth by status,
// dunning outcomes, failure rate and average processing latency over the
// trailing window.
type Overview struct {
	Events          map[string]int64            `json:"events"`
	Dunning         map[string]int64            `json:"dunning"`
	Completion      *repository.CompletionStats `json:"completion"`
	Intake          *counter.IntakeCounts       `json:"intake,omitempty"`
	UnhandledEvents int64                       `json:"unhandled_events"`
	WindowHours     int                         `json:"window_hours"`
	GeneratedAt     time.Time                   `json:"generated_at"`
}

// GetOverview returns the cached overview, recomputing it when the cache is
// cold. Cache errors are logged and never fail the request.
func GetOverview(events repository.EventRepository, dunning repository.DunningRepository, unhandled int64) (*Overview, error) {
	if data, err := cache.Get(CacheKeyOverview); err == nil && data != "" {
		var cached Overview
		if err := json.Unmarshal([]byte(data), &cached); err == nil {
			return &cached, nil
		}
	}

	overview, err := computeOverview(events, dunning, unhandled)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(overview); err == nil {
		if err := cache.Set(CacheKeyOverview, string(data), CacheExpiration); err != nil {
			log.Printf("Failed to cache statistics overview: %v", err)
		}
	}
	return overview, nil
}

func computeOverview(events repository.EventRepository, dunning repository.DunningRepository, unhandled int64) (*Overview, error) {
	eventCounts, err := events.CountsByStatus()
	if err != nil {
		return nil, err
	}
	dunningCounts, err := dunning.CountsByStatus()
	if err != nil {
		return nil, err
	}
	completion, err := events.CompletionStats(time.Now().Add(-TrailingWindow))
	if err != nil {
		return nil, err
	}

	intake, err := counter.Snapshot()
	if err != nil {
		log.Printf("Reading intake counters failed: %v", err)
		intake = nil
	}

	return &Overview{
		Events:          eventCounts,
		Dunning:         dunningCounts,
		Completion:      completion,
		Intake:          intake,
		UnhandledEvents: unhandled,
		WindowHours:     int(TrailingWindow / time.Hour),
		GeneratedAt:     time.Now(),
	}, nil
}
