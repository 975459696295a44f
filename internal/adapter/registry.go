package adapter

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/johnplanow/substrate-sub006/internal/common/errors"
	"github.com/johnplanow/substrate-sub006/internal/common/logger"
)

// Registry maps adapter ids to instances.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]WorkerAdapter
	log      *logger.Logger
}

func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		adapters: make(map[string]WorkerAdapter),
		log:      log,
	}
}

// Register adds an adapter. Registering an id twice is a caller bug.
func (r *Registry) Register(a WorkerAdapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.adapters[a.ID()]; exists {
		return errors.Validationf("adapter %q already registered", a.ID())
	}
	r.adapters[a.ID()] = a
	r.log.Debug("registered adapter", zap.String("adapter_id", a.ID()))
	return nil
}

func (r *Registry) Get(id string) (WorkerAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, exists := r.adapters[id]
	if !exists {
		return nil, errors.NotFound("adapter", id)
	}
	return a, nil
}

// List returns registered adapters ordered by id.
func (r *Registry) List() []WorkerAdapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]WorkerAdapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.adapters[id]
	return exists
}

// DiscoveryEntry reports one candidate's probe outcome.
type DiscoveryEntry struct {
	AdapterID  string       `json:"adapter_id"`
	Health     HealthStatus `json:"health"`
	Registered bool         `json:"registered"`
}

// DiscoveryReport lists every probed candidate in the order given.
type DiscoveryReport struct {
	Entries []DiscoveryEntry `json:"entries"`
}

// Healthy counts the candidates whose probe succeeded.
func (r DiscoveryReport) Healthy() int {
	n := 0
	for _, e := range r.Entries {
		if e.Health.Healthy {
			n++
		}
	}
	return n
}

// Discover probes every candidate concurrently and registers the healthy
// ones. Unhealthy candidates stay out of the registry but appear in the
// report so callers can show why a tool is missing.
func (r *Registry) Discover(ctx context.Context, candidates []WorkerAdapter) DiscoveryReport {
	entries := make([]DiscoveryEntry, len(candidates))

	var wg sync.WaitGroup
	for i, cand := range candidates {
		wg.Add(1)
		go func(i int, cand WorkerAdapter) {
			defer wg.Done()
			entries[i] = DiscoveryEntry{
				AdapterID: cand.ID(),
				Health:    cand.HealthCheck(ctx),
			}
		}(i, cand)
	}
	wg.Wait()

	for i, cand := range candidates {
		if !entries[i].Health.Healthy {
			r.log.Warn("adapter failed health check",
				zap.String("adapter_id", entries[i].AdapterID),
				zap.String("error", entries[i].Health.Error))
			continue
		}
		if err := r.Register(cand); err != nil {
			r.log.Warn("adapter not registered",
				zap.String("adapter_id", entries[i].AdapterID),
				zap.Error(err))
			continue
		}
		entries[i].Registered = true
	}
	return DiscoveryReport{Entries: entries}
}
