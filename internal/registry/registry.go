// Package registry implements the Backend Registry: the in-memory catalog
// of backend instances and discovered models, their rolling stats, and the
// health flag the rest of the dispatch layer reads.
//
// The registry is the single mutable shared structure (dispatchcore's data
// model lives here). Every read that must be atomic with respect to
// updateMetrics/recordOutcome takes the same RWMutex the writers use; the
// defensive copy-on-read pattern ensures callers never hold a pointer into
// the registry's internal state.
package registry

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/nnatri/modelmesh/internal/dispatchcore"
)

// ModelLister is the slice of the injected Backend Transport that
// RefreshModels needs: just enough to merge a catalog, without coupling
// the registry to a concrete transport implementation.
type ModelLister interface {
	ListModels(ctx context.Context) ([]dispatchcore.ModelInfo, error)
}

// ErrInstanceNotFound is returned by operations on an unknown instance id.
var ErrInstanceNotFound = dispatchcore.NewError(dispatchcore.ErrInvalidSpec, "instance not found")

// Registry is the Backend Registry (spec component A).
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*dispatchcore.BackendInstance
	models    map[string]*dispatchcore.ModelInfo
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		instances: make(map[string]*dispatchcore.BackendInstance),
		models:    make(map[string]*dispatchcore.ModelInfo),
	}
}

// Register adds a new backend instance. Re-registering an existing id
// replaces the whole entry, counters included.
func (r *Registry) Register(inst dispatchcore.BackendInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if inst.Weight <= 0 {
		inst.Weight = 1
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now()
	}
	if !inst.IsActive {
		inst.IsActive = true
	}
	cp := inst
	r.instances[inst.ID] = &cp
}

// Deregister removes an instance. It fails unless force is set or the
// instance currently has zero open connections.
func (r *Registry) Deregister(id string, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return ErrInstanceNotFound
	}
	if inst.CurrentConnections > 0 && !force {
		return dispatchcore.NewError(dispatchcore.ErrInvalidSpec, "instance has outstanding in-flight requests")
	}
	delete(r.instances, id)
	return nil
}

// Update replaces the mutable, admin-controlled fields of an instance
// (name, address, max connections, weight, active flag).
func (r *Registry) Update(id string, fn func(*dispatchcore.BackendInstance)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return ErrInstanceNotFound
	}
	fn(inst)
	return nil
}

// Get returns a copy of the instance, or false if unknown.
func (r *Registry) Get(id string) (dispatchcore.BackendInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instances[id]
	if !ok {
		return dispatchcore.BackendInstance{}, false
	}
	return *inst, true
}

// List returns a snapshot copy of every registered instance, ordered by id
// for deterministic selection-policy iteration.
func (r *Registry) List() []dispatchcore.BackendInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked(func(*dispatchcore.BackendInstance) bool { return true })
}

// ListHealthy returns a snapshot of instances that are active and healthy.
func (r *Registry) ListHealthy() []dispatchcore.BackendInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked(func(i *dispatchcore.BackendInstance) bool {
		return i.IsActive && i.IsHealthy
	})
}

func (r *Registry) snapshotLocked(keep func(*dispatchcore.BackendInstance) bool) []dispatchcore.BackendInstance {
	out := make([]dispatchcore.BackendInstance, 0, len(r.instances))
	for _, inst := range r.instances {
		if keep(inst) {
			out = append(out, *inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UpdateMetrics records the latest resource samples and connection count
// reported for an instance.
func (r *Registry) UpdateMetrics(id string, cpuPct, memPct float64, connections int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return ErrInstanceNotFound
	}
	inst.LastCPUPercent = cpuPct
	inst.LastMemoryPercent = memPct
	inst.CurrentConnections = connections
	inst.LastHealthCheck = time.Now()
	return nil
}

// UpdateHealth sets the supervisor's health verdict for an instance.
func (r *Registry) UpdateHealth(id string, healthy bool) (changed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return false, ErrInstanceNotFound
	}
	changed = inst.IsHealthy != healthy
	inst.IsHealthy = healthy
	return changed, nil
}

// IncrementConnections bumps currentConnections by one on assignment. It
// does not check maxConnections; the selection policy is responsible for
// not choosing a saturated instance.
func (r *Registry) IncrementConnections(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return ErrInstanceNotFound
	}
	inst.CurrentConnections++
	return nil
}

// RecordOutcome updates counters and the rolling response-time mean for a
// terminal (non-Cancelled) request, and decrements currentConnections by
// one, flooring at zero. A floor hit logs at WARN: it signals a counting
// bug elsewhere, since every increment should be matched by exactly one
// decrement.
func (r *Registry) RecordOutcome(id string, success bool, rtMs float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return ErrInstanceNotFound
	}

	inst.TotalRequests++
	if success {
		inst.SuccessfulRequests++
		n := float64(inst.SuccessfulRequests)
		inst.AvgResponseTimeMs += (rtMs - inst.AvgResponseTimeMs) / n
	} else {
		inst.FailedRequests++
	}

	if inst.CurrentConnections > 0 {
		inst.CurrentConnections--
	} else {
		log.Printf("WARN registry: currentConnections underflow on release for instance %s", id)
	}
	return nil
}

// ReleaseConnection decrements currentConnections without touching the
// success/failure counters or the rolling mean — used for Cancelled
// outcomes, which per spec are not counted as success or failure.
func (r *Registry) ReleaseConnection(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return ErrInstanceNotFound
	}
	if inst.CurrentConnections > 0 {
		inst.CurrentConnections--
	} else {
		log.Printf("WARN registry: currentConnections underflow on cancel release for instance %s", id)
	}
	return nil
}

// UpsertModel creates or replaces a model's catalog entry, used by
// RefreshModels to merge a transport's model list into the registry.
func (r *Registry) UpsertModel(m dispatchcore.ModelInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := m
	r.models[m.Name] = &cp
}

// RemoveModel deletes a model no longer reported by the transport.
func (r *Registry) RemoveModel(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.models, name)
}

// GetModel returns a copy of a model's catalog entry.
func (r *Registry) GetModel(name string) (dispatchcore.ModelInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	if !ok {
		return dispatchcore.ModelInfo{}, false
	}
	return *m, true
}

// ListModels returns a snapshot of the model catalog, sorted by name.
func (r *Registry) ListModels() []dispatchcore.ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]dispatchcore.ModelInfo, 0, len(r.models))
	for _, m := range r.models {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RefreshModels asks the injected transport for the current model catalog
// and merges it into the registry: models no longer reported are removed,
// new ones are created with avgResponseTimeMs=0 and isAvailable=true
// pending their first recorded outcome.
func (r *Registry) RefreshModels(ctx context.Context, lister ModelLister) error {
	fresh, err := lister.ListModels(ctx)
	if err != nil {
		return dispatchcore.WrapError(dispatchcore.ErrTransportError, "refresh models", err)
	}

	seen := make(map[string]bool, len(fresh))
	r.mu.Lock()
	for _, m := range fresh {
		seen[m.Name] = true
		if existing, ok := r.models[m.Name]; ok {
			existing.IsAvailable = true
			existing.Family = m.Family
			existing.ParameterSize = m.ParameterSize
			existing.QuantizationLevel = m.QuantizationLevel
			existing.Digest = m.Digest
			continue
		}
		m.IsAvailable = true
		m.AvgResponseTimeMs = 0
		cp := m
		r.models[m.Name] = &cp
	}
	for name := range r.models {
		if !seen[name] {
			delete(r.models, name)
		}
	}
	r.mu.Unlock()
	return nil
}

// RecordModelOutcome updates a model's own rolling stats, independent of
// the instance that served it.
func (r *Registry) RecordModelOutcome(name string, success bool, rtMs float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.models[name]
	if !ok {
		return
	}
	if success {
		m.SuccessCount++
		n := float64(m.SuccessCount)
		m.AvgResponseTimeMs += (rtMs - m.AvgResponseTimeMs) / n
	} else {
		m.ErrorCount++
	}
}
