// Package autoscale implements the Autoscale Advisor: a periodic
// evaluation of average load against thresholds that emits scale-up /
// scale-down intents. It never mutates the registry; actuation is an
// external collaborator's responsibility.
package autoscale

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nnatri/modelmesh/internal/dispatchcore"
	"github.com/nnatri/modelmesh/internal/eventbus"
	"github.com/nnatri/modelmesh/internal/observability"
)

// RegistryView is the slice of the Backend Registry the advisor needs.
type RegistryView interface {
	ListHealthy() []dispatchcore.BackendInstance
}

// Config holds the advisor's tunables. Disabled by default.
type Config struct {
	Enabled           bool
	ScaleUpThreshold  float64 // percent, default 80
	ScaleDownThreshold float64 // percent, default 30
	MinInstances      int     // default 1
	MaxInstances      int     // default 10
}

// DefaultConfig matches the reference thresholds.
func DefaultConfig() Config {
	return Config{
		Enabled:            false,
		ScaleUpThreshold:   80.0,
		ScaleDownThreshold: 30.0,
		MinInstances:       1,
		MaxInstances:       10,
	}
}

// Advisor evaluates load on a fixed cadence.
type Advisor struct {
	reg RegistryView
	bus *eventbus.Bus

	mu     sync.RWMutex
	config Config
}

// New builds an Advisor.
func New(reg RegistryView, bus *eventbus.Bus, config Config) *Advisor {
	return &Advisor{reg: reg, bus: bus, config: config}
}

// SetConfig updates the advisor's tunables, e.g. from the config store.
func (a *Advisor) SetConfig(config Config) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.config = config
}

// Run loops on the given cadence until ctx is cancelled.
func (a *Advisor) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Evaluate()
		}
	}
}

// Evaluate performs one scaling decision. It is a no-op when disabled.
func (a *Advisor) Evaluate() {
	a.mu.RLock()
	cfg := a.config
	a.mu.RUnlock()

	if !cfg.Enabled {
		return
	}

	instances := a.reg.ListHealthy()
	if len(instances) == 0 {
		return
	}

	var sumCPU, sumMem float64
	for _, inst := range instances {
		sumCPU += inst.LastCPUPercent
		sumMem += inst.LastMemoryPercent
	}
	avgCPU := sumCPU / float64(len(instances))
	avgMem := sumMem / float64(len(instances))

	if (avgCPU > cfg.ScaleUpThreshold || avgMem > cfg.ScaleUpThreshold) && len(instances) < cfg.MaxInstances {
		a.emit(eventbus.ScaleIntentPayload{ScaleUp: true, Reason: "average load above scale-up threshold"})
		return
	}

	if avgCPU < cfg.ScaleDownThreshold && avgMem < cfg.ScaleDownThreshold && len(instances) > cfg.MinInstances {
		if id, ok := idleInstance(instances); ok {
			a.emit(eventbus.ScaleIntentPayload{ScaleUp: false, InstanceID: id, Reason: "average load below scale-down threshold"})
		}
	}
}

// idleInstance picks a healthy instance with zero current connections,
// lowest id as the tie-break, per the explicit spec decision (the
// reference implementation left this underspecified).
func idleInstance(instances []dispatchcore.BackendInstance) (string, bool) {
	candidates := make([]dispatchcore.BackendInstance, 0, len(instances))
	for _, inst := range instances {
		if inst.CurrentConnections == 0 {
			candidates = append(candidates, inst)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	return candidates[0].ID, true
}

func (a *Advisor) emit(payload eventbus.ScaleIntentPayload) {
	if payload.ScaleUp {
		observability.AutoscaleIntentsTotal.WithLabelValues("scale_up").Inc()
	} else {
		observability.AutoscaleIntentsTotal.WithLabelValues("scale_down").Inc()
	}
	if a.bus == nil {
		return
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.EventScaleIntent, ScaleIntent: &payload})
}
