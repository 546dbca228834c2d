// Package health implements the Health Supervisor: a periodic sweep that
// marks instances unhealthy on stale stats, resource saturation, or
// response-time regression, plus a recovery ramp that paces traffic back
// onto an instance that just turned healthy again.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nnatri/modelmesh/internal/dispatchcore"
	"github.com/nnatri/modelmesh/internal/eventbus"
	"github.com/nnatri/modelmesh/internal/observability"
)

const (
	responseTimeCeilingMs = 5000
	resourceCeilingPct    = 95
	staleAfter            = 300 * time.Second
)

// RegistryView is the slice of the Backend Registry the supervisor needs.
type RegistryView interface {
	List() []dispatchcore.BackendInstance
	UpdateHealth(id string, healthy bool) (changed bool, err error)
}

// Supervisor runs the periodic health sweep.
type Supervisor struct {
	reg      RegistryView
	bus      *eventbus.Bus
	interval time.Duration

	rampWindow time.Duration
	rampRate   rate.Limit
	rampBurst  int

	mu    sync.Mutex
	ramps map[string]*rate.Limiter
}

// New builds a Supervisor. rampWindow/rampRate/rampBurst configure the
// token-bucket pacing applied to an instance for rampWindow after it turns
// healthy again; a zero rampWindow disables ramping (every healthy
// instance is immediately fully eligible).
func New(reg RegistryView, bus *eventbus.Bus, interval time.Duration, rampWindow time.Duration, rampRate rate.Limit, rampBurst int) *Supervisor {
	return &Supervisor{
		reg:        reg,
		bus:        bus,
		interval:   interval,
		rampWindow: rampWindow,
		rampRate:   rampRate,
		rampBurst:  rampBurst,
		ramps:      make(map[string]*rate.Limiter),
	}
}

// Run loops on the configured interval until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep performs one pass over every instance, exactly as Run's ticker
// would, but synchronously — useful for tests and for an on-demand check.
func (s *Supervisor) Sweep() {
	now := time.Now()
	for _, inst := range s.reg.List() {
		unhealthy := inst.AvgResponseTimeMs > responseTimeCeilingMs ||
			inst.LastCPUPercent > resourceCeilingPct ||
			inst.LastMemoryPercent > resourceCeilingPct ||
			(inst.MaxConnections > 0 && inst.CurrentConnections >= inst.MaxConnections) ||
			(!inst.LastHealthCheck.IsZero() && now.Sub(inst.LastHealthCheck) > staleAfter)

		healthy := !unhealthy
		if healthy {
			observability.BackendHealth.WithLabelValues(inst.ID).Set(1)
		} else {
			observability.BackendHealth.WithLabelValues(inst.ID).Set(0)
		}

		changed, err := s.reg.UpdateHealth(inst.ID, healthy)
		if err != nil || !changed {
			continue
		}
		observability.HealthTransitionsTotal.WithLabelValues(inst.ID).Inc()

		if healthy {
			s.startRamp(inst.ID)
		} else {
			s.clearRamp(inst.ID)
		}

		if s.bus != nil {
			s.bus.Publish(eventbus.Event{
				Type:          eventbus.EventHealthChanged,
				HealthChanged: &eventbus.HealthChangedPayload{InstanceID: inst.ID, Healthy: healthy},
			})
		}
	}
}

func (s *Supervisor) startRamp(id string) {
	if s.rampWindow <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ramps[id] = rate.NewLimiter(s.rampRate, s.rampBurst)
	time.AfterFunc(s.rampWindow, func() { s.clearRamp(id) })
}

func (s *Supervisor) clearRamp(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ramps, id)
}

// Allow reports whether a new assignment to instance id is permitted right
// now. Instances outside their recovery ramp window are always allowed;
// an instance still ramping is paced by its token bucket.
func (s *Supervisor) Allow(id string) bool {
	s.mu.Lock()
	limiter, ramping := s.ramps[id]
	s.mu.Unlock()
	if !ramping {
		return true
	}
	return limiter.Allow()
}
