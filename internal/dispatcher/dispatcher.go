// Package dispatcher implements the Dispatcher (spec component E): the
// single logical scheduler loop that drains the Request Queue into the
// pool of backend instances, and owns the in-flight map and per-request retry
// counters. It is the only place the terminal Failed event is emitted from,
// and it emits Cancelled for a request cancelled while still queued; the
// Executor emits Completed and Cancelled for an attempt. Each submission
// thus gets exactly one terminal event.
//
// The loop shape (tick timer + wake channel for submissions/terminal
// events, panic-recovered worker goroutine) mirrors a classic
// ticker-plus-wake-channel scheduler loop.
package dispatcher

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nnatri/modelmesh/internal/dispatchcore"
	"github.com/nnatri/modelmesh/internal/eventbus"
	"github.com/nnatri/modelmesh/internal/executor"
	"github.com/nnatri/modelmesh/internal/observability"
	"github.com/nnatri/modelmesh/internal/policy"
	"github.com/nnatri/modelmesh/internal/queue"
	"github.com/nnatri/modelmesh/internal/registry"
	"github.com/nnatri/modelmesh/internal/selector"
)

// Config holds the Dispatcher's tunable knobs (spec 4.E).
type Config struct {
	MaxConcurrentRequests int
	AutoRetryEnabled      bool
	GlobalOptions         map[string]any
	QueueTickMs           int
	QueueMax              int
	ModelFailoverAfter    int // consecutive errors on one instance/model pair before failover
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentRequests: 16,
		AutoRetryEnabled:      true,
		QueueTickMs:           100,
		QueueMax:              10000,
		ModelFailoverAfter:    3,
	}
}

// HealthGate lets the Dispatcher consult the Health Supervisor's recovery
// ramp before finalizing an assignment.
type HealthGate interface {
	Allow(instanceID string) bool
}

type inflightEntry struct {
	state  *dispatchcore.RequestState
	cancel context.CancelFunc
}

// Dispatcher owns the queue, in-flight map, and scheduling loop.
type Dispatcher struct {
	reg      *registry.Registry
	sel      *selector.Selector
	q        *queue.Queue
	exec     *executor.Executor
	bus      *eventbus.Bus
	health   HealthGate

	mu       sync.Mutex // dispatcher lock: in-flight map + policy + failure streaks + config; distinct from the registry lock
	cfg      Config
	pol      policy.Policy
	inflight map[string]*inflightEntry
	failStreak map[string]int // key: instanceID + "|" + model

	done     map[string]*dispatchcore.RequestState // bounded recently-terminal cache for status lookups
	doneOrder []string

	wake chan struct{}
}

// maxDoneHistory bounds the terminal-request cache so a long-running
// dispatcher doesn't grow its memory unboundedly.
const maxDoneHistory = 4096

// New builds a Dispatcher. health may be nil to disable ramp gating.
func New(reg *registry.Registry, sel *selector.Selector, q *queue.Queue, exec *executor.Executor, bus *eventbus.Bus, health HealthGate, cfg Config) *Dispatcher {
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = 1
	}
	if cfg.ModelFailoverAfter <= 0 {
		cfg.ModelFailoverAfter = 3
	}
	return &Dispatcher{
		reg:        reg,
		sel:        sel,
		q:          q,
		exec:       exec,
		bus:        bus,
		health:     health,
		cfg:        cfg,
		pol:        policy.New(dispatchcore.PolicyRoundRobin),
		inflight:   make(map[string]*inflightEntry),
		failStreak: make(map[string]int),
		done:       make(map[string]*dispatchcore.RequestState),
		wake:       make(chan struct{}, 1),
	}
}

// SetPolicy switches the active Selection Policy strategy, resetting its
// internal state.
func (d *Dispatcher) SetPolicy(kind dispatchcore.PolicyKind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pol = policy.New(kind)
}

// SetConfig replaces the dispatcher's tunables, e.g. loaded from the
// config store at startup or changed live by an admin call.
func (d *Dispatcher) SetConfig(cfg Config) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
}

// Submit validates and enqueues a new request, assigning an id if absent.
func (d *Dispatcher) Submit(spec dispatchcore.RequestSpec) (string, error) {
	if spec.Prompt == "" && spec.SystemPrompt == "" {
		return "", dispatchcore.NewError(dispatchcore.ErrInvalidSpec, "prompt and systemPrompt cannot both be empty")
	}
	if spec.ID == "" {
		spec.ID = newRequestID()
	}
	if spec.Scenario == "" {
		spec.Scenario = dispatchcore.ScenarioGeneralChat
	}
	if spec.MaxRetries < 0 {
		return "", dispatchcore.NewError(dispatchcore.ErrInvalidSpec, "maxRetries must be >= 0")
	}
	if spec.TimeoutMs <= 0 {
		spec.TimeoutMs = 30000
	}
	if spec.SubmitTs.IsZero() {
		spec.SubmitTs = time.Now()
	}

	d.mu.Lock()
	opts := mergeOptions(d.cfg.GlobalOptions, spec.Options)
	d.mu.Unlock()
	spec.Options = opts

	state := &dispatchcore.RequestState{Spec: spec, Status: dispatchcore.StatusQueued, SubmitTs: spec.SubmitTs}
	if err := d.q.Enqueue(state); err != nil {
		return "", err
	}
	observability.QueueDepth.Set(float64(d.q.Size()))
	d.signal()
	return spec.ID, nil
}

// Cancel cancels a queued or in-flight request. Idempotent: returns true
// iff the request was alive at the time of the call.
func (d *Dispatcher) Cancel(id string) bool {
	d.mu.Lock()
	entry, inflight := d.inflight[id]
	d.mu.Unlock()

	if inflight {
		entry.cancel()
		return true
	}
	if !d.q.Cancel(id) {
		return false
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.EventCancelled, RequestID: id})
	return true
}

// Status is the admin API's queue view: queue depth and in-flight count.
// Per-strategy assignment counters are not tracked.
type Status struct {
	Size     int
	Inflight int
}

// QueueStatus reports the current queue depth and in-flight count.
func (d *Dispatcher) QueueStatus() Status {
	d.mu.Lock()
	n := len(d.inflight)
	d.mu.Unlock()
	return Status{Size: d.q.Size(), Inflight: n}
}

// Run starts the scheduling loop; it blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.mu.Lock()
	tick := time.Duration(d.cfg.QueueTickMs) * time.Millisecond
	d.mu.Unlock()
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.drain(ctx)
		case <-d.wake:
			d.drain(ctx)
		}
	}
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// drain implements the three-step loop body from spec 4.E.
func (d *Dispatcher) drain(ctx context.Context) {
	for {
		d.mu.Lock()
		slots := d.cfg.MaxConcurrentRequests - len(d.inflight)
		d.mu.Unlock()
		if slots <= 0 {
			return
		}
		if d.q.Size() == 0 {
			return
		}
		if len(d.reg.ListHealthy()) == 0 {
			return
		}

		state, ok := d.q.DequeueEligible()
		if !ok {
			return
		}

		if !d.assign(ctx, state) {
			return
		}
	}
}

// assign attempts to place one dequeued request. It returns false when the
// loop should stop for this tick (saturated / no candidate), true when it
// should keep draining.
func (d *Dispatcher) assign(ctx context.Context, state *dispatchcore.RequestState) bool {
	model := state.Spec.ModelOverride
	if model == "" {
		selected, err := d.sel.Select(state.Spec.Scenario, d.reg)
		if err != nil {
			d.failTerminal(state, dispatchcore.KindOf(err))
			return true // try the next queued item; this one is done
		}
		model = selected
	}

	d.mu.Lock()
	pol := d.pol
	d.mu.Unlock()

	instanceID, ok := pol.Select(d.reg.ListHealthy())
	if !ok || (d.health != nil && !d.health.Allow(instanceID)) {
		// All healthy instances saturated (or the one chosen is still being
		// ramped back in): re-queue at the original priority and stop.
		d.q.Enqueue(state)
		return false
	}

	observability.AdmissionWaitSeconds.Observe(time.Since(state.SubmitTs).Seconds())

	instance, found := d.reg.Get(instanceID)
	if !found {
		d.q.Enqueue(state)
		return false
	}

	state.Status = dispatchcore.StatusAssigned
	state.AssignedInstanceID = instanceID
	state.AssignedModel = model
	state.StartTs = time.Now()
	if err := d.reg.IncrementConnections(instanceID); err != nil {
		log.Printf("WARN dispatcher: increment connections on %s: %v", instanceID, err)
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.inflight[state.Spec.ID] = &inflightEntry{state: state, cancel: cancel}
	d.mu.Unlock()

	if state.Spec.Stream {
		state.Status = dispatchcore.StatusStreaming
	}
	d.bus.Publish(eventbus.Event{Type: eventbus.EventAssigned, RequestID: state.Spec.ID})
	observability.DispatchDecisions.WithLabelValues("assigned").Inc()
	observability.QueueDepth.Set(float64(d.q.Size()))

	d.mu.Lock()
	observability.InflightRequests.Set(float64(len(d.inflight)))
	d.mu.Unlock()

	go d.run(attemptCtx, cancel, state, instance, model)
	return true
}

// run executes one attempt in its own goroutine and feeds the outcome back
// into the dispatcher loop via retry/terminal handling.
func (d *Dispatcher) run(ctx context.Context, cancel context.CancelFunc, state *dispatchcore.RequestState, instance dispatchcore.BackendInstance, model string) {
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR dispatcher: panic executing request %s: %v", state.Spec.ID, r)
			d.failTerminal(state, dispatchcore.ErrTransportError)
		}
	}()

	out := d.exec.Execute(ctx, state.Spec, instance, model)

	d.mu.Lock()
	delete(d.inflight, state.Spec.ID)
	observability.InflightRequests.Set(float64(len(d.inflight)))
	d.mu.Unlock()

	switch {
	case out.Cancelled:
		state.Status = dispatchcore.StatusCancelled
		state.FinishTs = time.Now()
		observability.DispatchDecisions.WithLabelValues("cancelled").Inc()
		d.recordDone(state)

	case out.Response != nil:
		d.clearFailStreak(instance.ID, model)
		state.Status = dispatchcore.StatusSucceeded
		state.FinishTs = time.Now()
		observability.ModelSelectionTotal.WithLabelValues(string(state.Spec.Scenario), model).Inc()
		d.recordDone(state)

	default:
		d.handleFailure(state, instance, model, out.ErrKind)
	}

	if updated, found := d.reg.Get(instance.ID); found {
		observability.BackendCurrentConnections.WithLabelValues(instance.ID).Set(float64(updated.CurrentConnections))
		observability.BackendAvgResponseTimeMs.WithLabelValues(instance.ID).Set(updated.AvgResponseTimeMs)
	}

	if out.Response != nil || out.ErrKind != "" {
		d.bus.Publish(eventbus.Event{Type: eventbus.EventStatisticsUpdated, RequestID: state.Spec.ID})
	}
	d.signal()
}

func (d *Dispatcher) handleFailure(state *dispatchcore.RequestState, instance dispatchcore.BackendInstance, model string, kind dispatchcore.ErrorKind) {
	streak := d.bumpFailStreak(instance.ID, model)

	d.mu.Lock()
	autoRetry := d.cfg.AutoRetryEnabled
	failoverAfter := d.cfg.ModelFailoverAfter
	d.mu.Unlock()

	if streak >= failoverAfter {
		if next, err := d.sel.Select(state.Spec.Scenario, d.reg); err == nil && next != model {
			d.bus.Publish(eventbus.Event{
				Type:      eventbus.EventModelSwitched,
				RequestID: state.Spec.ID,
				ModelSwitched: &eventbus.ModelSwitchedPayload{
					RequestID: state.Spec.ID, From: model, To: next, Reason: fmt.Sprintf("%d consecutive errors", streak),
				},
			})
			observability.ModelFailoverTotal.WithLabelValues(model, next).Inc()
		}
		d.clearFailStreak(instance.ID, model)
	}

	canRetry := kind.Retriable() && autoRetry && state.RetryCount < state.Spec.MaxRetries
	if canRetry {
		state.RetryCount++
		state.Status = dispatchcore.StatusRetrying
		state.AssignedInstanceID = ""
		state.AssignedModel = ""
		// Re-enqueue with the same priority and original submission time —
		// not boosted, not re-raced to the front.
		d.q.Enqueue(state)
		observability.DispatchDecisions.WithLabelValues("retried").Inc()
		return
	}

	d.failTerminal(state, kind)
}

func (d *Dispatcher) failTerminal(state *dispatchcore.RequestState, kind dispatchcore.ErrorKind) {
	state.Status = dispatchcore.StatusFailed
	state.FinishTs = time.Now()
	d.bus.Publish(eventbus.Event{
		Type:      eventbus.EventFailed,
		RequestID: state.Spec.ID,
		Response:  &dispatchcore.Response{OK: false, ErrorMessage: string(kind), Timestamp: time.Now()},
	})
	observability.DispatchDecisions.WithLabelValues("failed").Inc()
	d.recordDone(state)
}

// recordDone caches a terminal request's final state for later status
// lookups, evicting the oldest entry once the cache is full.
func (d *Dispatcher) recordDone(state *dispatchcore.RequestState) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.done[state.Spec.ID]; !exists {
		if len(d.doneOrder) >= maxDoneHistory {
			oldest := d.doneOrder[0]
			d.doneOrder = d.doneOrder[1:]
			delete(d.done, oldest)
		}
		d.doneOrder = append(d.doneOrder, state.Spec.ID)
	}
	cp := *state
	d.done[state.Spec.ID] = &cp
}

// Get returns a snapshot of a request's current state: in-flight, still
// queued, recently terminal, or not found.
func (d *Dispatcher) Get(id string) (dispatchcore.RequestState, bool) {
	d.mu.Lock()
	if entry, ok := d.inflight[id]; ok {
		cp := *entry.state
		d.mu.Unlock()
		return cp, true
	}
	if state, ok := d.done[id]; ok {
		cp := *state
		d.mu.Unlock()
		return cp, true
	}
	d.mu.Unlock()

	for _, state := range d.q.Snapshot() {
		if state.Spec.ID == id {
			return state, true
		}
	}
	return dispatchcore.RequestState{}, false
}

func (d *Dispatcher) bumpFailStreak(instanceID, model string) int {
	key := instanceID + "|" + model
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failStreak[key]++
	return d.failStreak[key]
}

func (d *Dispatcher) clearFailStreak(instanceID, model string) {
	key := instanceID + "|" + model
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.failStreak, key)
}

func mergeOptions(global, local map[string]any) map[string]any {
	if len(global) == 0 {
		return local
	}
	merged := make(map[string]any, len(global)+len(local))
	for k, v := range global {
		merged[k] = v
	}
	for k, v := range local {
		merged[k] = v // request-local wins on conflict
	}
	return merged
}

var idCounter struct {
	mu sync.Mutex
	n  uint64
}

// newRequestID generates a process-unique request id when the caller
// didn't supply one. Uniqueness only needs to hold for the lifetime of the
// process, per spec.
func newRequestID() string {
	idCounter.mu.Lock()
	defer idCounter.mu.Unlock()
	idCounter.n++
	return fmt.Sprintf("req-%d-%d", time.Now().UnixNano(), idCounter.n)
}
