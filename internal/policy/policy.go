// Package policy implements the five interchangeable Selection Policy
// strategies: given a set of healthy instances, return one instance id.
package policy

import (
	"sort"
	"sync"

	"github.com/nnatri/modelmesh/internal/dispatchcore"
)

// Policy picks one instance id from a healthy subset, or reports no
// candidate if the subset is empty or every instance is saturated.
type Policy interface {
	Select(healthy []dispatchcore.BackendInstance) (id string, ok bool)
	Reset()
	Kind() dispatchcore.PolicyKind
}

// New constructs a Policy for the given kind.
func New(kind dispatchcore.PolicyKind) Policy {
	switch kind {
	case dispatchcore.PolicyWeightedRoundRobin:
		return &weightedRoundRobin{counters: make(map[string]int)}
	case dispatchcore.PolicyLeastConnections:
		return leastConnections{}
	case dispatchcore.PolicyResponseTime:
		return responseTime{}
	case dispatchcore.PolicyResourceBased:
		return resourceBased{}
	default:
		return &roundRobin{}
	}
}

func sortedByID(instances []dispatchcore.BackendInstance) []dispatchcore.BackendInstance {
	out := append([]dispatchcore.BackendInstance(nil), instances...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// --- RoundRobin ---

type roundRobin struct {
	mu    sync.Mutex
	index int
}

func (p *roundRobin) Kind() dispatchcore.PolicyKind { return dispatchcore.PolicyRoundRobin }

func (p *roundRobin) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.index = 0
}

func (p *roundRobin) Select(healthy []dispatchcore.BackendInstance) (string, bool) {
	candidates := availableSubset(healthy)
	if len(candidates) == 0 {
		return "", false
	}
	candidates = sortedByID(candidates)

	p.mu.Lock()
	defer p.mu.Unlock()
	idx := p.index % len(candidates)
	p.index++
	return candidates[idx].ID, true
}

// --- WeightedRoundRobin ---

type weightedRoundRobin struct {
	mu       sync.Mutex
	counters map[string]int
}

func (p *weightedRoundRobin) Kind() dispatchcore.PolicyKind {
	return dispatchcore.PolicyWeightedRoundRobin
}

func (p *weightedRoundRobin) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counters = make(map[string]int)
}

func (p *weightedRoundRobin) Select(healthy []dispatchcore.BackendInstance) (string, bool) {
	candidates := availableSubset(healthy)
	if len(candidates) == 0 {
		return "", false
	}
	candidates = sortedByID(candidates)

	p.mu.Lock()
	defer p.mu.Unlock()

	pick := func() (string, bool) {
		bestID := ""
		bestScore := 0
		found := false
		for _, inst := range candidates {
			w := inst.Weight
			if w <= 0 {
				w = 1
			}
			score := w - p.counters[inst.ID]
			if score <= 0 {
				continue
			}
			if !found || score > bestScore || (score == bestScore && inst.ID < bestID) {
				bestID, bestScore, found = inst.ID, score, true
			}
		}
		return bestID, found
	}

	id, ok := pick()
	if !ok {
		// Every counter has caught up to its weight; reset and retry once.
		p.counters = make(map[string]int)
		id, ok = pick()
		if !ok {
			return "", false
		}
	}
	p.counters[id]++
	return id, true
}

// --- LeastConnections ---

type leastConnections struct{}

func (leastConnections) Kind() dispatchcore.PolicyKind { return dispatchcore.PolicyLeastConnections }
func (leastConnections) Reset()                        {}

func (leastConnections) Select(healthy []dispatchcore.BackendInstance) (string, bool) {
	candidates := availableSubset(healthy)
	if len(candidates) == 0 {
		return "", false
	}
	best := candidates[0]
	for _, inst := range candidates[1:] {
		if inst.CurrentConnections < best.CurrentConnections ||
			(inst.CurrentConnections == best.CurrentConnections && inst.AvgResponseTimeMs < best.AvgResponseTimeMs) ||
			(inst.CurrentConnections == best.CurrentConnections && inst.AvgResponseTimeMs == best.AvgResponseTimeMs && inst.ID < best.ID) {
			best = inst
		}
	}
	return best.ID, true
}

// --- ResponseTime ---

type responseTime struct{}

func (responseTime) Kind() dispatchcore.PolicyKind { return dispatchcore.PolicyResponseTime }
func (responseTime) Reset()                        {}

func (responseTime) Select(healthy []dispatchcore.BackendInstance) (string, bool) {
	candidates := availableSubset(healthy)
	if len(candidates) == 0 {
		return "", false
	}
	best := candidates[0]
	for _, inst := range candidates[1:] {
		if inst.AvgResponseTimeMs < best.AvgResponseTimeMs ||
			(inst.AvgResponseTimeMs == best.AvgResponseTimeMs && inst.CurrentConnections < best.CurrentConnections) {
			best = inst
		}
	}
	return best.ID, true
}

// --- ResourceBased ---

type resourceBased struct{}

func (resourceBased) Kind() dispatchcore.PolicyKind { return dispatchcore.PolicyResourceBased }
func (resourceBased) Reset()                        {}

func resourceScore(inst dispatchcore.BackendInstance) float64 {
	return (inst.LastCPUPercent + inst.LastMemoryPercent) / 2
}

func (resourceBased) Select(healthy []dispatchcore.BackendInstance) (string, bool) {
	candidates := availableSubset(healthy)
	if len(candidates) == 0 {
		return "", false
	}
	best := candidates[0]
	for _, inst := range candidates[1:] {
		if resourceScore(inst) < resourceScore(best) ||
			(resourceScore(inst) == resourceScore(best) && inst.CurrentConnections < best.CurrentConnections) {
			best = inst
		}
	}
	return best.ID, true
}

// availableSubset drops instances already at their connection cap: a
// saturated instance is not a candidate for a new assignment even though
// it may still be healthy.
func availableSubset(healthy []dispatchcore.BackendInstance) []dispatchcore.BackendInstance {
	out := make([]dispatchcore.BackendInstance, 0, len(healthy))
	for _, inst := range healthy {
		if inst.MaxConnections <= 0 || inst.CurrentConnections < inst.MaxConnections {
			out = append(out, inst)
		}
	}
	return out
}
