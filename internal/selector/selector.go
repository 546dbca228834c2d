// Package selector implements the Model Selector: given a scenario tag and
// a registry snapshot, picks the preferred model name.
package selector

import (
	"sort"
	"sync"

	"github.com/nnatri/modelmesh/internal/dispatchcore"
)

// RegistrySnapshot is the slice of the Backend Registry the selector needs.
type RegistrySnapshot interface {
	ListModels() []dispatchcore.ModelInfo
	GetModel(name string) (dispatchcore.ModelInfo, bool)
}

// Selector holds the scenario→ordered preference list and the active
// reordering strategy.
type Selector struct {
	mu         sync.RWMutex
	preference map[dispatchcore.ScenarioTag][]string
	strategy   dispatchcore.ModelSelectionStrategy
}

// New builds a Selector from a domain-expert configured preference table.
// The table is typically loaded at startup from the config store.
func New(preference map[dispatchcore.ScenarioTag][]string) *Selector {
	if preference == nil {
		preference = make(map[dispatchcore.ScenarioTag][]string)
	}
	return &Selector{preference: preference, strategy: dispatchcore.StrategyAccuracy}
}

// SetStrategy changes the secondary reordering knob.
func (s *Selector) SetStrategy(strategy dispatchcore.ModelSelectionStrategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategy = strategy
}

// SetPreference replaces the ordered preference list for one scenario.
func (s *Selector) SetPreference(scenario dispatchcore.ScenarioTag, models []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preference[scenario] = models
}

// Select returns the preferred model name for a scenario given the current
// registry state. It walks the (possibly reordered) preference list and
// returns the first model that is present, available, and healthy. If none
// qualify it falls back to the first model in the registry by
// lexicographic name. An empty registry is NoModelAvailable.
func (s *Selector) Select(scenario dispatchcore.ScenarioTag, reg RegistrySnapshot) (string, error) {
	s.mu.RLock()
	pref := append([]string(nil), s.preference[scenario]...)
	strategy := s.strategy
	s.mu.RUnlock()

	all := reg.ListModels()
	if len(all) == 0 {
		return "", dispatchcore.NewError(dispatchcore.ErrNoModelAvailable, "registry has no models")
	}

	pref = reorder(pref, all, strategy)

	for _, name := range pref {
		m, ok := reg.GetModel(name)
		if !ok || !m.IsAvailable {
			continue
		}
		if healthyModel(all, name) {
			return name, nil
		}
	}

	// Fallback: first model in the registry by lexicographic name. The
	// snapshot's order is not relied on.
	fallback := all[0].Name
	for _, m := range all[1:] {
		if m.Name < fallback {
			fallback = m.Name
		}
	}
	return fallback, nil
}

// healthyModel treats a model as healthy for selection purposes when it is
// present in the registry snapshot; model health is tied to instance
// health indirectly (a model with no healthy serving instance simply won't
// be assignable by the Selection Policy), so here "healthy" reduces to
// "known and available".
func healthyModel(all []dispatchcore.ModelInfo, name string) bool {
	for _, m := range all {
		if m.Name == name {
			return m.IsAvailable
		}
	}
	return false
}

func reorder(pref []string, all []dispatchcore.ModelInfo, strategy dispatchcore.ModelSelectionStrategy) []string {
	byName := make(map[string]dispatchcore.ModelInfo, len(all))
	for _, m := range all {
		byName[m.Name] = m
	}

	switch strategy {
	case dispatchcore.StrategyPerformance:
		out := append([]string(nil), pref...)
		sort.SliceStable(out, func(i, j int) bool {
			return byName[out[i]].AvgResponseTimeMs < byName[out[j]].AvgResponseTimeMs
		})
		return out
	case dispatchcore.StrategyBalanced:
		out := append([]string(nil), pref...)
		sort.SliceStable(out, func(i, j int) bool {
			return balancedScore(byName[out[i]]) < balancedScore(byName[out[j]])
		})
		return out
	default: // accuracy: static preference order
		return pref
	}
}

func balancedScore(m dispatchcore.ModelInfo) float64 {
	total := m.SuccessCount + m.ErrorCount
	errRate := 0.0
	if total > 0 {
		errRate = float64(m.ErrorCount) / float64(total)
	}
	return m.AvgResponseTimeMs * (1 + errRate)
}
