package selector

import (
	"testing"

	"github.com/nnatri/modelmesh/internal/dispatchcore"
)

type fakeRegistry struct {
	models []dispatchcore.ModelInfo
}

func (f fakeRegistry) ListModels() []dispatchcore.ModelInfo { return f.models }

func (f fakeRegistry) GetModel(name string) (dispatchcore.ModelInfo, bool) {
	for _, m := range f.models {
		if m.Name == name {
			return m, true
		}
	}
	return dispatchcore.ModelInfo{}, false
}

func TestSelectWalksPreferenceList(t *testing.T) {
	reg := fakeRegistry{models: []dispatchcore.ModelInfo{
		{Name: "codellama", IsAvailable: true},
		{Name: "llama3", IsAvailable: true},
	}}
	s := New(map[dispatchcore.ScenarioTag][]string{
		dispatchcore.ScenarioCodeGen: {"mixtral-not-present", "codellama", "llama3"},
	})

	got, err := s.Select(dispatchcore.ScenarioCodeGen, reg)
	if err != nil {
		t.Fatal(err)
	}
	if got != "codellama" {
		t.Errorf("expected codellama, got %s", got)
	}
}

func TestSelectFallsBackLexicographically(t *testing.T) {
	reg := fakeRegistry{models: []dispatchcore.ModelInfo{
		{Name: "zeta", IsAvailable: true},
		{Name: "alpha", IsAvailable: true},
	}}
	s := New(nil)

	got, err := s.Select(dispatchcore.ScenarioGeneralChat, reg)
	if err != nil {
		t.Fatal(err)
	}
	if got != "alpha" {
		t.Errorf("expected lexicographic fallback alpha, got %s", got)
	}
}

func TestSelectNoModelAvailable(t *testing.T) {
	s := New(nil)
	_, err := s.Select(dispatchcore.ScenarioGeneralChat, fakeRegistry{})
	if dispatchcore.KindOf(err) != dispatchcore.ErrNoModelAvailable {
		t.Fatalf("expected NoModelAvailable, got %v", err)
	}
}

func TestSelectPerformanceStrategyReordersByResponseTime(t *testing.T) {
	reg := fakeRegistry{models: []dispatchcore.ModelInfo{
		{Name: "slow", IsAvailable: true, AvgResponseTimeMs: 900},
		{Name: "fast", IsAvailable: true, AvgResponseTimeMs: 50},
	}}
	s := New(map[dispatchcore.ScenarioTag][]string{
		dispatchcore.ScenarioGeneralChat: {"slow", "fast"},
	})
	s.SetStrategy(dispatchcore.StrategyPerformance)

	got, err := s.Select(dispatchcore.ScenarioGeneralChat, reg)
	if err != nil {
		t.Fatal(err)
	}
	if got != "fast" {
		t.Errorf("expected performance strategy to prefer fast model, got %s", got)
	}
}
