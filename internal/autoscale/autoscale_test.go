package autoscale

import (
	"testing"
	"time"

	"github.com/nnatri/modelmesh/internal/dispatchcore"
	"github.com/nnatri/modelmesh/internal/eventbus"
)

type fakeRegistry struct {
	instances []dispatchcore.BackendInstance
}

func (f fakeRegistry) ListHealthy() []dispatchcore.BackendInstance { return f.instances }

func TestEvaluateDisabledIsNoOp(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.EventScaleIntent)
	defer sub.Unsubscribe()

	a := New(fakeRegistry{instances: []dispatchcore.BackendInstance{{ID: "a", LastCPUPercent: 99}}}, bus, DefaultConfig())
	a.Evaluate()

	select {
	case ev := <-sub.Events():
		t.Fatalf("expected no intent while disabled, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEvaluateEmitsScaleUpIntent(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.EventScaleIntent)
	defer sub.Unsubscribe()

	cfg := DefaultConfig()
	cfg.Enabled = true
	a := New(fakeRegistry{instances: []dispatchcore.BackendInstance{{ID: "a", LastCPUPercent: 95, LastMemoryPercent: 95}}}, bus, cfg)
	a.Evaluate()

	select {
	case ev := <-sub.Events():
		if !ev.ScaleIntent.ScaleUp {
			t.Fatal("expected a scale-up intent")
		}
	case <-time.After(time.Second):
		t.Fatal("expected a scale intent")
	}
}

func TestEvaluateScaleDownPicksLowestIDleInstance(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.EventScaleIntent)
	defer sub.Unsubscribe()

	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.MinInstances = 1
	a := New(fakeRegistry{instances: []dispatchcore.BackendInstance{
		{ID: "b", LastCPUPercent: 5, LastMemoryPercent: 5, CurrentConnections: 0},
		{ID: "a", LastCPUPercent: 5, LastMemoryPercent: 5, CurrentConnections: 0},
		{ID: "c", LastCPUPercent: 5, LastMemoryPercent: 5, CurrentConnections: 3},
	}}, bus, cfg)
	a.Evaluate()

	select {
	case ev := <-sub.Events():
		if ev.ScaleIntent.ScaleUp || ev.ScaleIntent.InstanceID != "a" {
			t.Fatalf("expected scale-down of instance a, got %+v", ev.ScaleIntent)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a scale-down intent")
	}
}

func TestEvaluateNoIntentWhenAtMinInstances(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.EventScaleIntent)
	defer sub.Unsubscribe()

	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.MinInstances = 1
	a := New(fakeRegistry{instances: []dispatchcore.BackendInstance{
		{ID: "a", LastCPUPercent: 5, LastMemoryPercent: 5, CurrentConnections: 0},
	}}, bus, cfg)
	a.Evaluate()

	select {
	case ev := <-sub.Events():
		t.Fatalf("expected no intent at min instances, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
