package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nnatri/modelmesh/internal/dispatchcore"
	"github.com/nnatri/modelmesh/internal/eventbus"
	"github.com/nnatri/modelmesh/internal/transport"
)

type fakeRegistry struct {
	mu       sync.Mutex
	released []string
	outcomes []bool
}

func (f *fakeRegistry) RecordOutcome(id string, success bool, rtMs float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, success)
	return nil
}
func (f *fakeRegistry) ReleaseConnection(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
	return nil
}
func (f *fakeRegistry) RecordModelOutcome(name string, success bool, rtMs float64) {}

type fakeTransport struct {
	genResp  *dispatchcore.Response
	genErr   error
	streamChunks []dispatchcore.StreamChunk
	streamErr    error
	blockForever bool
}

func (f fakeTransport) ListModels(ctx context.Context, addr string) ([]dispatchcore.ModelInfo, error) {
	return nil, nil
}

func (f fakeTransport) Generate(ctx context.Context, req transport.GenerateRequest) (*dispatchcore.Response, error) {
	if f.blockForever {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.genResp, f.genErr
}

func (f fakeTransport) GenerateStream(ctx context.Context, req transport.GenerateRequest) (<-chan dispatchcore.StreamChunk, <-chan error, error) {
	chunks := make(chan dispatchcore.StreamChunk, len(f.streamChunks))
	errs := make(chan error, 1)
	for _, c := range f.streamChunks {
		chunks <- c
	}
	close(chunks)
	errs <- f.streamErr
	return chunks, errs, nil
}

func TestExecuteSyncSuccess(t *testing.T) {
	reg := &fakeRegistry{}
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.EventCompleted)
	defer sub.Unsubscribe()

	tr := fakeTransport{genResp: &dispatchcore.Response{OK: true, Content: "ok", ResponseTimeMs: 10}}
	ex := New(tr, reg, bus)

	out := ex.Execute(context.Background(), dispatchcore.RequestSpec{ID: "r1", TimeoutMs: 1000}, dispatchcore.BackendInstance{ID: "i1"}, "m1")
	if out.Response == nil || !out.Response.OK {
		t.Fatalf("expected success outcome, got %+v", out)
	}

	select {
	case ev := <-sub.Events():
		if ev.RequestID != "r1" {
			t.Errorf("unexpected completed event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a Completed event")
	}
}

func TestExecuteTimeoutClassification(t *testing.T) {
	reg := &fakeRegistry{}
	bus := eventbus.New()
	tr := fakeTransport{blockForever: true}
	ex := New(tr, reg, bus)

	out := ex.Execute(context.Background(), dispatchcore.RequestSpec{ID: "r1", TimeoutMs: 10}, dispatchcore.BackendInstance{ID: "i1"}, "m1")
	if out.ErrKind != dispatchcore.ErrTimeout {
		t.Fatalf("expected Timeout, got %+v", out)
	}
}

func TestExecuteCancellation(t *testing.T) {
	reg := &fakeRegistry{}
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.EventCancelled)
	defer sub.Unsubscribe()

	tr := fakeTransport{blockForever: true}
	ex := New(tr, reg, bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() {
		done <- ex.Execute(ctx, dispatchcore.RequestSpec{ID: "r1", TimeoutMs: 10000}, dispatchcore.BackendInstance{ID: "i1"}, "m1")
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case out := <-done:
		if !out.Cancelled {
			t.Fatalf("expected Cancelled outcome, got %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("execute did not return after cancel")
	}

	select {
	case <-sub.Events():
	case <-time.After(time.Second):
		t.Fatal("expected a Cancelled event")
	}
}

func TestExecuteStreamOrderAndFinal(t *testing.T) {
	reg := &fakeRegistry{}
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.EventChunk, eventbus.EventCompleted)
	defer sub.Unsubscribe()

	tr := fakeTransport{streamChunks: []dispatchcore.StreamChunk{
		{Text: "Hel"}, {Text: "lo"}, {Text: " world", IsFinal: true},
	}}
	ex := New(tr, reg, bus)

	out := ex.Execute(context.Background(), dispatchcore.RequestSpec{ID: "r1", Stream: true, TimeoutMs: 1000}, dispatchcore.BackendInstance{ID: "i1"}, "m1")
	if out.Response == nil || out.Response.Content != "Hello world" {
		t.Fatalf("expected assembled content, got %+v", out)
	}

	want := []eventbus.EventType{eventbus.EventChunk, eventbus.EventChunk, eventbus.EventChunk, eventbus.EventCompleted}
	for i, w := range want {
		select {
		case ev := <-sub.Events():
			if ev.Type != w {
				t.Errorf("event %d: want %s, got %s", i, w, ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("expected event %d (%s), timed out", i, w)
		}
	}
}

func TestExecuteUnterminatedStreamSynthesizesFinal(t *testing.T) {
	reg := &fakeRegistry{}
	bus := eventbus.New()
	tr := fakeTransport{streamChunks: []dispatchcore.StreamChunk{{Text: "partial"}}}
	ex := New(tr, reg, bus)

	out := ex.Execute(context.Background(), dispatchcore.RequestSpec{ID: "r1", Stream: true, TimeoutMs: 1000}, dispatchcore.BackendInstance{ID: "i1"}, "m1")
	if out.Response == nil || !out.Response.OK {
		t.Fatalf("expected partial success, got %+v", out)
	}
	if out.Response.ErrorMessage != string(dispatchcore.ErrUnterminatedStream) {
		t.Fatalf("expected UnterminatedStream marker, got %q", out.Response.ErrorMessage)
	}
}

func TestExecuteBackendPermanentNotRetriable(t *testing.T) {
	reg := &fakeRegistry{}
	bus := eventbus.New()
	tr := fakeTransport{genErr: dispatchcore.NewError(dispatchcore.ErrBackendPermanent, "bad request")}
	ex := New(tr, reg, bus)

	out := ex.Execute(context.Background(), dispatchcore.RequestSpec{ID: "r1", TimeoutMs: 1000}, dispatchcore.BackendInstance{ID: "i1"}, "m1")
	if out.ErrKind != dispatchcore.ErrBackendPermanent {
		t.Fatalf("expected BackendPermanent, got %+v", out)
	}
	if out.ErrKind.Retriable() {
		t.Fatal("expected BackendPermanent to be non-retriable")
	}
}
