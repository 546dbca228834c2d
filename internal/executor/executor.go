// Package executor implements the Request Executor: drives one request
// over the injected Backend Transport, parses streaming chunks, and emits
// the Chunk events followed by a Completed or Cancelled event. Assigned is
// emitted by the Dispatcher before it calls the executor, and Failed is
// left to the Dispatcher as well.
package executor

import (
	"context"
	"time"

	"github.com/nnatri/modelmesh/internal/dispatchcore"
	"github.com/nnatri/modelmesh/internal/eventbus"
	"github.com/nnatri/modelmesh/internal/transport"
)

// Registry is the slice of the Backend Registry the executor needs to
// close out connection accounting once a request reaches a terminal state.
type Registry interface {
	RecordOutcome(id string, success bool, rtMs float64) error
	ReleaseConnection(id string) error
	RecordModelOutcome(name string, success bool, rtMs float64)
}

// Outcome is what Execute reports back to the Dispatcher once a request
// reaches a terminal or retriable state. The Dispatcher — not the
// executor — decides whether to retry, since only it owns retryCount and
// the queue.
type Outcome struct {
	Response *dispatchcore.Response
	ErrKind  dispatchcore.ErrorKind // empty when Response.OK
	Cancelled bool
}

// Executor drives requests over a Transport.
type Executor struct {
	transport transport.Transport
	reg       Registry
	bus       *eventbus.Bus
}

// New builds an Executor.
func New(t transport.Transport, reg Registry, bus *eventbus.Bus) *Executor {
	return &Executor{transport: t, reg: reg, bus: bus}
}

// Execute runs one attempt of spec against instance/model and blocks until
// a terminal outcome is reached: success, a retriable/permanent failure,
// or cancellation. ctx is expected to be cancellable by the caller (the
// Dispatcher's cancel(id) path) independent of the per-attempt timeout
// Execute itself applies from spec.TimeoutMs.
func (e *Executor) Execute(ctx context.Context, spec dispatchcore.RequestSpec, instance dispatchcore.BackendInstance, model string) Outcome {
	timeout := time.Duration(spec.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := transport.GenerateRequest{
		InstanceAddress: instance.Address,
		Model:           model,
		Prompt:          spec.Prompt,
		SystemPrompt:    spec.SystemPrompt,
		Options:         spec.Options,
	}

	if spec.Stream {
		return e.executeStream(attemptCtx, ctx, spec, instance, model, req)
	}
	return e.executeSync(attemptCtx, ctx, spec, instance, model, req)
}

func (e *Executor) executeSync(attemptCtx, callerCtx context.Context, spec dispatchcore.RequestSpec, instance dispatchcore.BackendInstance, model string, req transport.GenerateRequest) Outcome {
	resp, err := e.transport.Generate(attemptCtx, req)
	if err != nil {
		return e.terminal(attemptCtx, callerCtx, spec, instance, model, nil, err)
	}
	resp.ModelUsed = model
	return e.terminal(attemptCtx, callerCtx, spec, instance, model, resp, nil)
}

func (e *Executor) executeStream(attemptCtx, callerCtx context.Context, spec dispatchcore.RequestSpec, instance dispatchcore.BackendInstance, model string, req transport.GenerateRequest) Outcome {
	start := time.Now()
	chunks, errs, err := e.transport.GenerateStream(attemptCtx, req)
	if err != nil {
		return e.terminal(attemptCtx, callerCtx, spec, instance, model, nil, err)
	}

	var content string
	sawFinal := false

	for chunk := range chunks {
		chunk.RequestID = spec.ID
		content += chunk.Text
		if chunk.IsFinal {
			sawFinal = true
		}
		e.publish(eventbus.Event{Type: eventbus.EventChunk, RequestID: spec.ID, Chunk: &chunk})
	}

	select {
	case streamErr := <-errs:
		if streamErr != nil {
			return e.terminal(attemptCtx, callerCtx, spec, instance, model, nil, streamErr)
		}
	default:
	}

	resp := &dispatchcore.Response{
		OK:             true,
		Content:        content,
		ModelUsed:      model,
		ResponseTimeMs: float64(time.Since(start).Milliseconds()),
		Timestamp:      time.Now(),
	}

	if !sawFinal {
		// Stream closed without a final marker: synthesize one and report
		// partial success rather than failing the request outright.
		e.publish(eventbus.Event{Type: eventbus.EventChunk, RequestID: spec.ID, Chunk: &dispatchcore.StreamChunk{RequestID: spec.ID, IsFinal: true}})
		resp.ErrorMessage = string(dispatchcore.ErrUnterminatedStream)
	}

	return e.terminal(attemptCtx, callerCtx, spec, instance, model, resp, nil)
}

// terminal closes out connection accounting, classifies any error against
// cancellation/timeout/transport causes, and emits Completed or Cancelled
// for this attempt. A failed attempt emits no event here.
func (e *Executor) terminal(attemptCtx, callerCtx context.Context, spec dispatchcore.RequestSpec, instance dispatchcore.BackendInstance, model string, resp *dispatchcore.Response, callErr error) Outcome {
	if callerCtx.Err() == context.Canceled {
		e.reg.ReleaseConnection(instance.ID)
		e.publish(eventbus.Event{Type: eventbus.EventCancelled, RequestID: spec.ID})
		return Outcome{Cancelled: true}
	}

	if callErr != nil {
		kind := dispatchcore.KindOf(callErr)
		if attemptCtx.Err() == context.DeadlineExceeded {
			kind = dispatchcore.ErrTimeout
		}
		e.reg.RecordOutcome(instance.ID, false, 0)
		e.reg.RecordModelOutcome(model, false, 0)
		// The caller-visible terminal Failed event is the Dispatcher's call,
		// not the Executor's: a retriable failure here may still turn into a
		// silent re-enqueue, and callers must see exactly one terminal event
		// per submission. Registry accounting, by contrast, happens on every
		// attempt (see the Dispatcher's retry-exhaustion test).
		return Outcome{ErrKind: kind}
	}

	e.reg.RecordOutcome(instance.ID, true, resp.ResponseTimeMs)
	e.reg.RecordModelOutcome(model, true, resp.ResponseTimeMs)
	e.publish(eventbus.Event{Type: eventbus.EventCompleted, RequestID: spec.ID, Response: resp})
	return Outcome{Response: resp}
}

func (e *Executor) publish(ev eventbus.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}
