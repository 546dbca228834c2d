// Package transport is the injected Backend Transport (spec component J):
// the HTTP client that actually talks to an inference backend. No wire
// format is mandated by the core; this package implements an
// Ollama-compatible one, the common choice for local inference serving.
package transport

import (
	"context"

	"github.com/nnatri/modelmesh/internal/dispatchcore"
)

// GenerateRequest bundles the parameters of one generation call.
type GenerateRequest struct {
	InstanceAddress string
	Model           string
	Prompt          string
	SystemPrompt    string
	Options         map[string]any
}

// Transport is the interface the Request Executor and Backend Registry
// depend on; no core package imports the concrete Ollama client directly.
type Transport interface {
	ListModels(ctx context.Context, instanceAddress string) ([]dispatchcore.ModelInfo, error)
	Generate(ctx context.Context, req GenerateRequest) (*dispatchcore.Response, error)
	GenerateStream(ctx context.Context, req GenerateRequest) (<-chan dispatchcore.StreamChunk, <-chan error, error)
}
