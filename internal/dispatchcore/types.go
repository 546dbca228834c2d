// Package dispatchcore holds the shared data model for the dispatch and
// load-balancing layer: backend instances, models, scenario tags, request
// specs/state, responses and stream chunks. Every other package in this
// module builds on these types rather than redefining them.
package dispatchcore

import "time"

// ScenarioTag is a closed enumeration of the caller intents the Model
// Selector biases on.
type ScenarioTag string

const (
	ScenarioGeneralChat    ScenarioTag = "general-chat"
	ScenarioCodeGen        ScenarioTag = "code-gen"
	ScenarioTechSupport    ScenarioTag = "tech-support"
	ScenarioNarrative      ScenarioTag = "narrative"
	ScenarioDataAnalysis   ScenarioTag = "data-analysis"
	ScenarioTranslation    ScenarioTag = "translation"
	ScenarioSummarization  ScenarioTag = "summarization"
	ScenarioQA             ScenarioTag = "qa"
	ScenarioCreativeWriting ScenarioTag = "creative-writing"
	ScenarioDebugging      ScenarioTag = "debugging"
)

// ModelSelectionStrategy reorders the scenario preference list.
type ModelSelectionStrategy string

const (
	StrategyPerformance ModelSelectionStrategy = "performance"
	StrategyAccuracy    ModelSelectionStrategy = "accuracy"
	StrategyBalanced    ModelSelectionStrategy = "balanced"
)

// PolicyKind names one of the five interchangeable selection strategies.
type PolicyKind string

const (
	PolicyRoundRobin         PolicyKind = "round-robin"
	PolicyWeightedRoundRobin PolicyKind = "weighted-round-robin"
	PolicyLeastConnections   PolicyKind = "least-connections"
	PolicyResponseTime       PolicyKind = "response-time"
	PolicyResourceBased      PolicyKind = "resource-based"
)

// BackendInstance is one addressable LLM inference server.
//
// Registry holds instances by value internally and hands out copies to
// callers; all field mutation goes through the registry's own methods so
// the connection/response-time accounting stays consistent.
type BackendInstance struct {
	ID      string
	Name    string
	Address string

	MaxConnections int
	Weight         int

	CurrentConnections int
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64

	AvgResponseTimeMs  float64
	LastCPUPercent     float64
	LastMemoryPercent  float64
	LastHealthCheck    time.Time

	IsActive  bool
	IsHealthy bool

	CreatedAt time.Time
}

// ModelInfo describes a model served by one or more instances.
type ModelInfo struct {
	Name               string
	Family             string
	ParameterSize      string
	QuantizationLevel  string
	Digest             string

	AvgResponseTimeMs float64
	SuccessCount      int64
	ErrorCount        int64

	IsAvailable bool
}

// RequestStatus is the request lifecycle state machine's current phase.
type RequestStatus string

const (
	StatusQueued    RequestStatus = "queued"
	StatusAssigned  RequestStatus = "assigned"
	StatusStreaming RequestStatus = "streaming"
	StatusRetrying  RequestStatus = "retrying"
	StatusSucceeded RequestStatus = "succeeded"
	StatusFailed    RequestStatus = "failed"
	StatusCancelled RequestStatus = "cancelled"
)

// RequestSpec is the caller-supplied description of a generation request.
type RequestSpec struct {
	ID            string
	Scenario      ScenarioTag
	ModelOverride string

	Prompt       string
	SystemPrompt string
	Options      map[string]any

	Stream bool

	MaxRetries int
	TimeoutMs  int

	Priority int
	SubmitTs time.Time

	Metadata map[string]any
}

// RequestState is the dispatcher's internal bookkeeping for one request.
type RequestState struct {
	Spec RequestSpec

	Status             RequestStatus
	AssignedInstanceID string
	AssignedModel       string
	RetryCount          int

	SubmitTs time.Time
	StartTs  time.Time
	FinishTs time.Time
}

// Response is the terminal value of a non-streaming request, or the final
// event of a streaming one.
type Response struct {
	OK             bool
	Content        string
	ModelUsed      string
	ErrorMessage   string
	Raw            any
	ResponseTimeMs float64
	TokenCount     int
	Timestamp      time.Time
}

// StreamChunk is one ordered fragment of a streaming response.
type StreamChunk struct {
	RequestID string
	Text      string
	IsFinal   bool
}
