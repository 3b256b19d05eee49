// Package ports declares the external collaborator interfaces injected into
// the core at construction time. The core never implements a model provider,
// storage engine or policy engine itself; it talks to them through these.
package ports

import (
	"context"
	"time"
)

// Principal is an authenticated identity.
type Principal struct {
	ID       string
	TenantID string
	QoS      string // gold | silver | bronze
}

// Request is the routed unit of work, extracted from a reassembled message or
// an API call.
type Request struct {
	RequestID    string
	CorrelationID string
	TenantID     string
	SessionID    string
	StreamID     string
	TaskType     string
	Languages    []string
	Features     []string
	DataScope    []string
	QoS          string
	Quality      string // fast | balanced | best
	Prompt       string
	MaxTokens    int64
	MaxUSDMicros int64
	LatencySLO   time.Duration
	TTL          int
}

// Estimate is an adapter's preflight cost/token estimate for a request.
type Estimate struct {
	TokensIn  int64
	TokensOut int64
	USDMicros int64
}

// Fragment is one streamed event from an adapter.
type Fragment struct {
	Text            string
	TokensIn        int64
	TokensOut       int64
	CostDeltaMicros int64
	Done            bool
	Err             error
}

// HealthReport carries adapter-published health telemetry.
type HealthReport struct {
	P50LatencyMS float64
	P95LatencyMS float64
	P99LatencyMS float64
	ErrorRate    float64 // [0,1]
	RPS          float64
	QueueDepth   int
	ReportedAt   time.Time
}

// PolicyDecision is the outcome of a Policy port evaluation.
type PolicyDecision struct {
	Allowed            bool
	Redactions         []string
	DataClassification string
	RetentionMS        int64
	StrategyOverride   string
	WeightOverrides    map[string]float64
}

// Observation is the append-only outcome record of one routing decision.
// Field set and schema_version are a wire contract with external analytics.
type Observation struct {
	RequestID           string  `json:"request_id"`
	TenantID            string  `json:"tenant_id"`
	TaskType            string  `json:"task_type,omitempty"`
	AdapterID           string  `json:"adapter_id"`
	ModelID             string  `json:"model_id"`
	Strategy            string  `json:"strategy"`
	EstimatedCostMicros int64   `json:"estimated_cost_micros"`
	ActualCostMicros    int64   `json:"actual_cost_micros"`
	EstimatedLatencyMS  float64 `json:"estimated_latency_ms"`
	ActualLatencyMS     float64 `json:"actual_latency_ms"`
	LatencySLOMS        float64 `json:"latency_slo_ms,omitempty"`
	TokensIn            int64   `json:"tokens_in"`
	TokensOut           int64   `json:"tokens_out"`
	Success             bool    `json:"success"`
	ErrorCode           string  `json:"error_code,omitempty"`
	QualityScore        float64 `json:"quality_score,omitempty"`
	HasQualityScore     bool    `json:"-"`
	ShadowOf            string  `json:"shadow_of,omitempty"`
	RedactedPromptHash  string  `json:"redacted_prompt_hash"`
	RegretCostMicros    int64   `json:"regret_cost_micros,omitempty"`
	RegretQuality       float64 `json:"regret_quality,omitempty"`
	SchemaVersion       int     `json:"schema_version"`
}

// ObservationSchemaVersion is bumped on any Observation field change.
const ObservationSchemaVersion = 3

// Auth authenticates opaque identity material presented in the handshake.
type Auth interface {
	Authenticate(ctx context.Context, identityMaterial []byte) (Principal, error)
}

// Policy evaluates tenant policy for a request.
type Policy interface {
	Evaluate(ctx context.Context, req Request, p Principal) (PolicyDecision, error)
}

// Adapter is the single upstream provider port. Implementations live outside
// the core; composition of small helpers replaces inheritance.
type Adapter interface {
	ID() string
	Estimate(ctx context.Context, req Request) (Estimate, error)
	// Stream starts the request and returns a channel of fragments. The
	// channel closes after a Done or Err fragment. Implementations must honor
	// ctx cancellation within the configured grace.
	Stream(ctx context.Context, req Request) (<-chan Fragment, error)
	Health(ctx context.Context) (HealthReport, error)
}

// ObservationSink receives flushed observations, best effort.
type ObservationSink interface {
	Append(ctx context.Context, obs []Observation) error
}

// Quality scores a shadow or champion output out of band.
type Quality interface {
	Score(ctx context.Context, req Request, output string) (float64, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// RandomID generates unique identifiers for frames, sessions, requests and
// observations.
type RandomID interface {
	NewID() string
}

// Secrets resolves keys for frame signatures and resumption tokens.
type Secrets interface {
	SessionKey(sessionID string) ([]byte, error)
}
