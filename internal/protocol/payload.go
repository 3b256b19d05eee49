package protocol

import (
	"encoding/json"
	"fmt"
)

// Payload is the typed union carried by a frame. Content holds the
// JSON-encoded body of one of the payload structs below, keyed by Type.
type Payload struct {
	Type    string          `json:"type" cbor:"1,keyasint"`
	Content json.RawMessage `json:"content,omitempty" cbor:"2,keyasint,omitempty"`
}

// Payload type names.
const (
	PayloadText        = "text"
	PayloadHandshake   = "session.handshake"
	PayloadAck         = "session.ack"
	PayloadNack        = "session.nack"
	PayloadError       = "session.error"
	PayloadStatus      = "session.status"
	PayloadWindow      = "flow.window"
	PayloadHeartbeat   = "session.heartbeat"
	PayloadFin         = "session.fin"
	PayloadCapability  = "adapter.capability"
	PayloadHealth      = "adapter.health"
)

// TextPayload carries prompt or completion text fragments.
type TextPayload struct {
	Text      string `json:"text"`
	TokensIn  int64  `json:"tokens_in,omitempty"`
	TokensOut int64  `json:"tokens_out,omitempty"`
	CostMicros int64 `json:"cost_micros,omitempty"`
	Done      bool   `json:"done,omitempty"`
}

// HandshakePayload is exchanged in HANDSHAKE / HANDSHAKE_ACK frames.
type HandshakePayload struct {
	Encodings         []string `json:"encodings"` // offered, preference order
	Encoding          string   `json:"encoding,omitempty"` // accepted (ACK only)
	Features          []string `json:"features"`
	MaxFrameBytes     int      `json:"max_frame_bytes"`
	HeartbeatMS       int64    `json:"heartbeat_interval_ms"`
	AntiReplayMS      int64    `json:"anti_replay_window_ms"`
	IdentityMaterial  string   `json:"identity_material,omitempty"`
	ResumptionToken   string   `json:"resumption_token,omitempty"`
	TenantID          string   `json:"tenant_id,omitempty"`
}

// AckPayload carries the highest contiguous msg_seq per stream.
type AckPayload struct {
	StreamID string `json:"stream_id"`
	MsgSeq   uint64 `json:"msg_seq"`
}

// NackPayload requests retransmission of a fragment range.
type NackPayload struct {
	StreamID  string `json:"stream_id"`
	MsgSeq    uint64 `json:"msg_seq"`
	FragFrom  uint32 `json:"frag_from"`
	FragTo    uint32 `json:"frag_to"`
	Code      string `json:"code"` // ESEQ_RETRY
}

// ErrorPayload serializes a taxonomy error onto the wire.
type ErrorPayload struct {
	Code         string `json:"code"`
	Retryable    bool   `json:"retryable"`
	Message      string `json:"message"`
	CorrelationID string `json:"correlation_id,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

// Control status values for CONTROL_STATUS frames.
const (
	StatusReady    = "READY"
	StatusBusy     = "BUSY"
	StatusPause    = "PAUSE"
	StatusDraining = "DRAINING"
)

// StatusPayload carries a CONTROL_STATUS value.
type StatusPayload struct {
	Status string `json:"status"`
}

// FinPayload carries the terminal code on a session-level FIN; empty on a
// graceful close.
type FinPayload struct {
	Code string `json:"code,omitempty"`
}

// WindowUpdatePayload announces a new effective triplet window.
type WindowUpdatePayload struct {
	Window Window `json:"window"`
}

// CapabilityPayload registers or re-advertises an adapter.
type CapabilityPayload struct {
	AdapterID             string   `json:"adapter_id"`
	AdapterType           string   `json:"adapter_type"`
	AdapterVersion        int      `json:"adapter_version,omitempty"`
	Capabilities          []string `json:"capabilities"`
	Models                []string `json:"models"`
	MaxTokens             int64    `json:"max_tokens,omitempty"`
	SupportedLanguages    []string `json:"supported_languages,omitempty"`
	CostInPerTokenMicros  int64    `json:"cost_in_per_token_micros,omitempty"`
	CostOutPerTokenMicros int64    `json:"cost_out_per_token_micros,omitempty"`
	CostPerRequestMicros  int64    `json:"cost_per_request_micros,omitempty"`
	CarbonIntensity       float64  `json:"carbon_intensity,omitempty"`
	HealthEndpoint        string   `json:"health_endpoint,omitempty"`
}

// HealthPayload publishes adapter health telemetry.
type HealthPayload struct {
	AdapterID    string  `json:"adapter_id"`
	Status       string  `json:"status"` // healthy | degraded | unhealthy
	P50LatencyMS float64 `json:"p50_latency_ms,omitempty"`
	P95LatencyMS float64 `json:"p95_latency_ms,omitempty"`
	P99LatencyMS float64 `json:"p99_latency_ms,omitempty"`
	RPS          float64 `json:"requests_per_second,omitempty"`
	ErrorRate    float64 `json:"error_rate,omitempty"`
	QueueDepth   int     `json:"queue_depth,omitempty"`
}

// NewPayload encodes body under the given payload type.
func NewPayload(ptype string, body any) (Payload, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Payload{}, fmt.Errorf("encode %s payload: %w", ptype, err)
	}
	return Payload{Type: ptype, Content: raw}, nil
}

// MustPayload is NewPayload for statically known bodies.
func MustPayload(ptype string, body any) Payload {
	p, err := NewPayload(ptype, body)
	if err != nil {
		panic(err)
	}
	return p
}

// DecodeBody unmarshals the payload content into out.
func (p Payload) DecodeBody(out any) error {
	if len(p.Content) == 0 {
		return fmt.Errorf("empty %s payload", p.Type)
	}
	return json.Unmarshal(p.Content, out)
}
