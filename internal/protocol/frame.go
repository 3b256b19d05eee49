// Package protocol implements the ATP frame model and its two wire encodings:
// UTF-8 JSON for debugging and negotiation, and a canonical CBOR binary form
// for hot paths. A session negotiates one encoding at handshake and keeps it
// for its lifetime.
package protocol

import (
	"slices"
)

// MajorVersion is the supported protocol major version. Frames with a
// different major version are rejected with EVERSION; unknown fields from
// newer minor versions are ignored on decode.
const MajorVersion = 1

// Frame types. Names are wire contracts.
const (
	TypeHandshake     = "HANDSHAKE"
	TypeHandshakeAck  = "HANDSHAKE_ACK"
	TypeData          = "DATA"
	TypeAck           = "ACK"
	TypeNack          = "NACK"
	TypeWindowUpdate  = "WINDOW_UPDATE"
	TypeHeartbeat     = "HEARTBEAT"
	TypeControlStatus = "CONTROL_STATUS"
	TypeError         = "ERROR"
	TypeFin           = "FIN"
	TypeCapability    = "CAPABILITY"
	TypeHealth        = "HEALTH"
)

// Frame flags. Names are wire contracts.
const (
	FlagMore         = "MORE"
	FlagECN          = "ECN"
	FlagCapability   = "CAPABILITY"
	FlagHealth       = "HEALTH"
	FlagControl      = "CONTROL"
	FlagHeartbeat    = "HEARTBEAT"
	FlagError        = "ERROR"
	FlagAck          = "ACK"
	FlagWindowUpdate = "WINDOW_UPDATE"
	FlagFin          = "FIN"
)

// QoS tiers.
const (
	QoSGold   = "gold"
	QoSSilver = "silver"
	QoSBronze = "bronze"
)

// ValidQoS reports whether s names a QoS tier.
func ValidQoS(s string) bool {
	return s == QoSGold || s == QoSSilver || s == QoSBronze
}

// Window is the triplet window advisory carried on frames.
type Window struct {
	MaxParallel  int   `json:"max_parallel" cbor:"1,keyasint"`
	MaxTokens    int64 `json:"max_tokens" cbor:"2,keyasint"`
	MaxUSDMicros int64 `json:"max_usd_micros" cbor:"3,keyasint"`
}

// Meta carries routing hints and scope restrictions.
type Meta struct {
	TaskType        string   `json:"task_type,omitempty" cbor:"1,keyasint,omitempty"`
	Languages       []string `json:"languages,omitempty" cbor:"2,keyasint,omitempty"`
	Risk            string   `json:"risk,omitempty" cbor:"3,keyasint,omitempty"`
	DataScope       []string `json:"data_scope,omitempty" cbor:"4,keyasint,omitempty"`
	ToolPermissions []string `json:"tool_permissions,omitempty" cbor:"5,keyasint,omitempty"`
	TraceID         string   `json:"trace_id,omitempty" cbor:"6,keyasint,omitempty"`
	SpanID          string   `json:"span_id,omitempty" cbor:"7,keyasint,omitempty"`
	EnvironmentID   string   `json:"environment_id,omitempty" cbor:"8,keyasint,omitempty"`
}

// Frame is the ATP protocol unit.
type Frame struct {
	V         int      `json:"v" cbor:"1,keyasint"`
	Type      string   `json:"type" cbor:"2,keyasint"`
	SessionID string   `json:"session_id" cbor:"3,keyasint"`
	StreamID  string   `json:"stream_id" cbor:"4,keyasint"`
	MsgSeq    uint64   `json:"msg_seq" cbor:"5,keyasint"`
	FragSeq   uint32   `json:"frag_seq" cbor:"6,keyasint"`
	Flags     []string `json:"flags" cbor:"7,keyasint"`
	QoS       string   `json:"qos" cbor:"8,keyasint"`
	TTL       int      `json:"ttl" cbor:"9,keyasint"`
	Window    Window   `json:"window" cbor:"10,keyasint"`
	Meta      Meta     `json:"meta" cbor:"11,keyasint"`
	Payload   Payload  `json:"payload" cbor:"12,keyasint"`
	Sig       string   `json:"sig,omitempty" cbor:"13,keyasint,omitempty"`
	Nonce     string   `json:"nonce,omitempty" cbor:"14,keyasint,omitempty"`
	Checksum  string   `json:"checksum,omitempty" cbor:"15,keyasint,omitempty"`
}

// HasFlag reports whether the frame carries flag.
func (f *Frame) HasFlag(flag string) bool {
	return slices.Contains(f.Flags, flag)
}

// AddFlag sets flag if not already present.
func (f *Frame) AddFlag(flag string) {
	if !f.HasFlag(flag) {
		f.Flags = append(f.Flags, flag)
	}
}

// RemoveFlag clears flag.
func (f *Frame) RemoveFlag(flag string) {
	f.Flags = slices.DeleteFunc(f.Flags, func(s string) bool { return s == flag })
}

// Terminal reports whether this frame ends its message (MORE unset).
func (f *Frame) Terminal() bool {
	return !f.HasFlag(FlagMore)
}

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	dup := *f
	dup.Flags = slices.Clone(f.Flags)
	dup.Meta.Languages = slices.Clone(f.Meta.Languages)
	dup.Meta.DataScope = slices.Clone(f.Meta.DataScope)
	dup.Meta.ToolPermissions = slices.Clone(f.Meta.ToolPermissions)
	dup.Payload.Content = slices.Clone(f.Payload.Content)
	return &dup
}

// validate enforces structural invariants shared by both codecs.
func (f *Frame) validate() error {
	if f.Type == "" {
		return errMissing("type")
	}
	if f.SessionID == "" && f.Type != TypeHandshake {
		return errMissing("session_id")
	}
	if !ValidQoS(f.QoS) {
		return errField("qos", f.QoS)
	}
	if f.TTL < 0 || f.TTL > 255 {
		return errField("ttl", f.TTL)
	}
	for _, fl := range f.Flags {
		if fl == "" {
			return errField("flags", "empty flag")
		}
	}
	if f.Payload.Type == "" {
		return errMissing("payload.type")
	}
	return nil
}
