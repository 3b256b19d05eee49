package atperr

import (
	"errors"
	"fmt"
	"time"
)

// Code identifies an entry in the ATP error taxonomy. Codes are wire
// contracts: they appear verbatim in ERROR frames and observations.
type Code string

const (
	CodeParse       Code = "EPARSE"
	CodeChecksum    Code = "ECHECKSUM"
	CodeVersion     Code = "EVERSION"
	CodeSignature   Code = "ESIG"
	CodeReplay      Code = "EREPLAY"
	CodeAuth        Code = "EAUTH"
	CodeAuthz       Code = "EAUTHZ"
	CodeSeqRetry    Code = "ESEQ_RETRY"
	CodeWindow      Code = "EWINDOW"
	CodePreempt     Code = "EPREEMPT"
	CodeBusy        Code = "EBUSY"
	CodeIdle        Code = "EIDLE"
	CodeTimeout     Code = "ETIMEOUT"
	CodeScope       Code = "ESCOPE"
	CodeAdapter     Code = "EADAPTER"
	CodeCircuit     Code = "ECIRCUIT"
	CodeFrameTooBig Code = "EFRAMETOOBIG"
	CodeHandshake   Code = "EHANDSHAKE"
	CodeEncode      Code = "EENCODE"
	CodeInternal    Code = "EINTERNAL"
)

// Error is the typed error carried across the core. Fatal errors terminate
// the session with a FIN frame; non-fatal errors are surfaced as ERROR frames
// or typed results.
type Error struct {
	Code          Code          `json:"code"`
	Retryable     bool          `json:"retryable"`
	Message       string        `json:"message"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	RetryAfter    time.Duration `json:"retry_after_ms,omitempty"`
	Fatal         bool          `json:"-"`
	underlying    error
}

func (e *Error) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.underlying)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.underlying
}

// Is allows errors.Is comparisons against the taxonomy singletons.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	return ok && te.Code == e.Code
}

// Taxonomy singletons. Retryable/fatal annotations follow the session
// contract: fatal errors close the session, retryable errors invite the
// caller to retry the request.
var (
	ErrParse       = &Error{Code: CodeParse, Message: "malformed frame", Fatal: true}
	ErrChecksum    = &Error{Code: CodeChecksum, Message: "payload checksum mismatch", Fatal: true}
	ErrVersion     = &Error{Code: CodeVersion, Message: "unsupported protocol version", Fatal: true}
	ErrSignature   = &Error{Code: CodeSignature, Message: "frame signature verification failed", Fatal: true}
	ErrReplay      = &Error{Code: CodeReplay, Message: "duplicate nonce inside anti-replay window"}
	ErrAuth        = &Error{Code: CodeAuth, Message: "identity rejected", Fatal: true}
	ErrAuthz       = &Error{Code: CodeAuthz, Message: "request denied by policy"}
	ErrSeqRetry    = &Error{Code: CodeSeqRetry, Message: "sequence gap, retransmission required", Retryable: true}
	ErrWindow      = &Error{Code: CodeWindow, Message: "triplet window budget exceeded", Retryable: true}
	ErrPreempt     = &Error{Code: CodePreempt, Message: "preempted by higher qos tier", Retryable: true}
	ErrBusy        = &Error{Code: CodeBusy, Message: "queue above high watermark", Retryable: true}
	ErrIdle        = &Error{Code: CodeIdle, Message: "session idle, missed heartbeats", Fatal: true}
	ErrTimeout     = &Error{Code: CodeTimeout, Message: "deadline exceeded", Retryable: true}
	ErrScope       = &Error{Code: CodeScope, Message: "data scope outside tenant allowlist"}
	ErrAdapter     = &Error{Code: CodeAdapter, Message: "no compatible adapter", Retryable: true}
	ErrCircuit     = &Error{Code: CodeCircuit, Message: "adapter circuit breaker open", Retryable: true}
	ErrFrameTooBig = &Error{Code: CodeFrameTooBig, Message: "frame exceeds max_frame_bytes", Fatal: true}
	ErrHandshake   = &Error{Code: CodeHandshake, Message: "no common feature set", Fatal: true}
	ErrEncode      = &Error{Code: CodeEncode, Message: "caller invariant violated on encode"}
	ErrInternal    = &Error{Code: CodeInternal, Message: "internal error", Retryable: true}
)

var byCode = map[Code]*Error{}

func init() {
	for _, e := range []*Error{
		ErrParse, ErrChecksum, ErrVersion, ErrSignature, ErrReplay, ErrAuth,
		ErrAuthz, ErrSeqRetry, ErrWindow, ErrPreempt, ErrBusy, ErrIdle,
		ErrTimeout, ErrScope, ErrAdapter, ErrCircuit, ErrFrameTooBig,
		ErrHandshake, ErrEncode, ErrInternal,
	} {
		byCode[e.Code] = e
	}
}

// ByCode returns the taxonomy singleton for a code, or ErrInternal when the
// code is unknown.
func ByCode(c Code) *Error {
	if e, ok := byCode[c]; ok {
		return e
	}
	return ErrInternal
}

// New returns a copy of the singleton for code with a custom message.
func New(c Code, message string) *Error {
	base := ByCode(c)
	return &Error{
		Code:      base.Code,
		Retryable: base.Retryable,
		Fatal:     base.Fatal,
		Message:   message,
	}
}

// Wrap attaches an underlying cause to a taxonomy code.
func Wrap(err error, c Code, message string) *Error {
	e := New(c, message)
	e.underlying = err
	return e
}

// WithCorrelationID returns a copy carrying the request correlation ID.
func (e *Error) WithCorrelationID(id string) *Error {
	dup := *e
	dup.CorrelationID = id
	return &dup
}

// WithRetryAfter returns a copy carrying a retry hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	dup := *e
	dup.RetryAfter = d
	return &dup
}

// FromError classifies an arbitrary error into the taxonomy. Typed errors
// pass through; everything else maps to EINTERNAL.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Wrap(err, CodeInternal, "internal error")
}

// CodeOf returns the taxonomy code of err, or EINTERNAL for untyped errors.
func CodeOf(err error) Code {
	return FromError(err).Code
}

// IsFatal reports whether err must terminate the session.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return FromError(err).Fatal
}

// IsRetryable reports whether the caller may retry the operation.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return FromError(err).Retryable
}
