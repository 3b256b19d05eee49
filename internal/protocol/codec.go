package protocol

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"

	"github.com/atlasframe/atpd/internal/atperr"
)

// Encoding names negotiated in the handshake.
const (
	EncodingJSON   = "json"
	EncodingBinary = "cbor"
)

// Codec transforms frames to and from wire bytes.
type Codec interface {
	Name() string
	Encode(f *Frame) ([]byte, error)
	Decode(data []byte) (*Frame, error)
}

// ForEncoding returns the codec for a negotiated encoding name.
func ForEncoding(name string, maxFrameBytes int) (Codec, error) {
	switch name {
	case EncodingJSON:
		return &JSONCodec{MaxFrameBytes: maxFrameBytes}, nil
	case EncodingBinary:
		return NewBinaryCodec(maxFrameBytes), nil
	default:
		return nil, atperr.New(atperr.CodeHandshake, fmt.Sprintf("unknown encoding %q", name))
	}
}

func errMissing(field string) error {
	return atperr.New(atperr.CodeParse, "missing field "+field)
}

func errField(field string, v any) error {
	return atperr.New(atperr.CodeParse, fmt.Sprintf("invalid %s: %v", field, v))
}

// CanonicalBytes returns the canonical JSON encoding of the frame with the
// checksum and sig fields removed and all object keys sorted
// lexicographically. Checksums and signatures for BOTH encodings are computed
// over these bytes, so a frame re-encoded across representations keeps its
// signature. The key order is pinned here and documented as the interop
// contract.
func CanonicalBytes(f *Frame) ([]byte, error) {
	structBytes, err := json.Marshal(f)
	if err != nil {
		return nil, atperr.Wrap(err, atperr.CodeEncode, "canonicalize frame")
	}
	// Round-trip through a map so json.Marshal sorts the keys. UseNumber keeps
	// 64-bit sequence numbers and budgets exact.
	dec := json.NewDecoder(bytes.NewReader(structBytes))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, atperr.Wrap(err, atperr.CodeEncode, "canonicalize frame")
	}
	delete(m, "checksum")
	delete(m, "sig")
	out, err := json.Marshal(m)
	if err != nil {
		return nil, atperr.Wrap(err, atperr.CodeEncode, "canonicalize frame")
	}
	return out, nil
}

// ComputeChecksum returns the SHA-256 hex digest over the canonical bytes.
func ComputeChecksum(f *Frame) (string, error) {
	canonical, err := CanonicalBytes(f)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Seal computes and sets the frame checksum. Call after the payload is final.
func Seal(f *Frame) error {
	sum, err := ComputeChecksum(f)
	if err != nil {
		return err
	}
	f.Checksum = sum
	return nil
}

// VerifyChecksum recomputes the checksum and compares.
func VerifyChecksum(f *Frame) error {
	if f.Checksum == "" {
		return atperr.New(atperr.CodeChecksum, "frame carries no checksum")
	}
	sum, err := ComputeChecksum(f)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(sum), []byte(f.Checksum)) {
		return atperr.ErrChecksum
	}
	return nil
}

// Sign sets the frame signature: HMAC-SHA256 hex over the canonical bytes
// under the session key. Sign after Seal so the checksum is covered.
func Sign(f *Frame, key []byte) error {
	canonical, err := CanonicalBytes(f)
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(canonical)
	f.Sig = hex.EncodeToString(mac.Sum(nil))
	return nil
}

// VerifySignature checks the frame signature under the session key.
func VerifySignature(f *Frame, key []byte) error {
	if f.Sig == "" {
		return atperr.New(atperr.CodeSignature, "frame carries no signature")
	}
	canonical, err := CanonicalBytes(f)
	if err != nil {
		return err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(canonical)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(f.Sig)) {
		return atperr.ErrSignature
	}
	return nil
}

// JSONCodec is the UTF-8 text representation.
type JSONCodec struct {
	MaxFrameBytes int
}

func (c *JSONCodec) Name() string { return EncodingJSON }

func (c *JSONCodec) Encode(f *Frame) ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, atperr.Wrap(err, atperr.CodeEncode, "frame invariant violated")
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, atperr.Wrap(err, atperr.CodeEncode, "marshal frame")
	}
	if c.MaxFrameBytes > 0 && len(data) > c.MaxFrameBytes {
		return nil, atperr.ErrFrameTooBig
	}
	return data, nil
}

func (c *JSONCodec) Decode(data []byte) (*Frame, error) {
	if c.MaxFrameBytes > 0 && len(data) > c.MaxFrameBytes {
		return nil, atperr.ErrFrameTooBig
	}
	var f Frame
	// Unknown fields are ignored: minor-version skew is tolerated, the major
	// version is checked explicitly below.
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, atperr.Wrap(err, atperr.CodeParse, "unmarshal frame")
	}
	return checkDecoded(&f)
}

// BinaryCodec is the deterministic binary representation: an 8-byte
// big-endian xxhash64 of the CBOR body, then the body in CBOR Core
// Deterministic Encoding. The hash fails fast on corruption without a full
// decode; the SHA-256 checksum field remains the cross-encoding contract.
type BinaryCodec struct {
	MaxFrameBytes int
	encMode       cbor.EncMode
	decMode       cbor.DecMode
}

// NewBinaryCodec builds a binary codec with canonical encoder options.
func NewBinaryCodec(maxFrameBytes int) *BinaryCodec {
	encMode, _ := cbor.CanonicalEncOptions().EncMode()
	decMode, _ := cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorNone, // ignore unknown fields on minor skew
	}.DecMode()
	return &BinaryCodec{MaxFrameBytes: maxFrameBytes, encMode: encMode, decMode: decMode}
}

func (c *BinaryCodec) Name() string { return EncodingBinary }

func (c *BinaryCodec) Encode(f *Frame) ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, atperr.Wrap(err, atperr.CodeEncode, "frame invariant violated")
	}
	body, err := c.encMode.Marshal(f)
	if err != nil {
		return nil, atperr.Wrap(err, atperr.CodeEncode, "marshal frame")
	}
	out := make([]byte, 8+len(body))
	binary.BigEndian.PutUint64(out[:8], xxhash.Sum64(body))
	copy(out[8:], body)
	if c.MaxFrameBytes > 0 && len(out) > c.MaxFrameBytes {
		return nil, atperr.ErrFrameTooBig
	}
	return out, nil
}

func (c *BinaryCodec) Decode(data []byte) (*Frame, error) {
	if c.MaxFrameBytes > 0 && len(data) > c.MaxFrameBytes {
		return nil, atperr.ErrFrameTooBig
	}
	if len(data) < 9 {
		return nil, atperr.New(atperr.CodeParse, "binary frame too short")
	}
	want := binary.BigEndian.Uint64(data[:8])
	body := data[8:]
	if xxhash.Sum64(body) != want {
		return nil, atperr.ErrChecksum
	}
	var f Frame
	if err := c.decMode.Unmarshal(body, &f); err != nil {
		return nil, atperr.Wrap(err, atperr.CodeParse, "unmarshal frame")
	}
	return checkDecoded(&f)
}

// checkDecoded applies the decode-side invariants shared by both codecs.
func checkDecoded(f *Frame) (*Frame, error) {
	if f.V != MajorVersion {
		return nil, atperr.New(atperr.CodeVersion, fmt.Sprintf("unsupported major version %d", f.V))
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	if f.Checksum != "" {
		if err := VerifyChecksum(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// NegotiateEncoding picks the first mutually supported encoding from the
// client's preference list.
func NegotiateEncoding(offered []string) (string, error) {
	for _, enc := range offered {
		switch strings.ToLower(enc) {
		case EncodingJSON, EncodingBinary:
			return strings.ToLower(enc), nil
		}
	}
	return "", atperr.New(atperr.CodeHandshake, "no common encoding")
}
