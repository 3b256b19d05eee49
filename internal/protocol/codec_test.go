package protocol

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/atlasframe/atpd/internal/atperr"
)

func sampleFrame() *Frame {
	return &Frame{
		V:         MajorVersion,
		Type:      TypeData,
		SessionID: "sess-1",
		StreamID:  "stream-a",
		MsgSeq:    42,
		FragSeq:   0,
		Flags:     []string{FlagMore},
		QoS:       QoSGold,
		TTL:       5,
		Window:    Window{MaxParallel: 4, MaxTokens: 10_000, MaxUSDMicros: 2_000_000},
		Meta:      Meta{TaskType: "qa", Languages: []string{"en"}, DataScope: []string{"public"}},
		Payload:   MustPayload(PayloadText, TextPayload{Text: "hello"}),
	}
}

func codecs(t *testing.T) []Codec {
	t.Helper()
	return []Codec{
		&JSONCodec{MaxFrameBytes: 1 << 20},
		NewBinaryCodec(1 << 20),
	}
}

func TestRoundTripBothEncodings(t *testing.T) {
	for _, c := range codecs(t) {
		f := sampleFrame()
		if err := Seal(f); err != nil {
			t.Fatalf("%s: seal: %v", c.Name(), err)
		}
		data, err := c.Encode(f)
		if err != nil {
			t.Fatalf("%s: encode: %v", c.Name(), err)
		}
		back, err := c.Decode(data)
		if err != nil {
			t.Fatalf("%s: decode: %v", c.Name(), err)
		}
		if !reflect.DeepEqual(f, back) {
			t.Errorf("%s: round trip mismatch:\n got %+v\nwant %+v", c.Name(), back, f)
		}
	}
}

func TestEncodeDeterministic(t *testing.T) {
	for _, c := range codecs(t) {
		f := sampleFrame()
		if err := Seal(f); err != nil {
			t.Fatal(err)
		}
		a, _ := c.Encode(f)
		b, _ := c.Encode(f)
		if string(a) != string(b) {
			t.Errorf("%s: encoding not deterministic", c.Name())
		}
	}
}

func TestChecksumDetectsBitFlip(t *testing.T) {
	for _, c := range codecs(t) {
		f := sampleFrame()
		if err := Seal(f); err != nil {
			t.Fatal(err)
		}
		data, err := c.Encode(f)
		if err != nil {
			t.Fatal(err)
		}
		// Flip one bit in every byte position in turn; decode must never
		// succeed with different content.
		for i := range data {
			corrupted := make([]byte, len(data))
			copy(corrupted, data)
			corrupted[i] ^= 0x01
			back, err := c.Decode(corrupted)
			if err != nil {
				continue
			}
			if !reflect.DeepEqual(back, f) {
				t.Fatalf("%s: bit flip at %d decoded silently", c.Name(), i)
			}
		}
	}
}

func TestChecksumMismatchCode(t *testing.T) {
	f := sampleFrame()
	if err := Seal(f); err != nil {
		t.Fatal(err)
	}
	f.Checksum = strings.Repeat("0", 64)
	if err := VerifyChecksum(f); !errors.Is(err, atperr.ErrChecksum) {
		t.Errorf("expected ECHECKSUM, got %v", err)
	}
}

func TestDecodeRejectsMajorVersionSkew(t *testing.T) {
	bad := sampleFrame()
	bad.V = 2
	raw, err := json.Marshal(bad)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := (&JSONCodec{}).Decode(raw); atperr.CodeOf(err) != atperr.CodeVersion {
		t.Errorf("expected EVERSION, got %v", err)
	}
}

func TestOversizedFrame(t *testing.T) {
	c := &JSONCodec{MaxFrameBytes: 128}
	f := sampleFrame()
	f.Payload = MustPayload(PayloadText, TextPayload{Text: strings.Repeat("x", 4096)})
	if _, err := c.Encode(f); !errors.Is(err, atperr.ErrFrameTooBig) {
		t.Errorf("expected EFRAMETOOBIG on encode, got %v", err)
	}
}

func TestSignature(t *testing.T) {
	key := []byte("session-key-0123")
	f := sampleFrame()
	if err := Seal(f); err != nil {
		t.Fatal(err)
	}
	if err := Sign(f, key); err != nil {
		t.Fatal(err)
	}
	if err := VerifySignature(f, key); err != nil {
		t.Errorf("valid signature rejected: %v", err)
	}
	if err := VerifySignature(f, []byte("wrong-key")); !errors.Is(err, atperr.ErrSignature) {
		t.Errorf("expected ESIG under wrong key, got %v", err)
	}

	// Signature survives re-encoding across representations.
	data, err := NewBinaryCodec(1 << 20).Encode(f)
	if err != nil {
		t.Fatal(err)
	}
	back, err := NewBinaryCodec(1 << 20).Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifySignature(back, key); err != nil {
		t.Errorf("signature lost across binary round trip: %v", err)
	}
}

func TestDecodeRejectsBadQoS(t *testing.T) {
	bad := sampleFrame()
	bad.QoS = "platinum"
	raw, err := json.Marshal(bad)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := (&JSONCodec{}).Decode(raw); atperr.CodeOf(err) != atperr.CodeParse {
		t.Errorf("expected EPARSE, got %v", err)
	}
}

func TestNegotiateEncoding(t *testing.T) {
	enc, err := NegotiateEncoding([]string{"msgpack", "CBOR", "json"})
	if err != nil {
		t.Fatal(err)
	}
	if enc != EncodingBinary {
		t.Errorf("negotiated %q, want cbor", enc)
	}
	if _, err := NegotiateEncoding([]string{"msgpack"}); atperr.CodeOf(err) != atperr.CodeHandshake {
		t.Errorf("expected EHANDSHAKE, got %v", err)
	}
}
