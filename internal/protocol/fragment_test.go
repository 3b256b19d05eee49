package protocol

import (
	"strings"
	"testing"
)

func TestFragmentSingleFrame(t *testing.T) {
	frames, err := FragmentText(sampleFrame(), "short", 800)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].HasFlag(FlagMore) {
		t.Error("single fragment must not carry MORE")
	}
	if frames[0].Checksum == "" {
		t.Error("fragment not sealed")
	}
}

func TestFragmentAndReassemble(t *testing.T) {
	text := strings.Repeat("a", 2050)
	frames, err := FragmentText(sampleFrame(), text, 800)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) < 3 {
		t.Fatalf("expected >= 3 fragments, got %d", len(frames))
	}
	for i, f := range frames {
		if i < len(frames)-1 && !f.HasFlag(FlagMore) {
			t.Errorf("fragment %d missing MORE", i)
		}
		if i == len(frames)-1 && f.HasFlag(FlagMore) {
			t.Error("terminal fragment carries MORE")
		}
		if err := VerifyChecksum(f); err != nil {
			t.Errorf("fragment %d checksum: %v", i, err)
		}
	}

	got, ok := ReassembleText(frames)
	if !ok {
		t.Fatal("reassembly failed")
	}
	if got != text {
		t.Errorf("reassembled text differs: len %d vs %d", len(got), len(text))
	}
}

func TestReassembleRejectsGap(t *testing.T) {
	text := strings.Repeat("b", 1500)
	frames, err := FragmentText(sampleFrame(), text, 600)
	if err != nil {
		t.Fatal(err)
	}
	gapped := append([]*Frame{frames[0]}, frames[2:]...)
	if _, ok := ReassembleText(gapped); ok {
		t.Error("gap not detected")
	}
}

func TestReassembleRejectsMissingMoreFlag(t *testing.T) {
	text := strings.Repeat("c", 1700)
	frames, err := FragmentText(sampleFrame(), text, 500)
	if err != nil {
		t.Fatal(err)
	}
	frames[1].RemoveFlag(FlagMore)
	if _, ok := ReassembleText(frames); ok {
		t.Error("mid-message terminal flag not detected")
	}
}
