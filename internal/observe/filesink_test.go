package observe

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/atlasframe/atpd/internal/ports"
)

func TestFileSinkWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "observations.jsonl")
	sink := NewFileSink(path, 1, 1)
	defer sink.Close()

	batch := []ports.Observation{
		{RequestID: "r1", AdapterID: "a", ActualCostMicros: 100, SchemaVersion: ports.ObservationSchemaVersion},
		{RequestID: "r2", AdapterID: "b", Success: true, SchemaVersion: ports.ObservationSchemaVersion},
	}
	if err := sink.Append(context.Background(), batch); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var got []ports.Observation
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var obs ports.Observation
		if err := json.Unmarshal(sc.Bytes(), &obs); err != nil {
			t.Fatalf("line not valid JSON: %v", err)
		}
		got = append(got, obs)
	}
	if len(got) != 2 {
		t.Fatalf("got %d lines, want 2", len(got))
	}
	if got[0].RequestID != "r1" || got[1].RequestID != "r2" {
		t.Errorf("request ids = %s, %s", got[0].RequestID, got[1].RequestID)
	}
	if got[1].SchemaVersion != ports.ObservationSchemaVersion {
		t.Errorf("schema version = %d", got[1].SchemaVersion)
	}
}
