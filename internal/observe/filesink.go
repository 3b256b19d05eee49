package observe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/atlasframe/atpd/internal/ports"
)

// FileSink appends observations as JSON lines to a rotated file. One line per
// observation keeps the file greppable and loadable by offline analytics.
type FileSink struct {
	mu sync.Mutex
	w  *lumberjack.Logger
}

// NewFileSink writes to path, rotating at maxSizeMB with maxBackups retained.
func NewFileSink(path string, maxSizeMB, maxBackups int) *FileSink {
	if maxSizeMB <= 0 {
		maxSizeMB = 100
	}
	if maxBackups <= 0 {
		maxBackups = 5
	}
	return &FileSink{w: &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}}
}

// Append writes the batch as one buffered write.
func (s *FileSink) Append(_ context.Context, obs []ports.Observation) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range obs {
		if err := enc.Encode(&obs[i]); err != nil {
			return fmt.Errorf("encode observation %s: %w", obs[i].RequestID, err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("append observations: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Close()
}
