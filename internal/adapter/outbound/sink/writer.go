package sink

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/Sentinel-Gate/posguard/internal/domain/securitylog"
)

// WriterSink writes each event as one JSON line. Useful for development and
// for shipping events through a log collector.
type WriterSink struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

// NewStdoutSink writes to standard output.
func NewStdoutSink() *WriterSink {
	return NewWriterSink(os.Stdout)
}

// NewWriterSink writes to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{encoder: json.NewEncoder(w)}
}

// Send writes ev.
func (s *WriterSink) Send(_ context.Context, ev securitylog.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encoder.Encode(ev)
}

var _ securitylog.Sink = (*WriterSink)(nil)
