package serve

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/ashish-aesthisia/Comfy-Spaces-sub000/pkg/logmux"
)

// StreamWriter writes log entries to a streaming connection as NDJSON,
// one frame per entry, flushed immediately so the observer sees every
// entry as it happens.
type StreamWriter struct {
	mu      sync.Mutex
	enc     *json.Encoder
	flusher interface{ Flush() }
	closed  bool
}

// NewStreamWriter creates a stream writer over w. When w can flush
// (an http.ResponseWriter usually can), every frame is flushed.
func NewStreamWriter(w io.Writer) *StreamWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	sw := &StreamWriter{enc: enc}
	if f, ok := w.(interface{ Flush() }); ok {
		sw.flusher = f
	}
	return sw
}

// Write emits one entry frame. Implements logmux.Sink.
func (sw *StreamWriter) Write(e logmux.Entry) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.closed {
		return fmt.Errorf("stream writer is closed")
	}
	if err := sw.enc.Encode(e); err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
	return nil
}

// Close marks the writer closed; later writes fail.
func (sw *StreamWriter) Close() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.closed = true
	return nil
}
