// Package logmux combines everything an activation run produces (state
// transitions, command output, tailed lines from the detached app
// process) into one ordered entry stream with two sinks: the connected
// observer and a per-run session log file.
package logmux

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashish-aesthisia/Comfy-Spaces-sub000/pkg/log"
)

// Entry is one log line of an activation run.
type Entry struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink receives entries in production order.
type Sink interface {
	Write(e Entry) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(e Entry) error

func (f SinkFunc) Write(e Entry) error { return f(e) }

// Mux is the single producer sequence for one activation run. Every
// entry is appended to the session log file and pushed to the observer
// sink under one lock, so both sinks see identical ordering.
type Mux struct {
	mu     sync.Mutex
	sink   Sink
	file   *os.File
	closed bool
}

// New creates a Mux writing to the session log at sessionPath. Parent
// directories are created as needed and any previous session log is
// truncated.
func New(sessionPath string, sink Sink) (*Mux, error) {
	if err := os.MkdirAll(filepath.Dir(sessionPath), 0o755); err != nil {
		return nil, fmt.Errorf("create session log dir: %w", err)
	}
	f, err := os.OpenFile(sessionPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open session log %s: %w", sessionPath, err)
	}
	return &Mux{sink: sink, file: f}, nil
}

// Print emits one entry stamped with the current time.
func (m *Mux) Print(msg string) {
	e := Entry{Message: msg, Timestamp: time.Now().UTC()}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if _, err := fmt.Fprintf(m.file, "%s %s\n", e.Timestamp.Format(time.RFC3339), e.Message); err != nil {
		log.Debug("session log write failed", "error", err)
	}
	if m.sink != nil {
		if err := m.sink.Write(e); err != nil {
			log.Debug("observer sink write failed", "error", err)
		}
	}
}

// Printf emits one formatted entry.
func (m *Mux) Printf(format string, args ...interface{}) {
	m.Print(fmt.Sprintf(format, args...))
}

// Close flushes and closes the session log. Further prints are dropped.
func (m *Mux) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.file.Close()
}
