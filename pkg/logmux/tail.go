package logmux

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ashish-aesthisia/Comfy-Spaces-sub000/pkg/log"
)

// DefaultPollInterval is how often the polling tailer checks the
// detached process's log file for growth.
const DefaultPollInterval = 500 * time.Millisecond

// AppLinePrefix marks entries republished from the detached process's
// own log so the observer can tell them from pipeline output.
const AppLinePrefix = "[app] "

// Watcher republishes new lines of the detached process's log file
// through the mux until the context is cancelled. It is an interface so
// the polling strategy can be swapped for an event-based one without
// touching the pipeline.
type Watcher interface {
	Run(ctx context.Context) error
}

// follower holds the shared read-new-lines logic used by both watcher
// implementations. It reads non-destructively from a byte offset,
// carries partial lines between reads, and treats a shrinking file as a
// reset.
type follower struct {
	path    string
	prefix  string
	mux     *Mux
	offset  int64
	partial []byte
}

func (f *follower) poll() {
	info, err := os.Stat(f.path)
	if err != nil {
		// Not created yet, or removed; keep waiting.
		return
	}
	if info.Size() < f.offset {
		// File shrank: the writer truncated it. Restart from zero.
		f.offset = 0
		f.partial = nil
	}
	if info.Size() == f.offset {
		return
	}

	file, err := os.Open(f.path)
	if err != nil {
		log.Debug("tail open failed", "path", f.path, "error", err)
		return
	}
	defer file.Close()

	if _, err := file.Seek(f.offset, io.SeekStart); err != nil {
		log.Debug("tail seek failed", "path", f.path, "error", err)
		return
	}
	data, err := io.ReadAll(file)
	if err != nil && len(data) == 0 {
		log.Debug("tail read failed", "path", f.path, "error", err)
		return
	}
	f.offset += int64(len(data))

	data = append(f.partial, data...)
	lines := strings.Split(string(data), "\n")
	// The final element has no trailing newline yet; hold it back.
	f.partial = []byte(lines[len(lines)-1])
	for _, line := range lines[:len(lines)-1] {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, f.prefix) {
			line = f.prefix + line
		}
		f.mux.Print(line)
	}
}

// Tailer is the polling Watcher implementation.
type Tailer struct {
	follower
	interval time.Duration
}

// NewTailer creates a polling tailer for path publishing into mux.
// A non-positive interval falls back to DefaultPollInterval.
func NewTailer(path string, mux *Mux, interval time.Duration) *Tailer {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Tailer{
		follower: follower{path: path, prefix: AppLinePrefix, mux: mux},
		interval: interval,
	}
}

// Run polls until ctx is cancelled. Cancellation is the normal way a
// tail ends and is not reported as an error.
func (t *Tailer) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.poll()
		}
	}
}
