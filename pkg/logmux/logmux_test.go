package logmux

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// collectSink records entries in arrival order.
type collectSink struct {
	mu      sync.Mutex
	entries []Entry
}

func (c *collectSink) Write(e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
	return nil
}

func (c *collectSink) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.Message
	}
	return out
}

func TestMux(t *testing.T) {
	t.Run("observer and file see identical order", func(t *testing.T) {
		dir := t.TempDir()
		sink := &collectSink{}
		mux, err := New(filepath.Join(dir, "session.log"), sink)
		if err != nil {
			t.Fatalf("New() failed: %v", err)
		}
		defer mux.Close()

		mux.Print("first")
		mux.Print("second")
		mux.Printf("third %d", 3)

		got := sink.messages()
		want := []string{"first", "second", "third 3"}
		if len(got) != len(want) {
			t.Fatalf("sink got %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("sink entry %d = %q, want %q", i, got[i], want[i])
			}
		}

		mux.Close()
		data, err := os.ReadFile(filepath.Join(dir, "session.log"))
		if err != nil {
			t.Fatalf("read session log: %v", err)
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		if len(lines) != 3 {
			t.Fatalf("session log has %d lines, want 3: %q", len(lines), string(data))
		}
		for i, line := range lines {
			if !strings.HasSuffix(line, want[i]) {
				t.Errorf("session line %d = %q, want suffix %q", i, line, want[i])
			}
			// Each line is timestamp-prefixed.
			if !strings.Contains(line, "T") || !strings.Contains(line, " ") {
				t.Errorf("session line %d = %q is not timestamp-prefixed", i, line)
			}
		}
	})

	t.Run("creates parent directories", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "logs", "deep", "session.log")
		mux, err := New(path, nil)
		if err != nil {
			t.Fatalf("New() failed: %v", err)
		}
		defer mux.Close()
		if _, err := os.Stat(path); err != nil {
			t.Errorf("session log was not created: %v", err)
		}
	})

	t.Run("truncates previous session log", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "session.log")
		if err := os.WriteFile(path, []byte("stale content\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		mux, err := New(path, nil)
		if err != nil {
			t.Fatalf("New() failed: %v", err)
		}
		mux.Print("fresh")
		mux.Close()

		data, _ := os.ReadFile(path)
		if strings.Contains(string(data), "stale") {
			t.Errorf("previous run's content survived: %q", string(data))
		}
	})

	t.Run("print after close is dropped", func(t *testing.T) {
		dir := t.TempDir()
		sink := &collectSink{}
		mux, err := New(filepath.Join(dir, "session.log"), sink)
		if err != nil {
			t.Fatalf("New() failed: %v", err)
		}
		mux.Close()
		mux.Print("ignored")
		if len(sink.messages()) != 0 {
			t.Error("entry emitted after Close()")
		}
	})
}

func TestTailer(t *testing.T) {
	newFixture := func(t *testing.T) (string, *collectSink, *Tailer) {
		dir := t.TempDir()
		appLog := filepath.Join(dir, "app.log")
		sink := &collectSink{}
		mux, err := New(filepath.Join(dir, "session.log"), sink)
		if err != nil {
			t.Fatalf("New() failed: %v", err)
		}
		t.Cleanup(func() { mux.Close() })
		return appLog, sink, NewTailer(appLog, mux, 0)
	}

	appendFile := func(t *testing.T, path, content string) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()
		if _, err := f.WriteString(content); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("new lines are tagged and published once", func(t *testing.T) {
		appLog, sink, tailer := newFixture(t)

		appendFile(t, appLog, "starting up\nlistening\n")
		tailer.poll()
		tailer.poll() // no growth: nothing new

		got := sink.messages()
		want := []string{AppLinePrefix + "starting up", AppLinePrefix + "listening"}
		if len(got) != len(want) {
			t.Fatalf("got %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("entry %d = %q, want %q", i, got[i], want[i])
			}
		}
	})

	t.Run("already tagged lines are not double-tagged", func(t *testing.T) {
		appLog, sink, tailer := newFixture(t)
		appendFile(t, appLog, AppLinePrefix+"tagged already\n")
		tailer.poll()

		got := sink.messages()
		if len(got) != 1 || got[0] != AppLinePrefix+"tagged already" {
			t.Errorf("got %v", got)
		}
	})

	t.Run("partial lines wait for their newline", func(t *testing.T) {
		appLog, sink, tailer := newFixture(t)
		appendFile(t, appLog, "incomp")
		tailer.poll()
		if n := len(sink.messages()); n != 0 {
			t.Fatalf("partial line emitted early: %v", sink.messages())
		}
		appendFile(t, appLog, "lete\n")
		tailer.poll()
		got := sink.messages()
		if len(got) != 1 || got[0] != AppLinePrefix+"incomplete" {
			t.Errorf("got %v, want one joined line", got)
		}
	})

	t.Run("truncation resets the baseline", func(t *testing.T) {
		appLog, sink, tailer := newFixture(t)
		appendFile(t, appLog, "old one\nold two\n")
		tailer.poll()

		// Writer truncated its own log and started over.
		if err := os.WriteFile(appLog, []byte("new one\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		tailer.poll()

		got := sink.messages()
		want := []string{
			AppLinePrefix + "old one",
			AppLinePrefix + "old two",
			AppLinePrefix + "new one",
		}
		if len(got) != len(want) {
			t.Fatalf("got %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("entry %d = %q, want %q", i, got[i], want[i])
			}
		}
	})

	t.Run("missing file is not an error", func(t *testing.T) {
		_, sink, tailer := newFixture(t)
		tailer.poll()
		if len(sink.messages()) != 0 {
			t.Errorf("got %v for absent file", sink.messages())
		}
	})
}

func TestNotifyWatcher(t *testing.T) {
	newFixture := func(t *testing.T) (string, *collectSink, func()) {
		dir := t.TempDir()
		appLog := filepath.Join(dir, "app.log")
		sink := &collectSink{}
		mux, err := New(filepath.Join(dir, "session.log"), sink)
		if err != nil {
			t.Fatalf("New() failed: %v", err)
		}
		t.Cleanup(func() { mux.Close() })

		w := NewNotifyWatcher(appLog, mux)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- w.Run(ctx) }()
		stop := func() {
			cancel()
			if err := <-done; err != nil {
				t.Errorf("Run() failed: %v", err)
			}
		}
		return appLog, sink, stop
	}

	appendFile := func(t *testing.T, path, content string) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			t.Fatal(err)
		}
		defer f.Close()
		if _, err := f.WriteString(content); err != nil {
			t.Fatal(err)
		}
	}

	waitFor := func(t *testing.T, sink *collectSink, n int) []string {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if got := sink.messages(); len(got) >= n {
				return got
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatalf("timed out waiting for %d entries, have %v", n, sink.messages())
		return nil
	}

	t.Run("new lines are tagged and published", func(t *testing.T) {
		appLog, sink, stop := newFixture(t)
		defer stop()

		appendFile(t, appLog, "starting up\nlistening\n")
		got := waitFor(t, sink, 2)
		want := []string{AppLinePrefix + "starting up", AppLinePrefix + "listening"}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("entry %d = %q, want %q", i, got[i], want[i])
			}
		}
	})

	t.Run("content written before the watch starts is caught up", func(t *testing.T) {
		dir := t.TempDir()
		appLog := filepath.Join(dir, "app.log")
		appendFile(t, appLog, "early line\n")

		sink := &collectSink{}
		mux, err := New(filepath.Join(dir, "session.log"), sink)
		if err != nil {
			t.Fatalf("New() failed: %v", err)
		}
		defer mux.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- NewNotifyWatcher(appLog, mux).Run(ctx) }()

		got := waitFor(t, sink, 1)
		if got[0] != AppLinePrefix+"early line" {
			t.Errorf("got %v", got)
		}
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run() failed: %v", err)
		}
	})

	t.Run("truncation resets the baseline", func(t *testing.T) {
		appLog, sink, stop := newFixture(t)
		defer stop()

		appendFile(t, appLog, "old one\nold two\n")
		waitFor(t, sink, 2)

		// Writer truncated its own log and started over.
		if err := os.WriteFile(appLog, []byte("new one\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		got := waitFor(t, sink, 3)
		if got[2] != AppLinePrefix+"new one" {
			t.Errorf("entry after truncation = %q", got[2])
		}
	})
}
