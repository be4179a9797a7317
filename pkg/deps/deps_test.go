package deps

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashish-aesthisia/Comfy-Spaces-sub000/pkg/command"
	"github.com/ashish-aesthisia/Comfy-Spaces-sub000/pkg/sandbox"
)

func newManager() *Manager { return NewManager(&command.Runner{}) }

// fakeInstaller writes an executable stub and returns it as the
// resolved installer. The stub sees the manager's real argument order:
// "install -r <file> ..." or "list --format=freeze".
func fakeInstaller(t *testing.T, body string) sandbox.Installer {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pip")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return sandbox.Installer{Name: path}
}

func collectf(msgs *[]string) func(string, ...interface{}) {
	return func(format string, args ...interface{}) {
		*msgs = append(*msgs, fmt.Sprintf(format, args...))
	}
}

func TestRelaxConflicts(t *testing.T) {
	tests := []struct {
		name        string
		in          []string
		want        []string
		wantRelaxed []string
	}{
		{
			name:        "pinned conflict package is unpinned",
			in:          []string{"numpy==1.19.0"},
			want:        []string{"numpy"},
			wantRelaxed: []string{"numpy"},
		},
		{
			name:        "range specifiers are stripped too",
			in:          []string{"torch>=2.0,<3.0"},
			want:        []string{"torch"},
			wantRelaxed: []string{"torch"},
		},
		{
			name:        "name matching folds case and underscores",
			in:          []string{"Opencv_Python==4.8.0.74"},
			want:        []string{"Opencv_Python"},
			wantRelaxed: []string{"Opencv_Python"},
		},
		{
			name: "unrelated pins survive",
			in:   []string{"requests==2.31.0", "numpy==1.19.0"},
			want: []string{"requests==2.31.0", "numpy"},
			wantRelaxed: []string{
				"numpy",
			},
		},
		{
			name: "comments and options untouched",
			in:   []string{"# pinned for repro", "-r extra.txt", "torch==2.1.0"},
			want: []string{"# pinned for repro", "-r extra.txt", "torch"},
			wantRelaxed: []string{
				"torch",
			},
		},
		{
			name:        "already bare names report nothing",
			in:          []string{"torch", "pillow"},
			want:        []string{"torch", "pillow"},
			wantRelaxed: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, relaxed := RelaxConflicts(tt.in)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("lines = %v, want %v", got, tt.want)
			}
			if strings.Join(relaxed, "|") != strings.Join(tt.wantRelaxed, "|") {
				t.Errorf("relaxed = %v, want %v", relaxed, tt.wantRelaxed)
			}
		})
	}
}

func TestInstall(t *testing.T) {
	t.Run("empty requirements skip the installer", func(t *testing.T) {
		inst := fakeInstaller(t, "exit 7\n") // would fail if invoked
		var msgs []string
		frozen, err := newManager().Install(context.Background(), inst, nil, collectf(&msgs))
		if err != nil {
			t.Fatalf("Install() failed: %v", err)
		}
		if frozen != nil {
			t.Errorf("frozen = %v, want nil", frozen)
		}
		if len(msgs) != 1 || !strings.Contains(msgs[0], "skipping") {
			t.Errorf("got %v", msgs)
		}
	})

	t.Run("success freezes the environment", func(t *testing.T) {
		inst := fakeInstaller(t, strings.Join([]string{
			`if [ "$1" = "list" ]; then`,
			`  printf 'numpy==1.26.0\nrequests==2.31.0\n'`,
			`  exit 0`,
			`fi`,
			`exit 0`,
		}, "\n")+"\n")

		var msgs []string
		frozen, err := newManager().Install(context.Background(), inst, []string{"numpy==1.26.0"}, collectf(&msgs))
		if err != nil {
			t.Fatalf("Install() failed: %v", err)
		}
		want := []string{"numpy==1.26.0", "requests==2.31.0"}
		if strings.Join(frozen, "|") != strings.Join(want, "|") {
			t.Errorf("frozen = %v, want %v", frozen, want)
		}
	})

	t.Run("conflict failure relaxes pins and retries", func(t *testing.T) {
		state := t.TempDir()
		marker := filepath.Join(state, "attempted")
		capture := filepath.Join(state, "retry-reqs")
		inst := fakeInstaller(t, strings.Join([]string{
			`if [ "$1" = "list" ]; then echo 'numpy==1.26.4'; exit 0; fi`,
			fmt.Sprintf(`if [ ! -f %q ]; then`, marker),
			fmt.Sprintf(`  touch %q`, marker),
			`  echo 'ERROR: cannot install numpy==1.19.0'`,
			`  exit 1`,
			`fi`,
			fmt.Sprintf(`cp "$3" %q`, capture),
			`exit 0`,
		}, "\n")+"\n")

		var msgs []string
		frozen, err := newManager().Install(context.Background(), inst,
			[]string{"numpy==1.19.0", "requests==2.31.0"}, collectf(&msgs))
		if err != nil {
			t.Fatalf("Install() failed: %v", err)
		}
		if len(frozen) != 1 || frozen[0] != "numpy==1.26.4" {
			t.Errorf("frozen = %v", frozen)
		}

		retried, err := os.ReadFile(capture)
		if err != nil {
			t.Fatalf("retry never ran: %v", err)
		}
		if strings.Contains(string(retried), "numpy==") {
			t.Errorf("retry kept the conflicting pin:\n%s", retried)
		}
		if !strings.Contains(string(retried), "requests==2.31.0") {
			t.Errorf("retry lost an unrelated pin:\n%s", retried)
		}

		joined := strings.Join(msgs, "\n")
		if !strings.Contains(joined, "relaxing pinned version of numpy") {
			t.Errorf("relaxation was not reported:\n%s", joined)
		}
	})

	t.Run("cancellation mid-install does not trigger a relax retry", func(t *testing.T) {
		state := t.TempDir()
		invocations := filepath.Join(state, "invocations")
		started := filepath.Join(state, "started")
		inst := fakeInstaller(t, strings.Join([]string{
			fmt.Sprintf(`echo install >> %q`, invocations),
			fmt.Sprintf(`touch %q`, started),
			`sleep 30`,
		}, "\n")+"\n")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			for {
				if _, err := os.Stat(started); err == nil {
					cancel()
					return
				}
				time.Sleep(10 * time.Millisecond)
			}
		}()

		var msgs []string
		_, err := newManager().Install(ctx, inst, []string{"numpy==1.19.0"}, collectf(&msgs))
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Install() error = %v, want context.Canceled", err)
		}

		data, _ := os.ReadFile(invocations)
		if n := strings.Count(string(data), "install"); n != 1 {
			t.Errorf("installer invoked %d times, want 1", n)
		}
		if joined := strings.Join(msgs, "\n"); strings.Contains(joined, "relaxing") {
			t.Errorf("cancelled install reported a relax retry:\n%s", joined)
		}
	})

	t.Run("failure with nothing to relax is fatal", func(t *testing.T) {
		inst := fakeInstaller(t, "echo 'ERROR: no matching distribution'\nexit 1\n")
		var msgs []string
		_, err := newManager().Install(context.Background(), inst, []string{"requests==1.0"}, collectf(&msgs))
		if err == nil {
			t.Fatal("Install() succeeded, want error")
		}
		if !strings.Contains(err.Error(), "no matching distribution") {
			t.Errorf("error lacks installer output: %v", err)
		}
	})

	t.Run("failure after relaxation is fatal", func(t *testing.T) {
		inst := fakeInstaller(t, "echo 'ERROR: still broken'\nexit 1\n")
		var msgs []string
		_, err := newManager().Install(context.Background(), inst, []string{"torch==2.1.0"}, collectf(&msgs))
		if err == nil {
			t.Fatal("Install() succeeded, want error")
		}
		if !strings.Contains(err.Error(), "still broken") {
			t.Errorf("error lacks installer output: %v", err)
		}
	})
}

func TestBackupOnce(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "requirements.txt")
	dst := filepath.Join(dir, "requirements.first.txt")

	t.Run("missing source is a no-op", func(t *testing.T) {
		copied, err := BackupOnce(src, dst)
		if err != nil || copied {
			t.Errorf("BackupOnce() = (%v, %v), want (false, nil)", copied, err)
		}
	})

	t.Run("first call copies", func(t *testing.T) {
		if err := os.WriteFile(src, []byte("numpy==1.19.0\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		copied, err := BackupOnce(src, dst)
		if err != nil || !copied {
			t.Fatalf("BackupOnce() = (%v, %v), want (true, nil)", copied, err)
		}
		data, _ := os.ReadFile(dst)
		if string(data) != "numpy==1.19.0\n" {
			t.Errorf("backup content = %q", data)
		}
	})

	t.Run("existing backup is preserved", func(t *testing.T) {
		if err := os.WriteFile(src, []byte("numpy\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		copied, err := BackupOnce(src, dst)
		if err != nil || copied {
			t.Fatalf("BackupOnce() = (%v, %v), want (false, nil)", copied, err)
		}
		data, _ := os.ReadFile(dst)
		if string(data) != "numpy==1.19.0\n" {
			t.Errorf("backup was overwritten: %q", data)
		}
	})
}
