// Package deps installs a workspace's Python dependencies into its
// sandbox and records the resulting frozen environment.
package deps

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ashish-aesthisia/Comfy-Spaces-sub000/pkg/command"
	"github.com/ashish-aesthisia/Comfy-Spaces-sub000/pkg/sandbox"
)

const (
	installTimeout = 30 * time.Minute
	freezeTimeout  = 60 * time.Second

	// tailLines bounds how much installer output is carried into a
	// failure message.
	tailLines = 64
)

// conflictProne are packages whose exact pins most often collide with
// what the app and its extension modules already require. Their pins
// are the only ones relaxed on an install retry.
var conflictProne = map[string]bool{
	"numpy":         true,
	"torch":         true,
	"torchvision":   true,
	"torchaudio":    true,
	"opencv-python": true,
	"pillow":        true,
}

// Manager drives installer invocations for one sandbox.
type Manager struct {
	runner *command.Runner
}

// NewManager creates a manager running installs through runner.
func NewManager(runner *command.Runner) *Manager {
	return &Manager{runner: runner}
}

// Install installs the requirement lines into the sandbox, retrying
// once with conflict-prone pins relaxed if the first attempt fails. On
// success it returns the frozen environment so callers can persist the
// versions that actually resolved.
func (m *Manager) Install(ctx context.Context, inst sandbox.Installer, reqs []string, logf func(format string, args ...interface{})) ([]string, error) {
	if len(reqs) == 0 {
		logf("no dependencies requested; skipping install")
		return nil, nil
	}

	code, tail, err := m.installOnce(ctx, inst, reqs, logf)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		// A cancelled install also surfaces as a non-zero exit; it must
		// not be mistaken for a conflict and retried.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("dependency install interrupted: %w", ctx.Err())
		}
		relaxed, names := RelaxConflicts(reqs)
		if len(names) == 0 {
			return nil, installError(code, tail)
		}
		for _, name := range names {
			logf("relaxing pinned version of %s and retrying", name)
		}
		code, tail, err = m.installOnce(ctx, inst, relaxed, logf)
		if err != nil {
			return nil, err
		}
		if code != 0 {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("dependency install interrupted: %w", ctx.Err())
			}
			return nil, installError(code, tail)
		}
	}

	return m.Freeze(ctx, inst)
}

func (m *Manager) installOnce(ctx context.Context, inst sandbox.Installer, reqs []string, logf func(format string, args ...interface{})) (int, []string, error) {
	reqFile, err := writeTempRequirements(reqs)
	if err != nil {
		return 0, nil, err
	}
	defer os.Remove(reqFile)

	var tail []string
	name, args := inst.Command("install", "-r", reqFile, "--upgrade-strategy", "only-if-needed")
	code, err := m.runner.Stream(ctx, command.Spec{
		Name:    name,
		Args:    args,
		Timeout: installTimeout,
	}, func(line string) {
		logf("%s", line)
		tail = append(tail, line)
		if len(tail) > tailLines {
			tail = tail[1:]
		}
	})
	if err != nil {
		return 0, nil, fmt.Errorf("run installer: %w", err)
	}
	return code, tail, nil
}

func installError(code int, tail []string) error {
	return fmt.Errorf("dependency install failed (exit %d):\n%s", code, strings.Join(tail, "\n"))
}

// Freeze reports the sandbox's installed packages in requirements
// format, one "name==version" per line.
func (m *Manager) Freeze(ctx context.Context, inst sandbox.Installer) ([]string, error) {
	name, args := inst.Command("list", "--format=freeze")
	out, err := m.runner.Output(ctx, command.Spec{
		Name:    name,
		Args:    args,
		Timeout: freezeTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("freeze environment: %w", err)
	}

	var lines []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// RelaxConflicts strips version specifiers from conflict-prone
// requirement lines, leaving every other line untouched. It returns the
// rewritten lines and the package names that were relaxed.
func RelaxConflicts(reqs []string) ([]string, []string) {
	out := make([]string, len(reqs))
	var relaxed []string
	for i, line := range reqs {
		out[i] = line
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "-") {
			continue
		}
		name := requirementName(trimmed)
		if name == trimmed || !conflictProne[normalizeName(name)] {
			continue
		}
		out[i] = name
		relaxed = append(relaxed, name)
	}
	return out, relaxed
}

// requirementName extracts the bare package name from a requirement
// line, cutting at the first specifier, extras bracket, or marker.
func requirementName(line string) string {
	if i := strings.IndexAny(line, "=<>!~[; \t"); i >= 0 {
		return line[:i]
	}
	return line
}

// normalizeName lowercases and folds underscores so "Opencv_Python"
// matches "opencv-python".
func normalizeName(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "_", "-")
}

// BackupOnce copies src to dst unless dst already exists, preserving
// the very first requirements the workspace was activated with. It
// reports whether a copy happened.
func BackupOnce(src, dst string) (bool, error) {
	if _, err := os.Stat(dst); err == nil {
		return false, nil
	}
	in, err := os.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return false, err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return false, err
	}
	return true, out.Close()
}

func writeTempRequirements(reqs []string) (string, error) {
	f, err := os.CreateTemp("", "requirements-*.txt")
	if err != nil {
		return "", fmt.Errorf("create requirements file: %w", err)
	}
	if _, err := f.WriteString(strings.Join(reqs, "\n") + "\n"); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write requirements file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
