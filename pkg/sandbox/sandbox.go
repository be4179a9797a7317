// Package sandbox provisions the per-workspace Python runtime sandbox
// (a venv) and resolves the package installer inside it.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/ashish-aesthisia/Comfy-Spaces-sub000/pkg/command"
)

const provisionTimeout = 120 * time.Second

// Candidate is one runtime binary to try for sandbox creation.
type Candidate struct {
	Name string
	Args []string // interpreter selector args, before "-m venv"
}

func (c Candidate) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Candidates builds the prioritized runtime list: hint-derived binaries
// first, then platform fallbacks.
func Candidates(versionHint string) []Candidate {
	var out []Candidate
	add := func(c Candidate) {
		for _, have := range out {
			if have.String() == c.String() {
				return
			}
		}
		out = append(out, c)
	}

	if mm := majorMinor(versionHint); mm != "" {
		if runtime.GOOS == "windows" {
			add(Candidate{Name: "py", Args: []string{"-" + mm}})
			add(Candidate{Name: "python" + mm})
		} else {
			add(Candidate{Name: "python" + mm})
		}
	}

	if runtime.GOOS == "windows" {
		add(Candidate{Name: "py", Args: []string{"-3"}})
		add(Candidate{Name: "python"})
		add(Candidate{Name: "python3"})
	} else {
		add(Candidate{Name: "python3"})
		add(Candidate{Name: "python"})
	}
	return out
}

// majorMinor reduces a version hint like "3.11.4" (or "python3.11") to
// "3.11". Returns "" when no usable version is present.
func majorMinor(hint string) string {
	hint = strings.TrimSpace(strings.ToLower(hint))
	hint = strings.TrimPrefix(hint, "python")
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return ""
	}
	parts := strings.Split(hint, ".")
	for _, p := range parts {
		if p == "" {
			return ""
		}
		for _, r := range p {
			if r < '0' || r > '9' {
				return ""
			}
		}
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return parts[0] + "." + parts[1]
}

// PythonPath returns the sandbox's interpreter path.
func PythonPath(venvDir string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(venvDir, "Scripts", "python.exe")
	}
	return filepath.Join(venvDir, "bin", "python")
}

func pipPath(venvDir string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(venvDir, "Scripts", "pip.exe")
	}
	return filepath.Join(venvDir, "bin", "pip")
}

// Installer is the resolved package-installer command for a sandbox:
// either the pip binary itself or the interpreter with "-m pip".
type Installer struct {
	Name string
	Args []string
}

// Command composes a full installer invocation.
func (i Installer) Command(args ...string) (string, []string) {
	return i.Name, append(append([]string{}, i.Args...), args...)
}

// Provisioner creates sandboxes and resolves installers.
type Provisioner struct {
	runner *command.Runner
}

// New creates a provisioner running commands through runner.
func New(runner *command.Runner) *Provisioner {
	return &Provisioner{runner: runner}
}

// Ensure creates the sandbox at venvDir unless it already exists,
// trying each runtime candidate in priority order. Exhausting every
// candidate is fatal for activation and the error names each attempt.
func (p *Provisioner) Ensure(ctx context.Context, venvDir, versionHint string, logf func(format string, args ...interface{})) error {
	if dirExists(venvDir) {
		logf("sandbox already present at %s; skipping creation", venvDir)
		return nil
	}

	var failures []string
	for _, cand := range Candidates(versionHint) {
		logf("creating sandbox with %s", cand)
		code, err := p.runner.Stream(ctx, command.Spec{
			Name:    cand.Name,
			Args:    append(append([]string{}, cand.Args...), "-m", "venv", venvDir),
			Timeout: provisionTimeout,
		}, func(line string) { logf("%s", line) })
		if err == nil && code == 0 {
			logf("sandbox created at %s", venvDir)
			return nil
		}

		reason := fmt.Sprintf("exit code %d", code)
		if err != nil {
			reason = err.Error()
		}
		failures = append(failures, fmt.Sprintf("%s (%s)", cand, reason))
		// A failed attempt can leave a half-built venv behind; clear it
		// so the next candidate starts clean.
		_ = os.RemoveAll(venvDir)
	}
	return fmt.Errorf("unable to create sandbox at %s; tried: %s", venvDir, strings.Join(failures, "; "))
}

// ResolveInstaller finds the package installer for an existing sandbox.
// The pip binary inside the sandbox wins; otherwise the interpreter is
// used with "-m pip", bootstrapping pip via ensurepip first if needed.
func (p *Provisioner) ResolveInstaller(ctx context.Context, venvDir string, logf func(format string, args ...interface{})) (Installer, error) {
	if fileExists(pipPath(venvDir)) {
		return Installer{Name: pipPath(venvDir)}, nil
	}

	python := PythonPath(venvDir)
	if !fileExists(python) {
		return Installer{}, fmt.Errorf("sandbox interpreter missing at %s", python)
	}

	logf("installer binary missing; bootstrapping with ensurepip")
	if code, err := p.runner.Stream(ctx, command.Spec{
		Name:    python,
		Args:    []string{"-m", "ensurepip", "--upgrade"},
		Timeout: provisionTimeout,
	}, func(line string) { logf("%s", line) }); err != nil || code != 0 {
		logf("ensurepip did not complete (exit %d); probing for pip anyway", code)
	}

	if _, err := p.runner.Output(ctx, command.Spec{
		Name:    python,
		Args:    []string{"-m", "pip", "--version"},
		Timeout: provisionTimeout,
	}); err != nil {
		return Installer{}, fmt.Errorf("package installer unavailable in sandbox %s: %w", venvDir, err)
	}

	// ensurepip may have materialized the binary.
	if fileExists(pipPath(venvDir)) {
		return Installer{Name: pipPath(venvDir)}, nil
	}
	return Installer{Name: python, Args: []string{"-m", "pip"}}, nil
}

// ProbeRuntime reports the sandbox interpreter's version string.
func (p *Provisioner) ProbeRuntime(ctx context.Context, venvDir string) (string, error) {
	return p.runner.Output(ctx, command.Spec{
		Name:    PythonPath(venvDir),
		Args:    []string{"--version"},
		Timeout: command.ShortTimeout,
	})
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
