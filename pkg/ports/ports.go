// Package ports reconciles the TCP port a workspace's app process needs
// before launch. A stale listener is terminated and the release
// confirmed by polling; an unreleasable port is advisory, never fatal.
package ports

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/ashish-aesthisia/Comfy-Spaces-sub000/pkg/command"
)

const (
	releaseAttempts = 5
	releaseDelay    = 5 * time.Second
)

// killProcess sends a forceful terminate to one pid. Overridable in
// tests so they never signal real processes.
var killProcess = func(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

// Reconciler probes and frees TCP ports using platform tools.
type Reconciler struct {
	runner *command.Runner
	delay  time.Duration
}

// NewReconciler creates a reconciler running probes through runner.
func NewReconciler(runner *command.Runner) *Reconciler {
	return &Reconciler{runner: runner, delay: releaseDelay}
}

// InUse reports whether any process is listening on the port. Probe
// tool absence or failure is treated as "not in use" rather than an
// error: an unverifiable port must not block activation.
func (r *Reconciler) InUse(ctx context.Context, port int) bool {
	return len(r.ownerPIDs(ctx, port)) > 0
}

func (r *Reconciler) ownerPIDs(ctx context.Context, port int) []int {
	if runtime.GOOS == "windows" {
		out, err := r.runner.Output(ctx, command.Spec{
			Name:    "netstat",
			Args:    []string{"-ano"},
			Timeout: command.ShortTimeout,
		})
		if err != nil {
			return nil
		}
		return parseNetstatPIDs(out, port)
	}

	out, err := r.runner.Output(ctx, command.Spec{
		Name:    "lsof",
		Args:    []string{"-ti", fmt.Sprintf("tcp:%d", port), "-sTCP:LISTEN"},
		Timeout: command.ShortTimeout,
	})
	if err != nil {
		return nil
	}
	return parsePIDList(out)
}

// parsePIDList parses one pid per line, as printed by lsof -t.
func parsePIDList(out string) []int {
	var pids []int
	for _, line := range strings.Split(out, "\n") {
		pid, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}

// parseNetstatPIDs extracts owning pids for the port from `netstat -ano`
// output, considering only listening TCP entries.
func parseNetstatPIDs(out string, port int) []int {
	suffix := ":" + strconv.Itoa(port)
	seen := make(map[int]bool)
	var pids []int
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 || !strings.EqualFold(fields[0], "TCP") {
			continue
		}
		if !strings.HasSuffix(fields[1], suffix) {
			continue
		}
		if !strings.EqualFold(fields[3], "LISTENING") {
			continue
		}
		pid, err := strconv.Atoi(fields[4])
		if err != nil || pid <= 0 || seen[pid] {
			continue
		}
		seen[pid] = true
		pids = append(pids, pid)
	}
	return pids
}

// Release terminates every process holding the port and polls for the
// port to come free. Individual kill failures are tolerated; a port
// still bound after all attempts is logged as a warning and otherwise
// ignored; a pre-existing listener is advisory cleanup, not a reason
// to refuse activation.
func (r *Reconciler) Release(ctx context.Context, port int, logf func(format string, args ...interface{})) {
	pids := r.ownerPIDs(ctx, port)
	if len(pids) == 0 {
		logf("port %d is already free", port)
		return
	}

	for _, pid := range pids {
		if err := killProcess(pid); err != nil {
			logf("could not terminate pid %d on port %d: %v", pid, port, err)
			continue
		}
		logf("terminated pid %d holding port %d", pid, port)
	}

	err := retry.Do(
		func() error {
			if r.InUse(ctx, port) {
				return fmt.Errorf("port %d still bound", port)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(releaseAttempts),
		retry.Delay(r.delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		logf("warning: port %d still bound after %d checks; continuing anyway", port, releaseAttempts)
		return
	}
	logf("port %d released", port)
}
