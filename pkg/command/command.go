// Package command executes external tools for the activation pipeline.
// Every child process is exposed as two observable streams: produced
// output lines and process exit. Consumers never register callbacks on
// the process itself; they range over channels.
package command

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ErrTimeout reports that a command was terminated because its timeout
// elapsed before it exited.
var ErrTimeout = errors.New("command timed out")

// Common timeout classes. Network operations (clones, installs) get long
// timeouts; local metadata queries get short ones.
const (
	ShortTimeout = 5 * time.Second
	CloneTimeout = 300 * time.Second
)

// Spec describes one external command invocation.
type Spec struct {
	Name    string
	Args    []string
	Dir     string
	Env     map[string]string // appended to the inherited environment
	Timeout time.Duration     // zero means no timeout
}

// Result holds the terminal state of a finished process.
type Result struct {
	ExitCode int
	Err      error
}

// Process is a started child process. Lines carries each trimmed
// stdout/stderr line as it is produced and is closed when output ends.
// Exited is closed once the process has been reaped; Result is valid
// from that point on.
type Process struct {
	Lines  <-chan string
	Exited <-chan struct{}

	pid    int
	name   string
	result Result
}

// Pid returns the child's process id.
func (p *Process) Pid() int { return p.pid }

// Result blocks until the process has exited and returns its outcome.
func (p *Process) Result() Result {
	<-p.Exited
	return p.result
}

// Kill force-terminates the process and everything in its process group.
func (p *Process) Kill() { killGroup(p.pid) }

// Start launches the command described by spec. The process runs in its
// own process group so that a kill reaches any children it spawned.
// Cancelling ctx (or exceeding spec.Timeout) terminates the group.
func Start(ctx context.Context, spec Spec) (*Process, error) {
	runCtx := ctx
	cancel := func() {}
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
	}

	cmd := exec.Command(spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		env := os.Environ()
		for k, v := range spec.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	setProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe for %s: %w", spec.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		_ = stdout.Close()
		return nil, fmt.Errorf("stderr pipe for %s: %w", spec.Name, err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}

	lines := make(chan string, 64)
	exited := make(chan struct{})
	p := &Process{
		Lines:  lines,
		Exited: exited,
		pid:    cmd.Process.Pid,
		name:   spec.Name,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go scanLines(stdout, lines, &wg)
	go scanLines(stderr, lines, &wg)

	go func() {
		select {
		case <-runCtx.Done():
			killGroup(p.pid)
		case <-exited:
		}
	}()

	go func() {
		wg.Wait()
		close(lines)

		waitErr := cmd.Wait()
		res := Result{ExitCode: -1}
		if cmd.ProcessState != nil {
			res.ExitCode = cmd.ProcessState.ExitCode()
		}
		if waitErr != nil {
			var exitErr *exec.ExitError
			switch {
			case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
				res.Err = fmt.Errorf("%s: %w after %s", spec.Name, ErrTimeout, spec.Timeout)
			case errors.As(waitErr, &exitErr):
				// A non-zero exit is reported through ExitCode, not Err.
			default:
				res.Err = fmt.Errorf("%s: %w", spec.Name, waitErr)
			}
		}
		p.result = res
		cancel()
		close(exited)
	}()

	return p, nil
}

func scanLines(r io.Reader, out chan<- string, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		out <- line
	}
}

// Runner runs commands on behalf of one pipeline run. The Started hook,
// when set, observes every launched process so the owner can track and
// kill it on cancellation.
type Runner struct {
	Started func(p *Process)
}

// Stream runs the command, forwarding each output line to onLine as it
// arrives, and returns the exit code once the process ends. An exit
// code other than zero is not by itself an error.
func (r *Runner) Stream(ctx context.Context, spec Spec, onLine func(string)) (int, error) {
	p, err := Start(ctx, spec)
	if err != nil {
		return -1, err
	}
	if r.Started != nil {
		r.Started(p)
	}
	for line := range p.Lines {
		if onLine != nil {
			onLine(line)
		}
	}
	res := p.Result()
	return res.ExitCode, res.Err
}

// Output runs the command and returns its collected output. Used for
// version probes and metadata queries where streaming adds nothing.
// A non-zero exit is reported as an error carrying the output text.
func (r *Runner) Output(ctx context.Context, spec Spec) (string, error) {
	var b strings.Builder
	code, err := r.Stream(ctx, spec, func(line string) {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	})
	if err != nil {
		return b.String(), err
	}
	if code != 0 {
		return b.String(), fmt.Errorf("%s exited with code %d: %s", spec.Name, code, b.String())
	}
	return b.String(), nil
}

// Launch starts a long-running process detached from the calling
// pipeline: its output is appended to logPath, it gets its own process
// group, and the handle is released so the child survives pipeline
// teardown. Only the pid is returned.
func Launch(spec Spec, logPath string) (int, error) {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open launch log %s: %w", logPath, err)
	}
	defer logFile.Close()

	cmd := exec.Command(spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		env := os.Environ()
		for k, v := range spec.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	setProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("launch %s: %w", spec.Name, err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		return pid, fmt.Errorf("release %s (pid %d): %w", spec.Name, pid, err)
	}
	return pid, nil
}
