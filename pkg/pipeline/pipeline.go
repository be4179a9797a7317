// Package pipeline drives workspace activation: a strict sequence of
// states that reconciles the app port, provisions the sandbox, installs
// dependencies, materializes checkouts, launches the app process and
// tails its log. Every state transition is announced on the log
// multiplexer; cancellation is honored between states and terminates
// any process the run still owns.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashish-aesthisia/Comfy-Spaces-sub000/pkg/command"
	"github.com/ashish-aesthisia/Comfy-Spaces-sub000/pkg/deps"
	"github.com/ashish-aesthisia/Comfy-Spaces-sub000/pkg/git"
	"github.com/ashish-aesthisia/Comfy-Spaces-sub000/pkg/log"
	"github.com/ashish-aesthisia/Comfy-Spaces-sub000/pkg/logmux"
	"github.com/ashish-aesthisia/Comfy-Spaces-sub000/pkg/ports"
	"github.com/ashish-aesthisia/Comfy-Spaces-sub000/pkg/sandbox"
	"github.com/ashish-aesthisia/Comfy-Spaces-sub000/pkg/scan"
	"github.com/ashish-aesthisia/Comfy-Spaces-sub000/pkg/workspace"
)

// ErrCancelled reports an activation stopped by its caller, not by a
// failure.
var ErrCancelled = errors.New("activation cancelled")

// State names one pipeline phase, in the order they run.
type State string

const (
	StatePortCheck        State = "PortCheck"
	StatePortClear        State = "PortClear"
	StateSandboxEnsure    State = "SandboxEnsure"
	StateRuntimeProbe     State = "RuntimeProbe"
	StateDependencies     State = "DependencyInstall"
	StateRequirementsBack State = "RequirementsBackup"
	StateRepositoryClone  State = "RepositoryClone"
	StateModulesClone     State = "ExtensionModulesClone"
	StateMetadataSync     State = "ExtensionMetadataSync"
	StateProcessLaunch    State = "ProcessLaunch"
	StateLogTail          State = "LogTail"
)

// Options configures a pipeline.
type Options struct {
	// AppRepo is the application source repository URL.
	AppRepo string
	// AppPort is the port used when the workspace metadata names none.
	AppPort int
	// PollInterval is the app-log tail cadence; zero uses the default.
	PollInterval time.Duration
	// NewWatcher overrides the app-log watcher; nil uses the polling
	// tailer.
	NewWatcher func(path string, mux *logmux.Mux) logmux.Watcher
}

// Pipeline activates workspaces. Safe for concurrent use across
// distinct workspaces; the caller serializes runs for the same id.
type Pipeline struct {
	opts Options
}

// New creates a pipeline.
func New(opts Options) *Pipeline {
	return &Pipeline{opts: opts}
}

// run carries the per-activation collaborators.
type run struct {
	id      string
	appRepo string
	ws      *workspace.Workspace
	mux     *logmux.Mux
	procs   *processSet

	runner  *command.Runner
	ports   *ports.Reconciler
	sandbox *sandbox.Provisioner
	deps    *deps.Manager
	git     *git.Client

	port int
}

// Run activates the workspace, streaming ordered entries into sink
// until it fails or ctx is cancelled. Cancellation is also how a
// successful activation's indefinite log tail ends.
func (p *Pipeline) Run(ctx context.Context, ws *workspace.Workspace, sink logmux.Sink) error {
	mux, err := logmux.New(ws.SessionLogFile(), sink)
	if err != nil {
		return fmt.Errorf("open session log: %w", err)
	}
	defer mux.Close()

	r := &run{
		id:      uuid.NewString(),
		appRepo: p.opts.AppRepo,
		ws:      ws,
		mux:     mux,
		procs:   newProcessSet(),
		port:    p.opts.AppPort,
	}
	if ws.Doc.Meta.Port != 0 {
		r.port = ws.Doc.Meta.Port
	}
	r.runner = &command.Runner{Started: r.procs.add}
	r.ports = ports.NewReconciler(r.runner)
	r.sandbox = sandbox.New(r.runner)
	r.deps = deps.NewManager(r.runner)
	r.git = git.NewClient(r.runner)
	defer r.procs.killAll()

	log.Info("activation started", "workspace", ws.ID, "run", r.id)
	mux.Printf("activating workspace %s (run %s)", ws.ID, r.id)

	steps := []struct {
		state State
		fn    func(context.Context) error
	}{
		{StatePortCheck, r.portCheck},
		{StateSandboxEnsure, r.sandboxEnsure},
		{StateRuntimeProbe, r.runtimeProbe},
		{StateDependencies, r.dependencyInstall},
		{StateRequirementsBack, r.requirementsBackup},
		{StateRepositoryClone, r.repositoryClone},
		{StateModulesClone, r.modulesClone},
		{StateMetadataSync, r.metadataSync},
		{StateProcessLaunch, p.processLaunch(r)},
		{StateLogTail, p.logTail(r)},
	}

	for _, s := range steps {
		if ctx.Err() != nil {
			mux.Printf("activation cancelled")
			log.Info("activation cancelled", "workspace", ws.ID, "run", r.id)
			return ErrCancelled
		}
		mux.Printf("-- %s", s.state)
		if err := s.fn(ctx); err != nil {
			if errors.Is(err, ErrCancelled) || ctx.Err() != nil {
				mux.Printf("activation cancelled")
				log.Info("activation cancelled", "workspace", ws.ID, "run", r.id)
				return ErrCancelled
			}
			mux.Printf("activation failed: %v", err)
			log.Warn("activation failed", "workspace", ws.ID, "run", r.id, "error", err)
			return err
		}
	}
	return nil
}

func (r *run) portCheck(ctx context.Context) error {
	if !r.ports.InUse(ctx, r.port) {
		r.mux.Printf("port %d is free", r.port)
		return nil
	}
	// PortClear is its own state but only ever runs conditionally.
	r.mux.Printf("port %d is in use", r.port)
	r.mux.Printf("-- %s", StatePortClear)
	r.ports.Release(ctx, r.port, r.mux.Printf)
	return nil
}

func (r *run) sandboxEnsure(ctx context.Context) error {
	return r.sandbox.Ensure(ctx, r.ws.VenvDir(), r.ws.Doc.Meta.PythonVersion, r.mux.Printf)
}

func (r *run) runtimeProbe(ctx context.Context) error {
	version, err := r.sandbox.ProbeRuntime(ctx, r.ws.VenvDir())
	if err != nil {
		return fmt.Errorf("probe sandbox runtime: %w", err)
	}
	r.mux.Printf("sandbox runtime: %s", version)
	return nil
}

func (r *run) dependencyInstall(ctx context.Context) error {
	inst, err := r.sandbox.ResolveInstaller(ctx, r.ws.VenvDir(), r.mux.Printf)
	if err != nil {
		return err
	}

	frozen, err := r.deps.Install(ctx, inst, r.ws.Doc.Dependencies, r.mux.Printf)
	if err != nil {
		return err
	}
	if frozen == nil {
		return nil
	}

	// The installed set is the source of truth from here on.
	content := strings.Join(frozen, "\n") + "\n"
	if err := os.WriteFile(r.ws.RequirementsFile(), []byte(content), 0o644); err != nil {
		return fmt.Errorf("persist resolved dependencies: %w", err)
	}
	r.ws.Doc.Dependencies = frozen
	if err := r.ws.Save(); err != nil {
		return fmt.Errorf("persist workspace metadata: %w", err)
	}
	r.mux.Printf("resolved %d dependencies", len(frozen))
	return nil
}

func (r *run) requirementsBackup(ctx context.Context) error {
	copied, err := deps.BackupOnce(r.ws.RequirementsFile(), r.ws.RequirementsBackupFile())
	if err != nil {
		r.mux.Printf("warning: could not back up dependency set: %v", err)
		return nil
	}
	if copied {
		r.mux.Printf("first-run dependency set backed up")
	} else {
		r.mux.Printf("dependency backup already present; skipping")
	}
	return nil
}

func (r *run) repositoryClone(ctx context.Context) error {
	policy := git.RefPolicy{
		Tag:    r.ws.Doc.Meta.Tag,
		Commit: r.ws.Doc.Meta.Commit,
		Branch: r.ws.Doc.Meta.Branch,
	}
	if err := r.git.Materialize(ctx, r.appRepo, r.ws.AppDir(), policy, r.mux.Printf); err != nil {
		// The checkout may already be usable from an earlier run.
		r.mux.Printf("warning: repository clone failed: %v", err)
	}
	return nil
}

func (r *run) modulesClone(ctx context.Context) error {
	failed := r.git.CloneModules(ctx, r.ws.ModulesDir(), r.ws.Doc.Modules, r.mux.Printf)
	if len(failed) > 0 {
		r.mux.Printf("warning: %d module(s) failed to clone: %s", len(failed), strings.Join(failed, ", "))
	}

	for _, m := range r.ws.Doc.Modules {
		if m.Disabled || m.Name == "" {
			continue
		}
		for _, rep := range scan.ScanModule(filepath.Join(r.ws.ModulesDir(), m.Name)) {
			if rep.Secure {
				continue
			}
			for _, issue := range rep.Issues {
				if issue.Severity == scan.Low {
					continue
				}
				r.mux.Printf("warning: module %s: [%s] %s", m.Name, issue.Severity, issue.Detail)
			}
		}
	}
	return nil
}

func (r *run) metadataSync(ctx context.Context) error {
	r.git.SyncMetadata(ctx, r.ws.ModulesDir(), &r.ws.Doc, r.mux.Printf)
	if err := r.ws.Save(); err != nil {
		r.mux.Printf("warning: could not persist module metadata: %v", err)
	} else {
		r.mux.Printf("module metadata synced")
	}
	return nil
}

func (p *Pipeline) processLaunch(r *run) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := os.MkdirAll(filepath.Dir(r.ws.AppLogFile()), 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		// Fresh app log per activation; the tail must not replay an
		// earlier run.
		if err := os.WriteFile(r.ws.AppLogFile(), nil, 0o644); err != nil {
			return fmt.Errorf("truncate app log: %w", err)
		}

		pid, err := command.Launch(command.Spec{
			Name: sandbox.PythonPath(r.ws.VenvDir()),
			Args: []string{"main.py", "--port", strconv.Itoa(r.port)},
			Dir:  r.ws.AppDir(),
		}, r.ws.AppLogFile())
		if err != nil {
			return fmt.Errorf("launch app process: %w", err)
		}
		r.mux.Printf("app process launched (pid %d, port %d)", pid, r.port)
		return nil
	}
}

func (p *Pipeline) logTail(r *run) func(context.Context) error {
	return func(ctx context.Context) error {
		r.mux.Printf("tailing app log %s", r.ws.AppLogFile())
		var w logmux.Watcher
		if p.opts.NewWatcher != nil {
			w = p.opts.NewWatcher(r.ws.AppLogFile(), r.mux)
		} else {
			w = logmux.NewTailer(r.ws.AppLogFile(), r.mux, p.opts.PollInterval)
		}
		if err := w.Run(ctx); err != nil {
			return fmt.Errorf("tail app log: %w", err)
		}
		// The watcher only returns cleanly once ctx is done.
		return ErrCancelled
	}
}

// processSet tracks processes the run owns so cancellation can signal
// them. The detached app process is never registered; it outlives the
// run on purpose.
type processSet struct {
	mu    sync.Mutex
	procs map[int]*command.Process
}

func newProcessSet() *processSet {
	return &processSet{procs: make(map[int]*command.Process)}
}

func (s *processSet) add(p *command.Process) {
	s.mu.Lock()
	s.procs[p.Pid()] = p
	s.mu.Unlock()
	go func() {
		<-p.Exited
		s.mu.Lock()
		delete(s.procs, p.Pid())
		s.mu.Unlock()
	}()
}

func (s *processSet) killAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.procs {
		p.Kill()
	}
}
