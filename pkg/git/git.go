// Package git materializes source checkouts with system git. Every
// invocation is a structured argument vector; nothing user-controlled
// ever passes through a shell.
package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ashish-aesthisia/Comfy-Spaces-sub000/pkg/command"
	"github.com/ashish-aesthisia/Comfy-Spaces-sub000/pkg/workspace"
)

// RefPolicy selects what to check out. Priority is tag, then commit
// (with an optional carrier branch), then branch, then the remote's
// default branch.
type RefPolicy struct {
	Tag    string
	Commit string
	Branch string
}

// Client runs git through a command runner.
type Client struct {
	runner *command.Runner
}

// NewClient creates a client running git through runner.
func NewClient(runner *command.Runner) *Client {
	return &Client{runner: runner}
}

// plan is one materialization: the clone argument vector and an
// optional ref to check out afterwards.
type plan struct {
	cloneArgs []string
	checkout  string
	// detect requests default-branch reconciliation after a bare
	// default clone.
	detect bool
}

func buildPlan(url, dir string, p RefPolicy) plan {
	switch {
	case p.Tag != "":
		return plan{cloneArgs: []string{"clone", "--depth", "1", "--branch", p.Tag, url, dir}}
	case p.Commit != "":
		args := []string{"clone"}
		if p.Branch != "" {
			args = append(args, "--branch", p.Branch)
		}
		// Full history: the commit may be arbitrarily deep.
		return plan{cloneArgs: append(args, url, dir), checkout: p.Commit}
	case p.Branch != "":
		return plan{cloneArgs: []string{"clone", "--depth", "1", "--branch", p.Branch, url, dir}}
	default:
		return plan{cloneArgs: []string{"clone", url, dir}, detect: true}
	}
}

// Materialize clones url into dir per the ref policy. An existing
// checkout is left untouched. For the default policy the remote's
// default branch is detected up front; if detection fails the clone's
// own HEAD is kept, trying main and master first.
func (c *Client) Materialize(ctx context.Context, url, dir string, p RefPolicy, logf func(format string, args ...interface{})) error {
	if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil && info.IsDir() {
		logf("checkout already present at %s; skipping clone", dir)
		return nil
	}

	pl := buildPlan(url, dir, p)
	if pl.detect {
		if branch, err := c.DefaultBranch(ctx, url); err == nil && branch != "" {
			logf("default branch of %s is %s", url, branch)
			pl = plan{cloneArgs: []string{"clone", "--depth", "1", "--branch", branch, url, dir}}
		} else {
			logf("could not detect default branch of %s; cloning as-is", url)
		}
	}

	logf("cloning %s", url)
	code, err := c.runner.Stream(ctx, command.Spec{
		Name:    "git",
		Args:    pl.cloneArgs,
		Timeout: command.CloneTimeout,
	}, func(line string) { logf("%s", line) })
	if err != nil {
		return fmt.Errorf("clone %s: %w", url, err)
	}
	if code != 0 {
		return fmt.Errorf("clone %s: git exited with code %d", url, code)
	}

	if pl.checkout != "" {
		if err := c.checkout(ctx, dir, pl.checkout, logf); err != nil {
			return err
		}
	}

	if pl.detect {
		c.settleDefaultBranch(ctx, dir, logf)
	}
	return nil
}

// settleDefaultBranch tries main then master on a clone whose default
// branch could not be detected. Neither existing is a warning, not an
// error; the checkout stays on whatever HEAD the clone produced.
func (c *Client) settleDefaultBranch(ctx context.Context, dir string, logf func(format string, args ...interface{})) {
	for _, cand := range []string{"main", "master"} {
		if err := c.checkout(ctx, dir, cand, func(string, ...interface{}) {}); err == nil {
			logf("checked out %s", cand)
			return
		}
	}
	logf("warning: neither main nor master exists; staying on the clone's current branch")
}

func (c *Client) checkout(ctx context.Context, dir, ref string, logf func(format string, args ...interface{})) error {
	code, err := c.runner.Stream(ctx, command.Spec{
		Name:    "git",
		Args:    []string{"checkout", ref},
		Dir:     dir,
		Timeout: command.ShortTimeout,
	}, func(line string) { logf("%s", line) })
	if err != nil {
		return fmt.Errorf("checkout %s: %w", ref, err)
	}
	if code != 0 {
		return fmt.Errorf("checkout %s: git exited with code %d", ref, code)
	}
	return nil
}

// DefaultBranch asks the remote which branch HEAD points at.
func (c *Client) DefaultBranch(ctx context.Context, url string) (string, error) {
	out, err := c.runner.Output(ctx, command.Spec{
		Name:    "git",
		Args:    []string{"ls-remote", "--symref", url, "HEAD"},
		Timeout: command.ShortTimeout,
	})
	if err != nil {
		return "", fmt.Errorf("ls-remote %s: %w", url, err)
	}
	branch := parseSymref(out)
	if branch == "" {
		return "", fmt.Errorf("no symref in ls-remote output for %s", url)
	}
	return branch, nil
}

// parseSymref extracts the branch name from a line like
// "ref: refs/heads/main\tHEAD".
func parseSymref(out string) string {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "ref:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		return strings.TrimPrefix(fields[1], "refs/heads/")
	}
	return ""
}

// CurrentBranch reports the checked-out branch of a local repository.
func (c *Client) CurrentBranch(ctx context.Context, dir string) (string, error) {
	return c.query(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// CurrentCommit reports the HEAD commit id of a local repository.
func (c *Client) CurrentCommit(ctx context.Context, dir string) (string, error) {
	return c.query(ctx, dir, "rev-parse", "HEAD")
}

// RemoteURL reports origin's URL, or an error when none is set.
func (c *Client) RemoteURL(ctx context.Context, dir string) (string, error) {
	return c.query(ctx, dir, "config", "--get", "remote.origin.url")
}

func (c *Client) query(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := c.runner.Output(ctx, command.Spec{
		Name:    "git",
		Args:    args,
		Dir:     dir,
		Timeout: command.ShortTimeout,
	})
	if err != nil {
		return "", fmt.Errorf("git %s in %s: %w", strings.Join(args, " "), dir, err)
	}
	return strings.TrimSpace(out), nil
}

// CloneModules materializes each extension module under modulesDir.
// Disabled modules, modules without a URL and modules already on disk
// are skipped with a log entry. One module's failure never stops the
// rest; failed module names are returned for the caller's log.
func (c *Client) CloneModules(ctx context.Context, modulesDir string, mods []workspace.Module, logf func(format string, args ...interface{})) []string {
	if len(mods) > 0 {
		if err := os.MkdirAll(modulesDir, 0o755); err != nil {
			logf("warning: cannot create module root %s: %v", modulesDir, err)
			return nil
		}
	}

	var failed []string
	for _, m := range mods {
		if ctx.Err() != nil {
			return failed
		}
		name := m.Name
		if name == "" {
			name = RepoName(m.URL)
		}
		switch {
		case m.Disabled:
			logf("module %s is disabled; skipping", name)
			continue
		case m.URL == "":
			logf("warning: module %s has no source URL; skipping", name)
			continue
		}

		dir := filepath.Join(modulesDir, name)
		if _, err := os.Stat(dir); err == nil {
			logf("module %s already present; skipping", name)
			continue
		}

		policy := RefPolicy{Commit: m.Commit, Branch: m.Branch}
		if err := c.Materialize(ctx, m.URL, dir, policy, logf); err != nil {
			logf("warning: module %s failed to clone: %v", name, err)
			failed = append(failed, name)
			continue
		}
		logf("module %s cloned", name)
	}
	return failed
}

// RepoName derives a checkout directory name from a git URL.
func RepoName(url string) string {
	url = strings.TrimSuffix(strings.TrimSuffix(url, "/"), ".git")
	if i := strings.LastIndexAny(url, "/:"); i >= 0 {
		url = url[i+1:]
	}
	return url
}

// SyncMetadata walks every directory under modulesDir and reconciles
// the document's module list: matching entries get their branch and
// commit refreshed, unknown directories with git history are inserted.
// Directories without history contribute empty metadata, not errors.
func (c *Client) SyncMetadata(ctx context.Context, modulesDir string, doc *workspace.Document, logf func(format string, args ...interface{})) {
	entries, err := os.ReadDir(modulesDir)
	if err != nil {
		if !os.IsNotExist(err) {
			logf("warning: cannot read module root %s: %v", modulesDir, err)
		}
		return
	}

	byName := make(map[string]int, len(doc.Modules))
	for i, m := range doc.Modules {
		byName[m.Name] = i
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(modulesDir, e.Name())

		branch, berr := c.CurrentBranch(ctx, dir)
		commit, cerr := c.CurrentCommit(ctx, dir)
		if berr != nil || cerr != nil {
			branch, commit = "", ""
		}

		if i, ok := byName[e.Name()]; ok {
			doc.Modules[i].Branch = branch
			doc.Modules[i].Commit = commit
			continue
		}
		if commit == "" {
			// Untracked directory without history: nothing to record.
			continue
		}
		url, _ := c.RemoteURL(ctx, dir)
		doc.Modules = append(doc.Modules, workspace.Module{
			Name:   e.Name(),
			URL:    url,
			Branch: branch,
			Commit: commit,
		})
		logf("module %s discovered on disk; recorded", e.Name())
	}
}
