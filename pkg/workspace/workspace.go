// Package workspace models an on-disk workspace: its metadata document
// (space.json), the paths the activation pipeline works against, and
// derived extension-module state.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// MetadataFile is the per-workspace metadata document name.
const MetadataFile = "space.json"

// DisabledMarker inside a module directory marks the module inactive
// without removing its checkout.
const DisabledMarker = ".disabled"

// ErrNotFound reports a workspace id with no metadata on disk.
var ErrNotFound = errors.New("workspace not found")

// Module is one extension-module entry of the metadata document.
type Module struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Branch   string `json:"branch,omitempty"`
	Commit   string `json:"commit,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
}

// Meta is the metadata block: runtime hint, source ref policy and the
// app port the dashboard assigned.
type Meta struct {
	PythonVersion string `json:"python_version,omitempty"`
	Tag           string `json:"tag,omitempty"`
	Commit        string `json:"commit,omitempty"`
	Branch        string `json:"branch,omitempty"`
	Port          int    `json:"port,omitempty"`
}

// Document is the space.json contents. The dependency list is advisory
// input before install and the resolved frozen set after.
type Document struct {
	Modules      []Module `json:"custom_modules"`
	Dependencies []string `json:"dependencies"`
	Meta         Meta     `json:"metadata"`
}

// Workspace binds an id to its directory and loaded document.
type Workspace struct {
	ID   string
	Root string
	Doc  Document
}

// Open loads the workspace with the given id under rootDir.
func Open(rootDir, id string) (*Workspace, error) {
	ws := &Workspace{ID: id, Root: filepath.Join(rootDir, id)}
	data, err := os.ReadFile(ws.MetadataPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read workspace metadata: %w", err)
	}
	if err := json.Unmarshal(data, &ws.Doc); err != nil {
		return nil, fmt.Errorf("parse %s for %s: %w", MetadataFile, id, err)
	}
	return ws, nil
}

// Save writes the document back to space.json.
func (w *Workspace) Save() error {
	data, err := json.MarshalIndent(w.Doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode workspace metadata: %w", err)
	}
	tmp := w.MetadataPath() + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write workspace metadata: %w", err)
	}
	return os.Rename(tmp, w.MetadataPath())
}

// MetadataPath is the space.json location.
func (w *Workspace) MetadataPath() string { return filepath.Join(w.Root, MetadataFile) }

// AppDir is the application checkout directory.
func (w *Workspace) AppDir() string { return filepath.Join(w.Root, "app") }

// ModulesDir is the extension-module root inside the checkout.
func (w *Workspace) ModulesDir() string { return filepath.Join(w.AppDir(), "modules") }

// VenvDir is the runtime sandbox directory.
func (w *Workspace) VenvDir() string { return filepath.Join(w.Root, "venv") }

// RequirementsFile is the persisted dependency set.
func (w *Workspace) RequirementsFile() string { return filepath.Join(w.Root, "requirements.txt") }

// RequirementsBackupFile preserves the dependency set of the first
// activation.
func (w *Workspace) RequirementsBackupFile() string {
	return filepath.Join(w.Root, "requirements.first.txt")
}

// SessionLogFile is this activation's ordered session log.
func (w *Workspace) SessionLogFile() string {
	return filepath.Join(w.Root, "logs", "session.log")
}

// AppLogFile receives the detached app process's combined output.
func (w *Workspace) AppLogFile() string {
	return filepath.Join(w.Root, "logs", "app.log")
}

// ModuleState classifies a declared extension module against the disk.
type ModuleState string

const (
	// ModuleActive: checkout present and enabled.
	ModuleActive ModuleState = "active"
	// ModuleInactive: checkout present but carrying a disabled marker.
	ModuleInactive ModuleState = "inactive"
	// ModuleFailed: declared but with no checkout on disk.
	ModuleFailed ModuleState = "failed"
)

// StateOf derives the state of one declared module.
func (w *Workspace) StateOf(m Module) ModuleState {
	dir := filepath.Join(w.ModulesDir(), m.Name)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return ModuleFailed
	}
	if m.Disabled {
		return ModuleInactive
	}
	if _, err := os.Stat(filepath.Join(dir, DisabledMarker)); err == nil {
		return ModuleInactive
	}
	return ModuleActive
}

// List returns the ids of every workspace under rootDir, sorted. A
// directory without a metadata document is not a workspace.
func List(rootDir string) ([]string, error) {
	entries, err := os.ReadDir(rootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(rootDir, e.Name(), MetadataFile)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
