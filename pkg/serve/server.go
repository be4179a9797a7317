// Package serve exposes the activation service over HTTP: a streaming
// activation endpoint, a read-only workspace listing and a health
// probe. The activation response is a long-lived NDJSON stream; closing
// the connection cancels the underlying pipeline run.
package serve

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/mux"

	"github.com/ashish-aesthisia/Comfy-Spaces-sub000/pkg/log"
	"github.com/ashish-aesthisia/Comfy-Spaces-sub000/pkg/logmux"
	"github.com/ashish-aesthisia/Comfy-Spaces-sub000/pkg/pipeline"
	"github.com/ashish-aesthisia/Comfy-Spaces-sub000/pkg/workspace"
)

// Activator runs one workspace activation, streaming entries to sink.
type Activator interface {
	Run(ctx context.Context, ws *workspace.Workspace, sink logmux.Sink) error
}

// Server routes the HTTP API.
type Server struct {
	spacesRoot string
	activator  Activator

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewServer creates a server for workspaces under spacesRoot.
func NewServer(spacesRoot string, activator Activator) *Server {
	return &Server{
		spacesRoot: spacesRoot,
		activator:  activator,
		locks:      make(map[string]*sync.Mutex),
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/spaces", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/api/spaces/{id}/activate", s.handleActivate).Methods(http.MethodGet)
	return r
}

// lockFor returns the activation mutex for one workspace id.
func (s *Server) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	lock := s.lockFor(id)
	if !lock.TryLock() {
		http.Error(w, "activation already in progress", http.StatusConflict)
		return
	}
	defer lock.Unlock()

	ws, err := workspace.Open(s.spacesRoot, id)
	if err != nil {
		if errors.Is(err, workspace.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sw := NewStreamWriter(w)
	defer sw.Close()

	// Failure is communicated through the entry stream itself; by the
	// time the pipeline fails, headers are long gone.
	if err := s.activator.Run(r.Context(), ws, sw); err != nil && !errors.Is(err, pipeline.ErrCancelled) {
		log.Warn("activation ended with error", "workspace", id, "error", err)
	}
}

// spaceInfo is one listing entry: the workspace id plus the on-disk
// state of every declared extension module.
type spaceInfo struct {
	ID      string       `json:"id"`
	Modules []moduleInfo `json:"modules"`
}

type moduleInfo struct {
	Name  string                `json:"name"`
	State workspace.ModuleState `json:"state"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ids, err := workspace.List(s.spacesRoot)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	spaces := make([]spaceInfo, 0, len(ids))
	for _, id := range ids {
		ws, err := workspace.Open(s.spacesRoot, id)
		if err != nil {
			log.Warn("skipping unreadable workspace", "workspace", id, "error", err)
			continue
		}
		info := spaceInfo{ID: id, Modules: []moduleInfo{}}
		for _, m := range ws.Doc.Modules {
			info.Modules = append(info.Modules, moduleInfo{Name: m.Name, State: ws.StateOf(m)})
		}
		spaces = append(spaces, info)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"spaces": spaces})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug("write response", "error", err)
	}
}
