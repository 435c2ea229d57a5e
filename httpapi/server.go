// Package httpapi serves the repository and session API plus the websocket
// endpoint browsers use to follow live sessions.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"pkt.systems/agentdeck/internal/git"
	"pkt.systems/agentdeck/internal/hub"
	"pkt.systems/agentdeck/internal/logx"
	"pkt.systems/agentdeck/schema"
	"pkt.systems/pslog"
)

// RepoStore is the repository store surface the API needs.
type RepoStore interface {
	List() []schema.Repository
	Get(id schema.RepoID) (schema.Repository, error)
	Create(name, path string) (schema.Repository, error)
	Update(id schema.RepoID, patch schema.RepositoryPatch) (schema.Repository, error)
	Remove(id schema.RepoID) error
	Settings() schema.Settings
	UpdateSettings(patch schema.SettingsPatch) (schema.Settings, error)
}

// SessionRegistry is the session surface the API needs.
type SessionRegistry interface {
	Request(ctx context.Context, repoID schema.RepoID, method string, params any) (json.RawMessage, error)
	Stop(ctx context.Context, repoID schema.RepoID) error
	Status(repoID schema.RepoID) schema.SessionStatus
}

// Deps captures server dependencies.
type Deps struct {
	Store    RepoStore
	Registry SessionRegistry
	Hub      *hub.Hub
	Logger   pslog.Logger
}

// Server serves the HTTP API.
type Server struct {
	cfg      Config
	store    RepoStore
	registry SessionRegistry
	hub      *hub.Hub
	log      pslog.Logger
	basePath string

	mu      sync.Mutex
	baseCtx context.Context
}

// NewServer constructs an HTTP server.
func NewServer(cfg Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Server{
		cfg:      cfg,
		store:    deps.Store,
		registry: deps.Registry,
		hub:      deps.Hub,
		log:      logger,
		basePath: normalizeBasePath(cfg.BasePath),
		baseCtx:  context.Background(),
	}
}

// SetBaseContext sets the parent context for websocket connection lifetimes.
func (s *Server) SetBaseContext(ctx context.Context) {
	if s == nil || ctx == nil {
		return
	}
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
}

func (s *Server) baseContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/repos", s.handleRepoList)
	mux.HandleFunc("POST /api/repos", s.handleRepoCreate)
	mux.HandleFunc("GET /api/repos/{id}", s.handleRepoGet)
	mux.HandleFunc("PATCH /api/repos/{id}", s.handleRepoUpdate)
	mux.HandleFunc("DELETE /api/repos/{id}", s.handleRepoRemove)

	mux.HandleFunc("GET /api/settings", s.handleSettingsGet)
	mux.HandleFunc("PATCH /api/settings", s.handleSettingsUpdate)

	mux.HandleFunc("GET /api/repos/{id}/threads", s.handleThreadList)
	mux.HandleFunc("POST /api/repos/{id}/threads", s.handleThreadStart)
	mux.HandleFunc("POST /api/repos/{id}/threads/{threadId}/resume", s.handleThreadResume)
	mux.HandleFunc("POST /api/repos/{id}/turns", s.handleTurnStart)
	mux.HandleFunc("POST /api/repos/{id}/turns/{turnId}/interrupt", s.handleTurnInterrupt)
	mux.HandleFunc("POST /api/repos/{id}/review", s.handleReviewStart)
	mux.HandleFunc("GET /api/repos/{id}/models", s.handleModelList)

	mux.HandleFunc("GET /api/repos/{id}/session", s.handleSessionStatus)
	mux.HandleFunc("DELETE /api/repos/{id}/session", s.handleSessionStop)

	mux.HandleFunc("GET /ws", s.handleWebSocket)

	handler := withRequestLogging(mux)
	if s.basePath == "" {
		return handler
	}
	prefix := s.basePath
	root := http.NewServeMux()
	root.Handle(prefix+"/", http.StripPrefix(prefix, handler))
	root.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != prefix {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, prefix+"/", http.StatusTemporaryRedirect)
	})
	return root
}

func (s *Server) handleRepoList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"repos": s.store.List()})
}

func (s *Server) handleRepoCreate(w http.ResponseWriter, r *http.Request) {
	log := logx.Ctx(r.Context())
	var payload struct {
		Name string `json:"name"`
		Path string `json:"path"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	repo, err := s.store.Create(payload.Name, payload.Path)
	if err != nil {
		log.Warn("http repo create failed", "path", payload.Path, "err", err)
		writeStoreError(w, err)
		return
	}
	log.Info("http repo create ok", "repo", repo.ID, "path", repo.Path)
	writeJSON(w, http.StatusCreated, repo)
}

func (s *Server) handleRepoGet(w http.ResponseWriter, r *http.Request) {
	repo, err := s.store.Get(schema.RepoID(r.PathValue("id")))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repoDetail{
		Repository: repo,
		// Best effort. A missing git binary or a non-git path just
		// leaves the field empty.
		Branch: git.CurrentBranch(r.Context(), repo.Path),
	})
}

type repoDetail struct {
	schema.Repository
	Branch string `json:"branch,omitempty"`
}

func (s *Server) handleRepoUpdate(w http.ResponseWriter, r *http.Request) {
	repoID := schema.RepoID(r.PathValue("id"))
	var patch schema.RepositoryPatch
	if err := decodeJSON(r.Body, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	repo, err := s.store.Update(repoID, patch)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	logx.WithRepo(r.Context(), repoID).Info("http repo update ok")
	writeJSON(w, http.StatusOK, repo)
}

func (s *Server) handleRepoRemove(w http.ResponseWriter, r *http.Request) {
	repoID := schema.RepoID(r.PathValue("id"))
	if err := s.store.Remove(repoID); err != nil {
		writeStoreError(w, err)
		return
	}
	// A removed repository has no business keeping its agent alive.
	if s.registry != nil {
		_ = s.registry.Stop(r.Context(), repoID)
	}
	logx.WithRepo(r.Context(), repoID).Info("http repo remove ok")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Settings())
}

func (s *Server) handleSettingsUpdate(w http.ResponseWriter, r *http.Request) {
	var patch schema.SettingsPatch
	if err := decodeJSON(r.Body, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	settings, err := s.store.UpdateSettings(patch)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	logx.Ctx(r.Context()).Info("http settings update ok")
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleThreadList(w http.ResponseWriter, r *http.Request) {
	s.forward(w, r, schema.MethodThreadList, nil)
}

func (s *Server) handleThreadStart(w http.ResponseWriter, r *http.Request) {
	params, err := bodyParams(r, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.forward(w, r, schema.MethodThreadStart, params)
}

func (s *Server) handleThreadResume(w http.ResponseWriter, r *http.Request) {
	params, err := bodyParams(r, map[string]any{"threadId": r.PathValue("threadId")})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.forward(w, r, schema.MethodThreadResume, params)
}

func (s *Server) handleTurnStart(w http.ResponseWriter, r *http.Request) {
	params, err := bodyParams(r, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.forward(w, r, schema.MethodTurnStart, params)
}

func (s *Server) handleTurnInterrupt(w http.ResponseWriter, r *http.Request) {
	params, err := bodyParams(r, map[string]any{"turnId": r.PathValue("turnId")})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.forward(w, r, schema.MethodTurnInterrupt, params)
}

func (s *Server) handleReviewStart(w http.ResponseWriter, r *http.Request) {
	params, err := bodyParams(r, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.forward(w, r, schema.MethodReviewStart, params)
}

func (s *Server) handleModelList(w http.ResponseWriter, r *http.Request) {
	s.forward(w, r, schema.MethodModelList, nil)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	repoID := schema.RepoID(r.PathValue("id"))
	if _, err := s.store.Get(repoID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schema.SessionStatusPayload{
		RepoID: repoID,
		Status: s.registry.Status(repoID),
	})
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	repoID := schema.RepoID(r.PathValue("id"))
	log := logx.WithRepo(r.Context(), repoID)
	if _, err := s.store.Get(repoID); err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.registry.Stop(r.Context(), repoID); err != nil {
		log.Warn("http session stop failed", "err", err)
		writeAgentError(w, err)
		return
	}
	log.Info("http session stop ok")
	w.WriteHeader(http.StatusNoContent)
}

// forward relays a request to the repository's agent session and returns the
// raw result, starting the session on demand.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, method string, params any) {
	repoID := schema.RepoID(r.PathValue("id"))
	log := logx.WithRepo(r.Context(), repoID)
	if params == nil {
		params = struct{}{}
	}
	result, err := s.registry.Request(r.Context(), repoID, method, params)
	if err != nil {
		log.Warn("http agent request failed", "agent_method", method, "err", err)
		writeAgentError(w, err)
		return
	}
	log.Debug("http agent request ok", "agent_method", method)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if len(result) == 0 {
		_, _ = w.Write([]byte("{}"))
		return
	}
	_, _ = w.Write(result)
}

// bodyParams decodes the optional request body into a parameter map and lays
// route-derived fields on top.
func bodyParams(r *http.Request, extra map[string]any) (map[string]any, error) {
	params := make(map[string]any)
	if r.Body != nil {
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &params); err != nil {
				return nil, err
			}
		}
	}
	for key, value := range extra {
		params[key] = value
	}
	return params, nil
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, schema.ErrRepoNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, schema.ErrRepoExists), errors.Is(err, schema.ErrRepoIDCollision):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, schema.ErrInvalidRepoPath), errors.Is(err, schema.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeAgentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, schema.ErrRepoNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, schema.ErrAgentExited), errors.Is(err, schema.ErrAgentUnavailable):
		writeError(w, http.StatusBadGateway, err)
	case errors.Is(err, schema.ErrSessionStopped):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
