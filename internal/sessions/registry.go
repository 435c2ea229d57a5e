// Package sessions owns at most one live agent connection per repository:
// lazy start with concurrent-start collapse, correlated requests, decision
// relay, and lifecycle events consumed by the bridge.
package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"pkt.systems/agentdeck/internal/agentproc"
	"pkt.systems/agentdeck/internal/logx"
	"pkt.systems/agentdeck/schema"
	"pkt.systems/pslog"
)

// Sink receives session-level events. Implementations must not block; the
// bridge fans these out to subscribers and side effects.
type Sink interface {
	OnSessionNotification(repoID schema.RepoID, n schema.Notification)
	OnSessionRequest(repoID schema.RepoID, r schema.AgentRequest)
	OnSessionStatus(repoID schema.RepoID, status schema.SessionStatus)
}

// RepoLookup resolves repository ids to their registered records.
type RepoLookup interface {
	Get(id schema.RepoID) (schema.Repository, error)
}

// TurnFinisher reports whether a turn already reached a terminal state. Used
// to short-circuit interrupts for finished turns.
type TurnFinisher interface {
	Finished(repoID schema.RepoID, turnID schema.TurnID) bool
}

// Config tunes registry behavior.
type Config struct {
	// RequestTimeout bounds a single agent request. Zero means no timeout
	// beyond process death and caller cancellation.
	RequestTimeout time.Duration
}

// Deps captures registry dependencies.
type Deps struct {
	Launcher agentproc.Launcher
	Repos    RepoLookup
	Sink     Sink
	Turns    TurnFinisher
	Logger   pslog.Logger
}

// Registry maps repository ids to live sessions.
type Registry struct {
	cfg      Config
	launcher agentproc.Launcher
	repos    RepoLookup
	sink     Sink
	turns    TurnFinisher
	log      pslog.Logger

	mu       sync.Mutex
	sessions map[schema.RepoID]*session
	closed   bool
}

type session struct {
	repoID schema.RepoID
	status schema.SessionStatus
	conn   *agentproc.Conn

	// ready is closed once the start attempt finished, successfully or not.
	ready    chan struct{}
	startErr error
}

// NewRegistry constructs a registry.
func NewRegistry(cfg Config, deps Deps) (*Registry, error) {
	if deps.Launcher == nil {
		return nil, errors.New("launcher dependency is required")
	}
	if deps.Repos == nil {
		return nil, errors.New("repo lookup dependency is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Registry{
		cfg:      cfg,
		launcher: deps.Launcher,
		repos:    deps.Repos,
		sink:     deps.Sink,
		turns:    deps.Turns,
		log:      logger,
		sessions: make(map[schema.RepoID]*session),
	}, nil
}

// GetOrStart returns the live session for the repository, starting one only
// if none exists or the existing one is unusable. Concurrent calls for the
// same repository share a single in-flight start.
func (r *Registry) GetOrStart(ctx context.Context, repoID schema.RepoID) error {
	_, err := r.acquire(ctx, repoID)
	return err
}

func (r *Registry) acquire(ctx context.Context, repoID schema.RepoID) (*session, error) {
	repo, err := r.repos.Get(repoID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, schema.ErrSessionStopped
	}
	if existing := r.sessions[repoID]; existing != nil && usable(existing.status) {
		r.mu.Unlock()
		select {
		case <-existing.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if existing.startErr != nil {
			return nil, existing.startErr
		}
		return existing, nil
	}
	sess := &session{
		repoID: repoID,
		status: schema.SessionStarting,
		ready:  make(chan struct{}),
	}
	r.sessions[repoID] = sess
	r.mu.Unlock()

	r.emitStatus(repoID, schema.SessionStarting)
	log := logx.WithRepo(ctx, repoID)
	log.Info("session start", "path", repo.Path)

	// The session outlives the request that triggered it. Detach the
	// process lifetime from the caller's context so the handler returning
	// cannot kill the agent; teardown happens through conn.Close.
	sessCtx := context.WithoutCancel(ctx)
	transport, err := r.launcher.Launch(sessCtx, repo.Path)
	if err != nil {
		log.Error("session start failed", "err", err)
		r.failStart(sess, err)
		return nil, err
	}
	conn := agentproc.NewConn(sessCtx, transport, &sessionHandler{registry: r, session: sess}, r.log.With("repo", repoID))

	r.mu.Lock()
	if r.sessions[repoID] != sess || r.closed {
		// Stopped while the process was coming up.
		r.mu.Unlock()
		_ = conn.Close()
		sess.startErr = schema.ErrSessionStopped
		close(sess.ready)
		return nil, schema.ErrSessionStopped
	}
	sess.conn = conn
	sess.status = schema.SessionConnected
	r.mu.Unlock()
	close(sess.ready)
	r.emitStatus(repoID, schema.SessionConnected)
	log.Info("session start ok")
	return sess, nil
}

func (r *Registry) failStart(sess *session, err error) {
	r.mu.Lock()
	sess.status = schema.SessionError
	sess.startErr = err
	if r.sessions[sess.repoID] == sess {
		delete(r.sessions, sess.repoID)
	}
	r.mu.Unlock()
	close(sess.ready)
	r.emitStatus(sess.repoID, schema.SessionError)
}

// Request issues a correlated call against the repository's session,
// starting one if needed. A turn/interrupt for an already-finished turn is
// answered locally as a no-op success.
func (r *Registry) Request(ctx context.Context, repoID schema.RepoID, method string, params any) (json.RawMessage, error) {
	if method == schema.MethodTurnInterrupt && r.turns != nil {
		if turnID := turnIDOf(params); turnID != "" && r.turns.Finished(repoID, turnID) {
			r.log.Debug("session interrupt short-circuited", "repo", repoID, "turn", turnID)
			return json.RawMessage(`{}`), nil
		}
	}
	sess, err := r.acquire(ctx, repoID)
	if err != nil {
		return nil, err
	}
	if r.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.RequestTimeout)
		defer cancel()
	}
	return sess.conn.Request(ctx, method, params)
}

// SendResponse delivers a browser decision into the session's pending table.
func (r *Registry) SendResponse(ctx context.Context, repoID schema.RepoID, resp schema.ClientResponse) error {
	r.mu.Lock()
	sess := r.sessions[repoID]
	r.mu.Unlock()
	if sess == nil || sess.conn == nil {
		return schema.ErrAgentUnavailable
	}
	return sess.conn.SendResponse(ctx, resp)
}

// Stop terminates the repository's session and clears the slot.
func (r *Registry) Stop(ctx context.Context, repoID schema.RepoID) error {
	r.mu.Lock()
	sess := r.sessions[repoID]
	delete(r.sessions, repoID)
	r.mu.Unlock()
	if sess == nil {
		return nil
	}
	logx.WithRepo(ctx, repoID).Info("session stop")
	if sess.conn != nil {
		_ = sess.conn.Close()
	}
	r.mu.Lock()
	sess.status = schema.SessionStopped
	r.mu.Unlock()
	r.emitStatus(repoID, schema.SessionStopped)
	return nil
}

// Status reports the lifecycle state for the repository.
func (r *Registry) Status(repoID schema.RepoID) schema.SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess := r.sessions[repoID]; sess != nil {
		return sess.status
	}
	return schema.SessionStopped
}

// Teardown stops every live session. The registry refuses new starts after.
func (r *Registry) Teardown(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.sessions = make(map[schema.RepoID]*session)
	r.mu.Unlock()
	for _, sess := range sessions {
		if sess.conn != nil {
			_ = sess.conn.Close()
		}
		r.emitStatus(sess.repoID, schema.SessionStopped)
	}
	r.log.Info("session registry teardown", "count", len(sessions))
}

// handleExit runs when a session's process terminates on its own.
func (r *Registry) handleExit(sess *session, err error) {
	r.mu.Lock()
	current := r.sessions[sess.repoID]
	if current == sess {
		delete(r.sessions, sess.repoID)
	}
	status := schema.SessionStopped
	if err != nil {
		status = schema.SessionError
	}
	sess.status = status
	r.mu.Unlock()
	if current != sess {
		// Already replaced or stopped explicitly; nothing to report.
		return
	}
	r.log.Warn("session exited", "repo", sess.repoID, "err", err)
	r.emitStatus(sess.repoID, status)
}

func (r *Registry) emitStatus(repoID schema.RepoID, status schema.SessionStatus) {
	if r.sink != nil {
		r.sink.OnSessionStatus(repoID, status)
	}
}

func usable(status schema.SessionStatus) bool {
	return status == schema.SessionStarting || status == schema.SessionConnected
}

// sessionHandler forwards connection events to the registry sink.
type sessionHandler struct {
	registry *Registry
	session  *session
}

func (h *sessionHandler) OnNotification(n schema.Notification) {
	if h.registry.sink != nil {
		h.registry.sink.OnSessionNotification(h.session.repoID, n)
	}
}

func (h *sessionHandler) OnRequest(req schema.AgentRequest) {
	if h.registry.sink != nil {
		h.registry.sink.OnSessionRequest(h.session.repoID, req)
	}
}

func (h *sessionHandler) OnClosed(err error) {
	h.registry.handleExit(h.session, err)
}

func turnIDOf(params any) schema.TurnID {
	raw, err := json.Marshal(params)
	if err != nil {
		return ""
	}
	var probe struct {
		TurnID schema.TurnID `json:"turnId"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.TurnID
}
