// Package agentdeck bridges browser clients to per-repository coding agent
// sessions. It composes the repository store, the session registry, the
// websocket hub, and the HTTP API into one runnable server.
package agentdeck

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/agentdeck/httpapi"
	"pkt.systems/agentdeck/internal/agentproc"
	"pkt.systems/agentdeck/internal/hub"
	"pkt.systems/agentdeck/internal/notify"
	"pkt.systems/agentdeck/internal/repostore"
	"pkt.systems/agentdeck/internal/sessions"
	"pkt.systems/agentdeck/internal/turns"
	"pkt.systems/pslog"
)

// Server is the composed agentdeck service.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	HTTP httpapi.Config
	// StorePath locates the repository store file.
	StorePath string
	// Agent configures how agent processes are spawned.
	Agent agentproc.Config
	// RefreshDebounce is the quiet window for thread-list refreshes after
	// terminal turn events. Zero means DefaultRefreshDebounce.
	RefreshDebounce time.Duration
	// RequestTimeout bounds individual agent requests. Zero means none.
	RequestTimeout time.Duration
	// DesktopNotifications enables shelling out to the platform notifier.
	DesktopNotifications bool
}

// ServerDeps captures optional dependency overrides, mainly for tests.
type ServerDeps struct {
	// Launcher overrides the default process launcher.
	Launcher agentproc.Launcher
	// Notifier overrides the desktop notifier.
	Notifier notify.Notifier
	// ExtraSink receives a copy of every session event.
	ExtraSink sessions.Sink
	Logger    pslog.Logger
}

// New constructs the composed server.
func New(cfg ServerConfig, deps ServerDeps) (Server, error) {
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	if cfg.StorePath == "" {
		return nil, errors.New("store path is required")
	}

	store, err := repostore.New(cfg.StorePath, logger)
	if err != nil {
		return nil, err
	}

	notifier := deps.Notifier
	if notifier == nil {
		if cfg.DesktopNotifications {
			notifier = notify.NewCommand(logger)
		} else {
			notifier = notify.Nop{}
		}
	}

	tracker := turns.NewTracker()
	wsHub := hub.New(store, nil, logger)
	bridge := NewBridge(BridgeConfig{RefreshDebounce: cfg.RefreshDebounce}, wsHub, store, tracker, notifier, logger)

	var sink sessions.Sink = bridge
	if deps.ExtraSink != nil {
		sink = sinkFanout{sinks: []sessions.Sink{bridge, deps.ExtraSink}}
	}

	launcher := deps.Launcher
	if launcher == nil {
		launcher, err = agentproc.NewProcLauncher(cfg.Agent)
		if err != nil {
			return nil, err
		}
	}

	registry, err := sessions.NewRegistry(sessions.Config{RequestTimeout: cfg.RequestTimeout}, sessions.Deps{
		Launcher: launcher,
		Repos:    store,
		Sink:     sink,
		Turns:    tracker,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	bridge.SetRequester(registry)
	wsHub.SetRegistry(registry)

	httpSrv := httpapi.NewServer(cfg.HTTP, httpapi.Deps{
		Store:    store,
		Registry: registry,
		Hub:      wsHub,
		Logger:   logger,
	})

	return &compositeServer{
		cfg:      cfg,
		httpSrv:  httpSrv,
		registry: registry,
		hub:      wsHub,
		bridge:   bridge,
	}, nil
}

type compositeServer struct {
	cfg      ServerConfig
	httpSrv  *httpapi.Server
	registry *sessions.Registry
	hub      *hub.Hub
	bridge   *Bridge
	logger   pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	started bool
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 1)
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"addr", s.cfg.HTTP.Addr,
		"base_path", s.cfg.HTTP.BasePath,
		"store", s.cfg.StorePath,
		"agent_binary", s.cfg.Agent.Binary,
	)
	s.httpSrv.SetBaseContext(s.ctx)
	go func() {
		if err := httpapi.ListenAndServe(s.ctx, s.cfg.HTTP.Addr, s.httpSrv.Handler()); err != nil {
			log.Error("http server failed", "err", err)
			s.errCh <- err
		}
	}()
	return nil
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")

	s.bridge.Teardown()
	s.registry.Teardown(context.Background())
	s.hub.Teardown()
	if cancel != nil {
		cancel()
	}
	if ctx == nil {
		log.Info("server stop completed")
		return nil
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-s.ctx.Done():
		log.Info("server stopped")
		return nil
	}
}
