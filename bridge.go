package agentdeck

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"pkt.systems/agentdeck/internal/format"
	"pkt.systems/agentdeck/internal/hub"
	"pkt.systems/agentdeck/internal/logx"
	"pkt.systems/agentdeck/internal/notify"
	"pkt.systems/agentdeck/internal/turns"
	"pkt.systems/agentdeck/schema"
	"pkt.systems/pslog"
)

// DefaultRefreshDebounce is the quiet window before a thread-list refresh
// fires after a terminal turn event.
const DefaultRefreshDebounce = 500 * time.Millisecond

// Broadcaster is the hub slice the bridge publishes through.
type Broadcaster interface {
	BroadcastToRepo(repoID schema.RepoID, env schema.Envelope)
}

// Requester issues correlated requests against a repository's agent session.
type Requester interface {
	Request(ctx context.Context, repoID schema.RepoID, method string, params any) (json.RawMessage, error)
}

// RepoNamer resolves repository metadata for notification text.
type RepoNamer interface {
	Get(id schema.RepoID) (schema.Repository, error)
}

// BridgeConfig tunes bridge behavior.
type BridgeConfig struct {
	// RefreshDebounce is the quiet window for thread-list refreshes.
	// Zero means DefaultRefreshDebounce.
	RefreshDebounce time.Duration
}

// Bridge sits between agent sessions and browser connections. It relays
// every session event to subscribed connections, keeps the turn tracker
// fed, refreshes thread lists after turns settle, and raises desktop
// notifications for events worth interrupting the user for.
type Bridge struct {
	hub      Broadcaster
	repos    RepoNamer
	tracker  *turns.Tracker
	notifier notify.Notifier
	log      pslog.Logger
	debounce time.Duration

	// requester is set after the registry exists; the registry itself
	// needs the bridge as its sink, so construction is two-phase.
	mu        sync.Mutex
	requester Requester
	timers    map[schema.RepoID]*time.Timer
	closed    bool
}

// NewBridge constructs a bridge. Call SetRequester once the session
// registry exists, before any session starts.
func NewBridge(cfg BridgeConfig, broadcaster Broadcaster, repos RepoNamer, tracker *turns.Tracker, notifier notify.Notifier, logger pslog.Logger) *Bridge {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	debounce := cfg.RefreshDebounce
	if debounce <= 0 {
		debounce = DefaultRefreshDebounce
	}
	return &Bridge{
		hub:      broadcaster,
		repos:    repos,
		tracker:  tracker,
		notifier: notifier,
		log:      logger,
		debounce: debounce,
		timers:   make(map[schema.RepoID]*time.Timer),
	}
}

// SetRequester wires the session registry in after construction.
func (b *Bridge) SetRequester(r Requester) {
	b.mu.Lock()
	b.requester = r
	b.mu.Unlock()
}

// OnSessionNotification implements sessions.Sink.
func (b *Bridge) OnSessionNotification(repoID schema.RepoID, n schema.Notification) {
	b.tracker.Observe(repoID, n)
	b.broadcast(repoID, schema.TypeAppServerNotification, schema.NotificationPayload{
		RepoID:  repoID,
		Message: n,
	})

	switch n.Method {
	case schema.MethodTurnCompleted, schema.MethodTurnFailed, schema.MethodTurnError:
		b.scheduleRefresh(repoID)
		b.notifyTurnSettled(repoID, n)
	}
}

// OnSessionRequest implements sessions.Sink.
func (b *Bridge) OnSessionRequest(repoID schema.RepoID, req schema.AgentRequest) {
	b.broadcast(repoID, schema.TypeAppServerRequest, schema.RequestPayload{
		RepoID:  repoID,
		Message: req,
	})
	if schema.IsApprovalMethod(req.Method) {
		b.notifyApproval(repoID, req)
	}
}

// OnSessionStatus implements sessions.Sink.
func (b *Bridge) OnSessionStatus(repoID schema.RepoID, status schema.SessionStatus) {
	b.broadcast(repoID, schema.TypeSessionStatus, schema.SessionStatusPayload{
		RepoID: repoID,
		Status: status,
	})
}

// Teardown stops pending refresh timers.
func (b *Bridge) Teardown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for repoID, timer := range b.timers {
		timer.Stop()
		delete(b.timers, repoID)
	}
}

// scheduleRefresh arms the per-repo debounce timer. Back-to-back terminal
// events within the window collapse into a single thread/list request.
func (b *Bridge) scheduleRefresh(repoID schema.RepoID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if timer, ok := b.timers[repoID]; ok {
		timer.Reset(b.debounce)
		return
	}
	b.timers[repoID] = time.AfterFunc(b.debounce, func() {
		b.mu.Lock()
		delete(b.timers, repoID)
		requester := b.requester
		closed := b.closed
		b.mu.Unlock()
		if closed || requester == nil {
			return
		}
		b.refreshThreadList(requester, repoID)
	})
}

func (b *Bridge) refreshThreadList(requester Requester, repoID schema.RepoID) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	log := logx.WithRepo(ctx, repoID)

	result, err := requester.Request(ctx, repoID, schema.MethodThreadList, struct{}{})
	if err != nil {
		log.Warn("bridge thread list refresh failed", "err", err)
		return
	}
	var parsed struct {
		Threads []schema.ThreadSummary `json:"threads"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		log.Warn("bridge thread list malformed", "err", err)
		return
	}
	log.Debug("bridge thread list refreshed", "threads", len(parsed.Threads))
	b.broadcast(repoID, schema.TypeThreadListUpdated, schema.ThreadListUpdatedPayload{
		RepoID:  repoID,
		Threads: parsed.Threads,
	})
}

func (b *Bridge) broadcast(repoID schema.RepoID, kind string, payload any) {
	env, err := schema.NewEnvelope(kind, payload)
	if err != nil {
		b.log.Error("bridge envelope encode failed", "type", kind, "err", err)
		return
	}
	b.hub.BroadcastToRepo(repoID, env)
}

// notifyTurnSettled raises a desktop notification when a turn finishes.
// Interrupted turns were stopped by the user, so they stay silent.
func (b *Bridge) notifyTurnSettled(repoID schema.RepoID, n schema.Notification) {
	ev, err := schema.DecodeNotification(n)
	if err != nil {
		return
	}
	title := "Agent turn finished"
	fallback := "Turn finished in " + b.repoName(repoID)
	body := fallback
	// The last agent message is the body whenever the turn produced one;
	// only a silent turn falls back to the error text or fixed phrase.
	switch e := ev.(type) {
	case schema.TurnCompleted:
		if e.Turn.Status == "interrupted" || b.tracker.Status(repoID, e.Turn.ID) == schema.TurnStatusInterrupted {
			return
		}
		title = "Agent turn completed"
		body = format.Body(b.tracker.LastAgentMessage(repoID, e.Turn.ID), fallback)
	case schema.TurnFailed:
		title = "Agent turn failed"
		if e.Error != nil {
			fallback = format.Body(e.Error.Message, fallback)
		}
		body = format.Body(b.tracker.LastAgentMessage(repoID, e.TurnID), fallback)
	case schema.TurnError:
		title = "Agent turn failed"
		fallback = format.Body(e.Message, fallback)
		body = format.Body(b.tracker.LastAgentMessage(repoID, e.TurnID), fallback)
	default:
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b.notifier.Notify(ctx, title, body)
}

func (b *Bridge) notifyApproval(repoID schema.RepoID, req schema.AgentRequest) {
	body := format.ApprovalBody(schema.ApprovalKindOf(req.Method), b.repoName(repoID))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b.notifier.Notify(ctx, "Agent needs approval", body)
}

func (b *Bridge) repoName(repoID schema.RepoID) string {
	if b.repos != nil {
		if repo, err := b.repos.Get(repoID); err == nil && repo.Name != "" {
			return repo.Name
		}
	}
	return string(repoID)
}

var _ Broadcaster = (*hub.Hub)(nil)
