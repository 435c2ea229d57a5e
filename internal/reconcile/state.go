// Package reconcile folds the forwarded event stream, plus locally-issued
// optimistic actions, into per-thread conversation state. Everything here is
// a pure state machine: no I/O, no clocks beyond the caller-supplied
// timestamps, deterministic for any event order actually delivered.
package reconcile

import (
	"encoding/json"
	"time"

	"pkt.systems/agentdeck/schema"
)

// Truncation limits applied after every reasoning mutation.
const (
	MaxReasoningSummaryChars = 4000
	MaxReasoningContentChars = 20000
)

// Role labels who authored a conversation message.
type Role string

const (
	// RoleUser is a user-authored message.
	RoleUser Role = "user"
	// RoleAgent is an agent-authored message.
	RoleAgent Role = "agent"
	// RoleNotice is a synthetic bridge-authored message, e.g. an approval
	// outcome summary.
	RoleNotice Role = "notice"
)

// Message is one conversation entry, keyed by item id once confirmed.
type Message struct {
	ItemID  schema.ItemID
	Role    Role
	Text    string
	Pending bool
}

// Reasoning tracks one reasoning block. Summary and content are each an
// ordered, index-addressable list of parts; the flattened strings are the
// truncated join of all known parts, maintained on every mutation.
type Reasoning struct {
	ItemID       schema.ItemID
	SummaryParts []string
	ContentParts []string
	Summary      string
	Content      string
}

// FileChangeRecord tracks the file-change set of one item.
type FileChangeRecord struct {
	ItemID  schema.ItemID
	Status  string
	Changes []schema.FileChange
}

// DiffEntry holds the latest diff text for one turn.
type DiffEntry struct {
	TurnID schema.TurnID
	Diff   string
}

// Approval is one queued decision request, unique per rpc id.
type Approval struct {
	RPCID      string
	Method     string
	Params     json.RawMessage
	ThreadID   schema.ThreadID
	TurnID     schema.TurnID
	ItemID     schema.ItemID
	ReceivedAt time.Time
}

// ThreadState is the reconciled view of one thread.
type ThreadState struct {
	ID          schema.ThreadID
	Messages    []Message
	Reasoning   map[schema.ItemID]*Reasoning
	FileChanges map[schema.ItemID]*FileChangeRecord
	Diffs       []DiffEntry
	Approvals   []Approval
	Processing  bool
	Reviewing   bool
	Unread      bool

	// autoApproved dedupes synthetic approvals per item so replayed
	// notifications never double-insert.
	autoApproved map[schema.ItemID]bool
}

// UIStatus is the coarse per-thread status shown in thread lists.
type UIStatus string

const (
	// StatusPendingApproval means a decision is waiting on the user.
	StatusPendingApproval UIStatus = "pending_approval"
	// StatusReviewing means the thread is in review mode.
	StatusReviewing UIStatus = "reviewing"
	// StatusProcessing means a turn is in flight.
	StatusProcessing UIStatus = "processing"
	// StatusUnread means new activity arrived while unfocused.
	StatusUnread UIStatus = "unread"
	// StatusReady is the quiescent state.
	StatusReady UIStatus = "ready"
)

// State is the full reconciled client view for one repository.
type State struct {
	Threads        map[schema.ThreadID]*ThreadState
	FocusedThread  schema.ThreadID
	PermissionMode schema.PermissionMode

	// threadList is the last authoritative fetch; optimistic holds
	// locally-created threads not yet confirmed by such a fetch.
	threadList []schema.ThreadSummary
	optimistic []schema.ThreadSummary
}

// NewState constructs an empty reconciler state.
func NewState() *State {
	return &State{
		Threads:        make(map[schema.ThreadID]*ThreadState),
		PermissionMode: schema.PermissionDefault,
	}
}

func (s *State) thread(id schema.ThreadID) *ThreadState {
	th, ok := s.Threads[id]
	if !ok {
		th = &ThreadState{
			ID:           id,
			Reasoning:    make(map[schema.ItemID]*Reasoning),
			FileChanges:  make(map[schema.ItemID]*FileChangeRecord),
			autoApproved: make(map[schema.ItemID]bool),
		}
		s.Threads[id] = th
	}
	return th
}

// Status derives the coarse UI status for a thread with fixed precedence:
// pending-approval > reviewing > processing > unread > ready.
func (s *State) Status(id schema.ThreadID) UIStatus {
	th, ok := s.Threads[id]
	if !ok {
		return StatusReady
	}
	switch {
	case len(th.Approvals) > 0:
		return StatusPendingApproval
	case th.Reviewing:
		return StatusReviewing
	case th.Processing:
		return StatusProcessing
	case th.Unread:
		return StatusUnread
	default:
		return StatusReady
	}
}

// Focus marks a thread as the one being viewed, clearing its unread flag.
func (s *State) Focus(id schema.ThreadID) {
	s.FocusedThread = id
	if th, ok := s.Threads[id]; ok {
		th.Unread = false
	}
}

// SetReviewing toggles review mode for a thread.
func (s *State) SetReviewing(id schema.ThreadID, reviewing bool) {
	s.thread(id).Reviewing = reviewing
}

// SetPermissionMode records the active permission mode.
func (s *State) SetPermissionMode(mode schema.PermissionMode) {
	if mode == "" {
		mode = schema.PermissionDefault
	}
	s.PermissionMode = mode
}

func (th *ThreadState) messageByItem(id schema.ItemID) *Message {
	if id == "" {
		return nil
	}
	for i := range th.Messages {
		if th.Messages[i].ItemID == id {
			return &th.Messages[i]
		}
	}
	return nil
}

func (th *ThreadState) reasoning(id schema.ItemID) *Reasoning {
	r, ok := th.Reasoning[id]
	if !ok {
		r = &Reasoning{ItemID: id}
		th.Reasoning[id] = r
	}
	return r
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
