// Package turns folds the agent notification stream into a finite-state
// record of turns: their lifecycle status and the latest agent-authored
// message text. Downstream consumers use it only to decide whether a finished
// turn warrants a desktop notification and what body text to show.
package turns

import (
	"sync"

	"pkt.systems/agentdeck/schema"
)

type turnKey struct {
	repo schema.RepoID
	turn schema.TurnID
}

type turnRecord struct {
	status      schema.TurnStatus
	messageItem schema.ItemID
	messageText string
}

// Tracker records in-flight and finished turns per repository.
type Tracker struct {
	mu    sync.Mutex
	turns map[turnKey]*turnRecord
}

// NewTracker constructs an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{turns: make(map[turnKey]*turnRecord)}
}

// Observe folds one notification into the tracked state. Unknown methods and
// events without a turn id are ignored.
func (t *Tracker) Observe(repoID schema.RepoID, n schema.Notification) {
	event, err := schema.DecodeNotification(n)
	if err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch ev := event.(type) {
	case schema.TurnStarted:
		if ev.Turn.ID == "" {
			return
		}
		record := t.record(repoID, ev.Turn.ID)
		if record.terminal() {
			return
		}
		record.status = schema.TurnStatusRunning
	case schema.TurnCompleted:
		if ev.Turn.ID == "" {
			return
		}
		record := t.record(repoID, ev.Turn.ID)
		if ev.Turn.Status == string(schema.TurnStatusInterrupted) {
			// The one allowed terminal transition: Completed downgrades to
			// Interrupted when the terminating event says so.
			if !record.terminal() || record.status == schema.TurnStatusCompleted {
				record.status = schema.TurnStatusInterrupted
			}
			return
		}
		if record.terminal() {
			return
		}
		record.status = schema.TurnStatusCompleted
	case schema.TurnFailed:
		if ev.TurnID == "" {
			return
		}
		if record := t.record(repoID, ev.TurnID); !record.terminal() {
			record.status = schema.TurnStatusFailed
		}
	case schema.TurnError:
		if ev.TurnID == "" {
			return
		}
		if record := t.record(repoID, ev.TurnID); !record.terminal() {
			record.status = schema.TurnStatusFailed
		}
	case schema.AgentMessageDelta:
		if ev.TurnID == "" || ev.ItemID == "" {
			return
		}
		record := t.record(repoID, ev.TurnID)
		if record.messageItem != ev.ItemID {
			// A new item id starts a fresh tracked message.
			record.messageItem = ev.ItemID
			record.messageText = ev.Delta
			return
		}
		record.messageText += ev.Delta
	case schema.ItemStarted:
		t.observeItem(repoID, ev.TurnID, ev.Item)
	case schema.ItemCompleted:
		t.observeItem(repoID, ev.TurnID, ev.Item)
	}
}

// observeItem replaces the tracked message text when a full agent message
// item arrives, scoped by item id. Callers must hold t.mu.
func (t *Tracker) observeItem(repoID schema.RepoID, turnID schema.TurnID, item schema.Item) {
	if turnID == "" || item.Type != schema.ItemAgentMessage || item.ID == "" {
		return
	}
	record := t.record(repoID, turnID)
	record.messageItem = item.ID
	record.messageText = item.Text
}

func (r *turnRecord) terminal() bool {
	switch r.status {
	case schema.TurnStatusCompleted, schema.TurnStatusFailed, schema.TurnStatusInterrupted:
		return true
	default:
		return false
	}
}

// Status reports the tracked status of a turn, or empty when unseen.
func (t *Tracker) Status(repoID schema.RepoID, turnID schema.TurnID) schema.TurnStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	if record, ok := t.turns[turnKey{repo: repoID, turn: turnID}]; ok {
		return record.status
	}
	return ""
}

// LastAgentMessage returns the latest agent-authored text for a turn.
func (t *Tracker) LastAgentMessage(repoID schema.RepoID, turnID schema.TurnID) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if record, ok := t.turns[turnKey{repo: repoID, turn: turnID}]; ok {
		return record.messageText
	}
	return ""
}

// Finished reports whether a turn has reached a terminal state.
func (t *Tracker) Finished(repoID schema.RepoID, turnID schema.TurnID) bool {
	switch t.Status(repoID, turnID) {
	case schema.TurnStatusCompleted, schema.TurnStatusFailed, schema.TurnStatusInterrupted:
		return true
	default:
		return false
	}
}

// Forget drops all state for a repository, typically on session stop.
func (t *Tracker) Forget(repoID schema.RepoID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.turns {
		if key.repo == repoID {
			delete(t.turns, key)
		}
	}
}

func (t *Tracker) record(repoID schema.RepoID, turnID schema.TurnID) *turnRecord {
	key := turnKey{repo: repoID, turn: turnID}
	record, ok := t.turns[key]
	if !ok {
		record = &turnRecord{}
		t.turns[key] = record
	}
	return record
}
