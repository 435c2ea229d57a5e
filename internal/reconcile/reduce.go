package reconcile

import (
	"encoding/json"
	"strings"
	"time"

	"pkt.systems/agentdeck/schema"
)

// Apply folds one forwarded notification into the state. Unknown or
// non-conversational methods are ignored.
func (s *State) Apply(n schema.Notification) {
	ev, err := schema.DecodeNotification(n)
	if err != nil || ev == nil {
		return
	}
	threadID := ev.Thread()
	if threadID == "" {
		return
	}
	th := s.thread(threadID)

	switch e := ev.(type) {
	case schema.TurnStarted:
		th.Processing = true
	case schema.TurnCompleted, schema.TurnFailed, schema.TurnError:
		th.Processing = false
	case schema.TurnDiffUpdated:
		s.applyDiff(th, e)
	case schema.AgentMessageDelta:
		s.applyAgentDelta(th, e)
		// Streaming means the turn is live even when turn/started was
		// missed across a reconnect.
		th.Processing = true
		s.markActivity(th)
	case schema.ItemStarted:
		s.applyItem(th, e.Item, false)
		th.Processing = true
		s.markActivity(th)
	case schema.ItemUpdated:
		s.applyItem(th, e.Item, false)
		s.markActivity(th)
	case schema.ItemCompleted:
		s.applyItem(th, e.Item, true)
		s.markActivity(th)
	case schema.ReasoningSummaryPartAdded:
		r := th.reasoning(e.ItemID)
		r.SummaryParts = append(r.SummaryParts, "")
		s.flattenReasoning(r)
		th.Processing = true
	case schema.ReasoningSummaryDelta:
		r := th.reasoning(e.ItemID)
		growParts(&r.SummaryParts, e.SummaryIndex)
		r.SummaryParts[e.SummaryIndex] += e.Delta
		s.flattenReasoning(r)
		th.Processing = true
	case schema.ReasoningContentDelta:
		r := th.reasoning(e.ItemID)
		growParts(&r.ContentParts, e.ContentIndex)
		r.ContentParts[e.ContentIndex] += e.Delta
		s.flattenReasoning(r)
		th.Processing = true
	}
}

// ApplyRequest folds one forwarded agent request. Approval requests join the
// thread's queue, deduped by rpc id; anything else is ignored.
func (s *State) ApplyRequest(req schema.AgentRequest, now time.Time) {
	if !schema.IsApprovalMethod(req.Method) || len(req.ID) == 0 {
		return
	}
	var probe struct {
		ThreadID schema.ThreadID `json:"threadId"`
		TurnID   schema.TurnID   `json:"turnId"`
		ItemID   schema.ItemID   `json:"itemId"`
	}
	_ = json.Unmarshal(req.Params, &probe)
	if probe.ThreadID == "" {
		// threadId is optional on the wire. Without one the only sensible
		// home is the focused thread; with no focus either, drop it.
		probe.ThreadID = s.FocusedThread
	}
	if probe.ThreadID == "" {
		return
	}
	th := s.thread(probe.ThreadID)
	rpcID := string(req.ID)
	for _, a := range th.Approvals {
		if a.RPCID == rpcID {
			return
		}
	}
	th.Approvals = append(th.Approvals, Approval{
		RPCID:      rpcID,
		Method:     req.Method,
		Params:     req.Params,
		ThreadID:   probe.ThreadID,
		TurnID:     probe.TurnID,
		ItemID:     probe.ItemID,
		ReceivedAt: now,
	})
	if probe.ThreadID != s.FocusedThread {
		th.Unread = true
	}
}

// ResolveApproval removes the queue entry matching rpcID and appends a
// synthetic outcome message. Resolving an unknown rpc id is a no-op, so a
// decision replayed after reconnect cannot double-apply.
func (s *State) ResolveApproval(rpcID string, approved bool) bool {
	for _, th := range s.Threads {
		for i, a := range th.Approvals {
			if a.RPCID != rpcID {
				continue
			}
			th.Approvals = append(th.Approvals[:i], th.Approvals[i+1:]...)
			th.Messages = append(th.Messages, Message{
				Role: RoleNotice,
				Text: approvalOutcomeText(a, approved),
			})
			return true
		}
	}
	return false
}

// AppendPendingUserMessage records an optimistic user message before the
// agent has echoed it back. At most one pending message is outstanding per
// thread; the echo claims it via item reconciliation.
func (s *State) AppendPendingUserMessage(threadID schema.ThreadID, text string) {
	th := s.thread(threadID)
	th.Messages = append(th.Messages, Message{
		Role:    RoleUser,
		Text:    text,
		Pending: true,
	})
	th.Processing = true
}

// AddOptimisticThread overlays a locally-created thread onto the thread list
// until an authoritative fetch confirms it.
func (s *State) AddOptimisticThread(summary schema.ThreadSummary) {
	for _, t := range s.optimistic {
		if t.ID == summary.ID {
			return
		}
	}
	s.optimistic = append(s.optimistic, summary)
}

// MergeThreadList installs an authoritative thread list, dropping optimistic
// entries the fetch confirmed and keeping the rest overlaid on top.
func (s *State) MergeThreadList(threads []schema.ThreadSummary) {
	s.threadList = threads
	known := make(map[schema.ThreadID]bool, len(threads))
	for _, t := range threads {
		known[t.ID] = true
	}
	kept := s.optimistic[:0]
	for _, t := range s.optimistic {
		if !known[t.ID] {
			kept = append(kept, t)
		}
	}
	s.optimistic = kept
}

// ThreadList returns the authoritative list with unconfirmed optimistic
// threads prepended.
func (s *State) ThreadList() []schema.ThreadSummary {
	if len(s.optimistic) == 0 {
		return s.threadList
	}
	out := make([]schema.ThreadSummary, 0, len(s.optimistic)+len(s.threadList))
	out = append(out, s.optimistic...)
	out = append(out, s.threadList...)
	return out
}

func (s *State) applyAgentDelta(th *ThreadState, e schema.AgentMessageDelta) {
	if m := th.messageByItem(e.ItemID); m != nil {
		m.Text += e.Delta
		return
	}
	th.Messages = append(th.Messages, Message{
		ItemID: e.ItemID,
		Role:   RoleAgent,
		Text:   e.Delta,
	})
}

// applyItem reconciles a full item payload against the message list. Started
// and completed carry authoritative text, so they replace any delta-built
// prefix rather than appending to it.
func (s *State) applyItem(th *ThreadState, item schema.Item, completed bool) {
	switch item.Type {
	case schema.ItemAgentMessage:
		if m := th.messageByItem(item.ID); m != nil {
			if item.Text != "" || completed {
				m.Text = item.Text
			}
			return
		}
		th.Messages = append(th.Messages, Message{
			ItemID: item.ID,
			Role:   RoleAgent,
			Text:   item.Text,
		})
	case schema.ItemUserMessage:
		if m := th.messageByItem(item.ID); m != nil {
			m.Text = item.Text
			m.Pending = false
			return
		}
		// Claim the optimistic pending message if one is outstanding.
		for i := range th.Messages {
			m := &th.Messages[i]
			if m.Role == RoleUser && m.Pending {
				m.ItemID = item.ID
				m.Text = item.Text
				m.Pending = false
				return
			}
		}
		th.Messages = append(th.Messages, Message{
			ItemID: item.ID,
			Role:   RoleUser,
			Text:   item.Text,
		})
	case schema.ItemFileChange:
		s.applyFileChange(th, item)
		if completed {
			s.maybeAutoApprove(th, item)
		}
	case schema.ItemCommandExecution:
		if completed {
			s.maybeAutoApprove(th, item)
		}
	case schema.ItemReasoning:
		r := th.reasoning(item.ID)
		if item.Text != "" {
			r.Summary = truncate(item.Text, MaxReasoningSummaryChars)
		}
	}
}

// applyFileChange merges an item's change set field by field, last write
// wins, except that an empty change list never erases a non-empty one.
func (s *State) applyFileChange(th *ThreadState, item schema.Item) {
	rec, ok := th.FileChanges[item.ID]
	if !ok {
		rec = &FileChangeRecord{ItemID: item.ID}
		th.FileChanges[item.ID] = rec
	}
	if item.Status != "" {
		rec.Status = item.Status
	}
	if len(item.Changes) > 0 || len(rec.Changes) == 0 {
		rec.Changes = item.Changes
	}
}

// maybeAutoApprove synthesizes an approval outcome message when the active
// permission mode grants everything. Deduped per item so replays stay quiet.
func (s *State) maybeAutoApprove(th *ThreadState, item schema.Item) {
	if s.PermissionMode != schema.PermissionUnrestricted || item.ID == "" {
		return
	}
	if th.autoApproved[item.ID] {
		return
	}
	th.autoApproved[item.ID] = true
	th.Messages = append(th.Messages, Message{
		Role: RoleNotice,
		Text: autoApprovalText(item),
	})
}

// applyDiff replaces the diff for a turn; one entry per turn, never appended.
func (s *State) applyDiff(th *ThreadState, e schema.TurnDiffUpdated) {
	for i := range th.Diffs {
		if th.Diffs[i].TurnID == e.TurnID {
			th.Diffs[i].Diff = e.Diff
			return
		}
	}
	th.Diffs = append(th.Diffs, DiffEntry{TurnID: e.TurnID, Diff: e.Diff})
}

func (s *State) flattenReasoning(r *Reasoning) {
	r.Summary = truncate(strings.Join(r.SummaryParts, ""), MaxReasoningSummaryChars)
	r.Content = truncate(strings.Join(r.ContentParts, ""), MaxReasoningContentChars)
}

func (s *State) markActivity(th *ThreadState) {
	if th.ID != s.FocusedThread {
		th.Unread = true
	}
}

func growParts(parts *[]string, index int) {
	if index < 0 {
		index = 0
	}
	for len(*parts) <= index {
		*parts = append(*parts, "")
	}
}

func approvalOutcomeText(a Approval, approved bool) string {
	verb := "rejected"
	if approved {
		verb = "approved"
	}
	switch schema.ApprovalKindOf(a.Method) {
	case schema.ApprovalCommand:
		return "command " + verb
	case schema.ApprovalFileChange:
		return "file change " + verb
	default:
		return "request " + verb
	}
}

func autoApprovalText(item schema.Item) string {
	switch item.Type {
	case schema.ItemCommandExecution:
		if item.Command != "" {
			return "auto-approved command: " + item.Command
		}
		return "auto-approved command"
	case schema.ItemFileChange:
		return "auto-approved file change"
	default:
		return "auto-approved"
	}
}
