package schema

import (
	"encoding/json"
	"strings"
)

// Protocol method names emitted by the agent process as notifications.
const (
	MethodThreadStarted             = "thread/started"
	MethodTurnStarted               = "turn/started"
	MethodTurnCompleted             = "turn/completed"
	MethodTurnFailed                = "turn/failed"
	MethodTurnError                 = "error"
	MethodTurnDiffUpdated           = "turn/diffUpdated"
	MethodItemStarted               = "item/started"
	MethodItemUpdated               = "item/updated"
	MethodItemCompleted             = "item/completed"
	MethodAgentMessageDelta         = "item/agentMessageDelta"
	MethodReasoningSummaryDelta     = "item/reasoningSummaryDelta"
	MethodReasoningSummaryPartAdded = "item/reasoningSummaryPartAdded"
	MethodReasoningContentDelta     = "item/reasoningContentDelta"
)

// Request methods issued by clients against the agent.
const (
	MethodThreadList    = "thread/list"
	MethodThreadStart   = "thread/start"
	MethodThreadResume  = "thread/resume"
	MethodTurnStart     = "turn/start"
	MethodTurnInterrupt = "turn/interrupt"
	MethodReviewStart   = "review/start"
	MethodModelList     = "model/list"
)

// ItemType describes the payload of item/* events.
type ItemType string

const (
	// ItemAgentMessage is assistant-authored message text.
	ItemAgentMessage ItemType = "agentMessage"
	// ItemUserMessage is user-authored message text echoed by the agent.
	ItemUserMessage ItemType = "userMessage"
	// ItemReasoning is a reasoning block.
	ItemReasoning ItemType = "reasoning"
	// ItemCommandExecution is a command run by the agent.
	ItemCommandExecution ItemType = "commandExecution"
	// ItemFileChange is a set of file modifications.
	ItemFileChange ItemType = "fileChange"
	// ItemMcpToolCall is an MCP tool invocation.
	ItemMcpToolCall ItemType = "mcpToolCall"
	// ItemWebSearch is a web search performed by the agent.
	ItemWebSearch ItemType = "webSearch"
	// ItemTodoList is the agent's running task list.
	ItemTodoList ItemType = "todoList"
	// ItemError is an error surfaced as an item.
	ItemError ItemType = "error"
)

// Notification is a fire-and-forget message from the agent process.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// AgentRequest is the agent process asking the client for a decision. The id
// is kept raw so responses echo it byte-for-byte.
type AgentRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ClientResponse is a browser-issued decision relayed back to the agent.
type ClientResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// FileChange is one entry of a fileChange item.
type FileChange struct {
	Path string `json:"path,omitempty"`
	Kind string `json:"kind,omitempty"`
	Diff string `json:"diff,omitempty"`
}

// TodoItem is one checklist entry of a todoList item.
type TodoItem struct {
	Text      string `json:"text,omitempty"`
	Completed bool   `json:"completed,omitempty"`
}

// Item is the payload of item/* events.
type Item struct {
	ID       ItemID       `json:"id,omitempty"`
	Type     ItemType     `json:"type,omitempty"`
	Text     string       `json:"text,omitempty"`
	Command  string       `json:"command,omitempty"`
	Status   string       `json:"status,omitempty"`
	Changes  []FileChange `json:"changes,omitempty"`
	Query    string       `json:"query,omitempty"`
	Items    []TodoItem   `json:"items,omitempty"`
	ExitCode *int         `json:"exitCode,omitempty"`
}

// Event is a typed protocol notification produced by DecodeNotification.
// Exactly one concrete type below is returned per method name so downstream
// folds never re-inspect raw JSON.
type Event interface {
	Thread() ThreadID
}

// ThreadStarted reports a new thread.
type ThreadStarted struct {
	ThreadID ThreadID `json:"threadId"`
}

// TurnStarted reports a turn entering the running state.
type TurnStarted struct {
	ThreadID ThreadID `json:"threadId"`
	Turn     TurnRef  `json:"turn"`
}

// TurnCompleted reports a turn reaching a terminal state. Status may carry
// "interrupted" when the turn was cancelled mid-flight.
type TurnCompleted struct {
	ThreadID ThreadID `json:"threadId"`
	Turn     TurnRef  `json:"turn"`
}

// TurnFailed reports a turn terminating with an error.
type TurnFailed struct {
	ThreadID ThreadID  `json:"threadId"`
	TurnID   TurnID    `json:"turnId"`
	Error    *RPCError `json:"error,omitempty"`
}

// TurnError is the generic stream-level error notification.
type TurnError struct {
	ThreadID ThreadID `json:"threadId"`
	TurnID   TurnID   `json:"turnId,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// TurnRef carries a turn id plus its reported status.
type TurnRef struct {
	ID     TurnID `json:"id"`
	Status string `json:"status,omitempty"`
}

// TurnDiffUpdated carries the latest aggregated diff for a turn.
type TurnDiffUpdated struct {
	ThreadID ThreadID `json:"threadId"`
	TurnID   TurnID   `json:"turnId"`
	Diff     string   `json:"diff"`
}

// ItemStarted reports a new item in the active turn.
type ItemStarted struct {
	ThreadID ThreadID `json:"threadId"`
	TurnID   TurnID   `json:"turnId,omitempty"`
	Item     Item     `json:"item"`
}

// ItemUpdated reports a partial item update.
type ItemUpdated struct {
	ThreadID ThreadID `json:"threadId"`
	TurnID   TurnID   `json:"turnId,omitempty"`
	Item     Item     `json:"item"`
}

// ItemCompleted reports an item reaching its final form.
type ItemCompleted struct {
	ThreadID ThreadID `json:"threadId"`
	TurnID   TurnID   `json:"turnId,omitempty"`
	Item     Item     `json:"item"`
}

// AgentMessageDelta is an incremental chunk of assistant message text.
type AgentMessageDelta struct {
	ThreadID ThreadID `json:"threadId"`
	TurnID   TurnID   `json:"turnId,omitempty"`
	ItemID   ItemID   `json:"itemId"`
	Delta    string   `json:"delta"`
}

// ReasoningSummaryDelta is an incremental chunk of a reasoning summary part.
type ReasoningSummaryDelta struct {
	ThreadID     ThreadID `json:"threadId"`
	ItemID       ItemID   `json:"itemId"`
	SummaryIndex int      `json:"summaryIndex"`
	Delta        string   `json:"delta"`
}

// ReasoningSummaryPartAdded opens a new reasoning summary part.
type ReasoningSummaryPartAdded struct {
	ThreadID ThreadID `json:"threadId"`
	ItemID   ItemID   `json:"itemId"`
}

// ReasoningContentDelta is an incremental chunk of a reasoning content part.
type ReasoningContentDelta struct {
	ThreadID     ThreadID `json:"threadId"`
	ItemID       ItemID   `json:"itemId"`
	ContentIndex int      `json:"contentIndex"`
	Delta        string   `json:"delta"`
}

func (e ThreadStarted) Thread() ThreadID             { return e.ThreadID }
func (e TurnStarted) Thread() ThreadID               { return e.ThreadID }
func (e TurnCompleted) Thread() ThreadID             { return e.ThreadID }
func (e TurnFailed) Thread() ThreadID                { return e.ThreadID }
func (e TurnError) Thread() ThreadID                 { return e.ThreadID }
func (e TurnDiffUpdated) Thread() ThreadID           { return e.ThreadID }
func (e ItemStarted) Thread() ThreadID               { return e.ThreadID }
func (e ItemUpdated) Thread() ThreadID               { return e.ThreadID }
func (e ItemCompleted) Thread() ThreadID             { return e.ThreadID }
func (e AgentMessageDelta) Thread() ThreadID         { return e.ThreadID }
func (e ReasoningSummaryDelta) Thread() ThreadID     { return e.ThreadID }
func (e ReasoningSummaryPartAdded) Thread() ThreadID { return e.ThreadID }
func (e ReasoningContentDelta) Thread() ThreadID     { return e.ThreadID }

// DecodeNotification maps a raw notification to its typed event. Unknown
// methods return ErrUnknownMethod; callers forward those raw and move on.
func DecodeNotification(n Notification) (Event, error) {
	switch n.Method {
	case MethodThreadStarted:
		return decodeParams[ThreadStarted](n.Params)
	case MethodTurnStarted:
		return decodeParams[TurnStarted](n.Params)
	case MethodTurnCompleted:
		return decodeParams[TurnCompleted](n.Params)
	case MethodTurnFailed:
		return decodeParams[TurnFailed](n.Params)
	case MethodTurnError:
		return decodeParams[TurnError](n.Params)
	case MethodTurnDiffUpdated:
		return decodeParams[TurnDiffUpdated](n.Params)
	case MethodItemStarted:
		return decodeParams[ItemStarted](n.Params)
	case MethodItemUpdated:
		return decodeParams[ItemUpdated](n.Params)
	case MethodItemCompleted:
		return decodeParams[ItemCompleted](n.Params)
	case MethodAgentMessageDelta:
		return decodeParams[AgentMessageDelta](n.Params)
	case MethodReasoningSummaryDelta:
		return decodeParams[ReasoningSummaryDelta](n.Params)
	case MethodReasoningSummaryPartAdded:
		return decodeParams[ReasoningSummaryPartAdded](n.Params)
	case MethodReasoningContentDelta:
		return decodeParams[ReasoningContentDelta](n.Params)
	default:
		return nil, ErrUnknownMethod
	}
}

func decodeParams[T Event](raw json.RawMessage) (Event, error) {
	var event T
	if len(raw) == 0 {
		return event, nil
	}
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, err
	}
	return event, nil
}

// IsApprovalMethod reports whether an agent request asks for a human decision.
func IsApprovalMethod(method string) bool {
	return strings.Contains(method, "requestApproval")
}

// ApprovalKind classifies an approval request method for notification text.
type ApprovalKind string

const (
	// ApprovalCommand asks to run a command.
	ApprovalCommand ApprovalKind = "command"
	// ApprovalFileChange asks to apply a file change.
	ApprovalFileChange ApprovalKind = "fileChange"
	// ApprovalOther is any other approval request.
	ApprovalOther ApprovalKind = "other"
)

// ApprovalKindOf classifies the approval request by its method name.
func ApprovalKindOf(method string) ApprovalKind {
	switch {
	case strings.Contains(method, "commandExecution"):
		return ApprovalCommand
	case strings.Contains(method, "fileChange"):
		return ApprovalFileChange
	default:
		return ApprovalOther
	}
}
