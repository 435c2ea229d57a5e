package schema

// RepoID identifies a registered repository. Derived from the canonical
// repository path, stable across restarts.
type RepoID string

// ThreadID identifies a conversation thread owned by the agent process.
type ThreadID string

// TurnID identifies one turn of agent work within a thread.
type TurnID string

// ItemID identifies an atomic unit of turn output.
type ItemID string

// ConnID identifies a live browser connection.
type ConnID string

// ModelID identifies an LLM model.
type ModelID string

// ReasoningEffort selects the model reasoning effort level.
type ReasoningEffort string

// PermissionMode controls how approval requests are handled.
type PermissionMode string

const (
	// PermissionDefault requires an explicit decision for risky actions.
	PermissionDefault PermissionMode = "default"
	// PermissionUnrestricted auto-approves command and file-change items.
	PermissionUnrestricted PermissionMode = "unrestricted"
)

// SessionStatus is the lifecycle state of a per-repository agent session.
type SessionStatus string

const (
	// SessionStopped means no agent process exists for the repository.
	SessionStopped SessionStatus = "stopped"
	// SessionStarting means the agent process is being spawned.
	SessionStarting SessionStatus = "starting"
	// SessionConnected means the agent process is up and serving requests.
	SessionConnected SessionStatus = "connected"
	// SessionError means the last start or the process itself failed.
	SessionError SessionStatus = "error"
)

// TurnStatus is the lifecycle state of a turn as observed from the stream.
type TurnStatus string

const (
	// TurnStatusRunning means the turn has started and not yet terminated.
	TurnStatusRunning TurnStatus = "running"
	// TurnStatusCompleted means the turn finished normally.
	TurnStatusCompleted TurnStatus = "completed"
	// TurnStatusFailed means the turn terminated with an error.
	TurnStatusFailed TurnStatus = "failed"
	// TurnStatusInterrupted means the turn was cancelled before completion.
	TurnStatusInterrupted TurnStatus = "interrupted"
)

// Repository is a registered repository the bridge can open sessions for.
type Repository struct {
	ID                 RepoID   `json:"repoId"`
	Name               string   `json:"name"`
	Path               string   `json:"path"`
	LastOpenedThreadID ThreadID `json:"lastOpenedThreadId,omitempty"`
}

// RepositoryPatch carries the mutable repository fields.
type RepositoryPatch struct {
	Name               *string   `json:"name,omitempty"`
	LastOpenedThreadID *ThreadID `json:"lastOpenedThreadId,omitempty"`
}

// Settings are the user-level defaults shared by all sessions.
type Settings struct {
	Model           ModelID         `json:"model,omitempty"`
	PermissionMode  PermissionMode  `json:"permissionMode,omitempty"`
	ReasoningEffort ReasoningEffort `json:"reasoningEffort,omitempty"`
}

// SettingsPatch carries partial settings updates.
type SettingsPatch struct {
	Model           *ModelID         `json:"model,omitempty"`
	PermissionMode  *PermissionMode  `json:"permissionMode,omitempty"`
	ReasoningEffort *ReasoningEffort `json:"reasoningEffort,omitempty"`
}

// ThreadSummary is one entry of a thread/list result.
type ThreadSummary struct {
	ID        ThreadID `json:"id"`
	Title     string   `json:"title,omitempty"`
	UpdatedAt string   `json:"updatedAt,omitempty"`
}
