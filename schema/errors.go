package schema

import "errors"

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidRepoPath indicates the repository path is missing or not a readable directory.
	ErrInvalidRepoPath = errors.New("invalid repository path")
	// ErrRepoExists indicates the canonical path is already registered.
	ErrRepoExists = errors.New("repository already registered")
	// ErrRepoIDCollision indicates two distinct paths hashed to the same id.
	ErrRepoIDCollision = errors.New("repository id collision")
	// ErrRepoNotFound indicates a repository id is not registered.
	ErrRepoNotFound = errors.New("repository not found")
	// ErrStoreCorrupt indicates the store file exists but cannot be decoded.
	ErrStoreCorrupt = errors.New("repository store corrupt")
	// ErrAgentExited indicates the agent process terminated with requests pending.
	ErrAgentExited = errors.New("agent process exited")
	// ErrAgentUnavailable indicates no usable agent session exists.
	ErrAgentUnavailable = errors.New("agent session unavailable")
	// ErrSessionStopped indicates the session was stopped while in use.
	ErrSessionStopped = errors.New("session stopped")
	// ErrUnknownMethod indicates an unrecognized protocol method name.
	ErrUnknownMethod = errors.New("unknown method")
)
