package logx

import (
	"context"

	"pkt.systems/agentdeck/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	repoKey contextKey = iota
	connKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithRepo annotates the logger with the repository id if present.
func WithRepo(ctx context.Context, repoID schema.RepoID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if repoID != "" {
		if current, ok := ctx.Value(repoKey).(schema.RepoID); ok && current == repoID {
			return log
		}
		log = log.With("repo", repoID)
	}
	return log
}

// WithConn annotates the logger with a connection id if present.
func WithConn(ctx context.Context, connID schema.ConnID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if connID != "" {
		if current, ok := ctx.Value(connKey).(schema.ConnID); ok && current == connID {
			return log
		}
		log = log.With("conn", connID)
	}
	return log
}

// WithThread annotates the logger with a thread id when available.
func WithThread(log pslog.Logger, threadID schema.ThreadID) pslog.Logger {
	if threadID != "" {
		log = log.With("thread", threadID)
	}
	return log
}

// WithTurn annotates the logger with a turn id when available.
func WithTurn(log pslog.Logger, turnID schema.TurnID) pslog.Logger {
	if turnID != "" {
		log = log.With("turn", turnID)
	}
	return log
}

// ContextWithRepo stores the repo marker on the context for log de-duplication.
func ContextWithRepo(ctx context.Context, repoID schema.RepoID) context.Context {
	if ctx == nil || repoID == "" {
		return ctx
	}
	return context.WithValue(ctx, repoKey, repoID)
}

// ContextWithConn stores the connection marker on the context for log de-duplication.
func ContextWithConn(ctx context.Context, connID schema.ConnID) context.Context {
	if ctx == nil || connID == "" {
		return ctx
	}
	return context.WithValue(ctx, connKey, connID)
}

// ContextWithRepoLogger attaches the logger and repo marker to the context.
func ContextWithRepoLogger(ctx context.Context, log pslog.Logger, repoID schema.RepoID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithRepo(ctx, repoID)
}
