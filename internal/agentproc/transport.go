// Package agentproc speaks the JSON-RPC-like stdio protocol of the agent
// process: requests issued by the bridge, responses matched by id, and
// notifications plus agent-issued decision requests flowing back.
package agentproc

import (
	"context"
)

// Transport moves one JSON frame at a time to and from an agent process.
type Transport interface {
	// Send writes one frame. Implementations append the line terminator.
	Send(ctx context.Context, frame []byte) error
	// Recv returns the next frame, io.EOF once the process is gone.
	Recv(ctx context.Context) ([]byte, error)
	// Close terminates the underlying process or stream.
	Close() error
}

// Launcher starts an agent process bound to a repository working directory.
type Launcher interface {
	Launch(ctx context.Context, repoPath string) (Transport, error)
}
