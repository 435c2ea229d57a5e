package agentdeck

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/agentdeck/httpapi"
	"pkt.systems/agentdeck/internal/agentproc"
)

type idleTransport struct {
	closed chan struct{}
}

func newIdleTransport() *idleTransport {
	return &idleTransport{closed: make(chan struct{})}
}

func (t *idleTransport) Send(ctx context.Context, frame []byte) error { return nil }

func (t *idleTransport) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, io.EOF
	}
}

func (t *idleTransport) Close() error {
	select {
	case <-t.closed:
	default:
		close(t.closed)
	}
	return nil
}

type idleLauncher struct{}

func (idleLauncher) Launch(ctx context.Context, repoPath string) (agentproc.Transport, error) {
	return newIdleTransport(), nil
}

func testConfig(t *testing.T) ServerConfig {
	t.Helper()
	return ServerConfig{
		HTTP:      httpapi.Config{Addr: "127.0.0.1:0"},
		StorePath: filepath.Join(t.TempDir(), "repos.json"),
		Agent:     agentproc.Config{Binary: "true"},
	}
}

func TestNewRequiresStorePath(t *testing.T) {
	cfg := testConfig(t)
	cfg.StorePath = ""
	if _, err := New(cfg, ServerDeps{}); err == nil {
		t.Fatalf("expected error without store path")
	}
}

func TestServerStartStop(t *testing.T) {
	server, err := New(testConfig(t), ServerDeps{Launcher: idleLauncher{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := server.Start(context.Background()); err == nil {
		t.Fatalf("expected second Start to fail")
	}

	done := make(chan error, 1)
	go func() { done <- server.Wait() }()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Wait did not return after Stop")
	}
}

func TestWaitBeforeStart(t *testing.T) {
	server, err := New(testConfig(t), ServerDeps{Launcher: idleLauncher{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := server.Wait(); err == nil {
		t.Fatalf("expected Wait to fail before Start")
	}
}

func TestStopBeforeStartIsNoop(t *testing.T) {
	server, err := New(testConfig(t), ServerDeps{Launcher: idleLauncher{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := server.Stop(context.Background()); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
}
