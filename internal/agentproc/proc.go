package agentproc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"pkt.systems/pslog"
)

// Config controls how the agent binary is invoked.
type Config struct {
	Binary string
	Args   []string
	Env    []string
}

// ProcLauncher spawns one agent subprocess per Launch call.
type ProcLauncher struct {
	cfg Config
}

// NewProcLauncher constructs a subprocess launcher.
func NewProcLauncher(cfg Config) (*ProcLauncher, error) {
	if cfg.Binary == "" {
		cfg.Binary = "codex"
	}
	return &ProcLauncher{cfg: cfg}, nil
}

// Launch starts the agent process with the repository as working directory
// and returns a frame transport over its stdio.
func (l *ProcLauncher) Launch(ctx context.Context, repoPath string) (Transport, error) {
	log := pslog.Ctx(ctx)
	log.Info("agent proc start", "binary", l.cfg.Binary, "args", l.cfg.Args, "workdir", repoPath)

	cmd := exec.CommandContext(ctx, l.cfg.Binary, l.cfg.Args...)
	cmd.Dir = repoPath
	cmd.Env = append(os.Environ(), l.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		log.Error("agent proc stdin failed", "err", err)
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		log.Error("agent proc stdout failed", "err", err)
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		log.Error("agent proc stderr failed", "err", err)
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		log.Error("agent proc start failed", "err", err)
		return nil, err
	}
	if cmd.Process != nil {
		log.Info("agent proc started", "pid", cmd.Process.Pid)
	}

	proc := &proc{
		cmd:     cmd,
		stdin:   stdin,
		frames:  make(chan frameOrErr, 256),
		log:     log,
		started: time.Now(),
	}
	go proc.readStdout(stdout)
	go proc.readStderr(stderr)
	return proc, nil
}

type frameOrErr struct {
	frame []byte
	err   error
}

type proc struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	frames  chan frameOrErr
	log     pslog.Logger
	started time.Time

	writeMu  sync.Mutex
	closeMu  sync.Mutex
	closed   bool
	waitOnce sync.Once
	waitErr  error
}

func (p *proc) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stdin.Write(append(bytes.TrimRight(frame, "\n"), '\n')); err != nil {
		if p.log != nil {
			p.log.Warn("agent proc write failed", "err", err)
		}
		return err
	}
	return nil
}

func (p *proc) Recv(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case next, ok := <-p.frames:
		if !ok {
			return nil, io.EOF
		}
		if next.err != nil {
			return nil, next.err
		}
		return next.frame, nil
	}
}

func (p *proc) Close() error {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return nil
	}
	p.closed = true
	p.closeMu.Unlock()

	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}
	p.waitOnce.Do(func() { p.waitErr = p.cmd.Wait() })
	if p.log != nil {
		p.log.Info("agent proc stopped", "duration_ms", time.Since(p.started).Milliseconds(), "err", p.waitErr)
	}
	return nil
}

func (p *proc) readStdout(r io.Reader) {
	defer close(p.frames)
	reader := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			p.frames <- frameOrErr{frame: line}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				if p.log != nil {
					p.log.Warn("agent proc read failed", "err", err)
				}
				p.frames <- frameOrErr{err: err}
			}
			p.waitOnce.Do(func() { p.waitErr = p.cmd.Wait() })
			return
		}
	}
}

func (p *proc) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		text := scanner.Text()
		if text == "" {
			continue
		}
		if p.log != nil {
			p.log.Debug("agent stderr", "text", preview(text, 200), "text_len", len(text))
		}
	}
}

func preview(value string, max int) string {
	if max <= 0 || len(value) <= max {
		return value
	}
	return fmt.Sprintf("%s...", value[:max])
}
