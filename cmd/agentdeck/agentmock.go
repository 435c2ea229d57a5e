package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
)

// agent-mock speaks the agent stdio protocol for development and testing:
// one JSON frame per line, notifications out, correlated responses for
// requests in, and scripted turn scenarios.
func newAgentMockCmd() *cobra.Command {
	var scenario string
	var delayMS int
	var seed uint64
	cmd := &cobra.Command{
		Use:           "agent-mock",
		Short:         "Mock agent process speaking the stdio protocol",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			mock := &mockAgent{
				scenario: scenario,
				delay:    time.Duration(delayMS) * time.Millisecond,
				seed:     seed,
				out:      bufio.NewWriter(cmd.OutOrStdout()),
				pending:  make(map[string]chan json.RawMessage),
				threads:  make(map[string]string),
			}
			return mock.run(cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVar(&scenario, "scenario", "basic", "turn scenario: basic, approval, failure")
	cmd.Flags().IntVar(&delayMS, "delay-ms", 0, "delay between emitted events")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "id generation seed")
	return cmd
}

type mockAgent struct {
	scenario string
	delay    time.Duration
	seed     uint64

	writeMu sync.Mutex
	out     *bufio.Writer

	mu      sync.Mutex
	nextID  uint64
	pending map[string]chan json.RawMessage
	threads map[string]string
}

type mockFrame struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

func (m *mockAgent) run(stdin io.Reader) error {
	reader := bufio.NewReader(stdin)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			m.handleLine(line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (m *mockAgent) handleLine(line []byte) {
	var frame mockFrame
	if err := json.Unmarshal(line, &frame); err != nil {
		return
	}
	if frame.Method == "" && len(frame.ID) > 0 {
		// A response to one of our approval requests.
		m.mu.Lock()
		waiter, ok := m.pending[string(frame.ID)]
		if ok {
			delete(m.pending, string(frame.ID))
		}
		m.mu.Unlock()
		if ok {
			waiter <- frame.Result
		}
		return
	}
	if frame.Method == "" {
		return
	}
	if len(frame.ID) == 0 {
		// Notifications from the client are not part of the protocol.
		return
	}
	m.handleRequest(frame)
}

func (m *mockAgent) handleRequest(frame mockFrame) {
	switch frame.Method {
	case "thread/list":
		m.respond(frame.ID, map[string]any{"threads": m.threadList()})
	case "thread/start":
		threadID := m.newID("thread")
		m.mu.Lock()
		m.threads[threadID] = "New thread"
		m.mu.Unlock()
		m.respond(frame.ID, map[string]any{"thread": map[string]any{"id": threadID}})
		m.emit("thread/started", map[string]any{"threadId": threadID})
	case "thread/resume":
		var params struct {
			ThreadID string `json:"threadId"`
		}
		_ = json.Unmarshal(frame.Params, &params)
		if params.ThreadID == "" {
			m.respondError(frame.ID, -32602, "threadId is required")
			return
		}
		m.mu.Lock()
		if _, ok := m.threads[params.ThreadID]; !ok {
			m.threads[params.ThreadID] = "Resumed thread"
		}
		m.mu.Unlock()
		m.respond(frame.ID, map[string]any{"thread": map[string]any{"id": params.ThreadID}})
	case "turn/start":
		var params struct {
			ThreadID string `json:"threadId"`
			Prompt   string `json:"prompt"`
		}
		_ = json.Unmarshal(frame.Params, &params)
		if params.ThreadID == "" {
			m.respondError(frame.ID, -32602, "threadId is required")
			return
		}
		turnID := m.newID("turn")
		m.respond(frame.ID, map[string]any{"turn": map[string]any{"id": turnID}})
		go m.runTurn(params.ThreadID, turnID, params.Prompt)
	case "turn/interrupt":
		var params struct {
			ThreadID string `json:"threadId"`
			TurnID   string `json:"turnId"`
		}
		_ = json.Unmarshal(frame.Params, &params)
		m.respond(frame.ID, map[string]any{})
		m.emit("turn/completed", map[string]any{
			"threadId": params.ThreadID,
			"turn":     map[string]any{"id": params.TurnID, "status": "interrupted"},
		})
	case "review/start":
		m.respond(frame.ID, map[string]any{})
	case "model/list":
		m.respond(frame.ID, map[string]any{"models": []map[string]any{
			{"id": "gpt-5.2-codex", "displayName": "GPT-5.2 Codex"},
			{"id": "gpt-5.1-codex-mini", "displayName": "GPT-5.1 Codex Mini"},
		}})
	default:
		m.respondError(frame.ID, -32601, fmt.Sprintf("unknown method %q", frame.Method))
	}
}

func (m *mockAgent) runTurn(threadID, turnID, prompt string) {
	m.emit("turn/started", map[string]any{
		"threadId": threadID,
		"turn":     map[string]any{"id": turnID, "status": "running"},
	})

	switch m.scenario {
	case "failure":
		m.pause()
		m.emit("turn/failed", map[string]any{
			"threadId": threadID,
			"turnId":   turnID,
			"error":    map[string]any{"code": -1, "message": "scripted failure"},
		})
		return
	case "approval":
		m.pause()
		itemID := m.newID("item")
		approved := m.requestApproval(threadID, turnID, itemID)
		m.pause()
		status := "completed"
		if !approved {
			status = "declined"
		}
		m.emit("item/completed", map[string]any{
			"threadId": threadID,
			"turnId":   turnID,
			"item": map[string]any{
				"id": itemID, "type": "commandExecution",
				"command": "ls -la", "status": status,
			},
		})
	}

	itemID := m.newID("item")
	reply := mockReply(prompt, m.seed)
	m.emit("item/started", map[string]any{
		"threadId": threadID,
		"turnId":   turnID,
		"item":     map[string]any{"id": itemID, "type": "agentMessage"},
	})
	for _, chunk := range splitChunks(reply, 12) {
		m.pause()
		m.emit("item/agentMessageDelta", map[string]any{
			"threadId": threadID,
			"turnId":   turnID,
			"itemId":   itemID,
			"delta":    chunk,
		})
	}
	m.emit("item/completed", map[string]any{
		"threadId": threadID,
		"turnId":   turnID,
		"item":     map[string]any{"id": itemID, "type": "agentMessage", "text": reply},
	})
	m.emit("turn/completed", map[string]any{
		"threadId": threadID,
		"turn":     map[string]any{"id": turnID, "status": "completed"},
	})
}

// requestApproval sends a decision request and blocks until the client
// responds or a timeout passes. Timed-out approvals count as rejected.
func (m *mockAgent) requestApproval(threadID, turnID, itemID string) bool {
	rpcID := m.newID("rpc")
	rawID, _ := json.Marshal(rpcID)
	waiter := make(chan json.RawMessage, 1)
	m.mu.Lock()
	m.pending[string(rawID)] = waiter
	m.mu.Unlock()

	m.write(map[string]any{
		"id":     json.RawMessage(rawID),
		"method": "item/commandExecution/requestApproval",
		"params": map[string]any{
			"threadId": threadID,
			"turnId":   turnID,
			"itemId":   itemID,
			"command":  "ls -la",
		},
	})

	select {
	case result := <-waiter:
		var decision struct {
			Decision string `json:"decision"`
		}
		_ = json.Unmarshal(result, &decision)
		return decision.Decision == "" || decision.Decision == "approved"
	case <-time.After(60 * time.Second):
		m.mu.Lock()
		delete(m.pending, string(rawID))
		m.mu.Unlock()
		return false
	}
}

func (m *mockAgent) threadList() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, 0, len(m.threads))
	for id, title := range m.threads {
		out = append(out, map[string]any{"id": id, "title": title})
	}
	return out
}

func (m *mockAgent) respond(id json.RawMessage, result any) {
	m.write(map[string]any{"id": id, "result": result})
}

func (m *mockAgent) respondError(id json.RawMessage, code int, message string) {
	m.write(map[string]any{"id": id, "error": map[string]any{"code": code, "message": message}})
}

func (m *mockAgent) emit(method string, params any) {
	m.write(map[string]any{"method": method, "params": params})
}

func (m *mockAgent) write(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_, _ = m.out.Write(data)
	_, _ = m.out.WriteString("\n")
	_ = m.out.Flush()
}

func (m *mockAgent) newID(prefix string) string {
	m.mu.Lock()
	m.nextID++
	n := m.nextID
	m.mu.Unlock()
	return fmt.Sprintf("%s-%d-%d", prefix, m.seed, n)
}

func (m *mockAgent) pause() {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
}

func mockReply(prompt string, seed uint64) string {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		trimmed = "your request"
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(trimmed))
	return fmt.Sprintf("Mock reply %x to %q.", (h.Sum64()^seed)&0xffff, trimmed)
}

func splitChunks(value string, size int) []string {
	if size <= 0 || value == "" {
		return []string{value}
	}
	var out []string
	for len(value) > size {
		out = append(out, value[:size])
		value = value[size:]
	}
	return append(out, value)
}
