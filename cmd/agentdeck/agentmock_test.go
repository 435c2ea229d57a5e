package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func newTestMock(scenario string, buf *bytes.Buffer) *mockAgent {
	return &mockAgent{
		scenario: scenario,
		seed:     1,
		out:      bufio.NewWriter(buf),
		pending:  make(map[string]chan json.RawMessage),
		threads:  make(map[string]string),
	}
}

func decodeFrames(t *testing.T, buf *bytes.Buffer) []mockFrame {
	t.Helper()
	var frames []mockFrame
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var frame mockFrame
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			t.Fatalf("malformed frame %q: %v", line, err)
		}
		frames = append(frames, frame)
	}
	return frames
}

func TestMockAgentThreadStart(t *testing.T) {
	var buf bytes.Buffer
	mock := newTestMock("basic", &buf)

	mock.handleLine([]byte(`{"id":7,"method":"thread/start","params":{}}` + "\n"))

	frames := decodeFrames(t, &buf)
	if len(frames) != 2 {
		t.Fatalf("expected response plus notification, got %d frames", len(frames))
	}
	if string(frames[0].ID) != "7" {
		t.Fatalf("response id = %s, want 7", frames[0].ID)
	}
	var result struct {
		Thread struct {
			ID string `json:"id"`
		} `json:"thread"`
	}
	if err := json.Unmarshal(frames[0].Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Thread.ID == "" {
		t.Fatalf("expected a thread id")
	}
	if frames[1].Method != "thread/started" {
		t.Fatalf("notification method = %q", frames[1].Method)
	}
}

func TestMockAgentTurnLifecycle(t *testing.T) {
	var buf bytes.Buffer
	mock := newTestMock("basic", &buf)

	mock.runTurn("thread-1", "turn-1", "hello there")

	frames := decodeFrames(t, &buf)
	var methods []string
	for _, frame := range frames {
		methods = append(methods, frame.Method)
	}
	if methods[0] != "turn/started" {
		t.Fatalf("first event = %q", methods[0])
	}
	if methods[len(methods)-1] != "turn/completed" {
		t.Fatalf("last event = %q", methods[len(methods)-1])
	}
	var deltas strings.Builder
	var final string
	for _, frame := range frames {
		var params struct {
			Delta string `json:"delta"`
			Item  struct {
				Text string `json:"text"`
			} `json:"item"`
		}
		_ = json.Unmarshal(frame.Params, &params)
		switch frame.Method {
		case "item/agentMessageDelta":
			deltas.WriteString(params.Delta)
		case "item/completed":
			final = params.Item.Text
		}
	}
	if deltas.Len() == 0 {
		t.Fatalf("expected streamed deltas")
	}
	if deltas.String() != final {
		t.Fatalf("deltas %q do not reassemble final text %q", deltas.String(), final)
	}
}

func TestMockAgentFailureScenario(t *testing.T) {
	var buf bytes.Buffer
	mock := newTestMock("failure", &buf)

	mock.runTurn("thread-1", "turn-1", "boom")

	frames := decodeFrames(t, &buf)
	last := frames[len(frames)-1]
	if last.Method != "turn/failed" {
		t.Fatalf("last event = %q, want turn/failed", last.Method)
	}
}

func TestMockAgentApprovalRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	mock := newTestMock("approval", &buf)

	done := make(chan bool, 1)
	go func() {
		done <- mock.requestApproval("thread-1", "turn-1", "item-1")
	}()

	// Wait for the request frame to land, then answer it.
	var rpcID json.RawMessage
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mock.mu.Lock()
		for id := range mock.pending {
			rpcID = json.RawMessage(id)
		}
		mock.mu.Unlock()
		if rpcID != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if rpcID == nil {
		t.Fatalf("approval request never registered")
	}
	response, _ := json.Marshal(map[string]any{
		"id":     json.RawMessage(rpcID),
		"result": map[string]any{"decision": "approved"},
	})
	mock.handleLine(append(response, '\n'))

	select {
	case approved := <-done:
		if !approved {
			t.Fatalf("expected approval to be granted")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("approval never resolved")
	}

	frames := decodeFrames(t, &buf)
	if len(frames) != 1 || !strings.Contains(frames[0].Method, "requestApproval") {
		t.Fatalf("expected a single approval request frame, got %+v", frames)
	}
}

func TestMockAgentUnknownMethod(t *testing.T) {
	var buf bytes.Buffer
	mock := newTestMock("basic", &buf)

	mock.handleLine([]byte(`{"id":1,"method":"no/such/thing"}` + "\n"))

	frames := decodeFrames(t, &buf)
	if len(frames) != 1 || len(frames[0].Error) == 0 {
		t.Fatalf("expected an error response, got %+v", frames)
	}
}

func TestSplitChunks(t *testing.T) {
	chunks := splitChunks("abcdefgh", 3)
	if strings.Join(chunks, "") != "abcdefgh" {
		t.Fatalf("chunks lose data: %v", chunks)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %v", chunks)
	}
}

func TestMockReplyDeterministic(t *testing.T) {
	if mockReply("same", 1) != mockReply("same", 1) {
		t.Fatalf("expected identical replies for identical input")
	}
	if mockReply("same", 1) == mockReply("other", 1) {
		t.Fatalf("expected distinct replies for distinct prompts")
	}
}
