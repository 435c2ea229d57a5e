package hub

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"

	"pkt.systems/agentdeck/schema"
)

type fakeSocket struct {
	mu      sync.Mutex
	written []schema.Envelope
	inbox   chan []byte
	closed  bool
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{inbox: make(chan []byte, 16)}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	frame, ok := <-s.inbox
	if !ok {
		return 0, nil, io.EOF
	}
	return 1, frame, nil
}

func (s *fakeSocket) WriteJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := v.(schema.Envelope)
	if !ok {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &env); err != nil {
			return err
		}
	}
	s.written = append(s.written, env)
	return nil
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSocket) envelopes() []schema.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.Envelope(nil), s.written...)
}

type fakeRepos struct {
	known map[schema.RepoID]bool
}

func (f *fakeRepos) Get(id schema.RepoID) (schema.Repository, error) {
	if f.known[id] {
		return schema.Repository{ID: id, Name: string(id)}, nil
	}
	return schema.Repository{}, schema.ErrRepoNotFound
}

type fakeRegistry struct {
	mu        sync.Mutex
	responses []schema.ClientResponse
	status    schema.SessionStatus
}

func (f *fakeRegistry) SendResponse(ctx context.Context, repoID schema.RepoID, resp schema.ClientResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, resp)
	return nil
}

func (f *fakeRegistry) Status(repoID schema.RepoID) schema.SessionStatus {
	if f.status == "" {
		return schema.SessionStopped
	}
	return f.status
}

func newTestHub() (*Hub, *fakeRegistry) {
	registry := &fakeRegistry{status: schema.SessionConnected}
	h := New(&fakeRepos{known: map[schema.RepoID]bool{"r1": true}}, registry, nil)
	return h, registry
}

func frame(t *testing.T, env schema.Envelope) []byte {
	t.Helper()
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func subscribeFrame(t *testing.T, repoID schema.RepoID, requestID string) []byte {
	t.Helper()
	payload, _ := json.Marshal(schema.SubscribePayload{RepoID: repoID})
	return frame(t, schema.Envelope{Type: schema.TypeSubscribe, RequestID: requestID, Payload: payload})
}

func TestSubscribeAckAndStatusPush(t *testing.T) {
	h, _ := newTestHub()
	sock := newFakeSocket()
	conn := h.Attach(sock)

	h.handleFrame(context.Background(), conn, subscribeFrame(t, "r1", "req-1"))

	envs := sock.envelopes()
	if len(envs) != 2 {
		t.Fatalf("expected ack + status, got %d envelopes", len(envs))
	}
	if envs[0].Type != schema.TypeSubscribeAck || envs[0].RequestID != "req-1" {
		t.Fatalf("unexpected ack %+v", envs[0])
	}
	if envs[1].Type != schema.TypeSessionStatus {
		t.Fatalf("expected session_status push, got %+v", envs[1])
	}
	var status schema.SessionStatusPayload
	if err := json.Unmarshal(envs[1].Payload, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.RepoID != "r1" || status.Status != schema.SessionConnected {
		t.Fatalf("unexpected status payload %+v", status)
	}
	if !conn.Subscribed("r1") {
		t.Fatalf("subscription not recorded")
	}
}

func TestSubscribeUnknownRepo(t *testing.T) {
	h, _ := newTestHub()
	sock := newFakeSocket()
	conn := h.Attach(sock)

	h.handleFrame(context.Background(), conn, subscribeFrame(t, "ghost", "req-2"))

	envs := sock.envelopes()
	if len(envs) != 1 || envs[0].Type != schema.TypeSubscribeError {
		t.Fatalf("expected subscribe_error, got %+v", envs)
	}
	var payload schema.SubscribeErrorPayload
	if err := json.Unmarshal(envs[0].Payload, &payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload.Code != schema.SubscribeErrUnknownRepo {
		t.Fatalf("expected unknown_repo code, got %q", payload.Code)
	}
	if conn.Subscribed("ghost") {
		t.Fatalf("subscription must not be added")
	}

	// A later broadcast to that repo never reaches the connection.
	h.BroadcastToRepo("ghost", schema.Envelope{Type: schema.TypeSessionStatus})
	if got := len(sock.envelopes()); got != 1 {
		t.Fatalf("broadcast leaked to unsubscribed connection, %d envelopes", got)
	}
}

func TestSubscribeMissingRepoID(t *testing.T) {
	h, _ := newTestHub()
	sock := newFakeSocket()
	conn := h.Attach(sock)

	h.handleFrame(context.Background(), conn, frame(t, schema.Envelope{Type: schema.TypeSubscribe}))

	envs := sock.envelopes()
	if len(envs) != 1 || envs[0].Type != schema.TypeSubscribeError {
		t.Fatalf("expected subscribe_error, got %+v", envs)
	}
	var payload schema.SubscribeErrorPayload
	_ = json.Unmarshal(envs[0].Payload, &payload)
	if payload.Code != schema.SubscribeErrMissingRepoID {
		t.Fatalf("expected missing_repo_id code, got %q", payload.Code)
	}
}

func TestUnsubscribeUnconditional(t *testing.T) {
	h, _ := newTestHub()
	sock := newFakeSocket()
	conn := h.Attach(sock)

	h.handleFrame(context.Background(), conn, subscribeFrame(t, "r1", ""))
	payload, _ := json.Marshal(schema.SubscribePayload{RepoID: "r1"})
	h.handleFrame(context.Background(), conn, frame(t, schema.Envelope{Type: schema.TypeUnsubscribe, Payload: payload}))

	if conn.Subscribed("r1") {
		t.Fatalf("subscription not removed")
	}
	envs := sock.envelopes()
	if envs[len(envs)-1].Type != schema.TypeUnsubscribeAck {
		t.Fatalf("expected unsubscribe_ack, got %+v", envs[len(envs)-1])
	}
}

func TestBroadcastIsolation(t *testing.T) {
	h, _ := newTestHub()
	subscribed := newFakeSocket()
	bystander := newFakeSocket()
	connA := h.Attach(subscribed)
	h.Attach(bystander)

	h.handleFrame(context.Background(), connA, subscribeFrame(t, "r1", ""))
	before := len(subscribed.envelopes())

	h.BroadcastToRepo("r1", schema.Envelope{Type: schema.TypeAppServerNotification})

	if got := len(subscribed.envelopes()); got != before+1 {
		t.Fatalf("subscriber missed broadcast, %d envelopes", got)
	}
	if got := len(bystander.envelopes()); got != 0 {
		t.Fatalf("bystander received broadcast, %d envelopes", got)
	}
}

func TestDecisionForwarding(t *testing.T) {
	h, registry := newTestHub()
	sock := newFakeSocket()
	conn := h.Attach(sock)

	payload, _ := json.Marshal(schema.ResponsePayload{
		RepoID:  "r1",
		Message: schema.ClientResponse{ID: json.RawMessage(`7`), Result: json.RawMessage(`{"decision":"approved"}`)},
	})
	h.handleFrame(context.Background(), conn, frame(t, schema.Envelope{Type: schema.TypeAppServerResponse, Payload: payload}))

	registry.mu.Lock()
	defer registry.mu.Unlock()
	if len(registry.responses) != 1 || string(registry.responses[0].ID) != `7` {
		t.Fatalf("decision not forwarded: %+v", registry.responses)
	}
}

func TestMalformedResponseDropped(t *testing.T) {
	h, registry := newTestHub()
	sock := newFakeSocket()
	conn := h.Attach(sock)

	// Missing message id.
	payload, _ := json.Marshal(schema.ResponsePayload{RepoID: "r1"})
	h.handleFrame(context.Background(), conn, frame(t, schema.Envelope{Type: schema.TypeAppServerResponse, Payload: payload}))
	// Entirely malformed frame.
	h.handleFrame(context.Background(), conn, []byte(`{broken`))

	registry.mu.Lock()
	defer registry.mu.Unlock()
	if len(registry.responses) != 0 {
		t.Fatalf("malformed decisions must be dropped: %+v", registry.responses)
	}
	if sock.closed {
		t.Fatalf("bad frames must not close the connection")
	}
}

func TestServeDetachesOnClose(t *testing.T) {
	h, _ := newTestHub()
	sock := newFakeSocket()
	conn := h.Attach(sock)

	done := make(chan struct{})
	go func() {
		h.Serve(context.Background(), conn)
		close(done)
	}()
	sock.inbox <- subscribeFrame(t, "r1", "")
	close(sock.inbox)
	<-done

	h.mu.Lock()
	_, stillThere := h.conns[conn]
	h.mu.Unlock()
	if stillThere {
		t.Fatalf("connection not detached after socket close")
	}
}
