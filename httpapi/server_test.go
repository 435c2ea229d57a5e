package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"pkt.systems/agentdeck/internal/hub"
	"pkt.systems/agentdeck/schema"
)

type fakeStore struct {
	mu       sync.Mutex
	repos    map[schema.RepoID]schema.Repository
	settings schema.Settings
}

func newFakeStore(repos ...schema.Repository) *fakeStore {
	s := &fakeStore{repos: make(map[schema.RepoID]schema.Repository)}
	for _, repo := range repos {
		s.repos[repo.ID] = repo
	}
	return s
}

func (s *fakeStore) List() []schema.Repository {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schema.Repository, 0, len(s.repos))
	for _, repo := range s.repos {
		out = append(out, repo)
	}
	return out
}

func (s *fakeStore) Get(id schema.RepoID) (schema.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repos[id]
	if !ok {
		return schema.Repository{}, schema.ErrRepoNotFound
	}
	return repo, nil
}

func (s *fakeStore) Create(name, path string) (schema.Repository, error) {
	if path == "" {
		return schema.Repository{}, schema.ErrInvalidRepoPath
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, repo := range s.repos {
		if repo.Path == path {
			return schema.Repository{}, schema.ErrRepoExists
		}
	}
	repo := schema.Repository{ID: schema.RepoID(fmt.Sprintf("id-%d", len(s.repos)+1)), Name: name, Path: path}
	s.repos[repo.ID] = repo
	return repo, nil
}

func (s *fakeStore) Update(id schema.RepoID, patch schema.RepositoryPatch) (schema.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	repo, ok := s.repos[id]
	if !ok {
		return schema.Repository{}, schema.ErrRepoNotFound
	}
	if patch.Name != nil {
		repo.Name = *patch.Name
	}
	if patch.LastOpenedThreadID != nil {
		repo.LastOpenedThreadID = *patch.LastOpenedThreadID
	}
	s.repos[id] = repo
	return repo, nil
}

func (s *fakeStore) Remove(id schema.RepoID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.repos[id]; !ok {
		return schema.ErrRepoNotFound
	}
	delete(s.repos, id)
	return nil
}

func (s *fakeStore) Settings() schema.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

func (s *fakeStore) UpdateSettings(patch schema.SettingsPatch) (schema.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if patch.Model != nil {
		s.settings.Model = *patch.Model
	}
	if patch.PermissionMode != nil {
		s.settings.PermissionMode = *patch.PermissionMode
	}
	return s.settings, nil
}

type fakeRegistry struct {
	mu      sync.Mutex
	calls   []string
	params  []map[string]any
	result  json.RawMessage
	err     error
	stopped []schema.RepoID
}

func (r *fakeRegistry) Request(ctx context.Context, repoID schema.RepoID, method string, params any) (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, method)
	decoded := map[string]any{}
	if raw, err := json.Marshal(params); err == nil {
		_ = json.Unmarshal(raw, &decoded)
	}
	r.params = append(r.params, decoded)
	if r.err != nil {
		return nil, r.err
	}
	if r.result == nil {
		return json.RawMessage(`{}`), nil
	}
	return r.result, nil
}

func (r *fakeRegistry) Stop(ctx context.Context, repoID schema.RepoID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, repoID)
	return nil
}

func (r *fakeRegistry) Status(repoID schema.RepoID) schema.SessionStatus {
	return schema.SessionConnected
}

func (r *fakeRegistry) SendResponse(ctx context.Context, repoID schema.RepoID, resp schema.ClientResponse) error {
	return nil
}

func newTestServer(t *testing.T, cfg Config, store RepoStore, registry SessionRegistry) *httptest.Server {
	t.Helper()
	srv := NewServer(cfg, Deps{
		Store:    store,
		Registry: registry,
		Hub:      hub.New(storeAsChecker(store), registry.(*fakeRegistry), nil),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

type checkerAdapter struct{ store RepoStore }

func (c checkerAdapter) Get(id schema.RepoID) (schema.Repository, error) { return c.store.Get(id) }

func storeAsChecker(store RepoStore) hub.RepoChecker { return checkerAdapter{store: store} }

func doJSON(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	var req *http.Request
	var err error
	if body == "" {
		req, err = http.NewRequest(method, url, nil)
	} else {
		req, err = http.NewRequest(method, url, strings.NewReader(body))
	}
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	decoded := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestRepoCRUD(t *testing.T) {
	ts := newTestServer(t, Config{}, newFakeStore(), &fakeRegistry{})

	resp, created := doJSON(t, http.MethodPost, ts.URL+"/api/repos", `{"name":"deck","path":"/tmp/deck"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	repoID := created["repoId"].(string)
	if repoID == "" {
		t.Fatalf("created = %v", created)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/repos", `{"name":"dup","path":"/tmp/deck"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate path status = %d", resp.StatusCode)
	}

	resp, listed := doJSON(t, http.MethodGet, ts.URL+"/api/repos", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	if repos := listed["repos"].([]any); len(repos) != 1 {
		t.Fatalf("repos = %v", repos)
	}

	resp, updated := doJSON(t, http.MethodPatch, ts.URL+"/api/repos/"+repoID, `{"name":"renamed"}`)
	if resp.StatusCode != http.StatusOK || updated["name"] != "renamed" {
		t.Fatalf("update status = %d, body = %v", resp.StatusCode, updated)
	}

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/repos/"+repoID, "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/repos/"+repoID, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", resp.StatusCode)
	}
}

func TestRepoRemoveStopsSession(t *testing.T) {
	registry := &fakeRegistry{}
	store := newFakeStore(schema.Repository{ID: "r1", Name: "deck", Path: "/tmp/deck"})
	ts := newTestServer(t, Config{}, store, registry)

	resp, _ := doJSON(t, http.MethodDelete, ts.URL+"/api/repos/r1", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if len(registry.stopped) != 1 || registry.stopped[0] != "r1" {
		t.Fatalf("stopped = %v", registry.stopped)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	ts := newTestServer(t, Config{}, newFakeStore(), &fakeRegistry{})

	resp, settings := doJSON(t, http.MethodPatch, ts.URL+"/api/settings", `{"model":"gpt-5.2-codex","permissionMode":"unrestricted"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d", resp.StatusCode)
	}
	if settings["permissionMode"] != "unrestricted" {
		t.Fatalf("settings = %v", settings)
	}

	resp, settings = doJSON(t, http.MethodGet, ts.URL+"/api/settings", "")
	if resp.StatusCode != http.StatusOK || settings["model"] != "gpt-5.2-codex" {
		t.Fatalf("get status = %d, body = %v", resp.StatusCode, settings)
	}
}

func TestThreadRoutesForwardToRegistry(t *testing.T) {
	registry := &fakeRegistry{result: json.RawMessage(`{"threads":[]}`)}
	store := newFakeStore(schema.Repository{ID: "r1", Name: "deck", Path: "/tmp/deck"})
	ts := newTestServer(t, Config{}, store, registry)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/repos/r1/threads", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("thread list status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/repos/r1/threads", `{"model":"gpt-5.2-codex"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("thread start status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/repos/r1/turns/tu-7/interrupt", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("interrupt status = %d", resp.StatusCode)
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()
	want := []string{schema.MethodThreadList, schema.MethodThreadStart, schema.MethodTurnInterrupt}
	if len(registry.calls) != len(want) {
		t.Fatalf("calls = %v", registry.calls)
	}
	for i, method := range want {
		if registry.calls[i] != method {
			t.Fatalf("call %d = %q, want %q", i, registry.calls[i], method)
		}
	}
	if registry.params[1]["model"] != "gpt-5.2-codex" {
		t.Fatalf("thread start params = %v", registry.params[1])
	}
	// The route path supplies the turn id.
	if registry.params[2]["turnId"] != "tu-7" {
		t.Fatalf("interrupt params = %v", registry.params[2])
	}
}

func TestAgentErrorsMapToStatusCodes(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{schema.ErrRepoNotFound, http.StatusNotFound},
		{schema.ErrAgentExited, http.StatusBadGateway},
		{schema.ErrAgentUnavailable, http.StatusBadGateway},
		{schema.ErrSessionStopped, http.StatusConflict},
		{errors.New("anything else"), http.StatusInternalServerError},
	}
	store := newFakeStore(schema.Repository{ID: "r1", Name: "deck", Path: "/tmp/deck"})
	for _, tc := range cases {
		registry := &fakeRegistry{err: tc.err}
		ts := newTestServer(t, Config{}, store, registry)
		resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/repos/r1/threads", "")
		if resp.StatusCode != tc.want {
			t.Fatalf("err %v: status = %d, want %d", tc.err, resp.StatusCode, tc.want)
		}
	}
}

func TestSessionStatusAndStop(t *testing.T) {
	registry := &fakeRegistry{}
	store := newFakeStore(schema.Repository{ID: "r1", Name: "deck", Path: "/tmp/deck"})
	ts := newTestServer(t, Config{}, store, registry)

	resp, status := doJSON(t, http.MethodGet, ts.URL+"/api/repos/r1/session", "")
	if resp.StatusCode != http.StatusOK || status["status"] != "connected" {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, status)
	}
	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/repos/r1/session", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("stop status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/repos/nope/session", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown repo status = %d", resp.StatusCode)
	}
}

func TestBasePathMounting(t *testing.T) {
	store := newFakeStore(schema.Repository{ID: "r1", Name: "deck", Path: "/tmp/deck"})
	ts := newTestServer(t, Config{BasePath: "/deck"}, store, &fakeRegistry{})

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/deck/api/repos", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("prefixed status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/repos", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unprefixed status = %d", resp.StatusCode)
	}
}
