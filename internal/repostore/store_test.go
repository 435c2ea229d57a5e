package repostore

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"pkt.systems/agentdeck/schema"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "repos.json"), nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestNewMissingFilePersistsEmptyStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "repos.json")
	if _, err := New(path, nil); err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected store file to exist: %v", err)
	}
}

func TestNewCorruptFileFailsFast(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "repos.json")
	if err := os.WriteFile(path, []byte("{nope"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := New(path, nil)
	if !errors.Is(err, schema.ErrStoreCorrupt) {
		t.Fatalf("expected ErrStoreCorrupt, got %v", err)
	}
}

func TestCreateDerivesStableID(t *testing.T) {
	store := newTestStore(t)
	repoDir := t.TempDir()
	created, err := store.Create("demo", repoDir)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" || len(created.ID) != 12 {
		t.Fatalf("unexpected id %q", created.ID)
	}
	canonical, err := CanonicalPath(repoDir)
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if created.ID != DeriveID(canonical) {
		t.Fatalf("id not derived from canonical path")
	}
	got, err := store.Get(created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != created {
		t.Fatalf("get mismatch: %+v vs %+v", got, created)
	}
}

func TestCreateDefaultsNameToBase(t *testing.T) {
	store := newTestStore(t)
	repoDir := t.TempDir()
	created, err := store.Create("  ", repoDir)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Name != filepath.Base(repoDir) {
		t.Fatalf("expected name %q, got %q", filepath.Base(repoDir), created.Name)
	}
}

func TestCreateSameCanonicalPathConflicts(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks unreliable on windows")
	}
	store := newTestStore(t)
	repoDir := t.TempDir()
	link := filepath.Join(t.TempDir(), "link")
	if err := os.Symlink(repoDir, link); err != nil {
		t.Skipf("symlink: %v", err)
	}
	if _, err := store.Create("one", repoDir); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Create("two", link); !errors.Is(err, schema.ErrRepoExists) {
		t.Fatalf("expected ErrRepoExists, got %v", err)
	}
	if got := len(store.List()); got != 1 {
		t.Fatalf("expected 1 repo, got %d", got)
	}
}

func TestCreateRejectsNonDirectory(t *testing.T) {
	store := newTestStore(t)
	file := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := store.Create("f", file); !errors.Is(err, schema.ErrInvalidRepoPath) {
		t.Fatalf("expected ErrInvalidRepoPath, got %v", err)
	}
}

func TestCreateRejectsMissingPath(t *testing.T) {
	store := newTestStore(t)
	missing := filepath.Join(t.TempDir(), "gone")
	if _, err := store.Create("g", missing); !errors.Is(err, schema.ErrInvalidRepoPath) {
		t.Fatalf("expected ErrInvalidRepoPath, got %v", err)
	}
}

func TestUpdateRenameAndLastOpened(t *testing.T) {
	store := newTestStore(t)
	created, err := store.Create("demo", t.TempDir())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	name := "renamed"
	thread := schema.ThreadID("th-1")
	updated, err := store.Update(created.ID, schema.RepositoryPatch{Name: &name, LastOpenedThreadID: &thread})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != "renamed" || updated.LastOpenedThreadID != "th-1" {
		t.Fatalf("update not applied: %+v", updated)
	}
	if updated.Path != created.Path {
		t.Fatalf("path must be immutable")
	}
}

func TestUpdateUnknownRepo(t *testing.T) {
	store := newTestStore(t)
	name := "x"
	if _, err := store.Update("nope", schema.RepositoryPatch{Name: &name}); !errors.Is(err, schema.ErrRepoNotFound) {
		t.Fatalf("expected ErrRepoNotFound, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	store := newTestStore(t)
	created, err := store.Create("demo", t.TempDir())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Remove(created.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := store.Get(created.ID); !errors.Is(err, schema.ErrRepoNotFound) {
		t.Fatalf("expected ErrRepoNotFound, got %v", err)
	}
	if err := store.Remove(created.ID); !errors.Is(err, schema.ErrRepoNotFound) {
		t.Fatalf("expected ErrRepoNotFound on second remove, got %v", err)
	}
}

func TestSettingsPatch(t *testing.T) {
	store := newTestStore(t)
	mode := schema.PermissionUnrestricted
	model := schema.ModelID("gpt-5.2-codex")
	settings, err := store.UpdateSettings(schema.SettingsPatch{PermissionMode: &mode, Model: &model})
	if err != nil {
		t.Fatalf("update settings: %v", err)
	}
	if settings.PermissionMode != schema.PermissionUnrestricted || settings.Model != model {
		t.Fatalf("settings not applied: %+v", settings)
	}
	effort := schema.ReasoningEffort("high")
	settings, err = store.UpdateSettings(schema.SettingsPatch{ReasoningEffort: &effort})
	if err != nil {
		t.Fatalf("update settings: %v", err)
	}
	if settings.Model != model || settings.ReasoningEffort != "high" {
		t.Fatalf("partial patch clobbered settings: %+v", settings)
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "repos.json")
	store, err := New(path, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	created, err := store.Create("demo", t.TempDir())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	reopened, err := New(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.Get(created.ID)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got != created {
		t.Fatalf("reopen mismatch: %+v vs %+v", got, created)
	}
}
