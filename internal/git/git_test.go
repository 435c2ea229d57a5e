package git

import (
	"context"
	"os/exec"
	"testing"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if _, err := Run(context.Background(), dir, "init", "-b", "main"); err != nil {
		t.Fatalf("git init: %v", err)
	}
	return dir
}

func TestRunOutsideRepoErrors(t *testing.T) {
	requireGit(t)
	dir := t.TempDir()
	if _, err := Run(context.Background(), dir, "status"); err == nil {
		t.Fatalf("expected error outside repo")
	}
}

func TestCurrentBranch(t *testing.T) {
	requireGit(t)
	dir := initRepo(t)
	if got := CurrentBranch(context.Background(), dir); got != "main" {
		t.Fatalf("CurrentBranch = %q, want main", got)
	}
	if got := CurrentBranch(context.Background(), t.TempDir()); got != "" {
		t.Fatalf("expected empty branch outside a repo, got %q", got)
	}
}

func TestIsWorkTree(t *testing.T) {
	requireGit(t)
	if !IsWorkTree(context.Background(), initRepo(t)) {
		t.Fatalf("expected worktree")
	}
	if IsWorkTree(context.Background(), t.TempDir()) {
		t.Fatalf("expected non-worktree")
	}
}
