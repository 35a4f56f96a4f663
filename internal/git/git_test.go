package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
	r := Open(t.TempDir())
	ctx := context.Background()
	for _, args := range [][]string{
		{"init", "-q"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "test"},
		{"config", "commit.gpgsign", "false"},
	} {
		if _, err := r.run(ctx, args...); err != nil {
			t.Fatalf("git %v: %v", args, err)
		}
	}
	return r
}

func TestCommitAndTagFlow(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t)
	ctx := context.Background()

	if !r.IsRepo(ctx) {
		t.Fatal("IsRepo = false for a fresh repository")
	}

	changed, err := r.HasChanges(ctx)
	if err != nil {
		t.Fatalf("HasChanges: %v", err)
	}
	if changed {
		t.Fatal("fresh repository reports changes")
	}

	if err := os.WriteFile(filepath.Join(r.Dir(), "a.txt"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	changed, err = r.HasChanges(ctx)
	if err != nil {
		t.Fatalf("HasChanges after write: %v", err)
	}
	if !changed {
		t.Fatal("untracked file not reported as a change")
	}

	if err := r.AddAll(ctx); err != nil {
		t.Fatalf("AddAll: %v", err)
	}
	if err := r.Commit(ctx, "ralph: add a.txt"); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	changed, err = r.HasChanges(ctx)
	if err != nil {
		t.Fatalf("HasChanges after commit: %v", err)
	}
	if changed {
		t.Fatal("clean tree reports changes after commit")
	}

	tags, err := r.Tags(ctx)
	if err != nil {
		t.Fatalf("Tags: %v", err)
	}
	if len(tags) != 0 {
		t.Fatalf("tags = %v, want none", tags)
	}

	next := NextTag(tags)
	if next != "0.0.0" {
		t.Fatalf("NextTag = %q, want 0.0.0", next)
	}
	if err := r.CreateTag(ctx, next); err != nil {
		t.Fatalf("CreateTag: %v", err)
	}
	tags, err = r.Tags(ctx)
	if err != nil {
		t.Fatalf("Tags after create: %v", err)
	}
	if len(tags) != 1 || tags[0] != "0.0.0" {
		t.Fatalf("tags = %v, want [0.0.0]", tags)
	}
	if got := NextTag(tags); got != "0.0.1" {
		t.Fatalf("NextTag after first release = %q, want 0.0.1", got)
	}
}

func TestIsRepoOutsideWorkTree(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
	r := Open(t.TempDir())
	if r.IsRepo(context.Background()) {
		t.Fatal("IsRepo = true for a plain directory")
	}
}

func TestCommitValidation(t *testing.T) {
	t.Parallel()

	r := newTestRepo(t)
	if err := r.Commit(context.Background(), "   "); err == nil {
		t.Fatal("empty commit message accepted")
	}
	if err := r.CreateTag(context.Background(), ""); err == nil {
		t.Fatal("empty tag name accepted")
	}
}
