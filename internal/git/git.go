// Package git shells out to the git binary for the loop's commit and tag
// steps. Everything here is advisory: the loop records progress in the plan
// file first and treats version control failures as warnings.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Repo addresses one working tree.
type Repo struct {
	dir string
}

func Open(dir string) *Repo {
	return &Repo{dir: strings.TrimSpace(dir)}
}

func (r *Repo) Dir() string {
	if r == nil {
		return ""
	}
	return r.dir
}

func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	if r == nil || r.dir == "" {
		return "", errors.New("repository not configured")
	}
	full := append([]string{"-C", r.dir}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		if detail != "" {
			return "", fmt.Errorf("git %s: %w: %s", args[0], err, detail)
		}
		return "", fmt.Errorf("git %s: %w", args[0], err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// IsRepo reports whether the directory sits inside a git work tree.
func (r *Repo) IsRepo(ctx context.Context) bool {
	out, err := r.run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// HasChanges reports whether the work tree has anything to commit.
func (r *Repo) HasChanges(ctx context.Context) (bool, error) {
	out, err := r.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

func (r *Repo) AddAll(ctx context.Context) error {
	_, err := r.run(ctx, "add", "-A")
	return err
}

func (r *Repo) Commit(ctx context.Context, message string) error {
	message = strings.TrimSpace(message)
	if message == "" {
		return errors.New("empty commit message")
	}
	_, err := r.run(ctx, "commit", "-m", message)
	return err
}

func (r *Repo) Push(ctx context.Context) error {
	_, err := r.run(ctx, "push")
	return err
}

func (r *Repo) PushTags(ctx context.Context) error {
	_, err := r.run(ctx, "push", "--tags")
	return err
}

// Tags lists every tag name in the repository.
func (r *Repo) Tags(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "tag", "--list")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	lines := strings.Split(out, "\n")
	tags := make([]string, 0, len(lines))
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			tags = append(tags, line)
		}
	}
	return tags, nil
}

func (r *Repo) CreateTag(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("empty tag name")
	}
	_, err := r.run(ctx, "tag", name)
	return err
}
