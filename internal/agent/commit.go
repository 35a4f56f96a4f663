package agent

import (
	"context"
	"strings"

	"github.com/floegence/ralph/internal/git"
)

// commit records the completed item in version control: add everything,
// commit, bump the version tag, optionally push. Failures here only warn.
// The plan write already made progress durable, and failing the run over
// git state would re-do completed work.
func (l *Loop) commit(ctx context.Context, item string) {
	if !l.manifest.CommitEnabled() {
		l.log.Debug("commits disabled")
		return
	}
	if !l.repo.IsRepo(ctx) {
		l.log.Debug("not a git repository, skipping commit")
		return
	}

	changed, err := l.repo.HasChanges(ctx)
	if err != nil {
		l.log.Warn("git status failed", "err", err)
		return
	}
	if !changed {
		l.log.Debug("nothing to commit")
		return
	}
	if err := l.repo.AddAll(ctx); err != nil {
		l.log.Warn("git add failed", "err", err)
		return
	}

	msg := commitMessage(item)
	if err := l.repo.Commit(ctx, msg); err != nil {
		l.log.Warn("git commit failed", "err", err)
		return
	}
	l.event(ctx, "commit", item, msg)
	l.log.Info("committed", "message", msg)

	if l.manifest.TagEnabled() {
		tags, err := l.repo.Tags(ctx)
		if err != nil {
			l.log.Warn("git tag list failed", "err", err)
		} else {
			next := git.NextTag(tags)
			if err := l.repo.CreateTag(ctx, next); err != nil {
				l.log.Warn("git tag failed", "tag", next, "err", err)
			} else {
				l.event(ctx, "tag", item, next)
				l.log.Info("tagged", "tag", next)
			}
		}
	}

	if l.manifest.PushEnabled() {
		if err := l.repo.Push(ctx); err != nil {
			l.log.Warn("git push failed", "err", err)
			return
		}
		if l.manifest.TagEnabled() {
			if err := l.repo.PushTags(ctx); err != nil {
				l.log.Warn("git push --tags failed", "err", err)
			}
		}
	}
}

// commitMessage squeezes the item text onto one subject line.
func commitMessage(item string) string {
	const prefix = "ralph: "
	const maxSubject = 72

	subject := strings.Join(strings.Fields(item), " ")
	runes := []rune(subject)
	if budget := maxSubject - len(prefix); len(runes) > budget {
		subject = string(runes[:budget-3]) + "..."
	}
	return prefix + subject
}
