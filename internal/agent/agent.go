// Package agent implements the plan-driven loop: load the plan, regenerate
// it when no work is pending, then work one item at a time through the tool
// transport, verify it, and commit. The plan file is the only progress
// record; every mutation is persisted before the loop moves on.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/floegence/ralph/internal/config"
	"github.com/floegence/ralph/internal/git"
	"github.com/floegence/ralph/internal/journal"
	"github.com/floegence/ralph/internal/llm"
	"github.com/floegence/ralph/internal/mcp"
	"github.com/floegence/ralph/internal/planfile"
)

// State names the loop phases.
type State string

const (
	StateLoading    State = "loading"
	StatePlanning   State = "planning"
	StateSelecting  State = "selecting"
	StateWorking    State = "working"
	StateVerifying  State = "verifying"
	StateCommitting State = "committing"
	StateDone       State = "done"
)

// ToolSession is the slice of the transport client the loop drives.
type ToolSession interface {
	ListTools(ctx context.Context) ([]mcp.ToolDescriptor, error)
	CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
}

// Options configure one run. No singletons: everything the loop touches
// comes in here.
type Options struct {
	Log      *slog.Logger
	Config   *config.Config
	Manifest *config.Manifest
	Workdir  string
	Session  ToolSession
	Provider llm.Provider

	// Journal is optional; a nil journal disables run recording.
	Journal *journal.Store

	RunID string
	// Task is free-form focus text folded into planning context.
	Task string
}

// Loop drives one run until the plan completes or a failure stops it.
type Loop struct {
	log      *slog.Logger
	cfg      *config.Config
	manifest *config.Manifest
	workdir  string
	session  ToolSession
	provider llm.Provider
	jrnl     *journal.Store
	runID    string
	task     string

	plan *planfile.Store
	repo *git.Repo

	requestTimeout time.Duration
	toolTimeout    time.Duration
	maxToolSteps   int
	maxIterations  int

	state        State
	toolDefs     []llm.ToolDef
	instructions string
}

func New(opts Options) (*Loop, error) {
	if opts.Session == nil {
		return nil, errors.New("missing tool session")
	}
	if opts.Provider == nil {
		return nil, errors.New("missing provider")
	}
	workdir := strings.TrimSpace(opts.Workdir)
	if workdir == "" {
		return nil, errors.New("missing workdir")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	manifest := opts.Manifest
	if manifest == nil {
		manifest = &config.Manifest{}
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "loop")

	plan, err := planfile.NewStore(planfile.StoreOptions{
		Log:   log,
		Calls: opts.Session,
		Path:  manifest.EffectivePlanFile(),
	})
	if err != nil {
		return nil, err
	}

	runID := strings.TrimSpace(opts.RunID)
	if runID == "" {
		return nil, errors.New("missing run id")
	}

	return &Loop{
		log:            log,
		cfg:            cfg,
		manifest:       manifest,
		workdir:        workdir,
		session:        opts.Session,
		provider:       opts.Provider,
		jrnl:           opts.Journal,
		runID:          runID,
		task:           strings.TrimSpace(opts.Task),
		plan:           plan,
		repo:           git.Open(workdir),
		requestTimeout: cfg.EffectiveRequestTimeout(),
		toolTimeout:    cfg.EffectiveToolTimeout(),
		maxToolSteps:   cfg.EffectiveMaxToolSteps(),
		maxIterations:  cfg.EffectiveMaxIterations(),
		state:          StateLoading,
	}, nil
}

func (l *Loop) State() State {
	if l == nil {
		return ""
	}
	return l.state
}

// Run executes the loop to DONE or the first failure. The outcome is
// journaled even when the context is already canceled on the way out.
func (l *Loop) Run(ctx context.Context) error {
	if l == nil {
		return errors.New("nil loop")
	}
	if l.jrnl != nil {
		if err := l.jrnl.BeginRun(ctx, l.runID, l.task, l.workdir); err != nil {
			l.log.Warn("journal begin failed", "err", err)
		}
	}

	err := l.run(ctx)

	if l.jrnl != nil {
		outcome, detail := "complete", ""
		if err != nil {
			outcome, detail = "failed", err.Error()
		}
		fctx := context.WithoutCancel(ctx)
		if jerr := l.jrnl.FinishRun(fctx, l.runID, outcome, detail); jerr != nil {
			l.log.Warn("journal finish failed", "err", jerr)
		}
	}
	return err
}

func (l *Loop) run(ctx context.Context) error {
	iterations := 0
	for {
		if err := ctx.Err(); err != nil {
			return newError(KindTransport, string(l.state), "", err)
		}

		l.setState(ctx, StateLoading)
		items, err := l.readPlan(ctx)
		if err != nil {
			return newError(KindTransport, "loading", "", err)
		}

		if planfile.NeedsRegeneration(items) {
			l.setState(ctx, StatePlanning)
			items, err = l.regeneratePlan(ctx, items)
			if err != nil {
				return err
			}
		}

		l.setState(ctx, StateSelecting)
		idx := planfile.SelectNext(items)
		if idx < 0 {
			l.setState(ctx, StateDone)
			l.log.Info("plan complete", "items", len(items))
			return nil
		}
		item := items[idx]

		if l.maxIterations > 0 && iterations >= l.maxIterations {
			return newError(KindBoundExceeded, "selecting", item.Text,
				fmt.Errorf("iteration cap %d reached with work pending", l.maxIterations))
		}
		iterations++
		l.log.Info("selected item", "item", item.Text, "iteration", iterations)

		l.setState(ctx, StateWorking)
		if err := l.workOn(ctx, item.Text); err != nil {
			return err
		}

		l.setState(ctx, StateVerifying)
		if err := l.verify(ctx, item.Text); err != nil {
			return err
		}

		l.setState(ctx, StateCommitting)
		items = planfile.MarkDone(items, idx)
		if err := l.writePlan(ctx, items); err != nil {
			return newError(KindPlanIO, "committing", item.Text, err)
		}
		l.event(ctx, "item_done", item.Text, "")
		l.commit(ctx, item.Text)
	}
}

func (l *Loop) setState(ctx context.Context, s State) {
	l.state = s
	l.log.Debug("state", "state", s)
	l.event(ctx, "state", "", string(s))
}

// event appends a journal record. Journal failures are warnings: losing an
// event must never fail the run.
func (l *Loop) event(ctx context.Context, kind, item, detail string) {
	if l.jrnl == nil {
		return
	}
	if err := l.jrnl.Append(ctx, l.runID, kind, item, detail); err != nil {
		l.log.Warn("journal append failed", "kind", kind, "err", err)
	}
}

// readPlan and writePlan put plan traffic under the same deadline as any
// other tool round trip.
func (l *Loop) readPlan(ctx context.Context) ([]planfile.Item, error) {
	tctx, cancel := context.WithTimeout(ctx, l.toolTimeout)
	defer cancel()
	return l.plan.Read(tctx)
}

func (l *Loop) writePlan(ctx context.Context, items []planfile.Item) error {
	tctx, cancel := context.WithTimeout(ctx, l.toolTimeout)
	defer cancel()
	return l.plan.Write(tctx, items)
}

// ensureToolDefs fetches the dispatcher's descriptor list once per run.
func (l *Loop) ensureToolDefs(ctx context.Context) ([]llm.ToolDef, error) {
	if l.toolDefs != nil {
		return l.toolDefs, nil
	}
	tctx, cancel := context.WithTimeout(ctx, l.toolTimeout)
	defer cancel()
	descs, err := l.session.ListTools(tctx)
	if err != nil {
		return nil, newError(KindTransport, "working", "", fmt.Errorf("list tools: %w", err))
	}
	defs := make([]llm.ToolDef, 0, len(descs))
	for _, d := range descs {
		defs = append(defs, llm.ToolDef{
			Name:        d.Name,
			Description: d.Description,
			Schema:      d.InputSchema,
		})
	}
	l.toolDefs = defs
	l.log.Debug("tools discovered", "count", len(defs))
	return defs, nil
}

// complete issues one completion under the request deadline.
func (l *Loop) complete(ctx context.Context, req llm.Request) (*llm.Turn, error) {
	cctx, cancel := context.WithTimeout(ctx, l.requestTimeout)
	defer cancel()
	turn, err := l.provider.Complete(cctx, req)
	if err != nil {
		return nil, err
	}
	l.log.Debug("completion",
		"stop", turn.StopReason,
		"tool_calls", len(turn.ToolCalls),
		"input_tokens", turn.InputTokens,
		"output_tokens", turn.OutputTokens)
	return turn, nil
}
