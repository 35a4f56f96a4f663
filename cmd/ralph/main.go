package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/floegence/ralph/internal/agent"
	"github.com/floegence/ralph/internal/config"
	"github.com/floegence/ralph/internal/journal"
	"github.com/floegence/ralph/internal/llm"
	"github.com/floegence/ralph/internal/lockfile"
	"github.com/floegence/ralph/internal/mcp"
	"github.com/floegence/ralph/internal/planfile"
	"github.com/floegence/ralph/internal/tools"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(runCmd(os.Args[2:]))
	case "serve":
		os.Exit(serveCmd(os.Args[2:]))
	case "plan":
		os.Exit(planCmd(os.Args[2:]))
	case "version":
		fmt.Printf("ralph %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `ralph

Usage:
  ralph run [flags] [task ...]
  ralph serve [flags]
  ralph plan [flags]
  ralph version

Commands:
  run       Run the agent loop in a project directory until the plan completes.
  serve     Serve the built-in tools over stdin/stdout (spawned by run).
  plan      Print the current plan with completion marks.
  version   Print build information.

`)
}

func runCmd(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	dirFlag := fs.String("dir", ".", "Project directory")
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	modelFlag := fs.String("model", "", "Model wire id <provider>/<model> (default: manifest, then config)")
	planFlag := fs.String("plan", "", "Plan file path relative to the project (default: manifest)")
	iterations := fs.Int("iterations", -1, "Cap plan items worked this run (0 = no cap, negative = config)")
	quiet := fs.Bool("quiet", false, "Suppress the banner and informational logs")
	_ = fs.Parse(args)
	task := strings.TrimSpace(strings.Join(fs.Args(), " "))

	dir, err := filepath.Abs(strings.TrimSpace(*dirFlag))
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve project directory: %v\n", err)
		return 1
	}

	// Project-local secrets (API keys) before any env reads.
	envPath := filepath.Join(dir, ".env")
	if _, statErr := os.Stat(envPath); statErr == nil {
		if loadErr := godotenv.Load(envPath); loadErr != nil {
			fmt.Fprintf(os.Stderr, "load %s: %v\n", envPath, loadErr)
			return 1
		}
	}

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	if *iterations >= 0 {
		if cfg.Loop == nil {
			cfg.Loop = &config.LoopConfig{}
		}
		cfg.Loop.MaxIterations = iterations
	}

	manifest, err := config.LoadManifest(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load project manifest: %v\n", err)
		return 1
	}
	if p := strings.TrimSpace(*planFlag); p != "" {
		manifest.PlanFile = p
	}

	subagent := os.Getenv("RALPH_SUBAGENT") == "1"
	level := cfg.EffectiveLogLevel()
	if *quiet || subagent {
		level = "warn"
	}
	log, err := newLogger(os.Stderr, cfg.EffectiveLogFormat(), level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configure logging: %v\n", err)
		return 1
	}

	modelID := strings.TrimSpace(*modelFlag)
	if modelID == "" {
		modelID = strings.TrimSpace(manifest.Model)
	}
	prov, modelName, err := cfg.ResolveModel(modelID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve model: %v\n", err)
		return 1
	}
	keyEnv := prov.EffectiveAPIKeyEnv()
	apiKey := strings.TrimSpace(os.Getenv(keyEnv))
	if apiKey == "" {
		fmt.Fprintf(os.Stderr, "missing API key: set %s (env or %s)\n", keyEnv, envPath)
		return 1
	}
	provider, err := llm.New(llm.Config{
		Type:      prov.Type,
		Model:     modelName,
		BaseURL:   prov.BaseURL,
		APIKey:    apiKey,
		MaxTokens: cfg.EffectiveMaxOutputTokens(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "configure provider: %v\n", err)
		return 1
	}

	// One top-level loop per project. Sub-agents run under the parent's
	// lock.
	if !subagent {
		lockPath := filepath.Join(dir, ".ralph", "ralph.lock")
		lock, lockErr := lockfile.Acquire(lockPath)
		if lockErr != nil {
			if errors.Is(lockErr, lockfile.ErrAlreadyLocked) {
				if pid := lockfile.HolderPID(lockPath); pid > 0 {
					fmt.Fprintf(os.Stderr, "another run is active in %s (pid %d)\n", dir, pid)
				} else {
					fmt.Fprintf(os.Stderr, "another run is active in %s\n", dir)
				}
				return 1
			}
			fmt.Fprintf(os.Stderr, "acquire run lock: %v\n", lockErr)
			return 1
		}
		defer func() {
			if relErr := lock.Release(); relErr != nil {
				log.Warn("release run lock failed", "err", relErr)
			}
		}()
	}

	var jrnl *journal.Store
	if cfg.JournalEnabled() {
		jrnl, err = journal.Open(cfg.EffectiveJournalPath())
		if err != nil {
			log.Warn("journal unavailable", "path", cfg.EffectiveJournalPath(), "err", err)
			jrnl = nil
		} else {
			defer func() { _ = jrnl.Close() }()
		}
	}

	if !*quiet && !subagent {
		printBanner(os.Stdout, bannerOptions{
			Version:  Version,
			Workdir:  dir,
			Model:    prov.ID + "/" + modelName,
			PlanFile: manifest.EffectivePlanFile(),
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "locate executable: %v\n", err)
		return 1
	}
	proc, err := mcp.StartProcess(ctx, mcp.ProcessOptions{
		Log:     log.With("component", "dispatcher"),
		Command: exe,
		Args:    []string{"serve", "-dir", dir},
		Dir:     dir,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "start tool dispatcher: %v\n", err)
		return 1
	}
	defer proc.Close()

	loop, err := agent.New(agent.Options{
		Log:      log,
		Config:   cfg,
		Manifest: manifest,
		Workdir:  dir,
		Session:  proc.Client(),
		Provider: provider,
		Journal:  jrnl,
		RunID:    uuid.NewString(),
		Task:     task,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "configure loop: %v\n", err)
		return 1
	}

	log.Info("run starting",
		"version", Version,
		"dir", dir,
		"model", prov.ID+"/"+modelName,
		"plan", manifest.EffectivePlanFile(),
		"subagent", subagent)

	if err := loop.Run(ctx); err != nil {
		if ctx.Err() != nil {
			log.Info("run interrupted")
			return 1
		}
		log.Error("run failed", "kind", string(agent.KindOf(err)), "err", err)
		return 1
	}
	log.Info("run complete")
	return 0
}

func serveCmd(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	dirFlag := fs.String("dir", ".", "Project directory the tools are confined to")
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	dir, err := filepath.Abs(strings.TrimSpace(*dirFlag))
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve project directory: %v\n", err)
		return 1
	}

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	manifest, err := config.LoadManifest(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load project manifest: %v\n", err)
		return 1
	}

	// stdout is the wire; logs go to stderr only.
	log, err := newLogger(os.Stderr, cfg.EffectiveLogFormat(), cfg.EffectiveLogLevel())
	if err != nil {
		fmt.Fprintf(os.Stderr, "configure logging: %v\n", err)
		return 1
	}
	log = log.With("component", "dispatcher")

	reg := mcp.NewRegistry()
	if err := tools.Register(reg, tools.Options{
		Log:            log,
		Root:           dir,
		Version:        Version,
		FanoutEnabled:  manifest.FanoutEnabled(),
		FanoutMaxBatch: manifest.EffectiveMaxBatch(),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "register tools: %v\n", err)
		return 1
	}

	srv, err := mcp.NewServer(mcp.ServerOptions{
		Log:      log,
		Registry: reg,
		In:       os.Stdin,
		Out:      os.Stdout,
		Name:     "ralph-tools",
		Version:  Version,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "configure dispatcher: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		log.Error("dispatcher exited", "err", err)
		return 1
	}
	return 0
}

func planCmd(args []string) int {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	dirFlag := fs.String("dir", ".", "Project directory")
	planFlag := fs.String("plan", "", "Plan file path relative to the project (default: manifest)")
	_ = fs.Parse(args)

	dir, err := filepath.Abs(strings.TrimSpace(*dirFlag))
	if err != nil {
		fmt.Fprintf(os.Stderr, "resolve project directory: %v\n", err)
		return 1
	}
	manifest, err := config.LoadManifest(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load project manifest: %v\n", err)
		return 1
	}
	planPath := strings.TrimSpace(*planFlag)
	if planPath == "" {
		planPath = manifest.EffectivePlanFile()
	}

	b, err := os.ReadFile(filepath.Join(dir, planPath))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Printf("no plan at %s\n", planPath)
			return 0
		}
		fmt.Fprintf(os.Stderr, "read plan: %v\n", err)
		return 1
	}

	items := planfile.Parse(string(b))
	done := 0
	for _, it := range items {
		mark := "[ ]"
		if it.Done {
			mark = "[x]"
			done++
		}
		fmt.Printf("%s %s\n", mark, it.Text)
	}
	fmt.Printf("%d items, %d done, %d pending\n", len(items), done, len(items)-done)
	return 0
}

func newLogger(w io.Writer, format string, level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
