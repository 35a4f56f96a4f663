package mcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// ProcessOptions configure a dispatcher subprocess.
type ProcessOptions struct {
	Log *slog.Logger
	// Command is the executable to spawn; Args are passed verbatim.
	Command string
	Args    []string
	Dir     string
	// Env replaces the child environment when non-nil.
	Env []string
	// InitTimeout bounds the initialize handshake. Defaults to 15s.
	InitTimeout time.Duration
}

// Process is a dispatcher subprocess plus the client channel wired to its
// stdin/stdout pipes. The child's stderr is drained into the log.
type Process struct {
	log *slog.Logger

	closeOnce sync.Once

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	client *Client
	info   ServerInfo
}

// StartProcess spawns the dispatcher and completes the handshake. The child
// is torn down again if any step fails.
func StartProcess(ctx context.Context, opts ProcessOptions) (*Process, error) {
	if strings.TrimSpace(opts.Command) == "" {
		return nil, errors.New("missing dispatcher command")
	}
	log := opts.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	cmd := exec.CommandContext(ctx, opts.Command, opts.Args...)
	if dir := strings.TrimSpace(opts.Dir); dir != "" {
		cmd.Dir = dir
	}
	if opts.Env != nil {
		cmd.Env = opts.Env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, fmt.Errorf("start dispatcher: %w", err)
	}

	// stdout carries the wire; everything the child logs arrives here.
	go func() {
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 0, 64<<10), 2<<20)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			log.Debug("dispatcher stderr", "line", line)
		}
		if err := sc.Err(); err != nil {
			log.Warn("dispatcher stderr scan failed", "error", err)
		}
	}()

	p := &Process{log: log, cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}
	p.client = NewClient(stdin, stdout, log)

	initTimeout := opts.InitTimeout
	if initTimeout <= 0 {
		initTimeout = 15 * time.Second
	}
	ictx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()
	info, err := p.client.Initialize(ictx)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("dispatcher handshake: %w", err)
	}
	p.info = info
	log.Debug("dispatcher ready", "server", info.Name, "server_version", info.Version)
	return p, nil
}

// Client returns the channel wired to this process.
func (p *Process) Client() *Client {
	if p == nil {
		return nil
	}
	return p.client
}

func (p *Process) ServerInfo() ServerInfo {
	if p == nil {
		return ServerInfo{}
	}
	return p.info
}

// Close shuts the dispatcher down. Closing stdin lets the serve loop drain
// and exit; the process is killed if it has not exited after a grace period.
func (p *Process) Close() {
	if p == nil {
		return
	}
	p.closeOnce.Do(func() {
		if p.stdin != nil {
			_ = p.stdin.Close()
		}
		if p.cmd != nil && p.cmd.Process != nil {
			done := make(chan struct{})
			go func() {
				_, _ = p.cmd.Process.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(3 * time.Second):
				p.log.Warn("dispatcher did not exit, killing")
				_ = p.cmd.Process.Kill()
				select {
				case <-done:
				case <-time.After(time.Second):
				}
			}
		}
		if p.stdout != nil {
			_ = p.stdout.Close()
		}
		if p.stderr != nil {
			_ = p.stderr.Close()
		}
	})
}
