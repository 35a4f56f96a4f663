//go:build windows

package tools

import (
	"context"
	"os/exec"
)

// shellCommand builds the shell invocation. Context cancellation kills the
// direct child; grandchildren are not tracked here.
func shellCommand(ctx context.Context, command string) *exec.Cmd {
	return exec.CommandContext(ctx, "cmd", "/C", command)
}
