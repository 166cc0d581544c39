//go:build windows

package mcppool

import (
	"context"
	"os/exec"
)

// newChildCommand builds the exec.Cmd used to launch an MCP child.
// npx/pnpx (and similar) ship as ".cmd" shims that Go's exec package
// cannot exec directly — they must go through the command interpreter,
// so every child is launched via "cmd /c <command> <args...>".
func newChildCommand(ctx context.Context, command string, args []string) *exec.Cmd {
	full := append([]string{"/c", command}, args...)
	return exec.CommandContext(ctx, "cmd", full...)
}

// terminateGracefully asks cmd to exit. Windows has no SIGTERM; Kill is
// the only portable signal exec.Cmd exposes, so grace here means relying
// on WaitDelay to give the process a moment before the runtime's own
// escalation, not a distinct soft-kill step.
func terminateGracefully(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

// killGroup force-terminates the child. There's no process-group concept
// plumbed through exec.Cmd on Windows without a job object, so this is
// the direct process kill; a wedged grandchild shim is the one case this
// doesn't fully clean up (tracked as a known gap, matching the POSIX
// side's use of process groups specifically to close it there).
func killGroup(cmd *exec.Cmd) {
	_ = cmd.Process.Kill()
}
