//go:build !windows

package mcppool

import (
	"context"
	"os/exec"
	"syscall"
)

// newChildCommand builds the exec.Cmd used to launch an MCP child. On
// POSIX there's no shim-resolution concern: command is run directly, in
// its own process group so grandchildren (e.g. node spawned by npx,
// python spawned by uvx) die together with it.
func newChildCommand(ctx context.Context, command string, args []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// terminateGracefully sends SIGTERM to cmd's entire process group.
// Paired with exec.Cmd.WaitDelay, this gives the group time to exit
// before the runtime escalates (see killGroup).
func terminateGracefully(cmd *exec.Cmd) error {
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}

// killGroup force-kills cmd's entire process group. Used as the last
// resort when a child is wedged and ignores SIGTERM: a zombie child must
// not hang Stop() forever.
func killGroup(cmd *exec.Cmd) {
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
