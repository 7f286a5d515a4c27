//go:build !windows

package shell

import (
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

const (
	sigInterrupt = unix.SIGINT
	sigSuspend   = unix.SIGTSTP
)

// setProcAttrs puts the shell in its own process group so signals can
// be addressed to the whole tree without touching the agent itself.
func setProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalTree delivers sig to every descendant of pid, deepest first,
// then to the process group. Descendants-first matters for SIGINT: a
// foreground job's children must see the signal even when the job
// installed its own handler, and the shell at the root keeps running.
func signalTree(pid int, sig unix.Signal) error {
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		return fmt.Errorf("process %d: %w", pid, err)
	}

	descendants, err := root.Children()
	if err == nil {
		for _, child := range collectTree(descendants) {
			_ = unix.Kill(int(child.Pid), sig)
		}
	}

	// Negative pid addresses the process group created at spawn.
	if err := unix.Kill(-pid, sig); err != nil && err != unix.ESRCH {
		return fmt.Errorf("signal group %d: %w", pid, err)
	}
	return nil
}

// collectTree flattens the descendant tree deepest-first.
func collectTree(procs []*process.Process) []*process.Process {
	var out []*process.Process
	for _, p := range procs {
		if children, err := p.Children(); err == nil {
			out = append(out, collectTree(children)...)
		}
		out = append(out, p)
	}
	return out
}

// terminate asks the process group to exit and escalates to SIGKILL if
// it has not gone away within grace.
func terminate(cmd *exec.Cmd, done <-chan struct{}, grace time.Duration) error {
	pid := cmd.Process.Pid
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		return fmt.Errorf("sigterm group %d: %w", pid, err)
	}
	select {
	case <-done:
		return nil
	case <-time.After(grace):
	}
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return fmt.Errorf("sigkill group %d: %w", pid, err)
	}
	<-done
	return nil
}
