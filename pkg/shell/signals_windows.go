//go:build windows

package shell

import (
	"fmt"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

type treeSignal int

const (
	sigInterrupt treeSignal = iota
	sigSuspend
)

func setProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// signalTree approximates POSIX signal semantics on Windows. There is
// no SIGINT delivery to another console's children, so interrupt kills
// the shell's descendants (deepest first) and leaves the shell alone;
// suspend suspends them via the process API.
func signalTree(pid int, sig treeSignal) error {
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		return fmt.Errorf("process %d: %w", pid, err)
	}
	children, err := root.Children()
	if err != nil {
		return nil // no descendants, nothing to do
	}
	for _, child := range collectTree(children) {
		switch sig {
		case sigSuspend:
			_ = child.Suspend()
		default:
			_ = child.Kill()
		}
	}
	return nil
}

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

// terminate uses taskkill /T to take down the whole tree, then kills
// the process directly if it lingers past grace.
func terminate(cmd *exec.Cmd, done <-chan struct{}, grace time.Duration) error {
	pid := cmd.Process.Pid
	_ = exec.Command("taskkill", "/T", "/PID", strconv.Itoa(pid)).Run()
	select {
	case <-done:
		return nil
	case <-time.After(grace):
	}
	if err := exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(pid)).Run(); err != nil {
		_ = cmd.Process.Kill()
	}
	<-done
	return nil
}
