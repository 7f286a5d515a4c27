// Package shell supervises long-lived interactive shell subprocesses on
// an agent. Each session wraps one shell process whose stdout/stderr is
// pumped back to the controller as it arrives, and whose stdin receives
// operator keystrokes, including control characters that are translated
// into signals for the whole process tree.
package shell

import (
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// OutputFunc receives a chunk of combined stdout/stderr for a session.
type OutputFunc func(sessionID, output string)

// Supervisor owns every shell session on one agent.
type Supervisor struct {
	logger *slog.Logger
	output OutputFunc

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	id    string
	shell string
	cmd   *exec.Cmd
	stdin io.WriteCloser

	done     chan struct{} // closed when the process has exited
	stopping bool          // set by Stop so the exit line is suppressed
	mu       sync.Mutex
}

func NewSupervisor(logger *slog.Logger, output OutputFunc) *Supervisor {
	return &Supervisor{
		logger:   logger.With("component", "shell"),
		output:   output,
		sessions: make(map[string]*session),
	}
}

// Start launches a shell subprocess for the session. Starting a session
// id that is already running is an error; the operator must stop the old
// shell first.
func (s *Supervisor) Start(sessionID, shell string) error {
	s.mu.Lock()
	if _, exists := s.sessions[sessionID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("shell session %s already running", sessionID)
	}
	s.mu.Unlock()

	name, args := shellCommand(shell)
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("shell %q not available: %w", shell, err)
	}

	cmd := exec.Command(name, args...)
	setProcAttrs(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}

	sess := &session{
		id:    sessionID,
		shell: shell,
		cmd:   cmd,
		stdin: stdin,
		done:  make(chan struct{}),
	}

	s.mu.Lock()
	s.sessions[sessionID] = sess
	s.mu.Unlock()

	go s.pump(sess, stdout)
	go s.reap(sess)

	// Shells that fail to initialize (bad rc files, missing libs) tend
	// to die immediately. Catch that here so Start can report it instead
	// of the operator staring at a dead prompt.
	select {
	case <-sess.done:
		s.forget(sessionID)
		return fmt.Errorf("shell %q exited immediately", shell)
	case <-time.After(500 * time.Millisecond):
	}

	// Quiet down shell chrome so the stream is just prompt and output.
	for _, line := range startupLines(shell) {
		if _, err := io.WriteString(stdin, line+"\n"); err != nil {
			break
		}
	}

	s.logger.Info("shell started", "session", sessionID, "shell", shell, "pid", cmd.Process.Pid)
	return nil
}

// Input feeds operator input into the session. Control characters are
// translated into signals against the process tree rather than written
// to stdin: ^C interrupts the foreground work, ^Z suspends it. Plain
// text reaches the shell as exactly one line: a newline is appended
// only when the input lacks one, so already-terminated input does not
// dispatch twice.
func (s *Supervisor) Input(sessionID, input string) error {
	sess := s.get(sessionID)
	if sess == nil {
		return fmt.Errorf("no shell session %s", sessionID)
	}

	switch input {
	case "\x03":
		return s.interrupt(sess)
	case "\x1a":
		return s.suspend(sess)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if _, err := io.WriteString(sess.stdin, terminateLine(input)); err != nil {
		return fmt.Errorf("write to shell %s: %w", sessionID, err)
	}
	return nil
}

// terminateLine ensures the input ends in exactly the newline it needs.
func terminateLine(input string) string {
	if strings.HasSuffix(input, "\n") {
		return input
	}
	return input + "\n"
}

// Stop tears the session down: SIGTERM to the process group, SIGKILL
// after a grace period if the shell is still around.
func (s *Supervisor) Stop(sessionID string) error {
	sess := s.get(sessionID)
	if sess == nil {
		return fmt.Errorf("no shell session %s", sessionID)
	}

	sess.mu.Lock()
	sess.stopping = true
	sess.mu.Unlock()

	if err := terminate(sess.cmd, sess.done, 5*time.Second); err != nil {
		s.logger.Warn("shell terminate", "session", sessionID, "error", err)
	}
	s.forget(sessionID)
	s.logger.Info("shell stopped", "session", sessionID)
	return nil
}

// StopAll tears down every session; used on agent shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		_ = s.Stop(id)
	}
}

// Running reports whether the session has a live shell.
func (s *Supervisor) Running(sessionID string) bool {
	return s.get(sessionID) != nil
}

// interrupt delivers SIGINT descendants-first so that foreground jobs
// (and their children) get the signal while the shell itself survives
// and prints a fresh prompt.
func (s *Supervisor) interrupt(sess *session) error {
	return signalTree(sess.cmd.Process.Pid, sigInterrupt)
}

func (s *Supervisor) suspend(sess *session) error {
	return signalTree(sess.cmd.Process.Pid, sigSuspend)
}

// pump forwards the shell's combined output in 4KiB chunks as it
// arrives. Line buffering would hold back prompts, so it reads raw.
func (s *Supervisor) pump(sess *session, r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.output(sess.id, string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// reap waits for the process and reports its exit on the output stream,
// unless the exit came from an explicit Stop.
func (s *Supervisor) reap(sess *session) {
	err := sess.cmd.Wait()
	close(sess.done)

	sess.mu.Lock()
	stopping := sess.stopping
	sess.mu.Unlock()
	if stopping {
		return
	}

	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = -1
	}
	s.output(sess.id, fmt.Sprintf("\r\n[Process exited with code %d]\r\n", code))
	s.forget(sess.id)
}

func (s *Supervisor) get(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

func (s *Supervisor) forget(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// shellCommand maps a requested shell name onto an argv. Unknown names
// are run as-is so operators can ask for anything on PATH.
func shellCommand(shell string) (string, []string) {
	switch strings.ToLower(shell) {
	case "bash":
		return "bash", []string{"--noprofile", "--norc", "-i"}
	case "sh":
		return "sh", []string{"-i"}
	case "zsh":
		return "zsh", []string{"-f", "-i"}
	case "cmd":
		return "cmd", []string{"/Q"}
	case "powershell":
		return "powershell", []string{"-NoLogo", "-NoProfile"}
	case "pwsh":
		return "pwsh", []string{"-NoLogo", "-NoProfile"}
	}
	return shell, nil
}

// startupLines are written into a fresh shell to strip decorations that
// would pollute the remote stream.
func startupLines(shell string) []string {
	switch strings.ToLower(shell) {
	case "bash", "sh", "zsh":
		return []string{`PS1='\u@\h:\w\$ '`}
	case "cmd":
		return []string{"@echo off"}
	case "powershell", "pwsh":
		return []string{`$ProgressPreference = 'SilentlyContinue'`}
	}
	return nil
}
