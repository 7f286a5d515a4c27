package shell

import (
	"os/exec"
	"runtime"
)

// DetectShells probes PATH for the shells this platform is likely to
// have; the result is advertised in the agent's registration frame so
// operators only see shells that will actually start.
func DetectShells() []string {
	var candidates []string
	if runtime.GOOS == "windows" {
		candidates = []string{"cmd", "powershell", "pwsh"}
	} else {
		candidates = []string{"bash", "sh", "zsh", "pwsh"}
	}

	var found []string
	for _, name := range candidates {
		if _, err := exec.LookPath(name); err == nil {
			found = append(found, name)
		}
	}
	return found
}

// DefaultShell picks the shell used when a request names none.
func DefaultShell() string {
	shells := DetectShells()
	if len(shells) == 0 {
		if runtime.GOOS == "windows" {
			return "cmd"
		}
		return "sh"
	}
	return shells[0]
}
