package agent

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/deployx/deployx/pkg/hub"
)

// packageManager describes how to install a package on this machine.
type packageManager struct {
	name string
	args func(pkg string) []string
}

// detectPackageManager probes PATH for a usable installer.
func detectPackageManager() *packageManager {
	type candidate struct {
		bin  string
		args func(pkg string) []string
	}
	var candidates []candidate
	if runtime.GOOS == "windows" {
		candidates = []candidate{
			{"winget", func(p string) []string {
				return []string{"install", "--silent", "--accept-package-agreements", "--accept-source-agreements", p}
			}},
			{"choco", func(p string) []string { return []string{"install", "-y", p} }},
		}
	} else {
		candidates = []candidate{
			{"apt-get", func(p string) []string { return []string{"install", "-y", p} }},
			{"dnf", func(p string) []string { return []string{"install", "-y", p} }},
			{"yum", func(p string) []string { return []string{"install", "-y", p} }},
			{"apk", func(p string) []string { return []string{"add", p} }},
			{"brew", func(p string) []string { return []string{"install", p} }},
		}
	}
	for _, c := range candidates {
		if path, err := exec.LookPath(c.bin); err == nil {
			return &packageManager{name: path, args: c.args}
		}
	}
	return nil
}

// installSoftware installs each requested package through the local
// package manager, reporting per-package progress to the controller.
func (a *Agent) installSoftware(ctx context.Context, p hub.InstallSoftware) {
	status := func(state string, progress int, msg, errMsg string) {
		a.send(hub.EventSoftwareInstallationStatus, hub.SoftwareInstallationStatus{
			DeploymentID: p.DeploymentID,
			DeviceID:     p.DeviceID,
			Status:       state,
			Progress:     progress,
			Message:      msg,
			Error:        errMsg,
		})
	}

	mgr := detectPackageManager()
	if mgr == nil {
		status("failed", 0, "", "no supported package manager found")
		return
	}

	total := len(p.SoftwareList)
	status("installing", 0, fmt.Sprintf("using %s for %d packages", mgr.name, total), "")

	for i, pkg := range p.SoftwareList {
		cmd := exec.CommandContext(ctx, mgr.name, mgr.args(pkg)...)
		out, err := cmd.CombinedOutput()
		if err != nil {
			a.logger.Error("install failed", "package", pkg, "error", err)
			status("failed", i*100/total, string(tailBytes(out)),
				fmt.Sprintf("install %s: %v", pkg, err))
			return
		}
		status("installing", (i+1)*100/total, fmt.Sprintf("installed %s", pkg), "")
	}
	status("completed", 100, fmt.Sprintf("%d packages installed", total), "")
}

func tailBytes(b []byte) []byte {
	const n = 2048
	if len(b) <= n {
		return b
	}
	return b[len(b)-n:]
}
