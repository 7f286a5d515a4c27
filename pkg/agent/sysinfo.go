package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// MachineID returns a stable identifier for this machine. It prefers
// the OS machine id, falls back to the BIOS product UUID, and as a last
// resort hashes the hostname; the point is that re-installs of the
// agent land on the same fleet identity.
func MachineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	if data, err := os.ReadFile("/sys/class/dmi/id/product_uuid"); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return strings.ToLower(id)
		}
	}
	hostname, _ := os.Hostname()
	sum := sha256.Sum256([]byte("hostname:" + hostname))
	return hex.EncodeToString(sum[:])
}

// DeriveAgentID maps a machine id onto the fleet-visible agent id: the
// first 12 hex characters of its SHA-256.
func DeriveAgentID(machineID string) string {
	sum := sha256.Sum256([]byte(machineID))
	return hex.EncodeToString(sum[:])[:12]
}

// CollectSystemInfo gathers the hardware/OS details advertised in the
// registration frame. Collection failures degrade to partial info.
func CollectSystemInfo() map[string]any {
	info := map[string]any{
		"os":      runtime.GOOS,
		"arch":    runtime.GOARCH,
		"num_cpu": runtime.NumCPU(),
		"go":      runtime.Version(),
	}
	if hi, err := host.Info(); err == nil {
		info["platform"] = hi.Platform
		info["platform_version"] = hi.PlatformVersion
		info["kernel_version"] = hi.KernelVersion
		info["uptime_seconds"] = hi.Uptime
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info["memory_total_bytes"] = vm.Total
	}
	return info
}

// LocalIP returns the address the agent would use to reach the
// controller; best effort, empty on failure.
func LocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}
