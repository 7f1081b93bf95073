package crypto

import (
	"os"
	"runtime"
	"strings"
)

// machineIDFiles are read in order on Linux.
var machineIDFiles = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// MachineID returns the configured identifier when set, otherwise a
// platform identifier. Falls back to the hostname.
func MachineID(configured string) string {
	if configured != "" {
		return configured
	}
	if runtime.GOOS == "linux" {
		for _, p := range machineIDFiles {
			if data, err := os.ReadFile(p); err == nil {
				if id := strings.TrimSpace(string(data)); id != "" {
					return "linux:" + id
				}
			}
		}
	}
	hostname, _ := os.Hostname()
	return runtime.GOOS + ":" + hostname
}
