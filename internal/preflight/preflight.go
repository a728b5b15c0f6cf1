// Package preflight checks the external tools and directories a build needs
// before any stage runs.
package preflight

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"

	"kiln/internal/config"
)

// Check reports the availability of one external dependency.
type Check struct {
	Name      string
	Command   string
	Optional  bool
	Available bool
	Detail    string
}

// CheckSystemDeps inspects the external binaries the build stages invoke.
func CheckSystemDeps(cfg *config.Config) []Check {
	if cfg == nil {
		return nil
	}
	checks := []Check{
		{Name: "apt-get", Command: cfg.AptGetBinary(), Detail: "system package provisioning"},
		{Name: "pip", Command: cfg.PipBinary(), Detail: "python dependency resolution"},
	}
	for i := range checks {
		path, err := exec.LookPath(checks[i].Command)
		if err != nil {
			checks[i].Detail = fmt.Sprintf("%s not found in PATH", checks[i].Command)
			continue
		}
		checks[i].Available = true
		checks[i].Detail = path
	}
	return checks
}

// CheckDirectoryAccess verifies a directory exists and is writable.
func CheckDirectoryAccess(label, path string) Check {
	check := Check{Name: label, Detail: path}
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		check.Detail = "not configured"
		return check
	}
	info, err := os.Stat(trimmed)
	if err != nil {
		check.Detail = fmt.Sprintf("%s: %v", trimmed, err)
		return check
	}
	if !info.IsDir() {
		check.Detail = fmt.Sprintf("%s is not a directory", trimmed)
		return check
	}
	if unix.Access(trimmed, unix.W_OK) != nil {
		check.Detail = fmt.Sprintf("%s is not writable", trimmed)
		return check
	}
	check.Available = true
	return check
}

// FreeSpace returns the free bytes on the filesystem holding path.
func FreeSpace(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", path, err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
