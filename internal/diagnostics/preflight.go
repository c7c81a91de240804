package diagnostics

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/agentcompany/agentcompany/internal/config"
)

// PreflightCheck is one pass/fail verdict from RunPreflight.
type PreflightCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// minWorkspaceFreeBytes is the floor of free disk space we want under the
// workspaces directory before spawning workers.
const minWorkspaceFreeBytes = 1 << 30

// ParseMemoryLimit converts a docker-style memory limit (512m, 4g) to bytes.
func ParseMemoryLimit(s string) (uint64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty memory limit")
	}
	unit := s[len(s)-1]
	mult := uint64(1)
	switch unit {
	case 'b':
	case 'k':
		mult = 1 << 10
	case 'm':
		mult = 1 << 20
	case 'g':
		mult = 1 << 30
	default:
		return 0, fmt.Errorf("memory limit %q: unknown unit %q", s, string(unit))
	}
	value, err := strconv.ParseFloat(s[:len(s)-1], 64)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("memory limit %q: bad value", s)
	}
	return uint64(value * float64(mult)), nil
}

// RunPreflight checks that the host can carry the configured worker fleet:
// enough available memory for maxConcurrentWorkers at workerMemoryLimit,
// free disk under the workspaces directory, and a docker binary when the
// container runtime needs one.
func RunPreflight(cfg *config.SystemConfig, workspacesDir string) []PreflightCheck {
	var checks []PreflightCheck

	perWorker, err := ParseMemoryLimit(cfg.WorkerMemoryLimit)
	if err != nil {
		checks = append(checks, PreflightCheck{
			Name: "worker memory budget", Detail: err.Error(),
		})
	} else {
		required := perWorker * uint64(cfg.MaxConcurrentWorkers)
		check := PreflightCheck{Name: "worker memory budget"}
		if vm, memErr := mem.VirtualMemory(); memErr != nil {
			check.Detail = "cannot read host memory: " + memErr.Error()
		} else if vm.Available < required {
			check.Detail = fmt.Sprintf("%d workers x %s need %d MB, host has %d MB available",
				cfg.MaxConcurrentWorkers, cfg.WorkerMemoryLimit, required>>20, vm.Available>>20)
		} else {
			check.Passed = true
			check.Detail = fmt.Sprintf("%d MB available for %d workers x %s",
				vm.Available>>20, cfg.MaxConcurrentWorkers, cfg.WorkerMemoryLimit)
		}
		checks = append(checks, check)
	}

	diskCheck := PreflightCheck{Name: "workspace disk space"}
	if usage, diskErr := disk.Usage(workspacesDir); diskErr != nil {
		diskCheck.Detail = "cannot stat workspaces: " + diskErr.Error()
	} else if usage.Free < minWorkspaceFreeBytes {
		diskCheck.Detail = fmt.Sprintf("only %d MB free under %s", usage.Free>>20, workspacesDir)
	} else {
		diskCheck.Passed = true
		diskCheck.Detail = fmt.Sprintf("%d MB free under %s", usage.Free>>20, workspacesDir)
	}
	checks = append(checks, diskCheck)

	switch cfg.ContainerRuntime {
	case config.ContainerRuntimeDoD, config.ContainerRuntimeRootless, config.ContainerRuntimeDinD:
		dockerCheck := PreflightCheck{Name: "docker binary"}
		if path, lookErr := exec.LookPath("docker"); lookErr != nil {
			dockerCheck.Detail = fmt.Sprintf("runtime %q needs docker on PATH", cfg.ContainerRuntime)
		} else {
			dockerCheck.Passed = true
			dockerCheck.Detail = path
		}
		checks = append(checks, dockerCheck)
	}

	return checks
}

// PreflightOK reports whether every check passed.
func PreflightOK(checks []PreflightCheck) bool {
	for _, c := range checks {
		if !c.Passed {
			return false
		}
	}
	return true
}
