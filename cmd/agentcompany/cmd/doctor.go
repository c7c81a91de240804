package cmd

import (
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agentcompany/agentcompany/internal/adapters/cli"
	"github.com/agentcompany/agentcompany/internal/config"
	"github.com/agentcompany/agentcompany/internal/diagnostics"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the host and configuration for problems",
	Long: `doctor inspects the machine the engine would run on: configured AI
adapter and container tooling on PATH, engine configuration validity,
and host resources (CPU, memory, disk, GPU).`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(_ *cobra.Command, _ []string) error {
	logger := newLogger()
	failures := 0

	check := func(name string, err error) {
		if err != nil {
			failures++
			fmt.Printf("  ✗ %s: %v\n", name, err)
			return
		}
		fmt.Printf("  ✓ %s\n", name)
	}

	fmt.Println("configuration:")
	stateDir := filepath.Join(appConfig.Runtime.Root, "state")
	mgr := config.NewManager(stateDir, logger)
	sysCfg, err := mgr.Load()
	check("engine config readable", err)
	if err == nil {
		result := config.NewValidator().ValidateSystem(sysCfg)
		if result.Valid {
			check("engine config valid", nil)
		} else {
			check("engine config valid", result.Errors)
		}
		for _, w := range result.Warnings {
			fmt.Printf("  ! %s\n", w.String())
		}
	}

	if sysCfg != nil {
		fmt.Println("preflight:")
		workspacesDir := filepath.Join(appConfig.Runtime.Root, "workspaces")
		for _, c := range diagnostics.RunPreflight(sysCfg, workspacesDir) {
			if c.Passed {
				fmt.Printf("  ✓ %s: %s\n", c.Name, c.Detail)
			} else {
				failures++
				fmt.Printf("  ✗ %s: %s\n", c.Name, c.Detail)
			}
		}
	}

	fmt.Println("tooling:")
	if sysCfg != nil {
		adapter := cli.New(sysCfg.DefaultAIAdapter, sysCfg.DefaultModel)
		check("AI adapter "+sysCfg.DefaultAIAdapter, adapter.Ping())
	}
	_, gitErr := exec.LookPath("git")
	check("git", gitErr)
	_, dockerErr := exec.LookPath("docker")
	check("docker", dockerErr)

	fmt.Println("host:")
	stats := diagnostics.NewSystemMetricsCollector().Collect()
	fmt.Printf("  cpu:    %s (%d cores, %d threads), %.1f%% used\n",
		stats.CPUModel, stats.CPUCores, stats.CPUThreads, stats.CPUPercent)
	fmt.Printf("  memory: %.0f/%.0f MB (%.1f%%)\n",
		stats.MemUsedMB, stats.MemTotalMB, stats.MemPercent)
	fmt.Printf("  disk:   %.0f/%.0f GB (%.1f%%)\n",
		stats.DiskUsedGB, stats.DiskTotalGB, stats.DiskPercent)
	for _, gpu := range stats.GPUInfos {
		fmt.Printf("  gpu:    %s\n", gpu.Name)
	}

	dumpDir := filepath.Join(stateDir, "crashdumps")
	if dump, dumpErr := diagnostics.LoadLatestCrashDump(dumpDir); dumpErr == nil {
		fmt.Println("last crash:")
		fmt.Printf("  ! %s in phase %q: %s\n",
			dump.Timestamp.Format("2006-01-02 15:04:05"), dump.CurrentPhase, dump.PanicValue)
		fmt.Printf("  dumps under %s\n", dumpDir)
	}

	if failures > 0 {
		return fmt.Errorf("%d check(s) failed", failures)
	}
	fmt.Println("all checks passed")
	return nil
}
