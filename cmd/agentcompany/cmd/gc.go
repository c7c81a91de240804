package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentcompany/agentcompany/internal/config"
	"github.com/agentcompany/agentcompany/internal/runstore"
)

var gcRetentionDays int

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove terminal runs older than the retention window",
	Long: `gc walks the local run directory and deletes completed, failed and
terminated runs whose last update is older than the retention window.
Live runs are never touched. Operates on local state; the server does
the same sweep periodically while running.`,
	Args: cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		logger := newLogger()
		days := gcRetentionDays
		if days <= 0 {
			mgr := config.NewManager(filepath.Join(appConfig.Runtime.Root, "state"), logger)
			cfg, err := mgr.Load()
			if err != nil {
				return err
			}
			days = cfg.StateRetentionDays
		}
		if days <= 0 {
			return fmt.Errorf("retention is disabled (stateRetentionDays=%d)", days)
		}

		store := runstore.New(filepath.Join(appConfig.Runtime.Root, "runs"),
			runstore.WithLogger(logger))
		removed, err := store.Sweep(time.Duration(days) * 24 * time.Hour)
		if err != nil {
			return err
		}
		if len(removed) == 0 {
			fmt.Println("nothing to remove")
			return nil
		}
		for _, runID := range removed {
			fmt.Println("removed", runID)
		}
		fmt.Printf("%d run(s) removed\n", len(removed))
		return nil
	},
}

func init() {
	gcCmd.Flags().IntVar(&gcRetentionDays, "retention-days", 0,
		"override the configured retention window")
	rootCmd.AddCommand(gcCmd)
}
