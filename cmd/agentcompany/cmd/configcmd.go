package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/agentcompany/agentcompany/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate the engine configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective engine configuration",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		mgr := config.NewManager(filepath.Join(appConfig.Runtime.Root, "state"), newLogger())
		cfg, err := mgr.Load()
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the engine configuration",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		mgr := config.NewManager(filepath.Join(appConfig.Runtime.Root, "state"), newLogger())
		cfg, err := mgr.Load()
		if err != nil {
			return err
		}
		result := config.NewValidator().ValidateSystem(cfg)
		for _, w := range result.Warnings {
			fmt.Println("warning:", w.String())
		}
		if !result.Valid {
			return result.Errors
		}
		fmt.Println("configuration is valid")
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the engine configuration file path",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		mgr := config.NewManager(filepath.Join(appConfig.Runtime.Root, "state"), newLogger())
		fmt.Println(mgr.Path())
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}
