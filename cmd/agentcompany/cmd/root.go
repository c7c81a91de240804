// Package cmd implements the agentcompany CLI: a server command that
// runs the orchestration engine and a set of client commands that talk
// to it over the control API.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentcompany/agentcompany/internal/config"
	"github.com/agentcompany/agentcompany/internal/logging"
)

var (
	cfgFile    string
	logLevel   string
	logFormat  string
	serverAddr string
	rootDir    string

	// Version info - set via SetVersion()
	appVersion string
	appCommit  string
	appDate    string

	appConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "agentcompany",
	Short: "AI employee fleet running development workflows end to end",
	Long: `agentcompany runs an AI software company: a planning meeting turns an
instruction into a proposal, a principal approves it, containerized AI
workers implement and review the subtasks, a quality gate checks the
result, and the deliverable comes back for final sign-off.

'agentcompany serve' runs the engine and control API; the other
commands drive a running server.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initConfig()
	},
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
	}
	return err
}

// SetVersion injects build-time version information.
func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: .agentcompany.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"log format (auto, text, json)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "",
		"control API base URL (default: http://127.0.0.1:8080)")
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "",
		"runtime root holding state/, runs/ and workspaces/ (default: runtime)")
}

func initConfig() error {
	loader := config.NewLoader()
	if cfgFile != "" {
		loader = loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	// Flags override the file.
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	if rootDir != "" {
		cfg.Runtime.Root = rootDir
	}

	appConfig = cfg
	return nil
}

func newLogger() *logging.Logger {
	return logging.New(logging.Config{
		Level:  appConfig.Log.Level,
		Format: appConfig.Log.Format,
	})
}
