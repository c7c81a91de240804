package quality

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/agentcompany/agentcompany/internal/core"
)

// GateFileName is the optional per-workspace gate description. A
// workspace without one runs the default commands.
const GateFileName = ".agentcompany-quality.yaml"

// CheckConfig describes one command-driven check.
type CheckConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
}

// ProjectConfig is a workspace's gate description.
type ProjectConfig struct {
	Lint CheckConfig `yaml:"lint"`
	Test CheckConfig `yaml:"test"`
}

// DefaultProjectConfig returns the commands used when a workspace does
// not carry its own gate file.
func DefaultProjectConfig() *ProjectConfig {
	return &ProjectConfig{
		Lint: CheckConfig{Command: "make", Args: []string{"lint"}},
		Test: CheckConfig{Command: "make", Args: []string{"test"}},
	}
}

// LoadProjectConfig reads the workspace gate file, falling back to the
// defaults when it is absent. Fields left empty in the file keep their
// default values.
func LoadProjectConfig(workspace string) (*ProjectConfig, error) {
	cfg := DefaultProjectConfig()

	path := filepath.Join(workspace, GateFileName)
	data, err := os.ReadFile(path) // #nosec G304 -- path is rooted in the managed workspace
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, core.ErrState(core.CodePersistFailed,
			fmt.Sprintf("read gate config %s", path)).WithCause(err)
	}

	var file ProjectConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, core.ErrValidation(core.CodeInvalidConfig,
			fmt.Sprintf("gate config %s is not valid yaml", path)).WithCause(err)
	}

	if file.Lint.Command != "" {
		cfg.Lint = file.Lint
	}
	if file.Test.Command != "" {
		cfg.Test = file.Test
	}
	return cfg, nil
}
