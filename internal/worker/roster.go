package worker

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/agentcompany/agentcompany/internal/core"
)

// rosterFile is the on-disk shape of a worker roster override.
type rosterFile struct {
	Workers []Definition `yaml:"workers"`
}

// LoadRosterFile reads operator overrides for the built-in worker
// definitions. Entries replace the built-in of the same type wholesale.
func LoadRosterFile(path string) ([]Definition, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied roster path
	if err != nil {
		return nil, core.ErrState(core.CodePersistFailed,
			fmt.Sprintf("read worker roster %s", path)).WithCause(err)
	}

	var file rosterFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, core.ErrValidation(core.CodeInvalidConfig,
			fmt.Sprintf("worker roster %s is not valid yaml", path)).WithCause(err)
	}
	if len(file.Workers) == 0 {
		return nil, core.ErrValidation(core.CodeInvalidConfig,
			fmt.Sprintf("worker roster %s defines no workers", path))
	}
	return file.Workers, nil
}

// ApplyRoster registers every override. All entries are validated
// before any is applied, so a bad roster never half-applies.
func ApplyRoster(r *Registry, defs []Definition) error {
	for _, d := range defs {
		if !core.ValidWorkerType(d.Type) {
			return core.ErrValidation(core.CodeInvalidConfig,
				"unknown worker type: "+string(d.Type))
		}
		if len(d.Keywords) == 0 {
			return core.ErrValidation(core.CodeInvalidConfig,
				"worker definition has no keywords: "+string(d.Type))
		}
	}
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			return err
		}
	}
	return nil
}
