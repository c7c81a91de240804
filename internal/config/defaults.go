package config

// DefaultSystemConfig returns the engine configuration used when
// state/config.json does not exist yet. Save persists exactly these values
// on first boot so operators can edit a complete file.
func DefaultSystemConfig() *SystemConfig {
	return &SystemConfig{
		MaxConcurrentWorkers:  3,
		DefaultTimeoutSec:     300,
		WorkerMemoryLimit:     "4g",
		WorkerCPULimit:        "2",
		DefaultAIAdapter:      "ollama",
		DefaultModel:          "llama3.2:1b",
		ContainerRuntime:      ContainerRuntimeDoD,
		AllowedDockerCommands: []string{"run", "stop", "rm", "logs", "inspect"},
		MessageQueueType:      MessageQueueFile,
		GitCredentialType:     GitCredentialToken,
		GitSSHAgentEnabled:    false,
		StateRetentionDays:    7,
		IntegrationBranch:     "develop",
		AutoRefreshIntervalMs: 5000,
	}
}

// DefaultConfigYAML contains the default process configuration YAML content.
// This is used by `agentcompany config init` so a fresh checkout gets a
// complete, commented file.
const DefaultConfigYAML = `# AgentCompany Configuration
#
# Values not specified here use sensible defaults. Engine tunables
# (worker limits, container runtime, message queue backend) live in
# <runtime.root>/state/config.json and are managed with
# "agentcompany config" or the settings API, not this file.

log:
  # debug | info | warn | error
  level: info
  # auto | json | text (auto picks text on a terminal, json otherwise)
  format: auto
  # Optional file path; empty logs to stderr
  file: ""

server:
  addr: ":8080"
  cors_origins: []
  read_timeout: 15s
  write_timeout: 30s

runtime:
  # Root directory holding state/, runs/ and workspaces/
  root: runtime
`
