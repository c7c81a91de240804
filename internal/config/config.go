package config

import "time"

// Config holds the process-level application configuration: everything the
// CLI and server need before the engine starts. It is loaded by Loader from
// flags, environment and the optional .agentcompany yaml file.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Server  ServerConfig  `mapstructure:"server"`
	Runtime RuntimeConfig `mapstructure:"runtime"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// ServerConfig configures the control API server.
type ServerConfig struct {
	Addr         string   `mapstructure:"addr"`
	CORSOrigins  []string `mapstructure:"cors_origins"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
}

// RuntimeConfig locates the runtime root holding state/, runs/ and
// workspaces/.
type RuntimeConfig struct {
	Root string `mapstructure:"root"`
}

// ContainerRuntimeKind selects how worker containers reach a docker daemon.
type ContainerRuntimeKind string

const (
	ContainerRuntimeDoD      ContainerRuntimeKind = "dod"      // docker-outside-of-docker (host socket)
	ContainerRuntimeRootless ContainerRuntimeKind = "rootless" // rootless dockerd
	ContainerRuntimeDinD     ContainerRuntimeKind = "dind"     // docker-in-docker
)

// MessageQueueKind selects the agent bus backend.
type MessageQueueKind string

const (
	MessageQueueFile   MessageQueueKind = "file"
	MessageQueueSQLite MessageQueueKind = "sqlite"
	MessageQueueRedis  MessageQueueKind = "redis"
)

// GitCredentialKind selects how workers authenticate to git remotes.
type GitCredentialKind string

const (
	GitCredentialDeployKey GitCredentialKind = "deploy_key"
	GitCredentialToken     GitCredentialKind = "token"
	GitCredentialSSHAgent  GitCredentialKind = "ssh_agent"
)

// SystemConfig is the operator-tunable engine configuration, persisted as
// canonical JSON at state/config.json. Fields absent from the file take
// their defaults; the file is the single source of truth, with no implicit
// environment overrides.
type SystemConfig struct {
	MaxConcurrentWorkers  int                  `json:"maxConcurrentWorkers" mapstructure:"maxConcurrentWorkers"`
	DefaultTimeoutSec     int                  `json:"defaultTimeout" mapstructure:"defaultTimeout"`
	WorkerMemoryLimit     string               `json:"workerMemoryLimit" mapstructure:"workerMemoryLimit"`
	WorkerCPULimit        string               `json:"workerCpuLimit" mapstructure:"workerCpuLimit"`
	DefaultAIAdapter      string               `json:"defaultAiAdapter" mapstructure:"defaultAiAdapter"`
	DefaultModel          string               `json:"defaultModel" mapstructure:"defaultModel"`
	ContainerRuntime      ContainerRuntimeKind `json:"containerRuntime" mapstructure:"containerRuntime"`
	AllowedDockerCommands []string             `json:"allowedDockerCommands" mapstructure:"allowedDockerCommands"`
	MessageQueueType      MessageQueueKind     `json:"messageQueueType" mapstructure:"messageQueueType"`
	RedisAddr             string               `json:"redisAddr,omitempty" mapstructure:"redisAddr"`
	GitCredentialType     GitCredentialKind    `json:"gitCredentialType" mapstructure:"gitCredentialType"`
	GitSSHAgentEnabled    bool                 `json:"gitSshAgentEnabled" mapstructure:"gitSshAgentEnabled"`
	StateRetentionDays    int                  `json:"stateRetentionDays" mapstructure:"stateRetentionDays"`
	IntegrationBranch     string               `json:"integrationBranch" mapstructure:"integrationBranch"`
	AutoRefreshIntervalMs int                  `json:"autoRefreshInterval" mapstructure:"autoRefreshInterval"`
}

// DefaultTimeout returns the per-task timeout as a duration.
func (c *SystemConfig) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutSec) * time.Second
}

// AutoRefreshInterval returns the dashboard refresh hint as a duration.
func (c *SystemConfig) AutoRefreshInterval() time.Duration {
	return time.Duration(c.AutoRefreshIntervalMs) * time.Millisecond
}

// DockerCommandAllowed reports whether a docker subcommand may be issued.
func (c *SystemConfig) DockerCommandAllowed(cmd string) bool {
	for _, allowed := range c.AllowedDockerCommands {
		if allowed == cmd {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the configuration.
func (c *SystemConfig) Clone() *SystemConfig {
	if c == nil {
		return nil
	}
	out := *c
	out.AllowedDockerCommands = append([]string(nil), c.AllowedDockerCommands...)
	return &out
}
