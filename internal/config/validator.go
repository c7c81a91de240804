package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// ValidationWarning flags a configuration that is accepted but risky.
type ValidationWarning struct {
	Field   string
	Message string
}

func (w ValidationWarning) String() string {
	return fmt.Sprintf("%s: %s", w.Field, w.Message)
}

// ValidationResult is the outcome of validating a SystemConfig. Warnings do
// not affect Valid.
type ValidationResult struct {
	Valid    bool
	Errors   ValidationErrors
	Warnings []ValidationWarning
}

// memoryLimitPattern matches docker-style memory limits such as 512m or 4g.
var memoryLimitPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?[bkmg]$`)

// Validator validates configuration. Validation is pure: the same input
// always yields the same result and the validator never touches disk or
// mutates the config.
type Validator struct {
	errors   ValidationErrors
	warnings []ValidationWarning
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

// ValidateSystem validates the engine configuration and returns the full
// result including warnings.
func (v *Validator) ValidateSystem(cfg *SystemConfig) ValidationResult {
	v.errors = v.errors[:0]
	v.warnings = v.warnings[:0]

	v.validateWorkers(cfg)
	v.validateWorkerLimits(cfg)
	v.validateAdapter(cfg)
	v.validateContainer(cfg)
	v.validateMessageQueue(cfg)
	v.validateGitAccess(cfg)
	v.validateRetention(cfg)

	return ValidationResult{
		Valid:    len(v.errors) == 0,
		Errors:   append(ValidationErrors(nil), v.errors...),
		Warnings: append([]ValidationWarning(nil), v.warnings...),
	}
}

// Validate validates the process-level configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateServer(&cfg.Server)
	v.validateRuntime(&cfg.Runtime)

	if len(v.errors) > 0 {
		return v.errors
	}
	return nil
}

// Errors returns the collected validation errors.
func (v *Validator) Errors() ValidationErrors {
	return v.errors
}

func (v *Validator) addError(field string, value interface{}, msg string) {
	v.errors = append(v.errors, ValidationError{
		Field:   field,
		Value:   value,
		Message: msg,
	})
}

func (v *Validator) addWarning(field, msg string) {
	v.warnings = append(v.warnings, ValidationWarning{Field: field, Message: msg})
}

func (v *Validator) validateWorkers(cfg *SystemConfig) {
	if cfg.MaxConcurrentWorkers < 1 {
		v.addError("maxConcurrentWorkers", cfg.MaxConcurrentWorkers, "must be at least 1")
	}

	if cfg.DefaultTimeoutSec <= 0 {
		v.addError("defaultTimeout", cfg.DefaultTimeoutSec, "must be positive")
	}
}

func (v *Validator) validateWorkerLimits(cfg *SystemConfig) {
	if !memoryLimitPattern.MatchString(strings.ToLower(cfg.WorkerMemoryLimit)) {
		v.addError("workerMemoryLimit", cfg.WorkerMemoryLimit, "must be a docker memory limit such as 512m or 4g")
	}

	if cpu, err := strconv.ParseFloat(cfg.WorkerCPULimit, 64); err != nil || cpu <= 0 {
		v.addError("workerCpuLimit", cfg.WorkerCPULimit, "must be a positive number of CPUs")
	}
}

func (v *Validator) validateAdapter(cfg *SystemConfig) {
	if strings.TrimSpace(cfg.DefaultAIAdapter) == "" {
		v.addError("defaultAiAdapter", cfg.DefaultAIAdapter, "adapter name required")
	}

	if strings.TrimSpace(cfg.DefaultModel) == "" {
		v.addError("defaultModel", cfg.DefaultModel, "model name required")
	}
}

func (v *Validator) validateContainer(cfg *SystemConfig) {
	validRuntimes := map[ContainerRuntimeKind]bool{
		ContainerRuntimeDoD: true, ContainerRuntimeRootless: true, ContainerRuntimeDinD: true,
	}
	if !validRuntimes[cfg.ContainerRuntime] {
		v.addError("containerRuntime", cfg.ContainerRuntime, "must be one of: dod, rootless, dind")
	}

	if cfg.ContainerRuntime == ContainerRuntimeDinD {
		v.addWarning("containerRuntime", "dind requires a privileged container and weakens host isolation")
	}

	if len(cfg.AllowedDockerCommands) == 0 {
		v.addError("allowedDockerCommands", cfg.AllowedDockerCommands, "at least one docker command required")
	}

	validCommands := map[string]bool{
		"run": true, "stop": true, "rm": true, "logs": true, "inspect": true,
		"create": true, "start": true, "kill": true, "ps": true,
	}
	for _, cmd := range cfg.AllowedDockerCommands {
		if !validCommands[cmd] {
			v.addError("allowedDockerCommands", cmd, "unknown docker command")
		}
	}
}

func (v *Validator) validateMessageQueue(cfg *SystemConfig) {
	validQueues := map[MessageQueueKind]bool{
		MessageQueueFile: true, MessageQueueSQLite: true, MessageQueueRedis: true,
	}
	if !validQueues[cfg.MessageQueueType] {
		v.addError("messageQueueType", cfg.MessageQueueType, "must be one of: file, sqlite, redis")
	}

	if cfg.MessageQueueType == MessageQueueRedis && strings.TrimSpace(cfg.RedisAddr) == "" {
		v.addError("redisAddr", cfg.RedisAddr, "address required when messageQueueType is redis")
	}
}

func (v *Validator) validateGitAccess(cfg *SystemConfig) {
	validCredentials := map[GitCredentialKind]bool{
		GitCredentialDeployKey: true, GitCredentialToken: true, GitCredentialSSHAgent: true,
	}
	if !validCredentials[cfg.GitCredentialType] {
		v.addError("gitCredentialType", cfg.GitCredentialType, "must be one of: deploy_key, token, ssh_agent")
	}

	if cfg.GitSSHAgentEnabled {
		v.addWarning("gitSshAgentEnabled", "forwarding the ssh agent socket exposes host credentials to workers")
	}

	if strings.TrimSpace(cfg.IntegrationBranch) == "" {
		v.addError("integrationBranch", cfg.IntegrationBranch, "branch name required")
	}
}

func (v *Validator) validateRetention(cfg *SystemConfig) {
	if cfg.StateRetentionDays < 1 {
		v.addError("stateRetentionDays", cfg.StateRetentionDays, "must be at least 1")
	}

	if cfg.AutoRefreshIntervalMs < 250 {
		v.addError("autoRefreshInterval", cfg.AutoRefreshIntervalMs, "must be at least 250ms")
	}
}

func (v *Validator) validateLog(cfg *LogConfig) {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[cfg.Level] {
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"auto": true, "text": true, "json": true,
	}
	if !validFormats[cfg.Format] {
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}

	if cfg.File != "" && !isValidPath(cfg.File) {
		v.addError("log.file", cfg.File, "invalid file path")
	}
}

func (v *Validator) validateServer(cfg *ServerConfig) {
	if cfg.Addr == "" {
		v.addError("server.addr", cfg.Addr, "listen address required")
	}

	if _, err := time.ParseDuration(cfg.ReadTimeout); err != nil {
		v.addError("server.read_timeout", cfg.ReadTimeout, "invalid duration format")
	}

	if _, err := time.ParseDuration(cfg.WriteTimeout); err != nil {
		v.addError("server.write_timeout", cfg.WriteTimeout, "invalid duration format")
	}
}

func (v *Validator) validateRuntime(cfg *RuntimeConfig) {
	if cfg.Root == "" {
		v.addError("runtime.root", cfg.Root, "runtime root required")
	}
}

func isValidPath(path string) bool {
	dir := filepath.Dir(path)
	_, err := os.Stat(dir)
	return err == nil || os.IsNotExist(err)
}

// ValidateConfig is a convenience function that creates a validator and validates config.
func ValidateConfig(cfg *Config) error {
	v := NewValidator()
	return v.Validate(cfg)
}

// ValidateSystemConfig validates an engine configuration.
func ValidateSystemConfig(cfg *SystemConfig) ValidationResult {
	v := NewValidator()
	return v.ValidateSystem(cfg)
}
