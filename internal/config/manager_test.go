package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/agentcompany/agentcompany/internal/core"
	"github.com/agentcompany/agentcompany/internal/logging"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(t.TempDir(), logging.NewNop())
}

func TestManager_LoadMissingReturnsDefaults(t *testing.T) {
	m := newTestManager(t)

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !reflect.DeepEqual(cfg, DefaultSystemConfig()) {
		t.Errorf("Load() = %+v, want defaults", cfg)
	}

	// Load must not create the file as a side effect.
	if _, err := os.Stat(m.Path()); !os.IsNotExist(err) {
		t.Error("Load() created the config file")
	}
}

func TestManager_SaveLoadRoundTrip(t *testing.T) {
	m := newTestManager(t)

	cfg := DefaultSystemConfig()
	cfg.MaxConcurrentWorkers = 5
	cfg.GitSSHAgentEnabled = true
	cfg.WorkerMemoryLimit = "8g"
	cfg.AutoRefreshIntervalMs = 2500

	if err := m.Save(cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !reflect.DeepEqual(cfg, loaded) {
		t.Errorf("round trip mismatch:\n got: %+v\nwant: %+v", loaded, cfg)
	}
}

func TestManager_LoadPartialFileFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, logging.NewNop())

	partial := []byte(`{"maxConcurrentWorkers": 10}`)
	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), partial, 0o600); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxConcurrentWorkers != 10 {
		t.Errorf("MaxConcurrentWorkers = %d, want 10", cfg.MaxConcurrentWorkers)
	}
	if cfg.WorkerMemoryLimit != "4g" {
		t.Errorf("WorkerMemoryLimit = %q, want default 4g", cfg.WorkerMemoryLimit)
	}
}

func TestManager_LoadCorruptFile(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, logging.NewNop())

	if err := os.WriteFile(filepath.Join(dir, ConfigFileName), []byte("{nope"), 0o600); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}

	_, err := m.Load()
	if err == nil {
		t.Fatal("expected error for corrupt file")
	}

	var derr *core.DomainError
	if !errors.As(err, &derr) {
		t.Fatalf("error type = %T, want *core.DomainError", err)
	}
	if derr.Code != core.CodeStateCorrupted {
		t.Errorf("Code = %q, want %q", derr.Code, core.CodeStateCorrupted)
	}
}

func TestManager_ApplyInvalidLeavesCurrentUnchanged(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	bad := DefaultSystemConfig()
	bad.MaxConcurrentWorkers = -1
	bad.MessageQueueType = "kafka"

	err := m.Apply(bad)
	if err == nil {
		t.Fatal("expected validation error")
	}

	var derr *core.DomainError
	if !errors.As(err, &derr) {
		t.Fatalf("error type = %T, want *core.DomainError", err)
	}
	if derr.Code != core.CodeInvalidConfig {
		t.Errorf("Code = %q, want %q", derr.Code, core.CodeInvalidConfig)
	}

	if m.Current().MaxConcurrentWorkers != 3 {
		t.Error("Apply() of invalid config changed current")
	}
	if _, statErr := os.Stat(m.Path()); !os.IsNotExist(statErr) {
		t.Error("Apply() of invalid config wrote the file")
	}
}

func TestManager_ApplyPersistsAndNotifies(t *testing.T) {
	m := newTestManager(t)

	var got *SystemConfig
	unsubscribe := m.Subscribe(func(cfg *SystemConfig) {
		got = cfg
	})
	defer unsubscribe()

	next := DefaultSystemConfig()
	next.MaxConcurrentWorkers = 4

	if err := m.Apply(next); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if got == nil || got.MaxConcurrentWorkers != 4 {
		t.Fatalf("subscriber not notified with applied config: %+v", got)
	}
	if m.Current().MaxConcurrentWorkers != 4 {
		t.Error("Current() does not reflect applied config")
	}

	data, err := os.ReadFile(m.Path())
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}
	var onDisk SystemConfig
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if onDisk.MaxConcurrentWorkers != 4 {
		t.Errorf("on-disk workers = %d, want 4", onDisk.MaxConcurrentWorkers)
	}
}

func TestManager_SubscribeUnsubscribe(t *testing.T) {
	m := newTestManager(t)

	calls := 0
	unsubscribe := m.Subscribe(func(*SystemConfig) { calls++ })

	if err := m.Apply(DefaultSystemConfig()); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	unsubscribe()
	if err := m.Apply(DefaultSystemConfig()); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if calls != 1 {
		t.Errorf("subscriber calls = %d, want 1", calls)
	}
}

func TestManager_CurrentLoadsLazily(t *testing.T) {
	m := newTestManager(t)

	cfg := m.Current()
	if cfg.MaxConcurrentWorkers != 3 {
		t.Errorf("Current() before Load = %+v, want defaults", cfg)
	}

	// Mutating the returned copy must not affect the manager.
	cfg.MaxConcurrentWorkers = 42
	if m.Current().MaxConcurrentWorkers != 3 {
		t.Error("Current() returned a shared pointer")
	}
}
