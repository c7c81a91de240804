package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentcompany/agentcompany/internal/core"
	"github.com/agentcompany/agentcompany/internal/logging"
)

// ConfigFileName is the engine config file under the state directory.
const ConfigFileName = "config.json"

// reloadDebounce coalesces rapid editor write events into one reload.
const reloadDebounce = 200 * time.Millisecond

// Manager owns the persisted engine configuration. Load, Apply and Save are
// safe for concurrent use; subscribers are notified after every successful
// swap so running components can pick up tunable changes.
type Manager struct {
	path   string
	logger *logging.Logger

	mu      sync.RWMutex
	current *SystemConfig

	subMu   sync.Mutex
	subs    map[int]func(*SystemConfig)
	nextSub int

	watchMu       sync.Mutex
	watcher       *fsnotify.Watcher
	stopWatcher   chan struct{}
	debounceTimer *time.Timer
}

// NewManager creates a manager for <stateDir>/config.json. Nothing is read
// until Load is called.
func NewManager(stateDir string, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		path:   filepath.Join(stateDir, ConfigFileName),
		logger: logger,
		subs:   make(map[int]func(*SystemConfig)),
	}
}

// Path returns the config file location.
func (m *Manager) Path() string {
	return m.path
}

// Load reads the config file, falling back to defaults when it does not
// exist. The loaded config becomes the current one.
func (m *Manager) Load() (*SystemConfig, error) {
	cfg, err := m.read()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.current = cfg
	m.mu.Unlock()

	return cfg.Clone(), nil
}

func (m *Manager) read() (*SystemConfig, error) {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return DefaultSystemConfig(), nil
	}
	if err != nil {
		return nil, core.ErrState(core.CodeStateCorrupted, "read config file").WithCause(err)
	}

	cfg := DefaultSystemConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, core.ErrState(core.CodeStateCorrupted, "config file is not valid JSON").
			WithCause(err).
			WithDetail("path", m.path)
	}
	return cfg, nil
}

// Current returns a copy of the active config, loading it first if needed.
func (m *Manager) Current() *SystemConfig {
	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()

	if cur == nil {
		loaded, err := m.Load()
		if err != nil {
			m.logger.Warn("config load failed, using defaults", "error", err)
			return DefaultSystemConfig()
		}
		return loaded
	}
	return cur.Clone()
}

// Save persists cfg without validating or activating it.
func (m *Manager) Save(cfg *SystemConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return core.ErrState(core.CodePersistFailed, "marshal config").WithCause(err)
	}
	data = append(data, '\n')

	if err := AtomicWrite(m.path, data); err != nil {
		return core.ErrState(core.CodePersistFailed, "write config file").
			WithCause(err).
			WithDetail("path", m.path)
	}
	return nil
}

// Apply validates cfg, persists it and makes it current. On validation
// failure the active config is left untouched and the returned error carries
// the individual field problems.
func (m *Manager) Apply(cfg *SystemConfig) error {
	result := ValidateSystemConfig(cfg)
	if !result.Valid {
		derr := core.ErrValidation(core.CodeInvalidConfig, "configuration rejected").
			WithCause(result.Errors)
		for _, e := range result.Errors {
			derr = derr.WithDetail(e.Field, e.Message)
		}
		return derr
	}

	for _, w := range result.Warnings {
		m.logger.Warn("config warning", "field", w.Field, "detail", w.Message)
	}

	next := cfg.Clone()
	if err := m.Save(next); err != nil {
		return err
	}

	m.mu.Lock()
	m.current = next
	m.mu.Unlock()

	m.notify(next)
	return nil
}

// Subscribe registers fn to run after every config swap. The returned
// function removes the subscription.
func (m *Manager) Subscribe(fn func(*SystemConfig)) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) notify(cfg *SystemConfig) {
	m.subMu.Lock()
	fns := make([]func(*SystemConfig), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(cfg.Clone())
	}
}

// StartWatching begins watching the config file for external edits. Changes
// are debounced, re-read and validated; an invalid file keeps the previous
// config active.
func (m *Manager) StartWatching() error {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()

	if m.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory: editors replace files via rename, which drops a
	// watch on the file itself.
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	m.watcher = watcher
	m.stopWatcher = make(chan struct{})
	go m.watchLoop(watcher, m.stopWatcher)
	return nil
}

func (m *Manager) watchLoop(watcher *fsnotify.Watcher, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != ConfigFileName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				m.scheduleReload()
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (m *Manager) scheduleReload() {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()

	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
	}
	m.debounceTimer = time.AfterFunc(reloadDebounce, m.reload)
}

func (m *Manager) reload() {
	cfg, err := m.read()
	if err != nil {
		m.logger.Warn("config reload skipped", "error", err)
		return
	}

	result := ValidateSystemConfig(cfg)
	if !result.Valid {
		m.logger.Warn("config reload rejected", "error", result.Errors.Error())
		return
	}

	m.mu.Lock()
	unchanged := m.current != nil && configEqual(m.current, cfg)
	if !unchanged {
		m.current = cfg
	}
	m.mu.Unlock()

	if unchanged {
		return
	}

	m.logger.Info("config reloaded", "path", m.path)
	m.notify(cfg)
}

// Close stops the file watcher. It does not flush anything; Save and Apply
// write synchronously.
func (m *Manager) Close() {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()

	if m.watcher == nil {
		return
	}
	close(m.stopWatcher)
	m.watcher.Close()
	m.watcher = nil
	if m.debounceTimer != nil {
		m.debounceTimer.Stop()
		m.debounceTimer = nil
	}
}

func configEqual(a, b *SystemConfig) bool {
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(aj) == string(bj)
}
