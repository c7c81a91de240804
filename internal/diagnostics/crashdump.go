package diagnostics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"
)

// CrashDump is everything captured when a panic is contained: the panic
// value, the goroutine stack, resource state at the moment of the crash
// and the workflow context the driver was in.
type CrashDump struct {
	Timestamp time.Time `json:"timestamp"`
	ProcessID int       `json:"process_id"`
	GoVersion string    `json:"go_version"`
	GOOS      string    `json:"goos"`
	GOARCH    string    `json:"goarch"`

	PanicValue string `json:"panic_value"`
	StackTrace string `json:"stack_trace,omitempty"`

	ResourceState   ResourceSnapshot   `json:"resource_state"`
	ResourceHistory []ResourceSnapshot `json:"resource_history,omitempty"`

	CurrentPhase string `json:"current_phase,omitempty"`
	CurrentTask  string `json:"current_task,omitempty"`

	RedactedEnv map[string]string `json:"redacted_env,omitempty"`
}

// CrashDumpWriter persists crash dumps for post-mortem debugging. The
// engine hands it every panic it contains; old dumps are pruned so the
// directory never grows past maxFiles.
type CrashDumpWriter struct {
	dir          string
	maxFiles     int
	includeStack bool
	includeEnv   bool
	logger       *slog.Logger
	monitor      *ResourceMonitor

	currentPhase atomic.Value // string
	currentTask  atomic.Value // string

	mu sync.Mutex // serializes file operations
}

// NewCrashDumpWriter creates a crash dump writer rooted at dir.
func NewCrashDumpWriter(
	dir string,
	maxFiles int,
	includeStack bool,
	includeEnv bool,
	logger *slog.Logger,
	monitor *ResourceMonitor,
) *CrashDumpWriter {
	if maxFiles <= 0 {
		maxFiles = 10
	}
	if dir == "" {
		dir = ".agentcompany/crashdumps"
	}

	w := &CrashDumpWriter{
		dir:          dir,
		maxFiles:     maxFiles,
		includeStack: includeStack,
		includeEnv:   includeEnv,
		logger:       logger,
		monitor:      monitor,
	}
	w.currentPhase.Store("")
	w.currentTask.Store("")
	return w
}

// SetCurrentContext records the phase and workflow a subsequent dump
// should be attributed to.
func (w *CrashDumpWriter) SetCurrentContext(phase, task string) {
	w.currentPhase.Store(phase)
	w.currentTask.Store(task)
}

// WriteCrashDump captures the current process state around panicValue
// and writes it to a timestamped file, returning its path.
func (w *CrashDumpWriter) WriteCrashDump(panicValue interface{}) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	dump := CrashDump{
		Timestamp:  time.Now().UTC(),
		ProcessID:  os.Getpid(),
		GoVersion:  runtime.Version(),
		GOOS:       runtime.GOOS,
		GOARCH:     runtime.GOARCH,
		PanicValue: fmt.Sprintf("%v", panicValue),
	}
	if w.includeStack {
		dump.StackTrace = string(debug.Stack())
	}
	if w.monitor != nil {
		dump.ResourceState = w.monitor.TakeSnapshot()
		dump.ResourceHistory = w.monitor.GetHistory()
	}
	if phase, ok := w.currentPhase.Load().(string); ok {
		dump.CurrentPhase = phase
	}
	if task, ok := w.currentTask.Load().(string); ok {
		dump.CurrentTask = task
	}
	if w.includeEnv {
		dump.RedactedEnv = redactEnvironment()
	}

	if err := os.MkdirAll(w.dir, 0o750); err != nil {
		return "", fmt.Errorf("creating crash dump dir: %w", err)
	}

	path := filepath.Join(w.dir, fmt.Sprintf("crash-%s.json",
		dump.Timestamp.Format("2006-01-02T15-04-05")))

	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling crash dump: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("writing crash dump: %w", err)
	}

	_ = w.pruneOldDumps()
	return path, nil
}

// pruneOldDumps removes the oldest dumps beyond maxFiles.
func (w *CrashDumpWriter) pruneOldDumps() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return err
	}

	var dumps []os.DirEntry
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "crash-") && strings.HasSuffix(e.Name(), ".json") {
			dumps = append(dumps, e)
		}
	}

	sort.Slice(dumps, func(i, j int) bool {
		infoI, errI := dumps[i].Info()
		infoJ, errJ := dumps[j].Info()
		if errI != nil || errJ != nil {
			return false
		}
		return infoI.ModTime().Before(infoJ.ModTime())
	})

	for len(dumps) > w.maxFiles {
		path := filepath.Join(w.dir, dumps[0].Name())
		if err := os.Remove(path); err != nil && w.logger != nil {
			w.logger.Warn("failed to remove old crash dump", "path", path, "error", err)
		}
		dumps = dumps[1:]
	}
	return nil
}

// redactEnvironment snapshots the environment with credential-looking
// values masked.
func redactEnvironment() map[string]string {
	sensitive := []string{
		"TOKEN", "KEY", "SECRET", "PASSWORD", "CREDENTIAL",
		"AUTH", "PRIVATE", "API_KEY", "APIKEY",
	}

	result := make(map[string]string)
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := parts[0]
		keyUpper := strings.ToUpper(key)
		masked := false
		for _, s := range sensitive {
			if strings.Contains(keyUpper, s) {
				masked = true
				break
			}
		}
		if masked {
			result[key] = "[REDACTED]"
		} else {
			result[key] = parts[1]
		}
	}
	return result
}

// LoadLatestCrashDump reads the most recent dump under dir.
func LoadLatestCrashDump(dir string) (*CrashDump, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading crash dump dir: %w", err)
	}

	var newest os.DirEntry
	var newestTime time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "crash-") || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == nil || info.ModTime().After(newestTime) {
			newest = e
			newestTime = info.ModTime()
		}
	}
	if newest == nil {
		return nil, fmt.Errorf("no crash dumps found")
	}

	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("opening crash dump dir: %w", err)
	}
	defer func() { _ = root.Close() }()

	data, err := root.ReadFile(newest.Name())
	if err != nil {
		return nil, fmt.Errorf("reading crash dump: %w", err)
	}

	var dump CrashDump
	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, fmt.Errorf("parsing crash dump: %w", err)
	}
	return &dump, nil
}
