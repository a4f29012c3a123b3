// Package logging provides categorized logging for the execution core.
// Every subsystem logs through a named zap logger so log output can be
// filtered per category, and slow operations can be timed with StartTimer.
//
// Call Initialize once at startup; before that, a development logger writing
// to stderr is used so library code never has to nil-check.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a logging subsystem.
type Category string

const (
	CategoryScheduler   Category = "scheduler"   // DAG plan scheduling
	CategoryExecutor    Category = "executor"    // Step dispatch and the run loop
	CategoryCheckpoint  Category = "checkpoint"  // Checkpoint save/load/expiry
	CategoryIdempotency Category = "idempotency" // Dedup guard
	CategoryAsync       Category = "async"       // Async execution tracking
	CategoryHealing     Category = "healing"     // Self-healing lifecycle
	CategoryStore       Category = "store"       // SQLite persistence
	CategoryConfig      Category = "config"      // Config load/reload
)

// Config controls logger construction.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" json:"level"`
	// Dir, when set, adds a log file agentcore.log under this directory.
	Dir string `yaml:"dir" json:"dir,omitempty"`
	// Console enables stderr output (on by default).
	Console bool `yaml:"console" json:"console"`
}

// DefaultConfig returns console-only info-level logging.
func DefaultConfig() Config {
	return Config{Level: "info", Console: true}
}

var (
	mu      sync.RWMutex
	base    *zap.SugaredLogger
	named   = make(map[Category]*zap.SugaredLogger)
	level   zap.AtomicLevel
	slowOps = 500 * time.Millisecond
)

func init() {
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = level
	l, _ := cfg.Build(zap.AddCallerSkip(1))
	base = l.Sugar()
}

// Initialize builds the process-wide loggers from cfg. Safe to call more
// than once; later calls replace earlier loggers.
func Initialize(cfg Config) error {
	lvl, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.OutputPaths = nil
	if cfg.Console {
		zcfg.OutputPaths = append(zcfg.OutputPaths, "stderr")
	}
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		zcfg.OutputPaths = append(zcfg.OutputPaths, filepath.Join(cfg.Dir, "agentcore.log"))
	}
	if len(zcfg.OutputPaths) == 0 {
		// Nothing requested; keep zap happy with a discard sink.
		zcfg.OutputPaths = []string{"stderr"}
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.FatalLevel)
	}

	logger, err := zcfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	level = zcfg.Level
	base = logger.Sugar()
	named = make(map[Category]*zap.SugaredLogger)
	return nil
}

// SetLevel adjusts the level at runtime (used by config hot-reload).
func SetLevel(l string) error {
	lvl, err := zapcore.ParseLevel(l)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", l, err)
	}
	level.SetLevel(lvl)
	return nil
}

// Get returns the logger for a category.
func Get(cat Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := named[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := named[cat]; ok {
		return l
	}
	l := base.Named(string(cat))
	named[cat] = l
	return l
}

// Per-category helpers, info and debug level. The registry above is the
// general entry point; these keep call sites short.

func Scheduler(format string, args ...any)        { Get(CategoryScheduler).Infof(format, args...) }
func SchedulerDebug(format string, args ...any)   { Get(CategoryScheduler).Debugf(format, args...) }
func Executor(format string, args ...any)         { Get(CategoryExecutor).Infof(format, args...) }
func ExecutorDebug(format string, args ...any)    { Get(CategoryExecutor).Debugf(format, args...) }
func Checkpoint(format string, args ...any)       { Get(CategoryCheckpoint).Infof(format, args...) }
func CheckpointDebug(format string, args ...any)  { Get(CategoryCheckpoint).Debugf(format, args...) }
func Idempotency(format string, args ...any)      { Get(CategoryIdempotency).Infof(format, args...) }
func IdempotencyDebug(format string, args ...any) { Get(CategoryIdempotency).Debugf(format, args...) }
func Async(format string, args ...any)            { Get(CategoryAsync).Infof(format, args...) }
func AsyncDebug(format string, args ...any)       { Get(CategoryAsync).Debugf(format, args...) }
func Healing(format string, args ...any)          { Get(CategoryHealing).Infof(format, args...) }
func HealingDebug(format string, args ...any)     { Get(CategoryHealing).Debugf(format, args...) }
func Store(format string, args ...any)            { Get(CategoryStore).Infof(format, args...) }
func StoreDebug(format string, args ...any)       { Get(CategoryStore).Debugf(format, args...) }
func ConfigLog(format string, args ...any)        { Get(CategoryConfig).Infof(format, args...) }
func ConfigDebug(format string, args ...any)      { Get(CategoryConfig).Debugf(format, args...) }

// Timer measures one operation and logs its duration on Stop. Operations
// slower than the slow-op threshold are logged at warn level.
type Timer struct {
	cat   Category
	op    string
	start time.Time
}

// StartTimer begins timing an operation for a category.
func StartTimer(cat Category, op string) *Timer {
	return &Timer{cat: cat, op: op, start: time.Now()}
}

// Stop logs the elapsed time and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if elapsed >= slowOps {
		Get(t.cat).Warnf("%s took %v (slow)", t.op, elapsed)
	} else {
		Get(t.cat).Debugf("%s took %v", t.op, elapsed)
	}
	return elapsed
}
