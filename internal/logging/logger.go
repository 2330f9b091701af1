// Package logging provides config-driven categorized logging for decklab.
// Each subsystem logs to its own file under <data>/logs/, backed by zap
// cores so the level and JSON/console encoding are driven by configuration.
// Before Initialize is called every category logger is a no-op, which keeps
// tests quiet without any setup.
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

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot       Category = "boot"       // Startup, wiring, shutdown
	CategoryStore      Category = "store"      // SQLite store operations
	CategoryQueue      Category = "queue"      // Analysis queue engine
	CategoryWorker     Category = "worker"     // Worker client HTTP calls
	CategoryCallback   Category = "callback"   // Worker callback router
	CategoryStems      Category = "stems"      // Stem fulfilment and cache
	CategoryEngine     Category = "engine"     // Playback engine session
	CategorySupervisor Category = "supervisor" // Worker subprocess lifecycle
	CategoryLibrary    Category = "library"    // Scanner and watcher
	CategoryAPI        Category = "api"        // HTTP API surface
)

var allCategories = []Category{
	CategoryBoot, CategoryStore, CategoryQueue, CategoryWorker,
	CategoryCallback, CategoryStems, CategoryEngine, CategorySupervisor,
	CategoryLibrary, CategoryAPI,
}

// Config controls which categories log, at what level, and in what format.
type Config struct {
	Level      string          // debug, info, warn, error
	JSONFormat bool            // JSON encoding instead of console
	Categories map[string]bool // nil means all enabled
}

// Logger wraps a zap sugared logger bound to one category.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	mu          sync.RWMutex
	loggers     = make(map[Category]*Logger)
	initialized bool
	logsDir     string
)

// Initialize sets up per-category log files under <dataDir>/logs.
// Should be called once at startup.
func Initialize(dataDir string, cfg Config) error {
	if dataDir == "" {
		return fmt.Errorf("data directory required")
	}

	dir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	level := zapcore.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if cfg.JSONFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	mu.Lock()
	defer mu.Unlock()

	logsDir = dir
	for _, cat := range allCategories {
		if cfg.Categories != nil && !cfg.Categories[string(cat)] {
			loggers[cat] = &Logger{category: cat, sugar: zap.NewNop().Sugar()}
			continue
		}
		f, err := os.OpenFile(
			filepath.Join(dir, string(cat)+".log"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644,
		)
		if err != nil {
			return fmt.Errorf("failed to open log file for %s: %w", cat, err)
		}
		core := zapcore.NewCore(enc, zapcore.Lock(f), level)
		zl := zap.New(core).Named(string(cat))
		loggers[cat] = &Logger{category: cat, sugar: zl.Sugar()}
	}
	initialized = true
	return nil
}

// Get returns the logger for a category. Safe to call before Initialize;
// uncategorized or uninitialized loggers are no-ops.
func Get(cat Category) *Logger {
	mu.RLock()
	l, ok := loggers[cat]
	mu.RUnlock()
	if ok {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if l, ok = loggers[cat]; ok {
		return l
	}
	l = &Logger{category: cat, sugar: zap.NewNop().Sugar()}
	loggers[cat] = l
	return l
}

// Sync flushes all category loggers. Called on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	for _, l := range loggers {
		_ = l.sugar.Sync()
	}
}

// LogsDir returns the directory log files are written to, or "" before
// Initialize.
func LogsDir() string {
	mu.RLock()
	defer mu.RUnlock()
	return logsDir
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// Convenience helpers for the busiest categories, mirroring call sites like
// logging.Queue("dequeued %s", hash).

func Boot(format string, args ...interface{})     { Get(CategoryBoot).Info(format, args...) }
func Store(format string, args ...interface{})    { Get(CategoryStore).Info(format, args...) }
func Queue(format string, args ...interface{})    { Get(CategoryQueue).Info(format, args...) }
func Worker(format string, args ...interface{})   { Get(CategoryWorker).Info(format, args...) }
func Callback(format string, args ...interface{}) { Get(CategoryCallback).Info(format, args...) }
func Stems(format string, args ...interface{})    { Get(CategoryStems).Info(format, args...) }
func Engine(format string, args ...interface{})   { Get(CategoryEngine).Info(format, args...) }
func Library(format string, args ...interface{})  { Get(CategoryLibrary).Info(format, args...) }

func StoreDebug(format string, args ...interface{})  { Get(CategoryStore).Debug(format, args...) }
func QueueDebug(format string, args ...interface{})  { Get(CategoryQueue).Debug(format, args...) }
func StemsDebug(format string, args ...interface{})  { Get(CategoryStems).Debug(format, args...) }
func EngineDebug(format string, args ...interface{}) { Get(CategoryEngine).Debug(format, args...) }

// Timer logs the duration of an operation when stopped.
type Timer struct {
	category Category
	name     string
	start    time.Time
}

// StartTimer begins timing a named operation.
func StartTimer(cat Category, name string) *Timer {
	return &Timer{category: cat, name: name, start: time.Now()}
}

// Stop logs the elapsed time at debug level.
func (t *Timer) Stop() {
	Get(t.category).Debug("%s took %s", t.name, time.Since(t.start))
}
