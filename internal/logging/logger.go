// Package logging provides categorized file-based logging for codecrew.
// Logs are written to <dir>/logs/ with separate files per category so a
// single run can be replayed concern by concern (flow decisions, crew
// scheduling, guardrail verdicts, LLM traffic). Logging is controlled by
// the debug flag passed to Initialize; when disabled, every call is a
// no-op.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/system.
type Category string

const (
	CategoryBoot     Category = "boot"     // Startup and configuration
	CategoryFlow     Category = "flow"     // Phase state machine transitions
	CategoryRouting  Category = "routing"  // Router decisions at phase boundaries
	CategoryCrew     Category = "crew"     // Crew scheduling and task lifecycle
	CategoryWorker   Category = "worker"   // Worker invocations and retries
	CategoryGuard    Category = "guard"    // Guardrail verdicts
	CategoryLLM      Category = "llm"      // LLM API calls
	CategoryTools    Category = "tools"    // Tool execution
	CategoryMemory   Category = "memory"   // Associative/relational store operations
	CategoryEmbed    Category = "embed"    // Embedding engine
	CategoryPersist  Category = "persist"  // State snapshots and logs
	CategoryFeedback Category = "feedback" // Human-feedback requests and responses
)

// Config controls which categories are written and at what level.
type Config struct {
	Debug      bool            `json:"debug" yaml:"debug"`
	Categories map[string]bool `json:"categories" yaml:"categories"`
	Level      string          `json:"level" yaml:"level"`
	JSONFormat bool            `json:"json_format" yaml:"json_format"`
}

// StructuredEntry is the JSON form of a log line when JSONFormat is set.
type StructuredEntry struct {
	Timestamp int64          `json:"ts"`
	Category  string         `json:"cat"`
	Level     string         `json:"lvl"`
	Message   string         `json:"msg"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	config    Config
	configMu  sync.RWMutex
	logLevel  int
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory. Call once at startup with the
// run's persistence directory. When cfg.Debug is false this is a silent
// no-op and no files are created.
func Initialize(dir string, cfg Config) error {
	if dir == "" {
		return fmt.Errorf("logging directory required")
	}

	configMu.Lock()
	config = cfg
	switch cfg.Level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
	configMu.Unlock()

	logsDir = filepath.Join(dir, "logs")

	if !cfg.Debug {
		return nil
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== codecrew logging initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Level: %s, JSON: %v", cfg.Level, cfg.JSONFormat)
	return nil
}

// IsDebugMode returns whether debug logging is enabled.
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.Debug
}

// IsCategoryEnabled returns whether a specific category is enabled.
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !config.Debug {
		return false
	}
	if config.Categories == nil {
		return true
	}
	enabled, exists := config.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode or the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}
	if logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	// Date prefix keeps rotation trivial: delete by filename.
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

func (l *Logger) logJSON(level, msg string, fields map[string]any) {
	entry := StructuredEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
		Fields:    fields,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s", level, msg)
		return
	}
	l.logger.Printf("%s", data)
}

// Debug logs a debug message (only if level <= debug).
func (l *Logger) Debug(format string, args ...any) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("debug", msg, nil)
	} else {
		l.logger.Printf("[DEBUG] %s", msg)
	}
}

// Info logs an informational message (only if level <= info).
func (l *Logger) Info(format string, args ...any) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("info", msg, nil)
	} else {
		l.logger.Printf("[INFO] %s", msg)
	}
}

// Warn logs a warning message (only if level <= warn).
func (l *Logger) Warn(format string, args ...any) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("warn", msg, nil)
	} else {
		l.logger.Printf("[WARN] %s", msg)
	}
}

// Error logs an error message (always logged if logger exists).
func (l *Logger) Error(format string, args ...any) {
	if l.logger == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("error", msg, nil)
	} else {
		l.logger.Printf("[ERROR] %s", msg)
	}
}

// StructuredLog writes a fully structured log entry with custom fields.
func (l *Logger) StructuredLog(level string, msg string, fields map[string]any) {
	if l.logger == nil {
		return
	}
	if config.JSONFormat {
		l.logJSON(level, msg, fields)
		return
	}
	l.logger.Printf("[%s] %s | fields=%v", level, msg, fields)
}

// CloseAll closes all open log files (call at shutdown).
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Flow logs to the flow category.
func Flow(format string, args ...any) {
	Get(CategoryFlow).Info(format, args...)
}

// FlowDebug logs debug to the flow category.
func FlowDebug(format string, args ...any) {
	Get(CategoryFlow).Debug(format, args...)
}

// Routing logs to the routing category.
func Routing(format string, args ...any) {
	Get(CategoryRouting).Info(format, args...)
}

// Crew logs to the crew category.
func Crew(format string, args ...any) {
	Get(CategoryCrew).Info(format, args...)
}

// CrewDebug logs debug to the crew category.
func CrewDebug(format string, args ...any) {
	Get(CategoryCrew).Debug(format, args...)
}

// Worker logs to the worker category.
func Worker(format string, args ...any) {
	Get(CategoryWorker).Info(format, args...)
}

// WorkerDebug logs debug to the worker category.
func WorkerDebug(format string, args ...any) {
	Get(CategoryWorker).Debug(format, args...)
}

// Guard logs to the guard category.
func Guard(format string, args ...any) {
	Get(CategoryGuard).Info(format, args...)
}

// LLM logs to the llm category.
func LLM(format string, args ...any) {
	Get(CategoryLLM).Info(format, args...)
}

// LLMDebug logs debug to the llm category.
func LLMDebug(format string, args ...any) {
	Get(CategoryLLM).Debug(format, args...)
}

// Tools logs to the tools category.
func Tools(format string, args ...any) {
	Get(CategoryTools).Info(format, args...)
}

// Memory logs to the memory category.
func Memory(format string, args ...any) {
	Get(CategoryMemory).Info(format, args...)
}

// MemoryDebug logs debug to the memory category.
func MemoryDebug(format string, args ...any) {
	Get(CategoryMemory).Debug(format, args...)
}

// Embed logs to the embed category.
func Embed(format string, args ...any) {
	Get(CategoryEmbed).Info(format, args...)
}

// EmbedDebug logs debug to the embed category.
func EmbedDebug(format string, args ...any) {
	Get(CategoryEmbed).Debug(format, args...)
}

// Persist logs to the persist category.
func Persist(format string, args ...any) {
	Get(CategoryPersist).Info(format, args...)
}

// Feedback logs to the feedback category.
func Feedback(format string, args ...any) {
	Get(CategoryFeedback).Info(format, args...)
}

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
