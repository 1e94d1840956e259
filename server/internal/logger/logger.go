package logger

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents the logging level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// String returns the string representation of the log level
func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a level name to a Level. ok is false for unknown names.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG, true
	case "INFO":
		return INFO, true
	case "WARN", "WARNING":
		return WARN, true
	case "ERROR":
		return ERROR, true
	}
	return INFO, false
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger is a component-tagged structured logger. Every entry carries the
// component name and the instance id.
type Logger struct {
	mu         sync.RWMutex
	zl         *zap.Logger
	atom       zap.AtomicLevel
	instanceID string
	startTime  time.Time
	stats      *stats
}

type stats struct {
	mu             sync.RWMutex
	totalLogs      int64
	logsByLevel    map[Level]int64
	componentStats map[string]int64
	lastError      error
	lastErrorTime  time.Time
}

// New builds a JSON logger writing to stderr.
func New(instanceID string, level Level) *Logger {
	atom := zap.NewAtomicLevelAt(level.zapLevel())
	cfg := zap.NewProductionConfig()
	cfg.Level = atom
	cfg.Sampling = nil
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zl, err := cfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		zl = zap.NewNop()
	}
	return newLogger(zl, atom, instanceID)
}

// NewWithCore wraps an arbitrary zap core, mostly for tests.
func NewWithCore(instanceID string, level Level, core zapcore.Core) *Logger {
	atom := zap.NewAtomicLevelAt(level.zapLevel())
	return newLogger(zap.New(core), atom, instanceID)
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return newLogger(zap.NewNop(), zap.NewAtomicLevelAt(zapcore.InfoLevel), "")
}

func newLogger(zl *zap.Logger, atom zap.AtomicLevel, instanceID string) *Logger {
	l := &Logger{
		atom:      atom,
		startTime: time.Now(),
		stats: &stats{
			logsByLevel:    make(map[Level]int64),
			componentStats: make(map[string]int64),
		},
	}
	l.zl = zl
	l.instanceID = instanceID
	return l
}

// WithInstance sets the instance id attached to subsequent entries.
func (l *Logger) WithInstance(instanceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.instanceID = instanceID
}

func (l *Logger) enabled(level Level) bool {
	return l.atom.Enabled(level.zapLevel())
}

func (l *Logger) updateStats(level Level, component string) {
	l.stats.mu.Lock()
	defer l.stats.mu.Unlock()

	l.stats.totalLogs++
	l.stats.logsByLevel[level]++
	l.stats.componentStats[component]++
	if level == ERROR {
		l.stats.lastErrorTime = time.Now()
	}
}

func fields(component, instanceID string, data map[string]interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(data)+2)
	out = append(out, zap.String("component", component))
	if instanceID != "" {
		out = append(out, zap.String("instance", instanceID))
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, zap.Any(k, data[k]))
	}
	return out
}

func (l *Logger) log(level Level, component, message string, data map[string]interface{}) {
	if !l.enabled(level) {
		return
	}
	l.updateStats(level, component)

	l.mu.RLock()
	instanceID := l.instanceID
	l.mu.RUnlock()

	fs := fields(component, instanceID, data)
	switch level {
	case DEBUG:
		l.zl.Debug(message, fs...)
	case INFO:
		l.zl.Info(message, fs...)
	case WARN:
		l.zl.Warn(message, fs...)
	case ERROR:
		l.zl.Error(message, fs...)
	}
}

// Debug logs a debug message
func (l *Logger) Debug(component, message string, data map[string]interface{}) {
	l.log(DEBUG, component, message, data)
}

// Info logs an info message
func (l *Logger) Info(component, message string, data map[string]interface{}) {
	l.log(INFO, component, message, data)
}

// Warn logs a warning message
func (l *Logger) Warn(component, message string, data map[string]interface{}) {
	l.log(WARN, component, message, data)
}

// Error logs an error message. err may be nil.
func (l *Logger) Error(component, message string, err error, data map[string]interface{}) {
	if err != nil {
		l.stats.mu.Lock()
		l.stats.lastError = err
		l.stats.mu.Unlock()

		merged := make(map[string]interface{}, len(data)+2)
		for k, v := range data {
			merged[k] = v
		}
		merged["error"] = err.Error()
		merged["errorType"] = fmt.Sprintf("%T", err)
		data = merged
	}
	l.log(ERROR, component, message, data)
}

// SetLevel changes the logging level
func (l *Logger) SetLevel(level Level) {
	l.atom.SetLevel(level.zapLevel())
}

// GetStats returns current logging statistics
func (l *Logger) GetStats() map[string]interface{} {
	l.stats.mu.RLock()
	defer l.stats.mu.RUnlock()

	byLevel := make(map[string]int64, len(l.stats.logsByLevel))
	for lvl, n := range l.stats.logsByLevel {
		byLevel[lvl.String()] = n
	}
	byComponent := make(map[string]int64, len(l.stats.componentStats))
	for c, n := range l.stats.componentStats {
		byComponent[c] = n
	}

	l.mu.RLock()
	instanceID := l.instanceID
	l.mu.RUnlock()

	out := map[string]interface{}{
		"instanceID":     instanceID,
		"startTime":      l.startTime.Format(time.RFC3339),
		"uptime":         time.Since(l.startTime).String(),
		"totalLogs":      l.stats.totalLogs,
		"logsByLevel":    byLevel,
		"componentStats": byComponent,
	}
	if l.stats.lastError != nil {
		out["lastError"] = l.stats.lastError.Error()
		out["lastErrorTime"] = l.stats.lastErrorTime.Format(time.RFC3339)
	}
	return out
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.zl.Sync()
}
