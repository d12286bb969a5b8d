package logging

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap/zapcore"
)

// LogLevel represents the logging level
type LogLevel int

const (
	// DEBUG level for detailed debugging information
	DEBUG LogLevel = iota
	// INFO level for informational messages
	INFO
	// WARN level for warning messages
	WARN
	// ERROR level for error messages
	ERROR
	// FATAL level for fatal messages
	FATAL
)

// String returns the upper-case level name.
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case INFO:
		return zapcore.InfoLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		// FATAL entries are written at error level; exitFunc terminates.
		return zapcore.ErrorLevel
	}
}

// LogField represents a structured logging field
type LogField struct {
	Key   string
	Value interface{}
}

// Field creates a structured logging field
func Field(key string, value interface{}) LogField {
	return LogField{Key: key, Value: value}
}

// Logger provides structured logging throughout the process
type Logger struct {
	level  LogLevel
	name   string
	fields map[string]interface{} // Structured fields
	ctx    context.Context        // Optional context for trace/span ID extraction
}

// packageLogLevels stores per-package log level overrides
// Key format: "package.name" or "pattern.*" for wildcard matching
// Supports both exact matches and prefix patterns
var (
	packageLogLevels = make(map[string]LogLevel)
	packageLogMutex  sync.RWMutex
)

// SetPackageLogLevels configures per-package log levels
// Supports patterns like "tenant.*" to match "tenant.manager", "tenant.engine", etc.
// Input format: map["package.name"]="DEBUG" or map["tenant.*"]="INFO"
// Returns error if level names are invalid
func SetPackageLogLevels(levels map[string]string) error {
	if levels == nil {
		return nil
	}

	packageLogMutex.Lock()
	defer packageLogMutex.Unlock()

	// Clear and rebuild
	packageLogLevels = make(map[string]LogLevel)

	for pkg, levelStr := range levels {
		level, err := parseLevel(levelStr)
		if err != nil {
			return fmt.Errorf("invalid log level for package %q: %w", pkg, err)
		}
		packageLogLevels[pkg] = level
	}

	return nil
}

// GetPackageLogLevel returns the override for packageName: an exact entry,
// else the longest matching wildcard pattern, else -1.
func GetPackageLogLevel(packageName string) LogLevel {
	packageLogMutex.RLock()
	defer packageLogMutex.RUnlock()

	if level, exists := packageLogLevels[packageName]; exists {
		return level
	}

	best, level := "", LogLevel(-1)
	for pattern, l := range packageLogLevels {
		if len(pattern) > len(best) && matchesPattern(packageName, pattern) {
			best, level = pattern, l
		}
	}
	return level
}

// matchesPattern returns true if packageName matches the pattern
// Supports wildcard patterns like "tenant.*"
// Examples:
//   matchesPattern("tenant.manager", "tenant.manager") -> true (exact)
//   matchesPattern("tenant.manager", "tenant.*") -> true (wildcard)
//   matchesPattern("grpcserver", "tenant.*") -> false (no match)
func matchesPattern(packageName, pattern string) bool {
	// Exact match
	if packageName == pattern {
		return true
	}

	// Wildcard match: "tenant.*" matches anything starting with "tenant."
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, ".*")
		return strings.HasPrefix(packageName, prefix+".")
	}

	return false
}

// parseLevel accepts the level names zap understands, case-insensitively.
func parseLevel(levelStr string) (LogLevel, error) {
	zl, err := zapcore.ParseLevel(strings.ToLower(levelStr))
	if err != nil {
		return -1, fmt.Errorf("invalid level: %s (must be DEBUG, INFO, WARN, ERROR, or FATAL)", levelStr)
	}
	switch zl {
	case zapcore.DebugLevel:
		return DEBUG, nil
	case zapcore.InfoLevel:
		return INFO, nil
	case zapcore.WarnLevel:
		return WARN, nil
	case zapcore.ErrorLevel:
		return ERROR, nil
	case zapcore.FatalLevel:
		return FATAL, nil
	default:
		return -1, fmt.Errorf("unsupported level: %s", levelStr)
	}
}
