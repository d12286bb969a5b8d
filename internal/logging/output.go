package logging

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	coreMu sync.RWMutex
	core   zapcore.Core
)

// SetCore replaces the zap core all loggers write to. Passing nil restores
// the default console core.
func SetCore(c zapcore.Core) {
	coreMu.Lock()
	defer coreMu.Unlock()
	core = c
}

func currentCore() zapcore.Core {
	coreMu.RLock()
	c := core
	coreMu.RUnlock()
	if c != nil {
		return c
	}

	coreMu.Lock()
	defer coreMu.Unlock()
	if core == nil {
		core = newDefaultCore()
	}
	return core
}

// newDefaultCore writes DEBUG/INFO/WARN to stdout and ERROR/FATAL to stderr.
// Level filtering happens in Logger.shouldLog, so the core accepts everything.
func newDefaultCore() zapcore.Core {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = timestampEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	enc := zapcore.NewConsoleEncoder(encCfg)

	low := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l < zapcore.ErrorLevel })
	high := zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= zapcore.ErrorLevel })

	return zapcore.NewTee(
		zapcore.NewCore(enc, zapcore.Lock(os.Stdout), low),
		zapcore.NewCore(enc, zapcore.Lock(os.Stderr), high),
	)
}

func timestampEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(GetTimestamp(t))
}

// writeLog emits one entry through the shared core. Fields are sorted so the
// output is stable.
func (l *Logger) writeLog(level LogLevel, msg string, fields map[string]interface{}) {
	c := currentCore()
	zapLevel := level.zapLevel()
	if !c.Enabled(zapLevel) {
		return
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	zfields := make([]zapcore.Field, 0, len(keys))
	for _, k := range keys {
		zfields = append(zfields, zap.Any(k, fields[k]))
	}

	entry := zapcore.Entry{
		Level:      zapLevel,
		Time:       time.Now(),
		LoggerName: l.name,
		Message:    msg,
	}
	if ce := c.Check(entry, nil); ce != nil {
		ce.Write(zfields...)
	}
}

// logf formats msg and writes it with the logger's persistent fields.
func (l *Logger) logf(level LogLevel, msg string, args ...interface{}) {
	formatted := msg
	if len(args) > 0 {
		formatted = fmt.Sprintf(msg, args...)
	}
	l.writeLog(level, formatted, l.mergedFields())
}

// GetTimestamp returns an RFC3339 timestamp for t.
// Can be overridden via LOG_TIMESTAMP env var for testing.
func GetTimestamp(t time.Time) string {
	if override := os.Getenv("LOG_TIMESTAMP"); override != "" {
		return override
	}
	return t.Format(time.RFC3339)
}
