package logging

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func captureLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	obsCore, logs := observer.New(zapcore.DebugLevel)
	SetCore(obsCore)
	t.Cleanup(func() {
		SetCore(nil)
		_ = SetPackageLogLevels(map[string]string{})
	})
	return logs
}

func TestLoggerLevels(t *testing.T) {
	logs := captureLogs(t)
	require.NoError(t, Initialize("warn"))

	logger := GetLogger("lifecycle")
	logger.Debug("debug %d", 1)
	logger.Info("info %d", 2)
	logger.Warn("warn %d", 3)
	logger.Error("error %d", 4)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "warn 3", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "lifecycle", entries[0].LoggerName)
	assert.Equal(t, "error 4", entries[1].Message)
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
}

func TestPackageLevelOverrides(t *testing.T) {
	logs := captureLogs(t)
	require.NoError(t, Initialize("info", map[string]string{
		"tenant.*":       "debug",
		"tenant.manager": "error",
	}))

	GetLogger("tenant.engine").Debug("engine debug")
	GetLogger("tenant.manager").Warn("manager warn")
	GetLogger("grpcserver").Debug("server debug")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "engine debug", entries[0].Message)
}

func TestInvalidPackageLevel(t *testing.T) {
	captureLogs(t)
	err := Initialize("info", map[string]string{"demux": "loud"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "demux")
}

func TestWithFieldIsImmutable(t *testing.T) {
	logs := captureLogs(t)
	require.NoError(t, Initialize("info"))

	base := GetLogger("microservice")
	child := base.WithField("tenant", "acme")

	base.Info("from base")
	child.InfoWithFields("from child", Field("phase", "start"))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Empty(t, entries[0].ContextMap())
	assert.Equal(t, map[string]interface{}{"tenant": "acme", "phase": "start"}, entries[1].ContextMap())
}

func TestErrorWithErr(t *testing.T) {
	logs := captureLogs(t)
	require.NoError(t, Initialize("info"))

	GetLogger("grpcserver").ErrorWithErr("bind failed on port %d", errors.New("address in use"), 9000)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "bind failed on port 9000", entries[0].Message)
	assert.Equal(t, "address in use", entries[0].ContextMap()["error"])
}

func TestWithContextAddsSpanIdentifiers(t *testing.T) {
	logs := captureLogs(t)
	require.NoError(t, Initialize("info"))

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	GetLogger("auth").WithContext(ctx).Info("authenticated")
	GetLogger("auth").WithContext(context.Background()).Info("no span")

	entries := logs.All()
	require.Len(t, entries, 2)
	fields := entries[0].ContextMap()
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", fields["trace_id"])
	assert.Equal(t, "00f067aa0ba902b7", fields["span_id"])
	assert.Empty(t, entries[1].ContextMap())
}

func TestFatalCallsExit(t *testing.T) {
	captureLogs(t)
	require.NoError(t, Initialize("info"))

	var code int
	exitFunc = func(c int) { code = c }
	t.Cleanup(func() { exitFunc = os.Exit })

	GetLogger("cmd").Fatal("cannot continue")
	assert.Equal(t, 1, code)
}

func TestMatchesPattern(t *testing.T) {
	tests := []struct {
		name    string
		pkg     string
		pattern string
		want    bool
	}{
		{"exact", "tenant.manager", "tenant.manager", true},
		{"wildcard", "tenant.manager", "tenant.*", true},
		{"no match", "grpcserver", "tenant.*", false},
		{"prefix without dot", "tenants", "tenant.*", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchesPattern(tt.pkg, tt.pattern))
		})
	}
}
