package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/CrashVibe/FGateNexus/internal/config"
)

func TestNewLoggerFormats(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		logger, err := NewLogger(config.LoggingConfig{Level: "info", Format: format})
		require.NoError(t, err, format)
		assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
		assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	}
}

func TestNewLoggerRejectsBadSettings(t *testing.T) {
	cases := map[string]config.LoggingConfig{
		"level":           {Level: "trace", Format: "json"},
		"format":          {Level: "info", Format: "xml"},
		"component level": {Level: "info", Format: "json", Components: map[string]string{"jsonrpc": "loud"}},
	}
	for name, cfg := range cases {
		_, err := NewLogger(cfg)
		assert.Error(t, err, name)
	}
}

func TestNewLoggerLowersFloorForVerboseComponent(t *testing.T) {
	logger, err := NewLogger(config.LoggingConfig{
		Level:      "warn",
		Format:     "json",
		Components: map[string]string{"binding": "debug"},
	})
	require.NoError(t, err)

	assert.NotNil(t, logger.Named("binding").Check(zapcore.DebugLevel, "x"))
	assert.Nil(t, logger.Named("router").Check(zapcore.InfoLevel, "x"))
}

func TestComponentLevelsFollowLoggerNames(t *testing.T) {
	inner, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(newComponentCore(inner, zapcore.InfoLevel, map[string]zapcore.Level{
		"jsonrpc": zapcore.WarnLevel,
		"session": zapcore.DebugLevel,
	}))

	logger.Named("jsonrpc").Info("request sent")
	logger.Named("jsonrpc").Warn("request timed out")
	logger.Named("session").Named("handshake").Debug("client info")
	logger.Named("router").Debug("routed")
	logger.Named("router").Info("routed")
	logger.With(zap.Int64("server_id", 1)).Named("jsonrpc").Info("dropped")

	var got []string
	for _, e := range logs.All() {
		got = append(got, e.LoggerName+": "+e.Message)
	}
	assert.Equal(t, []string{
		"jsonrpc: request timed out",
		"session.handshake: client info",
		"router: routed",
	}, got)
}

func TestComponentCoreWithoutOverridesIsPassThrough(t *testing.T) {
	inner, _ := observer.New(zapcore.InfoLevel)
	assert.Same(t, inner, newComponentCore(inner, zapcore.InfoLevel, nil))
}
