// Package observability provides logging and metrics for the gateway.
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/CrashVibe/FGateNexus/internal/config"
)

// ServiceName is attached to every gateway log line.
const ServiceName = "fgate-nexus"

// NewLogger builds the gateway logger. cfg.Components overrides the level of
// named subsystem loggers, so logging.components.jsonrpc=warn quiets the
// request engine without touching the rest.
//
// Precondition: cfg has passed config validation.
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	base, overrides, err := parseLevels(cfg)
	if err != nil {
		return nil, err
	}

	var zapCfg zap.Config
	switch cfg.Format {
	case "json":
		zapCfg = zap.NewProductionConfig()
		zapCfg.EncoderConfig.NameKey = "component"
	case "console":
		zapCfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	floor := base
	for _, l := range overrides {
		floor = min(floor, l)
	}
	zapCfg.Level = zap.NewAtomicLevelAt(floor)
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.InitialFields = map[string]any{"service": ServiceName}

	logger, err := zapCfg.Build(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return newComponentCore(c, base, overrides)
	}))
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

func parseLevels(cfg config.LoggingConfig) (zapcore.Level, map[string]zapcore.Level, error) {
	base, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return base, nil, fmt.Errorf("parsing log level %q: %w", cfg.Level, err)
	}
	overrides := make(map[string]zapcore.Level, len(cfg.Components))
	for name, raw := range cfg.Components {
		l, err := zapcore.ParseLevel(raw)
		if err != nil {
			return base, nil, fmt.Errorf("parsing log level %q for component %q: %w", raw, name, err)
		}
		overrides[name] = l
	}
	return base, overrides, nil
}

// componentCore filters entries by the level configured for the logger name
// that produced them. The wrapped core must accept the lowest of those levels.
type componentCore struct {
	zapcore.Core
	base      zapcore.Level
	overrides map[string]zapcore.Level
}

func newComponentCore(inner zapcore.Core, base zapcore.Level, overrides map[string]zapcore.Level) zapcore.Core {
	if len(overrides) == 0 {
		return inner
	}
	return &componentCore{Core: inner, base: base, overrides: overrides}
}

func (c *componentCore) With(fields []zapcore.Field) zapcore.Core {
	return &componentCore{Core: c.Core.With(fields), base: c.base, overrides: c.overrides}
}

func (c *componentCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if ent.Level < c.levelFor(ent.LoggerName) {
		return ce
	}
	return c.Core.Check(ent, ce)
}

// levelFor resolves name against the overrides. "session.handshake" inherits
// from "session" unless it has its own entry.
func (c *componentCore) levelFor(name string) zapcore.Level {
	for name != "" {
		if l, ok := c.overrides[name]; ok {
			return l
		}
		i := strings.LastIndexByte(name, '.')
		if i < 0 {
			break
		}
		name = name[:i]
	}
	return c.base
}
