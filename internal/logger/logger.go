package logger

import (
	"context"
	"strings"

	"github.com/0xHoneyJar/freeside/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the structured zap.Logger and registers lifecycle hooks.
func New(lc fx.Lifecycle, cfg config.Config) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.OutputPaths = []string{"stdout"}
	zapCfg.ErrorOutputPaths = []string{"stderr"}

	level := strings.TrimSpace(getLevel(cfg))
	if err := zapCfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	log, err := zapCfg.Build()
	if err != nil {
		return nil, err
	}
	log = log.With(
		zap.String("service", cfg.AppName),
		zap.String("env", cfg.Environment),
		zap.String("version", cfg.AppVersion),
	)

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			_ = log.Sync()
			return nil
		},
	})
	return log, nil
}

func getLevel(cfg config.Config) string {
	if cfg.Environment == "development" {
		return "debug"
	}
	return "info"
}

var Module = fx.Module("logger",
	fx.Provide(New),
)
