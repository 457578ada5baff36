// Package logging builds the zap logger shared by every trafficgov command.
package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/vesaa/trafficgov/internal/config"
)

// New returns a logger configured from cfg. When cfg.LogFile is set, output
// goes to a size-rotated file instead of stderr.
func New(cfg *config.Config) (*zap.Logger, error) {
	var zapCfg zap.Config
	if strings.EqualFold(cfg.LogFormat, "console") {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	if cfg.LogLevel != "" {
		if err := zapCfg.Level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
			return nil, fmt.Errorf("invalid log_level: %w", err)
		}
	}
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if cfg.LogFile == "" {
		logger, err := zapCfg.Build()
		if err != nil {
			return nil, fmt.Errorf("building zap logger: %w", err)
		}
		return logger, nil
	}

	var encoder zapcore.Encoder
	if zapCfg.Encoding == "console" {
		encoder = zapcore.NewConsoleEncoder(zapCfg.EncoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(zapCfg.EncoderConfig)
	}
	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    20, // MB
		MaxBackups: 5,
		Compress:   true,
	})
	core := zapcore.NewTee(
		zapcore.NewCore(encoder, sink, zapCfg.Level),
		// errors still reach the journal when logging to a file
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zapcore.ErrorLevel),
	)
	return zap.New(core, zap.AddCaller()), nil
}

// OrNop returns logger, or a no-op logger when it is nil.
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}
