// Package logging provides zap logger helpers.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileName is the log file written inside Options.Dir.
const FileName = "linkguard.log"

// Options selects the logger flavor and optional file output.
type Options struct {
	Development bool
	// Dir enables a rotating JSON log file alongside the console output.
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New builds a zap.Logger configured for development or production.
func New(opts Options) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
		level  zap.AtomicLevel
	)
	if opts.Development {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		level = cfg.Level
		logger, err = cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build dev logger: %w", err)
		}
	} else {
		cfg := zap.NewProductionConfig()
		cfg.DisableStacktrace = false
		cfg.EncoderConfig.TimeKey = "ts"
		level = cfg.Level
		logger, err = cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build prod logger: %w", err)
		}
	}
	if opts.Dir == "" {
		return logger, nil
	}

	fileCore, err := newFileCore(opts, level)
	if err != nil {
		return nil, err
	}
	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	})), nil
}

func newFileCore(opts Options, level zapcore.LevelEnabler) (zapcore.Core, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	w := zapcore.AddSync(&lumberjack.Logger{
		Filename:   filepath.Join(opts.Dir, FileName),
		MaxSize:    valueOr(opts.MaxSizeMB, 10),
		MaxBackups: valueOr(opts.MaxBackups, 5),
		MaxAge:     valueOr(opts.MaxAgeDays, 14),
		Compress:   true,
	})
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	return zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), w, level), nil
}

func valueOr(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
