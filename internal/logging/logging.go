// Package logging builds the zap logger used across keepsync.
package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Standard field names for structured logging.
const (
	FieldComponent  = "component"
	FieldUserID     = "user_id"
	FieldDomain     = "domain"
	FieldKeys       = "keys"
	FieldPhase      = "phase"
	FieldSource     = "source"
	FieldError      = "error"
	FieldErrorKind  = "error_kind"
	FieldDurationMS = "duration_ms"
	FieldItemID     = "item_id"
	FieldBackend    = "backend"
)

// Options configures New.
type Options struct {
	Level      string // debug, info, warn, error
	JSON       bool
	File       string // rotate into this file in addition to stderr
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New returns a sugared logger writing to stderr and, when File is set, to a
// lumberjack-rotated file.
func New(opts Options) (*zap.SugaredLogger, error) {
	level := zap.NewAtomicLevel()
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(opts.Level))); err != nil {
			return nil, err
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if opts.JSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	cores := []zapcore.Core{zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)}
	if opts.File != "" {
		rot := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 10),
			MaxBackups: orDefault(opts.MaxBackups, 3),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
		}
		fileEnc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		cores = append(cores, zapcore.NewCore(fileEnc, zapcore.AddSync(rot), level))
	}

	return zap.New(zapcore.NewTee(cores...)).Sugar(), nil
}

// Nop returns a logger that discards everything.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// Component returns a child logger tagged with the component name.
func Component(base *zap.SugaredLogger, name string) *zap.SugaredLogger {
	if base == nil {
		base = Nop()
	}
	return base.Named(name).With(FieldComponent, name)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
