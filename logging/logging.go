// Package logging builds the zap logger shared by every mini-hub component.
package logging

import (
	"fmt"
	"sort"

	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a JSON production logger, or a console logger when development
// is set. level is one of debug, info, warn, error; empty means info.
func New(level string, development bool) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("logging: %w", err)
		}
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

// Watermill adapts l to watermill's LoggerAdapter. Watermill's trace level
// maps to zap debug.
func Watermill(l *zap.Logger) watermill.LoggerAdapter {
	if l == nil {
		l = zap.NewNop()
	}
	return &watermillAdapter{logger: l}
}

type watermillAdapter struct {
	logger *zap.Logger
}

func (w *watermillAdapter) Error(msg string, err error, fields watermill.LogFields) {
	w.logger.Error(msg, append(toZap(fields), zap.Error(err))...)
}

func (w *watermillAdapter) Info(msg string, fields watermill.LogFields) {
	w.logger.Info(msg, toZap(fields)...)
}

func (w *watermillAdapter) Debug(msg string, fields watermill.LogFields) {
	w.logger.Debug(msg, toZap(fields)...)
}

func (w *watermillAdapter) Trace(msg string, fields watermill.LogFields) {
	w.logger.Debug(msg, append(toZap(fields), zap.Bool("trace", true))...)
}

func (w *watermillAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillAdapter{logger: w.logger.With(toZap(fields)...)}
}

// toZap sorts keys so log lines are stable.
func toZap(fields watermill.LogFields) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, fields[k]))
	}
	return out
}
