// Package scribe is the process-wide logger: a zap core behind a
// runtime-adjustable verbosity mask. The mask can be read and changed
// while the process is serving (the @scribe action does exactly that).
package scribe

import (
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
)

// Mask bits, lowest bit = most severe.
const (
	MaskError uint32 = 1 << iota
	MaskWarn
	MaskInfo
	MaskDebug
)

const defaultMask = MaskError | MaskWarn | MaskInfo

var (
	base atomic.Pointer[zap.Logger]
	mask atomic.Uint32
)

func init() {
	mask.Store(defaultMask)
	l, _ := zap.NewProduction()
	base.Store(l)
}

// Init installs the process logger. Call once on startup before any site runs.
func Init(l *zap.Logger) {
	if l != nil {
		base.Store(l)
	}
}

// L returns the current logger.
func L() *zap.Logger { return base.Load() }

// Mask returns the current verbosity mask.
func Mask() uint32 { return mask.Load() }

// SetMask replaces the verbosity mask and returns the previous value.
func SetMask(m uint32) uint32 { return mask.Swap(m) }

// Level reports the mask as a readable string, e.g. "error|warn|info".
func Level() string {
	m := mask.Load()
	var parts []string
	for _, b := range []struct {
		bit  uint32
		name string
	}{{MaskError, "error"}, {MaskWarn, "warn"}, {MaskInfo, "info"}, {MaskDebug, "debug"}} {
		if m&b.bit != 0 {
			parts = append(parts, b.name)
		}
	}
	if len(parts) == 0 {
		return "silent"
	}
	return strings.Join(parts, "|")
}

// ParseLevel converts a "error|warn|info|debug" string (or "silent", "all")
// into a mask. Unknown names are ignored.
func ParseLevel(s string) uint32 {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "", "silent", "none":
		return 0
	case "all", "trace":
		return MaskError | MaskWarn | MaskInfo | MaskDebug
	}
	var m uint32
	for _, part := range strings.Split(s, "|") {
		switch strings.TrimSpace(strings.ToLower(part)) {
		case "error":
			m |= MaskError
		case "warn":
			m |= MaskWarn
		case "info":
			m |= MaskInfo
		case "debug":
			m |= MaskDebug
		}
	}
	return m
}

// Error logs when the error bit of the mask is set.
func Error(msg string, fields ...zap.Field) {
	if mask.Load()&MaskError != 0 {
		L().Error(msg, fields...)
	}
}

func Warn(msg string, fields ...zap.Field) {
	if mask.Load()&MaskWarn != 0 {
		L().Warn(msg, fields...)
	}
}

func Info(msg string, fields ...zap.Field) {
	if mask.Load()&MaskInfo != 0 {
		L().Info(msg, fields...)
	}
}

func Debug(msg string, fields ...zap.Field) {
	if mask.Load()&MaskDebug != 0 {
		L().Debug(msg, fields...)
	}
}

// Sync flushes the underlying zap core.
func Sync() { _ = L().Sync() }

// NewDevelopment builds a human-readable console logger for dev mode.
func NewDevelopment() (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = consoleLevelEncoder
	cfg.EncoderConfig.EncodeTime = consoleTimeEncoder
	return cfg.Build()
}
