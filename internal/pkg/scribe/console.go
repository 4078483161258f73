package scribe

import (
	"time"

	"go.uber.org/zap/zapcore"
)

// ANSI styling for the development console. Production stays JSON.
const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiYellow = "\033[33m"
	ansiBlue   = "\033[34m"
	ansiGray   = "\033[90m"
	ansiBgRed  = "\033[41m"
)

// consoleLevelEncoder prints a colored single-glyph level marker.
func consoleLevelEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch l {
	case zapcore.DebugLevel:
		enc.AppendString(ansiGray + "⚙ DEBUG" + ansiReset)
	case zapcore.InfoLevel:
		enc.AppendString(ansiBlue + "ℹ INFO " + ansiReset)
	case zapcore.WarnLevel:
		enc.AppendString(ansiYellow + "⚠ WARN " + ansiReset)
	case zapcore.ErrorLevel:
		enc.AppendString(ansiRed + "✖ ERROR" + ansiReset)
	default:
		enc.AppendString(ansiBgRed + "✖ " + l.CapitalString() + ansiReset)
	}
}

// consoleTimeEncoder prints a dim wall-clock timestamp.
func consoleTimeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(ansiGray + t.Format("15:04:05.000") + ansiReset)
}
