package utils

import (
	"log"
	"os"
	"strings"
)

type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

type Logger struct {
	level LogLevel
	l     *log.Logger
}

// NewLogger builds a leveled logger. Level comes from KESTREL_LOG_LEVEL,
// defaulting to info.
func NewLogger() *Logger {
	return &Logger{
		level: levelFromEnv(),
		l:     log.New(os.Stderr, "", log.LstdFlags),
	}
}

func levelFromEnv() LogLevel {
	switch strings.ToLower(os.Getenv("KESTREL_LOG_LEVEL")) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (lg *Logger) Debugf(format string, args ...any) {
	if lg != nil && lg.level <= LevelDebug {
		lg.l.Printf("[DEBUG] "+format, args...)
	}
}

func (lg *Logger) Infof(format string, args ...any) {
	if lg != nil && lg.level <= LevelInfo {
		lg.l.Printf("[INFO] "+format, args...)
	}
}

func (lg *Logger) Warnf(format string, args ...any) {
	if lg != nil && lg.level <= LevelWarn {
		lg.l.Printf("[WARN] "+format, args...)
	}
}

func (lg *Logger) Errorf(format string, args ...any) {
	if lg != nil && lg.level <= LevelError {
		lg.l.Printf("[ERROR] "+format, args...)
	}
}
