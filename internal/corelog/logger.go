package corelog

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
)

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelOff
)

// Config holds logging configuration, normally loaded as part of
// config.RelayConfig.
type Config struct {
	Level      string            `yaml:"level,omitempty"`
	Components map[string]string `yaml:"components,omitempty"`
}

// Hook is a callback invoked for every log message that passes level
// filtering.
type Hook func(level Level, tag, message string)

// Logger provides per-component log level filtering, the same shape
// as a leveled tag logger: a global level with optional per-tag
// overrides, and a lock-free cache of resolved levels.
type Logger struct {
	globalLevel Level
	components  map[string]Level // lowercase tag -> level, immutable after init
	levelCache  sync.Map         // tag -> Level
	hook        atomic.Pointer[Hook]
}

// ParseLevel converts a string level name to a Level. Unrecognized
// values fall back to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info", "":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "off", "none":
		return LevelOff
	default:
		return LevelInfo
	}
}

// New creates a Logger from config.
func New(cfg Config) *Logger {
	l := &Logger{
		globalLevel: ParseLevel(cfg.Level),
		components:  make(map[string]Level, len(cfg.Components)),
	}
	for name, level := range cfg.Components {
		l.components[strings.ToLower(name)] = ParseLevel(level)
	}
	return l
}

func (l *Logger) levelFor(tag string) Level {
	if v, ok := l.levelCache.Load(tag); ok {
		return v.(Level)
	}
	lvl := l.globalLevel
	if cl, ok := l.components[strings.ToLower(tag)]; ok {
		lvl = cl
	}
	l.levelCache.Store(tag, lvl)
	return lvl
}

// SetHook installs a callback that receives every message passing
// level filtering. Pass nil to remove the hook.
func (l *Logger) SetHook(h Hook) {
	if h == nil {
		l.hook.Store(nil)
		return
	}
	l.hook.Store(&h)
}

func (l *Logger) emit(level Level, tag, msg string) {
	if hp := l.hook.Load(); hp != nil {
		(*hp)(level, tag, msg)
	}
}

// logf is the single leveled-dispatch path shared by Debugf/Infof/
// Warnf/Errorf: check the cached level, format once, write to the
// standard logger, then notify the hook.
func (l *Logger) logf(level Level, tag, format string, args ...any) {
	if l.levelFor(tag) > level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Printf("[%s] %s", tag, msg)
	l.emit(level, tag, msg)
}

func (l *Logger) Debugf(tag, format string, args ...any) { l.logf(LevelDebug, tag, format, args...) }

func (l *Logger) Infof(tag, format string, args ...any) { l.logf(LevelInfo, tag, format, args...) }

func (l *Logger) Warnf(tag, format string, args ...any) { l.logf(LevelWarn, tag, format, args...) }

func (l *Logger) Errorf(tag, format string, args ...any) { l.logf(LevelError, tag, format, args...) }

// Default is a ready-to-use logger at info level, for callers that
// don't need per-component overrides.
var Default = New(Config{})
