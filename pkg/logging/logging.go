// Package logging provides structured logging for the bridge daemon and its components.
package logging

import (
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

// Level represents a log level.
type Level = log.Level

// Log levels.
const (
	DebugLevel = log.DebugLevel
	InfoLevel  = log.InfoLevel
	WarnLevel  = log.WarnLevel
	ErrorLevel = log.ErrorLevel
	FatalLevel = log.FatalLevel
)

var levels = map[string]Level{
	"debug":   DebugLevel,
	"info":    InfoLevel,
	"warn":    WarnLevel,
	"warning": WarnLevel,
	"error":   ErrorLevel,
	"fatal":   FatalLevel,
}

// ParseLevel parses a level name. Unknown names are InfoLevel.
func ParseLevel(level string) Level {
	if l, ok := levels[strings.ToLower(level)]; ok {
		return l
	}
	return InfoLevel
}

// Logger wraps charmbracelet/log. Component loggers share the parent's
// output, level and format.
type Logger struct {
	*log.Logger
	opts   log.Options
	output io.Writer
}

// Config holds logger configuration.
type Config struct {
	Level      string
	Format     string // "text" (default) or "json"
	TimeFormat string
	Prefix     string
	Output     io.Writer // defaults to stderr
}

// New creates a new logger with the given configuration.
func New(cfg *Config) *Logger {
	if cfg == nil {
		cfg = &Config{Level: "info"}
	}
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	timeFormat := cfg.TimeFormat
	if timeFormat == "" {
		timeFormat = time.TimeOnly
	}

	opts := log.Options{
		ReportTimestamp: true,
		TimeFormat:      timeFormat,
		Prefix:          cfg.Prefix,
		Level:           ParseLevel(cfg.Level),
	}
	if strings.EqualFold(cfg.Format, "json") {
		opts.Formatter = log.JSONFormatter
	}
	return &Logger{Logger: log.NewWithOptions(output, opts), opts: opts, output: output}
}

// With returns a logger that adds keyvals to every entry.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{Logger: l.Logger.With(keyvals...), opts: l.opts, output: l.output}
}

// Component returns a logger prefixed with name, e.g. "reconciler".
func (l *Logger) Component(name string) *Logger {
	opts := l.opts
	opts.Prefix = name
	opts.Level = l.GetLevel()
	return &Logger{Logger: log.NewWithOptions(l.output, opts), opts: opts, output: l.output}
}

var defaultLogger atomic.Pointer[Logger]

func init() {
	defaultLogger.Store(New(nil))
}

// SetDefault replaces the logger returned by GetDefault. Components built
// earlier keep the logger they captured.
func SetDefault(l *Logger) {
	defaultLogger.Store(l)
}

// GetDefault returns the process-wide logger.
func GetDefault() *Logger {
	return defaultLogger.Load()
}
