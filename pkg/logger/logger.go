// Package logger provides the structured logging wrapper shared by every
// component of the orchestration engine.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger so call sites depend on this package, not on
// logrus directly.
type Logger struct {
	*logrus.Logger
}

// Config controls how a Logger is constructed.
type Config struct {
	Level      string `json:"level" mapstructure:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" mapstructure:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" mapstructure:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" mapstructure:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// New creates a Logger from the given configuration.
func New(cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch strings.ToLower(cfg.Output) {
	case "file":
		prefix := cfg.FilePrefix
		if prefix == "" {
			prefix = "orchestrator"
		}
		logDir := "logs"
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			l.Errorf("create log directory: %v", err)
		} else {
			path := filepath.Join(logDir, prefix+".log")
			file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				l.Errorf("open log file: %v", err)
			} else {
				l.SetOutput(io.MultiWriter(os.Stdout, file))
			}
		}
	default:
		l.SetOutput(os.Stdout)
	}

	return &Logger{Logger: l}
}

// NewDefault returns an info-level, text-formatted logger tagged with a
// "component" field, for use before configuration has loaded or in tests.
func NewDefault(component string) *Logger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetOutput(os.Stdout)
	if component == "" {
		return &Logger{Logger: l}
	}
	l.AddHook(&componentHook{component: component})
	return &Logger{Logger: l}
}

// componentHook stamps every log entry emitted by a component-scoped Logger
// with that component's name.
type componentHook struct {
	component string
}

func (h *componentHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *componentHook) Fire(e *logrus.Entry) error {
	if _, ok := e.Data["component"]; !ok {
		e.Data["component"] = h.component
	}
	return nil
}

// WithField returns a log entry carrying a single field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField(key, value)
}

// WithFields returns a log entry carrying multiple fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}

// WithError returns a log entry carrying the "error" field.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithError(err)
}
