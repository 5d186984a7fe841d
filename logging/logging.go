// Package logging provides structured logging for the workflow engine,
// adapted from the teacher's common/logging.go and common/logger.go:
// a package-level logrus.Logger, an OutputSplitter that routes error/fatal
// lines to stderr and everything else to stdout, and a config-driven
// constructor used by cmd/workflowd.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the package-level logger every component that does not receive
// its own *logrus.Entry falls back to. Components constructed by
// cmd/workflowd are always given an explicit entry (see New); this var
// exists for the same reason the teacher's common.Logger does: package
// init-time logging before the CLI has parsed configuration.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{Stdout: os.Stdout, Stderr: os.Stderr})
	Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// OutputSplitter routes logrus's rendered lines between stdout and stderr
// by sniffing the rendered level field, the way the teacher's
// common.OutputSplitter does for eve's services — error and fatal lines are
// operationally distinct from info/debug/warn in most log-shipping setups.
type OutputSplitter struct {
	Stdout io.Writer
	Stderr io.Writer
}

func (s *OutputSplitter) Write(p []byte) (int, error) {
	line := string(p)
	if strings.Contains(line, "level=error") || strings.Contains(line, "level=fatal") {
		return s.Stderr.Write(p)
	}
	return s.Stdout.Write(p)
}

// Config configures a logger instance for a long-lived component.
type Config struct {
	Level   string // "debug", "info", "warn", "error"
	Format  string // "json" or "text"
	Service string
	Version string
}

// New builds a *logrus.Logger per Config (output splitting, format, level).
// It sets no fields itself; Entry pre-seeds the component/service fields,
// the way the teacher tags every coordinator log line with workflow_id.
func New(cfg Config) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(&OutputSplitter{Stdout: os.Stdout, Stderr: os.Stderr})

	switch strings.ToLower(cfg.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch strings.ToLower(cfg.Level) {
	case "debug":
		l.SetLevel(logrus.DebugLevel)
	case "warn":
		l.SetLevel(logrus.WarnLevel)
	case "error":
		l.SetLevel(logrus.ErrorLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	return l
}

// Entry returns a component-scoped entry off l, always carrying service and
// version so every line is attributable without re-specifying them at each
// call site.
func Entry(l *logrus.Logger, cfg Config, component string) *logrus.Entry {
	return l.WithFields(logrus.Fields{
		"component": component,
		"service":   cfg.Service,
		"version":   cfg.Version,
	})
}
