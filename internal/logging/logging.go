// Package logging builds the logrus logger from the logging config section.
// Console and file outputs keep separate thresholds; the logger itself runs
// at the most verbose of the two and hooks gate each output.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"stethoscope/internal/config"
)

// ParseLevel maps config verbosity names onto logrus levels. WARNING is
// accepted as an alias of WARN. Unknown or empty names return def.
func ParseLevel(name string, def logrus.Level) logrus.Level {
	n := strings.TrimSpace(name)
	switch strings.ToUpper(n) {
	case "":
		return def
	case "WARNING":
		return logrus.WarnLevel
	}
	lvl, err := logrus.ParseLevel(n)
	if err != nil {
		return def
	}
	return lvl
}

// Logger wraps the configured logrus logger and owns the log file.
type Logger struct {
	*logrus.Logger

	mu     sync.Mutex
	closer io.Closer
}

// Close releases the log file, if one was opened.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}

// Setup builds the logger. A non-empty cliLevel overrides the console verbosity.
func Setup(cfg config.LoggingConfig, cliLevel string, console io.Writer) (*Logger, error) {
	if console == nil {
		console = os.Stderr
	}
	consoleLevel := ParseLevel(cfg.Console.Verbosity, logrus.InfoLevel)
	if strings.TrimSpace(cliLevel) != "" {
		consoleLevel = ParseLevel(cliLevel, consoleLevel)
	}

	base := logrus.New()
	base.SetOutput(io.Discard)
	base.SetLevel(consoleLevel)
	base.AddHook(&writerHook{
		w:         console,
		formatter: &logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"},
		levels:    levelsUpTo(consoleLevel),
	})

	l := &Logger{Logger: base}
	if !cfg.File.Enabled {
		return l, nil
	}

	path := strings.TrimSpace(cfg.File.Path)
	if path == "" {
		path = "ftpscope.log"
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	fileLevel := ParseLevel(cfg.File.Verbosity, logrus.InfoLevel)
	if fileLevel > base.GetLevel() {
		base.SetLevel(fileLevel)
	}
	base.AddHook(&writerHook{
		w:         f,
		formatter: &logrus.JSONFormatter{},
		levels:    levelsUpTo(fileLevel),
	})
	l.closer = f
	return l, nil
}

func levelsUpTo(max logrus.Level) []logrus.Level {
	var out []logrus.Level
	for _, lvl := range logrus.AllLevels {
		if lvl <= max {
			out = append(out, lvl)
		}
	}
	return out
}

// writerHook writes entries at its own levels to one output.
type writerHook struct {
	mu        sync.Mutex
	w         io.Writer
	formatter logrus.Formatter
	levels    []logrus.Level
}

func (h *writerHook) Levels() []logrus.Level { return h.levels }

func (h *writerHook) Fire(e *logrus.Entry) error {
	b, err := h.formatter.Format(e)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.w.Write(b)
	return err
}
