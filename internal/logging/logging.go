// Package logging builds the process logger: a file sink inside the mail
// root and, in foreground mode, console sinks split by severity.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// FileName is the name of the log file created inside the mail root.
const FileName = "nullsmtpd.log"

// Logger is the configured process logger. Close releases the file sink.
type Logger struct {
	*slog.Logger
	file *os.File
}

// Close closes the log file.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

type options struct {
	stdout       io.Writer
	stderr       io.Writer
	consoleLevel slog.Level
}

// Option customises Configure.
type Option func(*options)

// WithStdout replaces os.Stdout as the console sink for DEBUG and INFO.
func WithStdout(w io.Writer) Option {
	return func(o *options) { o.stdout = w }
}

// WithStderr replaces os.Stderr as the console sink for WARNING and above.
func WithStderr(w io.Writer) Option {
	return func(o *options) { o.stderr = w }
}

// WithConsoleLevel sets the minimum level printed to the console. It
// defaults to INFO and does not affect the file sink.
func WithConsoleLevel(level slog.Level) Option {
	return func(o *options) { o.consoleLevel = level }
}

// Configure opens mailRoot/nullsmtpd.log in append mode and returns a
// logger writing INFO and above to it. With console set, DEBUG and INFO
// records also go to stdout and WARNING and above to stderr; a record is
// never printed on both.
func Configure(mailRoot string, console bool, opts ...Option) (*Logger, error) {
	o := options{
		stdout:       os.Stdout,
		stderr:       os.Stderr,
		consoleLevel: slog.LevelInfo,
	}
	for _, opt := range opts {
		opt(&o)
	}

	path := filepath.Join(mailRoot, FileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	sinks := []slog.Handler{newLineHandler(file, slog.LevelInfo)}
	if console {
		sinks = append(sinks,
			&bandHandler{
				Handler: newLineHandler(o.stdout, o.consoleLevel),
				max:     slog.LevelInfo,
			},
			newLineHandler(o.stderr, maxLevel(o.consoleLevel, slog.LevelWarn)),
		)
	}

	return &Logger{
		Logger: slog.New(&fanoutHandler{sinks: sinks}),
		file:   file,
	}, nil
}

// ParseLevel converts a configured level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func maxLevel(a, b slog.Level) slog.Level {
	if a > b {
		return a
	}
	return b
}
