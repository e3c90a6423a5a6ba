package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mrz1836/tide/internal/constants"
)

// Options configures a logger.
type Options struct {
	Verbose bool
	Quiet   bool

	// Home is the data directory; the rotating log lives in Home/logs.
	// Empty disables the log file.
	Home string

	// Events receives every entry that carries a spec_id field, at debug
	// level and above regardless of Verbose and Quiet.
	Events EventAppender

	// Console overrides the console writer, mainly for tests.
	Console io.Writer
}

// EventAppender persists a log entry into a spec's event log.
// It is satisfied by store.FileStore.
type EventAppender interface {
	AppendEvent(ctx context.Context, specID string, entry []byte) error
}

// Logger bundles the configured logger with the file it writes to.
type Logger struct {
	zerolog.Logger
	file io.Closer
}

var globalMu sync.Mutex //nolint:gochecknoglobals // protects zerolog's global logger

// New builds a logger per opts and installs it as the zerolog global logger.
//
// Console output is a ConsoleWriter on a TTY without NO_COLOR and JSON
// otherwise. A rotating, secret-filtered log file is added when Home is set;
// if it cannot be opened the logger continues console-only.
func New(opts Options) *Logger {
	console := opts.Console
	if console == nil {
		console = selectOutput()
	}

	writers := []io.Writer{console}
	var file io.WriteCloser
	if opts.Home != "" {
		if fw, err := createLogFileWriter(opts.Home); err == nil {
			file = fw
			writers = append(writers, fw)
		}
	}

	level := selectLevel(opts.Verbose, opts.Quiet)
	multi := zerolog.MultiLevelWriter(writers...)
	var out io.Writer = multi
	if opts.Events != nil {
		// The event log takes spec entries down to debug; console and file
		// keep the selected level.
		out = newSpecEventWriter(opts.Events, &zerolog.FilteredLevelWriter{Writer: multi, Level: level})
		level = min(level, zerolog.DebugLevel)
	}

	logger := zerolog.New(out).
		Level(level).
		Hook(NewSensitiveDataHook()).
		With().Timestamp().Logger()

	globalMu.Lock()
	log.Logger = logger
	globalMu.Unlock()

	return &Logger{Logger: logger, file: file}
}

// Close closes the log file, if one was opened.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// LogFilePath returns the path of the rotating CLI log under home.
func LogFilePath(home string) string {
	return filepath.Join(home, constants.LogsDir, constants.CLILogFileName)
}

func selectLevel(verbose, quiet bool) zerolog.Level {
	switch {
	case verbose:
		return zerolog.DebugLevel
	case quiet:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}

func selectOutput() io.Writer {
	if term.IsTerminal(int(os.Stderr.Fd())) && os.Getenv("NO_COLOR") == "" {
		return zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.Kitchen,
		}
	}
	return os.Stderr
}

type filteringWriteCloser struct {
	filter *FilteringWriter
	closer io.Closer
}

func (fwc *filteringWriteCloser) Write(p []byte) (int, error) {
	return fwc.filter.Write(p)
}

func (fwc *filteringWriteCloser) Close() error {
	return fwc.closer.Close()
}

func createLogFileWriter(home string) (io.WriteCloser, error) {
	path := LogFilePath(home)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    constants.LogMaxSizeMB,
		MaxBackups: constants.LogMaxBackups,
		MaxAge:     constants.LogMaxAgeDays,
		Compress:   constants.LogCompress,
	}
	return &filteringWriteCloser{filter: NewFilteringWriter(lj), closer: lj}, nil
}

// specEventWriter tees entries carrying a spec_id into that spec's event log.
type specEventWriter struct {
	events EventAppender
	target io.Writer
}

func newSpecEventWriter(events EventAppender, target io.Writer) *specEventWriter {
	return &specEventWriter{events: events, target: target}
}

type eventFields struct {
	SpecID string `json:"spec_id"`
}

// Write implements io.Writer. Persistence failures never break logging.
func (w *specEventWriter) Write(p []byte) (int, error) {
	var fields eventFields
	if err := json.Unmarshal(p, &fields); err == nil && fields.SpecID != "" {
		_ = w.events.AppendEvent(context.Background(), fields.SpecID, []byte(FilterSensitiveValue(string(p))))
	}
	return w.target.Write(p)
}

// WriteLevel implements zerolog.LevelWriter so level filtering in the
// wrapped multi-writer still applies.
func (w *specEventWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	var fields eventFields
	if err := json.Unmarshal(p, &fields); err == nil && fields.SpecID != "" {
		_ = w.events.AppendEvent(context.Background(), fields.SpecID, []byte(FilterSensitiveValue(string(p))))
	}
	if lw, ok := w.target.(zerolog.LevelWriter); ok {
		return lw.WriteLevel(level, p)
	}
	return w.target.Write(p)
}
