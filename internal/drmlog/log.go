// Package drmlog implements the hierarchical logger spec.md §4.7
// describes: a console sink that is always present, plus an optional file
// sink in one of three modes, with independently runtime-mutable
// verbosities and an effective level that is the minimum of all sinks.
package drmlog

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}

// FileMode selects the file sink's behavior.
type FileMode int

const (
	// FileModeNone disables the file sink entirely.
	FileModeNone FileMode = iota
	// FileModeSingle appends (or truncates, per FileConfig.Truncate) to a
	// single fixed path.
	FileModeSingle
	// FileModeRotating rotates the file sink by size and count via
	// lumberjack.
	FileModeRotating
)

// FileConfig configures the optional file sink.
type FileConfig struct {
	Mode     FileMode
	Path     string
	Truncate bool // only consulted for FileModeSingle
	MaxSizeMB int
	MaxBackups int
}

// Logger wraps a console sink (always present) and an optional file sink,
// exposing independently mutable verbosities for each and the effective
// min-of-sinks level spec.md §4.7 requires. HostDataVerbosity is tracked
// alongside (supplemented from original_source's internal_inc/log.h),
// independent of the two structured-log verbosities; it is stored and
// reported only, and no log call in this module consults it.
type Logger struct {
	console       zerolog.Logger
	consoleLevel  zerolog.Level
	file          *zerolog.Logger
	fileLevel     zerolog.Level
	fileWriter    io.Closer
	hostData      int // 0=full, 1=partial, 2=none, per spec.md §6
}

// New builds a Logger with a console sink at consoleLevel and, if
// fileCfg.Mode != FileModeNone, a file sink at fileLevel.
func New(consoleLevel zerolog.Level, fileCfg FileConfig, fileLevel zerolog.Level) (*Logger, error) {
	console := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(consoleLevel).
		With().Timestamp().Logger()

	l := &Logger{console: console, consoleLevel: consoleLevel, fileLevel: fileLevel}

	switch fileCfg.Mode {
	case FileModeNone:
		// no file sink
	case FileModeSingle:
		flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
		if fileCfg.Truncate {
			flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
		}
		f, err := os.OpenFile(fileCfg.Path, flags, 0o644)
		if err != nil {
			return nil, fmt.Errorf("drmlog: open log file: %w", err)
		}
		logger := zerolog.New(f).Level(fileLevel).With().Timestamp().Logger()
		l.file = &logger
		l.fileWriter = f
	case FileModeRotating:
		lj := &lumberjack.Logger{
			Filename:   fileCfg.Path,
			MaxSize:    fileCfg.MaxSizeMB,
			MaxBackups: fileCfg.MaxBackups,
		}
		logger := zerolog.New(lj).Level(fileLevel).With().Timestamp().Logger()
		l.file = &logger
		l.fileWriter = lj
	default:
		return nil, fmt.Errorf("drmlog: unknown file mode %d", fileCfg.Mode)
	}

	return l, nil
}

// Close releases the file sink, if any.
func (l *Logger) Close() error {
	if l.fileWriter != nil {
		return l.fileWriter.Close()
	}
	return nil
}

// Component returns a child logger tagged with a component name, mirroring
// the teacher's `logger.With().Str("component", ...).Logger()` idiom.
func (l *Logger) Component(name string) *zerolog.Logger {
	logger := l.console.With().Str("component", name).Logger()
	return &logger
}

// SetConsoleVerbosity changes the console sink's level at runtime (wired
// to the parameter surface's log_ctrl_verbosity key).
func (l *Logger) SetConsoleVerbosity(level zerolog.Level) {
	l.consoleLevel = level
	l.console = l.console.Level(level)
}

// SetFileVerbosity changes the file sink's level at runtime (wired to
// log_file_verbosity). A no-op if no file sink is configured.
func (l *Logger) SetFileVerbosity(level zerolog.Level) {
	l.fileLevel = level
	if l.file != nil {
		leveled := l.file.Level(level)
		l.file = &leveled
	}
}

// ConsoleVerbosity returns the console sink's current level.
func (l *Logger) ConsoleVerbosity() zerolog.Level { return l.consoleLevel }

// FileVerbosity returns the file sink's current level (zerolog.Disabled
// if there is no file sink).
func (l *Logger) FileVerbosity() zerolog.Level {
	if l.file == nil {
		return zerolog.Disabled
	}
	return l.fileLevel
}

// Level returns the effective logger level: the minimum (most verbose) of
// all configured sinks, per spec.md §4.7.
func (l *Logger) Level() zerolog.Level {
	if l.file == nil {
		return l.consoleLevel
	}
	if l.fileLevel < l.consoleLevel {
		return l.fileLevel
	}
	return l.consoleLevel
}

// SetHostDataVerbosity stores the host-data verbosity value (0=full,
// 1=partial, 2=none; supplemented from original_source, spec.md §6
// host_data_verbosity). It does not change what any sink writes.
func (l *Logger) SetHostDataVerbosity(v int) { l.hostData = v }

// HostDataVerbosity returns the current host-data verbosity.
func (l *Logger) HostDataVerbosity() int { return l.hostData }

// Log emits a record to both sinks at the given level; callers typically
// go through Component() instead, this is for the parameter surface's
// synthetic log-injection key.
func (l *Logger) Log(level zerolog.Level, msg string) {
	l.console.WithLevel(level).Msg(msg)
	if l.file != nil {
		l.file.WithLevel(level).Msg(msg)
	}
}
