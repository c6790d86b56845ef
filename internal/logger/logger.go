package logger

import (
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"codeberg.org/mutker/bmcfanctl/internal/errors"
	"github.com/rs/zerolog"
)

type LogLevel int8

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

type LogEvent struct {
	*zerolog.Event
}

func (e *LogEvent) Msg(msg string) {
	e.Event.Msg(msg)
}

func (e *LogEvent) Send() {
	e.Event.Send()
}

type zerologLogger struct {
	log zerolog.Logger
}

var std Logger = &zerologLogger{log: zerolog.Nop()}

// Init configures the package-level logger used by Default and the
// package-level helpers.
func Init(level LogLevel, isService bool) {
	std = New(os.Stdout, isService)
	SetLogLevel(level)
}

// New builds a console logger writing to out.
func New(out io.Writer, isService bool) Logger {
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}

	// journald stamps and colors lines itself
	if isService {
		output.NoColor = true
		output.TimeFormat = ""
		output.FormatTimestamp = func(_ interface{}) string {
			return ""
		}
	}

	return &zerologLogger{log: zerolog.New(output).With().Timestamp().Logger()}
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return &zerologLogger{log: zerolog.Nop()}
}

// Default returns the package-level logger.
func Default() Logger {
	return std
}

// SetLogLevel sets the global log level
func SetLogLevel(level LogLevel) {
	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// ParseLevel maps a configured level name to a LogLevel.
func ParseLevel(name string) (LogLevel, bool) {
	switch strings.ToLower(name) {
	case "debug":
		return DebugLevel, true
	case "info":
		return InfoLevel, true
	case "warn", "warning":
		return WarnLevel, true
	case "error":
		return ErrorLevel, true
	default:
		return InfoLevel, false
	}
}

// IsService checks if the application is running as a service
func IsService() bool {
	if _, err := os.Stdin.Stat(); err != nil {
		return true
	}
	if os.Getenv("SERVICE_NAME") != "" || os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if os.Getppid() == 1 {
		return true
	}

	return syscall.Getpgrp() == syscall.Getpid()
}

func (l *zerologLogger) Debug() *LogEvent {
	return &LogEvent{l.log.Debug()}
}

func (l *zerologLogger) Info() *LogEvent {
	return &LogEvent{l.log.Info()}
}

func (l *zerologLogger) Warn() *LogEvent {
	return &LogEvent{l.log.Warn()}
}

func (l *zerologLogger) Error() *LogEvent {
	return &LogEvent{l.log.Error()}
}

func (l *zerologLogger) ErrorWithCode(err errors.Error) *LogEvent {
	return &LogEvent{l.log.Error().
		Str("error_code", string(err.Code())).
		Str("error_message", err.Error()).
		AnErr("error", err.Unwrap())}
}

func (l *zerologLogger) With(component string) Logger {
	return &zerologLogger{log: l.log.With().Str("component", component).Logger()}
}

// Debug logs a debug message
func Debug() *LogEvent {
	return std.Debug()
}

// Info logs an info message
func Info() *LogEvent {
	return std.Info()
}

// Warn logs a warning message
func Warn() *LogEvent {
	return std.Warn()
}

// Error logs an error message
func Error() *LogEvent {
	return std.Error()
}

// ErrorWithCode logs an error message with a specific error code
func ErrorWithCode(err errors.Error) *LogEvent {
	return std.ErrorWithCode(err)
}
