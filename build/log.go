package build

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/btcsuite/btclog"
	"github.com/davecgh/go-spew/spew"
)

// LogType is the kind of logging selected by the build flags.
type LogType byte

const (
	// LogTypeNone indicates no logging.
	LogTypeNone LogType = iota

	// LogTypeStdOut writes all logging directly to stdout.
	LogTypeStdOut

	// LogTypeDefault logs to both stdout and a given io.PipeWriter.
	LogTypeDefault
)

// String returns a human readable identifier for the logging type.
func (t LogType) String() string {
	switch t {
	case LogTypeNone:
		return "none"
	case LogTypeStdOut:
		return "stdout"
	case LogTypeDefault:
		return "default"
	default:
		return "unknown"
	}
}

// LogWriter is the io.Writer behind the log backend. Its behavior depends on
// the "stdlog" and "nolog" build flags.
type LogWriter struct {
	// RotatorPipe is the write-end pipe of the log rotator. It only needs
	// to be set for the default build.
	RotatorPipe *io.PipeWriter
}

// NewSubLogger constructs a subsystem logger. genSubLogger derives it from
// the shared backend; if it is nil the logger is disabled, except in
// development builds logging to stdout, where every subsystem gets its own
// stdout backend so unit tests show their output.
func NewSubLogger(subsystem string,
	genSubLogger func(string) btclog.Logger) btclog.Logger {

	if genSubLogger != nil && LoggingType != LogTypeNone {
		return genSubLogger(subsystem)
	}

	if Deployment == Development && LoggingType == LogTypeStdOut {
		logger := btclog.NewBackend(&LogWriter{}).Logger(subsystem)

		level, _ := btclog.LevelFromString(LogLevel)
		logger.SetLevel(level)

		return logger
	}

	return btclog.Disabled
}

// SubLoggers maps subsystem tags to their loggers.
type SubLoggers map[string]btclog.Logger

// LeveledSubLogger provides the ability to retrieve the subsystem loggers of
// a logger and set their log levels individually or all at once.
type LeveledSubLogger interface {
	// SubLoggers returns the map of all registered subsystem loggers.
	SubLoggers() SubLoggers

	// SupportedSubsystems returns the sorted subsystem tags.
	SupportedSubsystems() []string

	// SetLogLevel assigns an individual subsystem logger a new log level.
	SetLogLevel(subsystemID string, logLevel string)

	// SetLogLevels assigns all subsystem loggers the same new log level.
	SetLogLevels(logLevel string)
}

// SubLoggerManager owns one log backend and every subsystem logger derived
// from it.
type SubLoggerManager struct {
	backend *btclog.Backend

	mu      sync.Mutex
	loggers SubLoggers
}

// NewSubLoggerManager creates a manager whose loggers write to w.
func NewSubLoggerManager(w io.Writer) *SubLoggerManager {
	return &SubLoggerManager{
		backend: btclog.NewBackend(w),
		loggers: make(SubLoggers),
	}
}

// GenSubLogger returns the logger of the subsystem, creating it on first
// use. It has the signature NewSubLogger expects.
func (m *SubLoggerManager) GenSubLogger(subsystem string) btclog.Logger {
	m.mu.Lock()
	defer m.mu.Unlock()

	if logger, ok := m.loggers[subsystem]; ok {
		return logger
	}

	logger := m.backend.Logger(subsystem)
	m.loggers[subsystem] = logger

	return logger
}

// RegisterSubLogger creates the logger of a subsystem and hands it to the
// package's UseLogger function.
func (m *SubLoggerManager) RegisterSubLogger(subsystem string,
	useLogger func(btclog.Logger)) btclog.Logger {

	logger := NewSubLogger(subsystem, m.GenSubLogger)
	useLogger(logger)

	return logger
}

// SubLoggers returns a copy of the registered loggers.
func (m *SubLoggerManager) SubLoggers() SubLoggers {
	m.mu.Lock()
	defer m.mu.Unlock()

	loggers := make(SubLoggers, len(m.loggers))
	for k, v := range m.loggers {
		loggers[k] = v
	}

	return loggers
}

// SupportedSubsystems returns the sorted list of subsystem tags.
func (m *SubLoggerManager) SupportedSubsystems() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	subsystems := make([]string, 0, len(m.loggers))
	for subsystem := range m.loggers {
		subsystems = append(subsystems, subsystem)
	}
	sort.Strings(subsystems)

	return subsystems
}

// SetLogLevel sets the level of one subsystem. Unknown subsystems are
// ignored.
func (m *SubLoggerManager) SetLogLevel(subsystemID string, logLevel string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger, ok := m.loggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// SetLogLevels sets the level of every subsystem.
func (m *SubLoggerManager) SetLogLevels(logLevel string) {
	for _, subsystem := range m.SupportedSubsystems() {
		m.SetLogLevel(subsystem, logLevel)
	}
}

// ParseAndSetDebugLevels parses a debug level string of the form
// "level" or "level,subsys=level,..." and applies it to the logger.
func ParseAndSetDebugLevels(level string, logger LeveledSubLogger) error {
	levels := strings.Split(level, ",")
	if len(levels) == 0 {
		return fmt.Errorf("invalid log level: %v", level)
	}

	// A first entry without "=" is the level of every subsystem.
	globalLevel := levels[0]
	if !strings.Contains(globalLevel, "=") {
		if !validLogLevel(globalLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", globalLevel)
		}

		logger.SetLogLevels(globalLevel)
		levels = levels[1:]
	}

	subLoggers := logger.SubLoggers()
	for _, pair := range levels {
		fields := strings.Split(pair, "=")
		if len(fields) != 2 {
			return fmt.Errorf("the specified debug level has an "+
				"invalid format [%v] -- use format "+
				"subsystem1=level1,subsystem2=level2", pair)
		}

		subsysID, logLevel := fields[0], fields[1]
		if _, ok := subLoggers[subsysID]; !ok {
			return fmt.Errorf("the specified subsystem [%v] is "+
				"invalid -- supported subsystems are %v",
				subsysID, logger.SupportedSubsystems())
		}

		if !validLogLevel(logLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", logLevel)
		}

		logger.SetLogLevel(subsysID, logLevel)
	}

	return nil
}

func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical", "off":
		return true
	}

	return false
}

// LogClosure defers building an expensive log message until the logger
// decides to print it.
type LogClosure func() string

// String invokes the underlying function and returns the result.
func (c LogClosure) String() string {
	return c()
}

// NewLogClosure wraps c so it can be passed to the logging methods.
func NewLogClosure(c func() string) LogClosure {
	return LogClosure(c)
}

// SpewLogClosure dumps a using spew once the message is printed.
func SpewLogClosure(a interface{}) LogClosure {
	return func() string {
		return spew.Sdump(a)
	}
}
