package build

import (
	"github.com/btcsuite/btclog"
)

// ShutdownLogger requests a daemon shutdown whenever something is logged at
// critical level. The pay subsystem uses it so a violated ledger invariant
// stops the wallet instead of being retried.
type ShutdownLogger struct {
	btclog.Logger
	shutdown func()
}

// NewShutdownLogger wraps logger so that critical messages call shutdown.
func NewShutdownLogger(logger btclog.Logger, shutdown func()) *ShutdownLogger {
	return &ShutdownLogger{
		Logger:   logger,
		shutdown: shutdown,
	}
}

// Criticalf logs at critical level and then requests shutdown.
//
// NOTE: Part of the btclog.Logger interface.
func (s *ShutdownLogger) Criticalf(format string, params ...interface{}) {
	s.Logger.Criticalf(format, params...)
	s.Logger.Info("Sending request for shutdown")
	s.shutdown()
}

// Critical logs at critical level and then requests shutdown.
//
// NOTE: Part of the btclog.Logger interface.
func (s *ShutdownLogger) Critical(v ...interface{}) {
	s.Logger.Critical(v...)
	s.Logger.Info("Sending request for shutdown")
	s.shutdown()
}
