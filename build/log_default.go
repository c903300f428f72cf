//go:build !stdlog && !nolog

package build

import "os"

// LoggingType writes to both stdout and the log rotator, if present.
const LoggingType = LogTypeDefault

// Write writes b to stdout and, once the rotator has been initialized, to the
// log file.
func (w *LogWriter) Write(b []byte) (int, error) {
	os.Stdout.Write(b)
	if w.RotatorPipe != nil {
		w.RotatorPipe.Write(b)
	}

	return len(b), nil
}
