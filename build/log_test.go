package build

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAndSetDebugLevels(t *testing.T) {
	t.Parallel()

	mgr := NewSubLoggerManager(&bytes.Buffer{})
	mgr.GenSubLogger("PAYM")
	mgr.GenSubLogger("SCHD")

	require.Equal(t, []string{"PAYM", "SCHD"}, mgr.SupportedSubsystems())

	require.NoError(t, ParseAndSetDebugLevels("debug,SCHD=trace", mgr))
	require.Equal(t, "DBG", mgr.SubLoggers()["PAYM"].Level().String())
	require.Equal(t, "TRC", mgr.SubLoggers()["SCHD"].Level().String())

	require.Error(t, ParseAndSetDebugLevels("loud", mgr))
	require.Error(t, ParseAndSetDebugLevels("info,NOPE=debug", mgr))
	require.Error(t, ParseAndSetDebugLevels("info,SCHD", mgr))
}

func TestShutdownLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	mgr := NewSubLoggerManager(&buf)

	var called int
	logger := NewShutdownLogger(mgr.GenSubLogger("PAYM"), func() {
		called++
	})

	logger.Criticalf("allocation mismatch on coin %v", "abc")
	require.Equal(t, 1, called)
	require.Contains(t, buf.String(), "allocation mismatch on coin abc")
}
