package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewDefaultsToInfoLevelAndStdout(t *testing.T) {
	l, closer, err := New(Config{})
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
	assert.NoError(t, closer.Close())
}

func TestNewDebugLevelEnablesDebugLogs(t *testing.T) {
	l, closer, err := New(Config{Level: "debug"})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))
	assert.NoError(t, closer.Close())
}

func TestNewFileOutputWritesThroughLumberjack(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "gwrs.log")

	l, closer, err := New(Config{Level: "info", Output: logFile, MaxSize: 1})
	require.NoError(t, err)
	defer closer.Close()

	l.Info("hello file")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello file")
}

func TestSetGlobalAndLRoundTrip(t *testing.T) {
	original := L()
	defer SetGlobal(original)

	l, _, err := New(Config{Level: "warn"})
	require.NoError(t, err)

	SetGlobal(l)
	assert.Same(t, l, L())
}
