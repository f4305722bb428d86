package logger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

// TestParseLogLevel verifies mapping from strings to zapcore.Level and handling of unknown values.
func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]zapcore.Level{
		"debug": zapcore.DebugLevel,
		"info":  zapcore.InfoLevel,
		"warn":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
		"fatal": zapcore.FatalLevel,
	}
	for s, lvl := range cases {
		got, ok := ParseLogLevel(s)
		require.True(t, ok)
		require.Equal(t, lvl, got)
	}

	_, ok := ParseLogLevel("unknown")
	require.False(t, ok)
}

// TestOpenLogFile ensures the log file is created with a timestamped name in the target directory.
func TestOpenLogFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	file, err := OpenLogFile(dir)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = file.Close()
	})

	base := filepath.Base(file.Name())
	require.True(t, strings.HasPrefix(base, "priv-bootstrap-"))
	require.True(t, strings.HasSuffix(base, ".log"))

	_, err = os.Stat(file.Name())
	require.NoError(t, err)
}

// TestNewTeeWritesFile verifies entries reach the file sink.
func TestNewTeeWritesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	file, err := OpenLogFile(dir)
	require.NoError(t, err)

	l := NewTee(zapcore.InfoLevel, file)
	l.Info("hello from tee")
	require.NoError(t, l.Sync())
	require.NoError(t, file.Close())

	contents, err := os.ReadFile(file.Name())
	require.NoError(t, err)
	require.Contains(t, string(contents), "hello from tee")
}

// TestContextHelpers ensures scoped loggers round-trip through contexts.
func TestContextHelpers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	require.Equal(t, Logger(), FromContext(ctx))

	named := WithName(ctx, "test-scope")
	require.NotEqual(t, FromContext(ctx), FromContext(named))
}
