package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, zapcore.DebugLevel, ParseLevel(" DEBUG "))
	require.Equal(t, zapcore.WarnLevel, ParseLevel("warning"))
	require.Equal(t, zapcore.InfoLevel, ParseLevel(""))
	require.Equal(t, zapcore.InfoLevel, ParseLevel("verbose"))
}

func TestAdjustableLoggerFollowsLevelChanges(t *testing.T) {
	logger, level, err := NewAdjustableLogger("error")
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zapcore.InfoLevel))

	level.SetLevel(zapcore.InfoLevel)
	require.True(t, logger.Core().Enabled(zapcore.InfoLevel))
}
