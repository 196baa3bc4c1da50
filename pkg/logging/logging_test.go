package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewForHonorsLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("LOG_ENCODING", "console")

	logger, err := NewFor("test")
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zap.InfoLevel))
	require.True(t, logger.Core().Enabled(zap.WarnLevel))
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	require.Equal(t, zap.InfoLevel, parseLevel("verbose"))
	require.Equal(t, zap.DebugLevel, parseLevel("debug"))
}

func TestNewCLIVerbosity(t *testing.T) {
	quiet, err := NewCLI(false)
	require.NoError(t, err)
	require.False(t, quiet.Core().Enabled(zap.InfoLevel))

	verbose, err := NewCLI(true)
	require.NoError(t, err)
	require.True(t, verbose.Core().Enabled(zap.DebugLevel))
}
