package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_BuildsUsableLogger(t *testing.T) {
	log, err := New(Options{Development: true, Debug: true})
	require.NoError(t, err)
	require.NotNil(t, log)
	require.True(t, log.Core().Enabled(zap.DebugLevel))
}

func TestNew_InfoLevelByDefault(t *testing.T) {
	log, err := New(Options{})
	require.NoError(t, err)
	require.False(t, log.Core().Enabled(zap.DebugLevel))
	require.True(t, log.Core().Enabled(zap.InfoLevel))
}
