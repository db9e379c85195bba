package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestCreateLoggerAsLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gpulock.log")
	logger, flush, err := CreateLoggerAsLocalFile(path, DebugLevel)
	require.NoError(t, err)

	logger.Infof("device %s opened", "sim-0")
	logger.Debugf("max invocations %d", 1024)
	_ = flush()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "device sim-0 opened")
	require.Contains(t, string(data), "max invocations 1024")
}

func TestCreateLoggerAsLocalFileEmptyPath(t *testing.T) {
	_, _, err := CreateLoggerAsLocalFile("", InfoLevel)
	require.Error(t, err)
}

func TestSetDefaultLoggerAndFlusher(t *testing.T) {
	prevLogger, prevFlusher := GetDefaultLogger(), GetDefaultFlusher()
	defer SetDefaultLoggerAndFlusher(prevLogger, prevFlusher)

	core, logs := observer.New(zap.DebugLevel)
	flushed := 0
	SetDefaultLoggerAndFlusher(zap.New(core).Sugar(), func() error {
		flushed++
		return nil
	})

	Warnf("iteration %d failed", 3)
	Error(nil)
	Error(os.ErrClosed)
	Cleanup()

	require.Equal(t, 2, logs.Len())
	require.Equal(t, "iteration 3 failed", logs.All()[0].Message)
	require.Equal(t, zap.WarnLevel, logs.All()[0].Level)
	require.Equal(t, zap.ErrorLevel, logs.All()[1].Level)
	require.Equal(t, 1, flushed)
}
