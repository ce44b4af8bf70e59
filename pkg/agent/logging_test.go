package agent

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestZapLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, zapLevel(LevelDebug))
	assert.Equal(t, zapcore.InfoLevel, zapLevel(LevelInfo))
	assert.Equal(t, zapcore.InfoLevel, zapLevel(LevelWarning))
	assert.Equal(t, zapcore.ErrorLevel, zapLevel(LevelError))
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, LevelError)

	log.Info("warning: should be hidden")
	log.Error(errors.New("boom"), "should be shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "should be shown")
}

func TestLoggerDebugShowsV1(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, LevelDebug)

	log.V(1).Info("debug detail")
	assert.Contains(t, buf.String(), "debug detail")
}

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")
	log, closer := NewLogger(LevelInfo, path)
	log.Info("hello file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello file")
}
