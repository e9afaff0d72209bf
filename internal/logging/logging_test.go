package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetLevel(t *testing.T) {
	defer level.SetLevel(zapcore.InfoLevel)

	require.NoError(t, SetLevel("DEBUG"))
	assert.Equal(t, zapcore.DebugLevel, level.Level())

	require.NoError(t, SetLevel("warn"))
	assert.Equal(t, zapcore.WarnLevel, level.Level())

	assert.Error(t, SetLevel("chatty"))
	assert.Equal(t, zapcore.WarnLevel, level.Level())
}

func TestInitRejectsUnknownFormat(t *testing.T) {
	assert.Error(t, Init(Config{Format: "xml"}))
}

func TestInitJSON(t *testing.T) {
	restore := ReplaceForTest(L())
	defer restore()

	require.NoError(t, Init(Config{Level: "info", Format: "json"}))
	assert.NotNil(t, L())
}

func TestReplaceForTest(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	restore := ReplaceForTest(zap.New(core))

	L().Info("hello", zap.String("k", "v"))
	restore()

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "hello", logs.All()[0].Message)
	assert.NotNil(t, L())
}
