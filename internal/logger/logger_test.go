package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"

	"cms-engine/internal/config"
)

func TestNew_Level(t *testing.T) {
	log := New(config.LogConfig{Level: "warn", JSON: true})
	assert.False(t, log.Desugar().Core().Enabled(zapcore.InfoLevel))
	assert.True(t, log.Desugar().Core().Enabled(zapcore.WarnLevel))

	// unknown levels fall back to info
	log = New(config.LogConfig{Level: "loud"})
	assert.True(t, log.Desugar().Core().Enabled(zapcore.InfoLevel))
	assert.False(t, log.Desugar().Core().Enabled(zapcore.DebugLevel))
}

func TestNop(t *testing.T) {
	assert.False(t, Nop().Desugar().Core().Enabled(zapcore.ErrorLevel))
}
