package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name       string
		level      string
		production bool
		want       zapcore.Level
	}{
		{name: "explicit debug", level: "debug", want: zapcore.DebugLevel},
		{name: "warning alias", level: "WARNING", want: zapcore.WarnLevel},
		{name: "empty in production", level: "", production: true, want: zapcore.InfoLevel},
		{name: "empty in development", level: "", want: zapcore.DebugLevel},
		{name: "unknown", level: "loud", want: zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.level, tt.production))
		})
	}
}

func TestNewReturnsUsableLogger(t *testing.T) {
	l := New(Options{Env: "production", Level: "error"})
	assert.NotNil(t, l)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.ErrorLevel))
}
