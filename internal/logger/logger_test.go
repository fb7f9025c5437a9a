package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestLevelFiltering(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	l := &Logger{terminal: &buf, minLevel: DEBUG}

	l.SetLevel(ParseLevel("warn"))
	l.Info("SAGA", "hidden")
	l.Warn("SAGA", "shown")
	l.LogSaga("checkout", "reg-1", "submitted")
	l.LogSecurity("WEBHOOK_SIGNATURE", "mismatch")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.NotContains(t, out, "submitted")
	assert.Contains(t, out, "shown")
	assert.Contains(t, out, "[WEBHOOK_SIGNATURE] mismatch")
	assert.Equal(t, 2, strings.Count(out, "\n"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, ERROR, ParseLevel("ERROR"))
	assert.Equal(t, INFO, ParseLevel("verbose"))
}

func TestNopLoggerAndNil(t *testing.T) {
	assert.NotPanics(t, func() {
		NewNopLogger().Error("X", "dropped")
		var l *Logger
		l.Info("X", "nil logger")
	})
}
