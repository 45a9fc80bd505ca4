package logger

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLogger(Config{Level: "info", Output: &buf})
	require.NoError(t, err)

	l.Debug("hidden")
	l.Info("batch finished", zap.Int("completed", 3), Redacted("token", "s3cr3t"))
	require.NoError(t, l.Sync())

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"message":"batch finished"`)
	assert.Contains(t, out, `"completed":3`)
	assert.Contains(t, out, `"service":"mailforge"`)
	assert.Contains(t, out, "[REDACTED]")
	assert.NotContains(t, out, "s3cr3t")
}

func TestNewLoggerFileRotation(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "mailforge.log")
	l, err := NewLogger(Config{Level: "bogus", LogFile: path, MaxSize: 1, Output: &buf})
	require.NoError(t, err)
	l.Info("written")
	assert.FileExists(t, path)
	assert.Contains(t, buf.String(), "written")
}

func TestOrNopAndRedacted(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	assert.Equal(t, "", Redacted("k", "").String)
}

func TestNamed(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLogger(Config{Level: "debug", Output: &buf})
	require.NoError(t, err)

	Named(l, "batch").Info("unit done")
	require.NoError(t, l.Sync())
	assert.Contains(t, buf.String(), `"component":"batch"`)

	assert.NotPanics(t, func() { Named(nil, "verify").Info("dropped") })
}
