package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger(t *testing.T) {
	t.Run("text lines carry sorted fields", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLogger("possync", LevelInfo)
		l.SetOutput(&buf)

		l.WithFields(map[string]interface{}{"queue_id": "q1", "entity_kind": "sale"}).Infof("Delivered %d", 1)

		line := strings.TrimSpace(buf.String())
		assert.Contains(t, line, "[INFO]")
		assert.True(t, strings.HasSuffix(line, "Delivered 1 entity_kind=sale queue_id=q1"), line)
	})

	t.Run("below the minimum level is dropped", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLogger("possync", LevelWarn)
		l.SetOutput(&buf)

		l.Info("replaying")
		l.Debug("replaying")
		assert.Empty(t, buf.String())

		l.Warn("remote unreachable")
		assert.Contains(t, buf.String(), "[WARN]")
	})

	t.Run("json lines", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLogger("possync", LevelDebug)
		l.SetOutput(&buf)
		l.SetFormat(FormatJSON)

		l.WithField("device_id", "device-42").
			WithField("error", errors.New("connection refused")).
			WithField("msg", "ignored").
			Errorf("Sync run failed")

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "ERROR", entry["level"])
		assert.Equal(t, "Sync run failed", entry["msg"])
		assert.Equal(t, "possync", entry["service"])
		assert.Equal(t, "device-42", entry["device_id"])
		assert.Equal(t, "connection refused", entry["error"])
		assert.Contains(t, entry["caller"], "logger_test.go:")
	})

	t.Run("derived loggers keep the format", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLogger("possync", LevelInfo)
		l.SetOutput(&buf)
		l.SetFormat(FormatJSON)

		l.WithField("component", "orchestrator").Info("Sync started")
		assert.True(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
	})
}

func TestParseFormat(t *testing.T) {
	assert.Equal(t, FormatJSON, ParseFormat(" JSON "))
	assert.Equal(t, FormatText, ParseFormat(""))
	assert.Equal(t, FormatText, ParseFormat("logfmt"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, LevelInfo, ParseLevel("verbose"))
}
