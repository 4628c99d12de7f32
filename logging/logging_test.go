package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("json output with fields", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := New("debug", FormatJSON, &buf)
		require.NoError(t, err)

		l.WithField("step", "packages").Debug("building")
		var line map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
		assert.Equal(t, "packages", line["step"])
		assert.Equal(t, "building", line["msg"])
	})

	t.Run("level filters", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := New("warn", FormatText, &buf)
		require.NoError(t, err)
		assert.Equal(t, logrus.WarnLevel, l.GetLevel())

		l.Info("hidden")
		assert.Empty(t, buf.String())
	})

	t.Run("bad input", func(t *testing.T) {
		_, err := New("loud", FormatText, nil)
		assert.Error(t, err)
		_, err = New("info", "xml", nil)
		assert.Error(t, err)
	})
}
