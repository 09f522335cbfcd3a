package log

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBackend_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	b, err := NewWriter(&buf, "INFO")
	require.NoError(t, err)

	l := b.GetLogger("test")
	l.Debug("hidden")
	l.Info("shown")

	out := buf.String()
	require.Contains(t, out, "test: shown")
	require.NotContains(t, out, "hidden")
}

func TestParseLevel(t *testing.T) {
	for _, lvl := range []string{"error", "WARNING", "Notice", "info", "DEBUG"} {
		_, err := ParseLevel(lvl)
		require.NoError(t, err, lvl)
	}
	_, err := ParseLevel("loud")
	require.Error(t, err)
}

func TestDiscard(t *testing.T) {
	l := Discard().GetLogger("quiet")
	l.Error("nothing to see")
}
