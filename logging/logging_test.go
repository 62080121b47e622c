package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_WritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	l := New(Options{FilePath: path, Production: true, Level: zap.WarnLevel})

	Module(l, "payout").Info("payout processed", zap.String("booking_id", "b-1"))
	_ = l.Sync()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "INFO", entry["level"])
	assert.Equal(t, "payout processed", entry["message"])
	assert.Equal(t, "payout", entry["module"])
	assert.Equal(t, "b-1", entry["booking_id"])
	assert.Contains(t, entry, "timestamp")
}

func TestNew_ConsoleOnly(t *testing.T) {
	l := New(Options{Level: zap.ErrorLevel})
	assert.False(t, l.Core().Enabled(zap.InfoLevel))
	assert.True(t, l.Core().Enabled(zap.ErrorLevel))
}
