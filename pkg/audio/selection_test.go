package audio

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestSelectionStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "devices.json")
	store := NewSelectionStore(testLogger(), path)

	assert.Empty(t, store.Load().DeviceID)

	require.NoError(t, store.Save("alsa_input.usb-mic"))

	sel := store.Load()
	assert.Equal(t, "alsa_input.usb-mic", sel.DeviceID)
	assert.False(t, sel.UpdatedAt.IsZero())
}

func TestSelectionStoreResolve(t *testing.T) {
	devices := []Device{
		{ID: "alsa_input.internal", Available: true, Default: true},
		{ID: "alsa_input.usb-mic", Available: true},
		{ID: "alsa_input.broken", Available: false},
	}

	tests := []struct {
		name      string
		persisted string
		override  string
		want      string
	}{
		{
			name:     "explicit override wins",
			override: "alsa_input.internal",
			want:     "alsa_input.internal",
		},
		{
			name:      "persisted device reapplied",
			persisted: "alsa_input.usb-mic",
			want:      "alsa_input.usb-mic",
		},
		{
			name:      "persisted device gone falls back to default",
			persisted: "alsa_input.unplugged",
			want:      "",
		},
		{
			name:      "persisted device unavailable falls back to default",
			persisted: "alsa_input.broken",
			want:      "",
		},
		{
			name: "nothing persisted uses default",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewSelectionStore(testLogger(), filepath.Join(t.TempDir(), "devices.json"))
			if tt.persisted != "" {
				require.NoError(t, store.Save(tt.persisted))
			}

			assert.Equal(t, tt.want, store.Resolve(tt.override, devices))
		})
	}
}
