package audio

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// DeviceSelection is the persisted capture device choice. It is reapplied
// on the next session start if the device is still present.
type DeviceSelection struct {
	DeviceID  string    `json:"device_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SelectionStore persists the device selection to a local JSON file
type SelectionStore struct {
	path   string
	logger *logrus.Logger
}

// NewSelectionStore creates a selection store. An empty path resolves to
// kaiwa/devices.json under the user config directory.
func NewSelectionStore(logger *logrus.Logger, path string) *SelectionStore {
	if path == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			path = filepath.Join(dir, "kaiwa", "devices.json")
		} else {
			path = "devices.json"
		}
	}
	return &SelectionStore{path: path, logger: logger}
}

// Load returns the persisted selection, or an empty selection when none exists
func (s *SelectionStore) Load() DeviceSelection {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.WithError(err).WithField("path", s.path).Warn("Failed to read device selection")
		}
		return DeviceSelection{}
	}

	var sel DeviceSelection
	if err := json.Unmarshal(data, &sel); err != nil {
		s.logger.WithError(err).WithField("path", s.path).Warn("Failed to parse device selection")
		return DeviceSelection{}
	}
	return sel
}

// Save persists the selection, creating parent directories as needed
func (s *SelectionStore) Save(deviceID string) error {
	sel := DeviceSelection{DeviceID: deviceID, UpdatedAt: time.Now()}

	data, err := json.MarshalIndent(sel, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"device_id": deviceID,
		"path":      s.path,
	}).Debug("Persisted device selection")
	return nil
}

// Resolve returns the device ID to capture from: the explicit override if
// given, else the persisted selection when it still matches a known device,
// else empty for the system default.
func (s *SelectionStore) Resolve(override string, devices []Device) string {
	if override != "" {
		return override
	}

	sel := s.Load()
	if sel.DeviceID == "" {
		return ""
	}

	for _, dev := range devices {
		if dev.ID == sel.DeviceID {
			if !dev.Available {
				s.logger.WithField("device_id", sel.DeviceID).Warn("Persisted device present but unavailable, using default")
				return ""
			}
			return sel.DeviceID
		}
	}

	s.logger.WithField("device_id", sel.DeviceID).Info("Persisted device no longer present, using default")
	return ""
}
