package stt

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// TranscriptionListener receives transcription updates from providers
type TranscriptionListener interface {
	// OnTranscription is called when a new transcription is available
	OnTranscription(sessionID string, transcription string, isFinal bool, metadata map[string]interface{})
}

// TranscriptionService fans provider transcription results out to listeners
type TranscriptionService struct {
	logger    *logrus.Logger
	listeners []TranscriptionListener
	mutex     sync.RWMutex
}

// NewTranscriptionService creates a new transcription service
func NewTranscriptionService(logger *logrus.Logger) *TranscriptionService {
	return &TranscriptionService{
		logger:    logger,
		listeners: make([]TranscriptionListener, 0),
	}
}

// AddListener registers a new transcription listener
func (s *TranscriptionService) AddListener(listener TranscriptionListener) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.listeners = append(s.listeners, listener)
	s.logger.Info("Added new transcription listener")
}

// RemoveListener removes a transcription listener
func (s *TranscriptionService) RemoveListener(listener TranscriptionListener) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for i, l := range s.listeners {
		if l == listener {
			s.listeners[i] = s.listeners[len(s.listeners)-1]
			s.listeners = s.listeners[:len(s.listeners)-1]
			s.logger.Info("Removed transcription listener")
			return
		}
	}
}

// PublishTranscription notifies all listeners about a new transcription.
// Empty transcriptions are not published.
func (s *TranscriptionService) PublishTranscription(sessionID string, transcription string, isFinal bool, metadata map[string]interface{}) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if transcription == "" {
		return
	}

	s.logger.WithFields(logrus.Fields{
		"session_id":     sessionID,
		"transcription":  transcription,
		"is_final":       isFinal,
		"listener_count": len(s.listeners),
	}).Debug("Publishing transcription to listeners")

	for _, listener := range s.listeners {
		listener.OnTranscription(sessionID, transcription, isFinal, metadata)
	}
}
