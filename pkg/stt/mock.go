package stt

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// MockProvider implements a mock speech-to-text provider for testing and
// for running without any cloud credentials.
type MockProvider struct {
	logger           *logrus.Logger
	transcriptionSvc *TranscriptionService

	// Interval between emitted transcriptions
	Interval time.Duration

	// Transcriptions overrides the built-in sample lines when set
	Transcriptions []string
}

// NewMockProvider creates a new mock provider
func NewMockProvider(logger *logrus.Logger, transcriptionSvc *TranscriptionService) *MockProvider {
	return &MockProvider{
		logger:           logger,
		transcriptionSvc: transcriptionSvc,
		Interval:         2 * time.Second,
	}
}

// Name returns the provider name
func (p *MockProvider) Name() string {
	return "mock"
}

// Initialize initializes the mock provider
func (p *MockProvider) Initialize() error {
	p.logger.Info("Mock STT provider initialized")
	return nil
}

// StreamToText consumes the audio stream and emits canned transcriptions
// with an interim result preceding each final.
func (p *MockProvider) StreamToText(ctx context.Context, audioStream io.Reader, sessionID string) error {
	p.logger.WithField("session_id", sessionID).Info("Mock STT provider processing audio stream")

	lines := p.Transcriptions
	if len(lines) == 0 {
		lines = []string{
			"Hello, this is a test transcription.",
			"The quick brown fox jumps over the lazy dog.",
			"Real-time transcription allows for immediate analysis of conversations.",
			"The transcription service publishes both interim and final results.",
		}
	}

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	streamDone := make(chan struct{})

	go func() {
		defer close(streamDone)
		buffer := make([]byte, 1024)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if _, err := audioStream.Read(buffer); err != nil {
				if err != io.EOF {
					p.logger.WithError(err).WithField("session_id", sessionID).Error("Error reading audio stream")
				}
				return
			}
		}
	}()

	index := 0
	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("session_id", sessionID).Info("Mock STT processing stopped")
			return nil
		case <-streamDone:
			p.logger.WithField("session_id", sessionID).Info("Mock STT stream finished")
			return nil
		case <-ticker.C:
			transcription := lines[index]
			index = (index + 1) % len(lines)

			if p.transcriptionSvc == nil {
				continue
			}

			words := strings.Split(transcription, " ")
			if len(words) > 3 {
				interim := strings.Join(words[:len(words)/2], " ")
				p.transcriptionSvc.PublishTranscription(sessionID, interim, false, map[string]interface{}{
					"provider": p.Name(),
				})
			}

			p.transcriptionSvc.PublishTranscription(sessionID, transcription, true, map[string]interface{}{
				"provider":   p.Name(),
				"confidence": 0.95,
				"word_count": len(words),
			})
		}
	}
}
