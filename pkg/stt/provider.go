package stt

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"kaiwa-server/pkg/errors"
)

// Provider defines the interface for speech-to-text providers
type Provider interface {
	// Initialize initializes the provider with any required configuration
	Initialize() error

	// Name returns the provider name
	Name() string

	// StreamToText streams audio data to the provider until the stream ends
	StreamToText(ctx context.Context, audioStream io.Reader, sessionID string) error
}

// ProviderManager manages all speech-to-text providers
type ProviderManager struct {
	logger          *logrus.Logger
	providers       map[string]Provider
	defaultProvider string
}

// NewProviderManager creates a new provider manager
func NewProviderManager(logger *logrus.Logger, defaultProvider string) *ProviderManager {
	return &ProviderManager{
		logger:          logger,
		providers:       make(map[string]Provider),
		defaultProvider: defaultProvider,
	}
}

// RegisterProvider initializes and registers a speech-to-text provider
func (m *ProviderManager) RegisterProvider(provider Provider) error {
	if err := provider.Initialize(); err != nil {
		m.logger.WithFields(logrus.Fields{
			"provider": provider.Name(),
			"error":    err,
		}).Error("Failed to initialize speech-to-text provider")
		return err
	}

	m.providers[provider.Name()] = provider
	m.logger.WithField("provider", provider.Name()).Info("Registered speech-to-text provider")

	return nil
}

// GetProvider returns a provider by name
func (m *ProviderManager) GetProvider(name string) (Provider, bool) {
	provider, exists := m.providers[name]
	return provider, exists
}

// GetDefaultProvider returns the default provider
func (m *ProviderManager) GetDefaultProvider() (Provider, bool) {
	return m.GetProvider(m.defaultProvider)
}

// StreamToProvider streams audio to the named provider, falling back to the
// default provider when the name is unknown.
func (m *ProviderManager) StreamToProvider(ctx context.Context, providerName string, audioStream io.Reader, sessionID string) error {
	startTime := time.Now()

	m.logger.WithFields(logrus.Fields{
		"session_id": sessionID,
		"provider":   providerName,
	}).Info("Starting transcription")

	provider, exists := m.GetProvider(providerName)
	if !exists {
		m.logger.WithFields(logrus.Fields{
			"session_id":       sessionID,
			"provider":         providerName,
			"default_provider": m.defaultProvider,
		}).Warn("Provider not found, falling back to default")

		provider, exists = m.GetDefaultProvider()
		if !exists {
			return errors.ErrNoProviderAvailable
		}
	}

	err := provider.StreamToText(ctx, audioStream, sessionID)

	elapsed := time.Since(startTime)
	m.logger.WithFields(logrus.Fields{
		"session_id":  sessionID,
		"provider":    provider.Name(),
		"duration_ms": elapsed.Milliseconds(),
		"error":       err != nil,
	}).Info("Transcription completed")

	return err
}
