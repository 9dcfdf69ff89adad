package stt

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming/types"
	"github.com/sirupsen/logrus"
)

// AmazonConfig holds configuration for the Amazon Transcribe provider
type AmazonConfig struct {
	Region            string
	AccessKeyID       string
	SecretAccessKey   string
	Language          string
	SampleRate        int
	ShowSpeakerLabels bool
}

// DefaultAmazonConfig returns the default Amazon Transcribe configuration
func DefaultAmazonConfig() *AmazonConfig {
	return &AmazonConfig{
		Region:     "us-east-1",
		Language:   "ja-JP",
		SampleRate: 16000,
	}
}

// AmazonTranscribeProvider implements the Provider interface for Amazon
// Transcribe streaming.
type AmazonTranscribeProvider struct {
	logger           *logrus.Logger
	client           *transcribestreaming.Client
	transcriptionSvc *TranscriptionService
	config           *AmazonConfig
	mutex            sync.RWMutex
}

// NewAmazonTranscribeProvider creates a new Amazon Transcribe provider
func NewAmazonTranscribeProvider(logger *logrus.Logger, transcriptionSvc *TranscriptionService, cfg *AmazonConfig) *AmazonTranscribeProvider {
	if cfg == nil {
		cfg = DefaultAmazonConfig()
	}
	return &AmazonTranscribeProvider{
		logger:           logger,
		transcriptionSvc: transcriptionSvc,
		config:           cfg,
	}
}

// Name returns the provider name
func (p *AmazonTranscribeProvider) Name() string {
	return "amazon"
}

// Initialize creates the Transcribe streaming client
func (p *AmazonTranscribeProvider) Initialize() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.config.AccessKeyID == "" || p.config.SecretAccessKey == "" {
		return fmt.Errorf("amazon transcribe requires AWS access key ID and secret access key")
	}

	region := p.config.Region
	if region == "" {
		region = "us-east-1"
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithRetryMaxAttempts(3),
		awsconfig.WithRetryMode(aws.RetryModeStandard),
		awsconfig.WithCredentialsProvider(aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
			return aws.Credentials{
				AccessKeyID:     p.config.AccessKeyID,
				SecretAccessKey: p.config.SecretAccessKey,
			}, nil
		})),
	)
	if err != nil {
		p.logger.WithError(err).Error("Failed to load AWS configuration")
		return fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	p.client = transcribestreaming.NewFromConfig(cfg)

	p.logger.WithFields(logrus.Fields{
		"region":      region,
		"language":    p.config.Language,
		"sample_rate": p.config.SampleRate,
	}).Info("Amazon Transcribe provider initialized successfully")

	return nil
}

// StreamToText streams audio data to Amazon Transcribe
func (p *AmazonTranscribeProvider) StreamToText(ctx context.Context, audioStream io.Reader, sessionID string) error {
	p.mutex.RLock()
	client := p.client
	p.mutex.RUnlock()
	if client == nil {
		return fmt.Errorf("amazon transcribe provider is not initialized")
	}

	logger := p.logger.WithField("session_id", sessionID)
	logger.Info("Starting Amazon Transcribe streaming transcription")

	input := &transcribestreaming.StartStreamTranscriptionInput{
		LanguageCode:         types.LanguageCode(p.config.Language),
		MediaSampleRateHertz: aws.Int32(int32(p.config.SampleRate)),
		MediaEncoding:        types.MediaEncodingPcm,
	}
	if p.config.ShowSpeakerLabels {
		input.ShowSpeakerLabel = true
	}

	resp, err := client.StartStreamTranscription(ctx, input)
	if err != nil {
		logger.WithError(err).Error("Failed to start Amazon Transcribe stream")
		return fmt.Errorf("failed to start transcription stream: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, 2)
	doneChan := make(chan struct{})

	// Audio sender
	go func() {
		defer func() {
			if closeErr := resp.GetStream().Close(); closeErr != nil {
				logger.WithError(closeErr).Debug("Failed to close stream")
			}
		}()

		buffer := make([]byte, 4096)
		for {
			select {
			case <-streamCtx.Done():
				return
			case <-doneChan:
				return
			default:
			}

			n, readErr := audioStream.Read(buffer)
			if n > 0 {
				audioEvent := &types.AudioStreamMemberAudioEvent{
					Value: types.AudioEvent{AudioChunk: buffer[:n]},
				}
				if sendErr := resp.GetStream().Send(streamCtx, audioEvent); sendErr != nil {
					logger.WithError(sendErr).Error("Failed to send audio to Amazon Transcribe")
					errChan <- sendErr
					return
				}
			}
			if readErr != nil {
				if readErr != io.EOF {
					logger.WithError(readErr).Error("Failed to read from audio stream")
					errChan <- readErr
				}
				return
			}
		}
	}()

	// Result receiver
	go func() {
		defer close(doneChan)

		for event := range resp.GetStream().Events() {
			select {
			case <-streamCtx.Done():
				return
			default:
			}
			if transcriptEvent, ok := event.(*types.TranscriptResultStreamMemberTranscriptEvent); ok {
				p.processTranscriptEvent(transcriptEvent.Value, sessionID, logger)
			}
		}

		if streamErr := resp.GetStream().Err(); streamErr != nil {
			logger.WithError(streamErr).Error("Amazon Transcribe stream error")
			errChan <- streamErr
		}
	}()

	select {
	case err := <-errChan:
		cancel()
		return err
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	case <-doneChan:
		cancel()
		return nil
	}
}

// processTranscriptEvent publishes transcript results to the transcription service
func (p *AmazonTranscribeProvider) processTranscriptEvent(event types.TranscriptEvent, sessionID string, logger *logrus.Entry) {
	if event.Transcript == nil {
		return
	}

	for _, result := range event.Transcript.Results {
		for _, alternative := range result.Alternatives {
			if alternative.Transcript == nil || *alternative.Transcript == "" {
				continue
			}

			transcript := *alternative.Transcript
			isFinal := !result.IsPartial

			metadata := map[string]interface{}{
				"provider":   p.Name(),
				"word_count": len(strings.Fields(transcript)),
				"start_time": result.StartTime,
				"end_time":   result.EndTime,
			}
			for _, item := range alternative.Items {
				if item.Speaker != nil {
					metadata["speaker_label"] = *item.Speaker
					break
				}
			}

			logger.WithFields(logrus.Fields{
				"transcript": transcript,
				"is_final":   isFinal,
			}).Debug("Received transcription from Amazon Transcribe")

			if p.transcriptionSvc != nil {
				p.transcriptionSvc.PublishTranscription(sessionID, transcript, isFinal, metadata)
			}
		}
	}
}

// Close releases the Transcribe client
func (p *AmazonTranscribeProvider) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.client != nil {
		p.logger.Info("Amazon Transcribe provider closed")
		p.client = nil
	}
	return nil
}
