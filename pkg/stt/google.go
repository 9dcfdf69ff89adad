package stt

import (
	"context"
	"fmt"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GoogleConfig holds configuration for the Google Speech streaming provider
type GoogleConfig struct {
	CredentialsFile   string
	Language          string
	SampleRate        int
	EnablePunctuation bool
	EnableDiarization bool
	MinSpeakers       int
	MaxSpeakers       int
	InterimResults    bool
	Model             string
}

// DefaultGoogleConfig returns the default Google Speech configuration
func DefaultGoogleConfig() *GoogleConfig {
	return &GoogleConfig{
		Language:          "ja-JP",
		SampleRate:        16000,
		EnablePunctuation: true,
		EnableDiarization: false,
		MinSpeakers:       2,
		MaxSpeakers:       2,
		InterimResults:    true,
		Model:             "latest_long",
	}
}

// GoogleProvider implements the Provider interface for Google Cloud Speech
// streaming recognition.
type GoogleProvider struct {
	logger           *logrus.Logger
	client           *speech.Client
	transcriptionSvc *TranscriptionService
	config           *GoogleConfig
	mutex            sync.RWMutex
}

// NewGoogleProvider creates a new Google Speech provider
func NewGoogleProvider(logger *logrus.Logger, transcriptionSvc *TranscriptionService, cfg *GoogleConfig) *GoogleProvider {
	if cfg == nil {
		cfg = DefaultGoogleConfig()
	}
	return &GoogleProvider{
		logger:           logger,
		transcriptionSvc: transcriptionSvc,
		config:           cfg,
	}
}

// Name returns the provider name
func (p *GoogleProvider) Name() string {
	return "google"
}

// Initialize creates the Google Speech client
func (p *GoogleProvider) Initialize() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	var opts []option.ClientOption
	if p.config.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(p.config.CredentialsFile))
	}

	client, err := speech.NewClient(context.Background(), opts...)
	if err != nil {
		return fmt.Errorf("failed to create Google Speech client: %w", err)
	}
	p.client = client

	p.logger.WithFields(logrus.Fields{
		"language":    p.config.Language,
		"sample_rate": p.config.SampleRate,
		"diarization": p.config.EnableDiarization,
		"model":       p.config.Model,
	}).Info("Google Speech provider initialized successfully")

	return nil
}

// StreamToText streams audio to Google Speech until the stream ends
func (p *GoogleProvider) StreamToText(ctx context.Context, audioStream io.Reader, sessionID string) error {
	p.mutex.RLock()
	client := p.client
	p.mutex.RUnlock()
	if client == nil {
		return fmt.Errorf("google provider is not initialized")
	}

	logger := p.logger.WithField("session_id", sessionID)
	logger.Info("Starting Google Speech streaming transcription")

	stream, err := client.StreamingRecognize(ctx)
	if err != nil {
		return fmt.Errorf("failed to open streaming recognize: %w", err)
	}

	if err := p.sendInitialConfig(stream); err != nil {
		return fmt.Errorf("failed to send streaming config: %w", err)
	}

	errChan := make(chan error, 2)
	doneChan := make(chan struct{})

	// Audio sender
	go func() {
		defer func() {
			if err := stream.CloseSend(); err != nil {
				logger.WithError(err).Debug("Failed to close send stream")
			}
		}()

		buffer := make([]byte, 4096)
		for {
			select {
			case <-ctx.Done():
				return
			case <-doneChan:
				return
			default:
			}

			n, readErr := audioStream.Read(buffer)
			if n > 0 {
				request := &speechpb.StreamingRecognizeRequest{
					StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
						AudioContent: buffer[:n],
					},
				}
				if sendErr := stream.Send(request); sendErr != nil {
					if sendErr != io.EOF {
						errChan <- sendErr
					}
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

		for {
			response, recvErr := stream.Recv()
			if recvErr == io.EOF {
				return
			}
			if recvErr != nil {
				if ctx.Err() == nil && !isRetryableGRPCError(recvErr) {
					logger.WithError(recvErr).Error("Google Speech stream error")
				}
				errChan <- recvErr
				return
			}
			p.processResponse(response, sessionID, logger)
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-doneChan:
		return nil
	}
}

// sendInitialConfig sends the streaming recognition configuration frame
func (p *GoogleProvider) sendInitialConfig(stream speechpb.Speech_StreamingRecognizeClient) error {
	recognitionConfig := &speechpb.RecognitionConfig{
		Encoding:                   speechpb.RecognitionConfig_LINEAR16,
		SampleRateHertz:            int32(p.config.SampleRate),
		LanguageCode:               p.config.Language,
		EnableAutomaticPunctuation: p.config.EnablePunctuation,
		Model:                      p.config.Model,
	}

	if p.config.EnableDiarization {
		recognitionConfig.DiarizationConfig = &speechpb.SpeakerDiarizationConfig{
			EnableSpeakerDiarization: true,
			MinSpeakerCount:          int32(p.config.MinSpeakers),
			MaxSpeakerCount:          int32(p.config.MaxSpeakers),
		}
	}

	streamingConfig := &speechpb.StreamingRecognitionConfig{
		Config:         recognitionConfig,
		InterimResults: p.config.InterimResults,
	}

	return stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: streamingConfig,
		},
	})
}

// processResponse publishes recognition results to the transcription service
func (p *GoogleProvider) processResponse(response *speechpb.StreamingRecognizeResponse, sessionID string, logger *logrus.Entry) {
	for _, result := range response.Results {
		if len(result.Alternatives) == 0 {
			continue
		}

		alternative := result.Alternatives[0]
		if alternative.Transcript == "" {
			continue
		}

		metadata := map[string]interface{}{
			"provider":   p.Name(),
			"confidence": float64(alternative.Confidence),
			"stability":  float64(result.Stability),
		}
		if len(alternative.Words) > 0 {
			last := alternative.Words[len(alternative.Words)-1]
			if last.SpeakerTag != 0 {
				metadata["speaker_tag"] = int(last.SpeakerTag)
			}
		}

		logger.WithFields(logrus.Fields{
			"transcript": alternative.Transcript,
			"is_final":   result.IsFinal,
		}).Debug("Received transcription from Google Speech")

		if p.transcriptionSvc != nil {
			p.transcriptionSvc.PublishTranscription(sessionID, alternative.Transcript, result.IsFinal, metadata)
		}
	}
}

// isRetryableGRPCError reports whether the error is a transient gRPC failure
func isRetryableGRPCError(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// Close releases the Google Speech client
func (p *GoogleProvider) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.client != nil {
		err := p.client.Close()
		p.client = nil
		return err
	}
	return nil
}
