package stt

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"kaiwa-server/pkg/audio"
	"kaiwa-server/pkg/errors"
	"kaiwa-server/pkg/metrics"
)

// ProviderChannel exposes a registered Provider behind the Channel contract.
// Audio pushed with Send is piped to the provider's StreamToText; results
// published on the TranscriptionService come back as transcript events.
type ProviderChannel struct {
	id           string
	manager      *ProviderManager
	providerName string
	service      *TranscriptionService
	resolver     SpeakerResolver
	logger       *logrus.Entry

	onEvent  EventCallback
	onClosed ClosedCallback

	mu     sync.Mutex
	state  ChannelState
	writer *io.PipeWriter
	cancel context.CancelFunc

	closeOnce sync.Once
}

// NewProviderChannel creates a channel backed by the named provider
func NewProviderChannel(logger *logrus.Logger, id string, manager *ProviderManager, providerName string, service *TranscriptionService, resolver SpeakerResolver) *ProviderChannel {
	if resolver == nil {
		resolver = StaticResolver{Tag: id}
	}
	return &ProviderChannel{
		id:           id,
		manager:      manager,
		providerName: providerName,
		service:      service,
		resolver:     resolver,
		logger:       logger.WithFields(logrus.Fields{"channel": id, "provider": providerName}),
		state:        StateIdle,
	}
}

// OnEvent sets the transcript event callback. Must be called before Open.
func (c *ProviderChannel) OnEvent(cb EventCallback) {
	c.onEvent = cb
}

// OnClosed sets the close notification callback. Must be called before Open.
func (c *ProviderChannel) OnClosed(cb ClosedCallback) {
	c.onClosed = cb
}

// ID returns the channel identifier
func (c *ProviderChannel) ID() string {
	return c.id
}

// State returns the current lifecycle state
func (c *ProviderChannel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open starts the provider stream consuming audio pushed with Send
func (c *ProviderChannel) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return errors.New("channel is not reusable").WithField("state", state.String())
	}

	reader, writer := io.Pipe()
	streamCtx, cancel := context.WithCancel(ctx)

	c.writer = writer
	c.cancel = cancel
	c.state = StateOpen
	c.mu.Unlock()

	c.service.AddListener(c)
	metrics.IncChannelsOpen()

	go func() {
		err := c.manager.StreamToProvider(streamCtx, c.providerName, reader, c.id)
		code := websocket.CloseNormalClosure
		if err != nil {
			code = websocket.CloseAbnormalClosure
		}
		c.finish(code, err)
	}()

	c.logger.Info("Provider channel opened")
	return nil
}

// Send pipes one audio chunk to the provider. Dropped when not open.
func (c *ProviderChannel) Send(chunk audio.Chunk) {
	c.mu.Lock()
	if c.state != StateOpen {
		state := c.state
		c.mu.Unlock()
		metrics.RecordSendDropped(c.id)
		c.logger.WithFields(logrus.Fields{
			"state":  state.String(),
			"source": chunk.Source,
		}).Debug("Dropping audio chunk, channel not open")
		return
	}
	writer := c.writer
	c.mu.Unlock()

	if _, err := writer.Write(chunk.Data); err != nil {
		c.logger.WithError(err).Debug("Failed to pipe audio chunk")
	}
}

// Close requests an intentional close
func (c *ProviderChannel) Close() {
	c.mu.Lock()
	if c.state != StateOpen {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	writer := c.writer
	cancel := c.cancel
	c.mu.Unlock()

	if writer != nil {
		writer.Close()
	}
	if cancel != nil {
		cancel()
	}
}

// OnTranscription implements TranscriptionListener for this channel's session
func (c *ProviderChannel) OnTranscription(sessionID string, transcription string, isFinal bool, metadata map[string]interface{}) {
	if sessionID != c.id || transcription == "" {
		return
	}

	metrics.RecordTranscriptEvent(c.id, isFinal)

	confidence := 0.0
	if v, ok := metadata["confidence"].(float64); ok {
		confidence = v
	}

	event := TranscriptEvent{
		ChannelID:  c.id,
		Text:       transcription,
		IsFinal:    isFinal,
		Speaker:    c.resolver.Resolve(nil),
		Confidence: confidence,
		ReceivedAt: time.Now(),
	}

	if c.onEvent != nil {
		c.onEvent(event)
	}
}

func (c *ProviderChannel) finish(code int, err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		intentional := c.state == StateClosing
		c.state = StateClosed
		c.mu.Unlock()

		c.service.RemoveListener(c)
		metrics.DecChannelsOpen()

		c.logger.WithFields(logrus.Fields{
			"code":        code,
			"intentional": intentional,
		}).Info("Provider channel closed")

		if c.onClosed != nil {
			if intentional {
				err = nil
			}
			c.onClosed(c.id, code, err, intentional)
		}
	})
}
