package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"kaiwa-server/pkg/audio"
	"kaiwa-server/pkg/errors"
	"kaiwa-server/pkg/metrics"
)

// DeepgramConfig holds configuration for a Deepgram streaming channel
type DeepgramConfig struct {
	APIKey  string `json:"-"`
	BaseURL string `json:"base_url"` // overridable for tests

	// Model configuration
	Model    string `json:"model"`
	Language string `json:"language"`

	// Audio parameters
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`

	// Features
	Punctuate      bool `json:"punctuate"`
	Diarize        bool `json:"diarize"`
	SmartFormat    bool `json:"smart_format"`
	InterimResults bool `json:"interim_results"`
	EndpointingMS  int  `json:"endpointing_ms"`

	// BufferSize is the outbound audio queue length in chunks
	BufferSize int `json:"buffer_size"`
}

// DefaultDeepgramConfig returns the default channel configuration
func DefaultDeepgramConfig() *DeepgramConfig {
	return &DeepgramConfig{
		BaseURL:        "wss://api.deepgram.com/v1/listen",
		Model:          "nova-2",
		Language:       "ja",
		Encoding:       "linear16",
		SampleRate:     16000,
		Channels:       1,
		Punctuate:      true,
		Diarize:        false,
		SmartFormat:    true,
		InterimResults: true,
		EndpointingMS:  300,
		BufferSize:     64,
	}
}

func (c *DeepgramConfig) validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("deepgram API key is not set")
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", c.Channels)
	}
	return nil
}

// deepgramResponse is the WebSocket frame structure sent by Deepgram
type deepgramResponse struct {
	Type        string  `json:"type"` // "Results", "UtteranceEnd", "SpeechStarted"
	Duration    float64 `json:"duration"`
	Start       float64 `json:"start"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string     `json:"transcript"`
			Confidence float64    `json:"confidence"`
			Words      []WordInfo `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// DeepgramChannel is a full-duplex streaming transcription channel backed by
// the Deepgram WebSocket API. It implements the Channel interface.
type DeepgramChannel struct {
	id       string
	config   *DeepgramConfig
	resolver SpeakerResolver
	logger   *logrus.Entry

	onEvent  EventCallback
	onClosed ClosedCallback

	mu        sync.Mutex
	state     ChannelState
	conn      *websocket.Conn
	audioChan chan []byte
	cancel    context.CancelFunc

	closeOnce sync.Once
}

// NewDeepgramChannel creates a channel. Open must be called before Send.
func NewDeepgramChannel(logger *logrus.Logger, id string, config *DeepgramConfig, resolver SpeakerResolver) *DeepgramChannel {
	if config == nil {
		config = DefaultDeepgramConfig()
	}
	if resolver == nil {
		resolver = StaticResolver{Tag: id}
	}
	return &DeepgramChannel{
		id:       id,
		config:   config,
		resolver: resolver,
		logger:   logger.WithField("channel", id),
		state:    StateIdle,
	}
}

// OnEvent sets the transcript event callback. Must be called before Open.
func (c *DeepgramChannel) OnEvent(cb EventCallback) {
	c.onEvent = cb
}

// OnClosed sets the close notification callback. Must be called before Open.
func (c *DeepgramChannel) OnClosed(cb ClosedCallback) {
	c.onClosed = cb
}

// ID returns the channel identifier
func (c *DeepgramChannel) ID() string {
	return c.id
}

// State returns the current lifecycle state
func (c *DeepgramChannel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open dials the streaming endpoint and starts the reader and writer loops
func (c *DeepgramChannel) Open(ctx context.Context) error {
	if err := c.config.validate(); err != nil {
		return errors.Wrap(err, "invalid deepgram configuration")
	}

	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return errors.New("channel is not reusable").WithField("state", c.state.String())
	}
	c.state = StateConnecting
	c.mu.Unlock()

	wsURL, err := url.Parse(c.config.BaseURL)
	if err != nil {
		c.setState(StateClosed)
		return errors.Wrap(err, "invalid streaming URL")
	}
	wsURL.RawQuery = c.buildQueryParams().Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+c.config.APIKey)

	connCtx, cancel := context.WithCancel(ctx)

	conn, _, err := websocket.DefaultDialer.DialContext(connCtx, wsURL.String(), headers)
	if err != nil {
		cancel()
		c.setState(StateClosed)
		return errors.Wrap(errors.ErrTranscriptionFailed, "failed to dial streaming endpoint").
			WithFields(map[string]interface{}{"channel": c.id, "cause": err.Error()})
	}

	bufferSize := c.config.BufferSize
	if bufferSize <= 0 {
		bufferSize = 64
	}

	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.audioChan = make(chan []byte, bufferSize)
	c.state = StateOpen
	c.mu.Unlock()

	metrics.IncChannelsOpen()

	go c.writeLoop(connCtx, conn)
	go c.readLoop(conn)

	c.logger.WithFields(logrus.Fields{
		"model":    c.config.Model,
		"language": c.config.Language,
		"diarize":  c.config.Diarize,
	}).Info("Streaming channel opened")

	return nil
}

// Send queues one audio chunk for transmission. If the channel is not open
// the chunk is logged and dropped, never an error.
func (c *DeepgramChannel) Send(chunk audio.Chunk) {
	c.mu.Lock()
	if c.state != StateOpen {
		state := c.state
		c.mu.Unlock()
		metrics.RecordSendDropped(c.id)
		c.logger.WithFields(logrus.Fields{
			"state":  state.String(),
			"source": chunk.Source,
			"seq":    chunk.Seq,
		}).Debug("Dropping audio chunk, channel not open")
		return
	}
	audioChan := c.audioChan
	c.mu.Unlock()

	select {
	case audioChan <- chunk.Data:
	default:
		metrics.RecordAudioDropped(chunk.Source, "queue_full")
		c.logger.WithField("seq", chunk.Seq).Warn("Audio queue full, dropping chunk")
	}
}

// Close requests an intentional close. The intentional flag is set before
// the socket is touched so the read loop never mistakes this for a failure.
func (c *DeepgramChannel) Close() {
	c.mu.Lock()
	if c.state != StateOpen && c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	conn := c.conn
	cancel := c.cancel
	c.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			c.logger.WithError(err).Debug("Failed to send close message")
		}
	}
	if cancel != nil {
		cancel()
	}

	// The read loop finishes the transition to StateClosed. If the dial
	// never completed there is no read loop, finish here.
	c.mu.Lock()
	noReader := c.conn == nil
	c.mu.Unlock()
	if noReader {
		c.finish(websocket.CloseNormalClosure, nil)
	}
}

func (c *DeepgramChannel) setState(state ChannelState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// writeLoop forwards queued audio to the socket as binary frames
func (c *DeepgramChannel) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.audioChan:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				c.logger.WithError(err).Debug("Failed to write audio frame")
				return
			}
		}
	}
}

// readLoop parses inbound frames until the socket closes, then finishes the
// channel exactly once.
func (c *DeepgramChannel) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		_, messageBytes, err := conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			if closeErr, ok := err.(*websocket.CloseError); ok {
				code = closeErr.Code
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && c.State() != StateClosing {
				c.logger.WithError(err).Error("Streaming channel read error")
			}
			c.finish(code, err)
			return
		}

		var response deepgramResponse
		if err := json.Unmarshal(messageBytes, &response); err != nil {
			c.logger.WithError(err).Error("Failed to parse streaming response")
			continue
		}

		switch response.Type {
		case "Results":
			c.processResults(&response)
		case "UtteranceEnd":
			c.logger.WithField("duration", response.Duration).Debug("Utterance ended")
		case "SpeechStarted":
			c.logger.Debug("Speech started detected")
		default:
			c.logger.WithField("type", response.Type).Debug("Unknown response type")
		}
	}
}

// processResults converts one Results frame into a transcript event
func (c *DeepgramChannel) processResults(response *deepgramResponse) {
	if len(response.Channel.Alternatives) == 0 {
		return
	}

	alternative := response.Channel.Alternatives[0]
	transcript := strings.TrimSpace(alternative.Transcript)
	if transcript == "" {
		return
	}

	metrics.RecordTranscriptEvent(c.id, response.IsFinal)

	event := TranscriptEvent{
		ChannelID:  c.id,
		Text:       transcript,
		IsFinal:    response.IsFinal,
		Speaker:    c.resolver.Resolve(alternative.Words),
		Confidence: alternative.Confidence,
		Words:      alternative.Words,
		ReceivedAt: time.Now(),
	}

	c.logger.WithFields(logrus.Fields{
		"transcript": transcript,
		"is_final":   response.IsFinal,
		"speaker":    event.Speaker,
		"confidence": alternative.Confidence,
	}).Debug("Streaming transcription result")

	if c.onEvent != nil {
		c.onEvent(event)
	}
}

// finish transitions to StateClosed and fires the close callback once
func (c *DeepgramChannel) finish(code int, err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		intentional := c.state == StateClosing
		c.state = StateClosed
		c.mu.Unlock()

		metrics.DecChannelsOpen()

		c.logger.WithFields(logrus.Fields{
			"code":        code,
			"intentional": intentional,
		}).Info("Streaming channel closed")

		if c.onClosed != nil {
			if intentional || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = nil
			}
			c.onClosed(c.id, code, err, intentional)
		}
	})
}

// buildQueryParams builds the streaming endpoint query parameters
func (c *DeepgramChannel) buildQueryParams() url.Values {
	query := url.Values{}

	query.Set("model", c.config.Model)
	query.Set("language", c.config.Language)

	query.Set("encoding", c.config.Encoding)
	query.Set("sample_rate", fmt.Sprintf("%d", c.config.SampleRate))
	query.Set("channels", fmt.Sprintf("%d", c.config.Channels))

	query.Set("punctuate", fmt.Sprintf("%t", c.config.Punctuate))
	query.Set("diarize", fmt.Sprintf("%t", c.config.Diarize))
	query.Set("smart_format", fmt.Sprintf("%t", c.config.SmartFormat))
	query.Set("interim_results", fmt.Sprintf("%t", c.config.InterimResults))
	if c.config.EndpointingMS > 0 {
		query.Set("endpointing", fmt.Sprintf("%d", c.config.EndpointingMS))
	}

	return query
}
