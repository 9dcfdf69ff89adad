package control

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"kaiwa-server/pkg/errors"
	"kaiwa-server/pkg/metrics"
)

// Close code sent by the server when the session no longer exists.
// It is terminal; the client must not reconnect.
const CloseCodeSessionNotFound = 4004

// Client to server message types
const (
	TypePinUtterance      = "pin_utterance"
	TypeDismissSuggestion = "dismiss_suggestion"
	TypeUseSuggestion     = "use_suggestion"
	TypeUpdateExtraction  = "update_extraction"
	TypeSetLayer          = "set_layer"
	TypeTranscript        = "transcript"
)

// Server to client message types
const (
	TypeExtractionUpdate = "extraction_update"
	TypeSuggestion       = "suggestion"
	TypeReframing        = "reframing"
	TypeError            = "error"
	TypeSessionStatus    = "session_status"
)

// Envelope is the wire format for server to client messages.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Handler receives dispatched server messages. Implementations must not
// block; the read loop delivers messages serially.
type Handler interface {
	HandleControlMessage(msgType string, data json.RawMessage, timestamp time.Time)
}

// TerminalCallback fires when the connection is permanently down: an
// intentional disconnect, a session-not-found close, or exhausted
// reconnection attempts. err is nil only for intentional disconnects.
type TerminalCallback func(err error)

// Client maintains the control WebSocket to the session backend. Lost
// connections are retried a bounded number of times; a 4004 close means
// the session is gone and suppresses retries.
type Client struct {
	logger     *logrus.Logger
	url        string
	handler    Handler
	attempts   int
	interval   time.Duration
	dialer     *websocket.Dialer
	onTerminal TerminalCallback

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	stopping  bool
}

// NewClient creates a control client for the given WebSocket URL
func NewClient(logger *logrus.Logger, url string, attempts int, interval time.Duration) *Client {
	return &Client{
		logger:   logger,
		url:      url,
		attempts: attempts,
		interval: interval,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// SetHandler registers the message handler. Must be called before Connect.
func (c *Client) SetHandler(handler Handler) {
	c.handler = handler
}

// OnTerminal registers the terminal callback. Must be called before Connect.
func (c *Client) OnTerminal(callback TerminalCallback) {
	c.onTerminal = callback
}

// Connect dials the control endpoint and starts the read loop
func (c *Client) Connect(ctx context.Context) error {
	if c.url == "" {
		return errors.New("control URL is not configured")
	}

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return errors.Wrap(err, "failed to connect control channel").WithField("url", c.url)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.WithField("url", c.url).Info("Control channel connected")

	go c.readLoop(ctx, conn)
	return nil
}

// Connected reports whether the control channel is currently up
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Disconnect closes the control channel without triggering reconnection
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return
	}
	// The flag must be up before the socket closes so the read loop can
	// tell an intentional shutdown from a dropped connection.
	c.stopping = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}

	c.fireTerminal(nil)
}

// PinUtterance toggles the pin state of an utterance on the server
func (c *Client) PinUtterance(utteranceID string, pinned bool, note string) {
	c.send(TypePinUtterance, map[string]interface{}{
		"utterance_id": utteranceID,
		"pinned":       pinned,
		"note":         note,
	})
}

// DismissSuggestion reports a dismissed suggestion
func (c *Client) DismissSuggestion(suggestionID string) {
	c.send(TypeDismissSuggestion, map[string]interface{}{"suggestion_id": suggestionID})
}

// UseSuggestion reports an accepted suggestion
func (c *Client) UseSuggestion(suggestionID string) {
	c.send(TypeUseSuggestion, map[string]interface{}{"suggestion_id": suggestionID})
}

// UpdateExtraction pushes an edited extraction payload to the server
func (c *Client) UpdateExtraction(extraction interface{}) {
	c.send(TypeUpdateExtraction, extraction)
}

// SetLayer selects the active assistance layer
func (c *Client) SetLayer(layer string) {
	c.send(TypeSetLayer, map[string]interface{}{"layer": layer})
}

// SendTranscript forwards a committed utterance to the server
func (c *Client) SendTranscript(utterance interface{}) {
	c.send(TypeTranscript, utterance)
}

func (c *Client) send(msgType string, data interface{}) {
	payload, err := json.Marshal(map[string]interface{}{
		"type": msgType,
		"data": data,
	})
	if err != nil {
		c.logger.WithError(err).WithField("type", msgType).Error("Failed to marshal control message")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.conn == nil {
		c.logger.WithField("type", msgType).Debug("Control channel down, dropping message")
		metrics.RecordSendDropped("control")
		return
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.logger.WithError(err).WithField("type", msgType).Warn("Failed to send control message")
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(ctx, err)
			return
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Type == "" {
		c.logger.WithError(err).Warn("Malformed control message, dropping")
		return
	}

	if c.handler != nil {
		c.handler.HandleControlMessage(envelope.Type, envelope.Data, envelope.Timestamp)
	}
}

func (c *Client) handleDisconnect(ctx context.Context, cause error) {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.conn = nil
	c.mu.Unlock()

	if websocket.IsCloseError(cause, CloseCodeSessionNotFound) {
		c.logger.Warn("Control session not found, not reconnecting")
		c.fireTerminal(errors.Wrap(errors.ErrSessionNotFound, "control session closed"))
		return
	}

	c.logger.WithError(cause).Warn("Control channel lost, reconnecting")

	for attempt := 1; attempt <= c.attempts; attempt++ {
		select {
		case <-ctx.Done():
			c.fireTerminal(ctx.Err())
			return
		case <-time.After(c.interval):
		}

		c.mu.Lock()
		stopping := c.stopping
		c.mu.Unlock()
		if stopping {
			return
		}

		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			metrics.RecordChannelReconnect("control", "failure")
			c.logger.WithError(err).WithFields(logrus.Fields{
				"attempt":      attempt,
				"max_attempts": c.attempts,
			}).Warn("Control reconnect failed")
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.connected = true
		c.mu.Unlock()

		metrics.RecordChannelReconnect("control", "success")
		c.logger.WithField("attempt", attempt).Info("Control channel reconnected")
		go c.readLoop(ctx, conn)
		return
	}

	c.fireTerminal(errors.New(fmt.Sprintf("control channel lost after %d reconnect attempts", c.attempts)))
}

func (c *Client) fireTerminal(err error) {
	if c.onTerminal != nil {
		c.onTerminal(err)
	}
}
