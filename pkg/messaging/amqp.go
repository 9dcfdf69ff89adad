package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"kaiwa-server/pkg/metrics"
)

// Event kinds published to the queue
const (
	EventUtterance = "utterance"
	EventRisk      = "risk"
	EventSession   = "session"
)

// Event is the wire envelope for everything published to AMQP.
type Event struct {
	Kind      string      `json:"kind"`
	SessionID string      `json:"session_id"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// UtterancePayload carries one committed utterance.
type UtterancePayload struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// RiskPayload carries one detected risk event.
type RiskPayload struct {
	RiskLevel    string `json:"risk_level"`
	DetectedText string `json:"detected_text,omitempty"`
	Analysis     string `json:"analysis,omitempty"`
	Rephrase     string `json:"rephrase,omitempty"`
}

// SessionPayload carries a session status transition.
type SessionPayload struct {
	Status string `json:"status"`
}

// AMQPConfig holds AMQP client configuration
type AMQPConfig struct {
	URL        string
	QueueName  string
	RoutingKey string
	Durable    bool
	AutoDelete bool
}

// AMQPClient publishes session events to an AMQP queue. An unset URL
// disables publishing; every Publish* method then succeeds as a no-op.
type AMQPClient struct {
	logger    *logrus.Logger
	config    AMQPConfig
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool
	connMutex sync.RWMutex
	stopChan  chan struct{}
}

// NewAMQPClient creates a new AMQP client
func NewAMQPClient(logger *logrus.Logger, url, queueName string) *AMQPClient {
	return &AMQPClient{
		logger: logger,
		config: AMQPConfig{
			URL:        url,
			QueueName:  queueName,
			RoutingKey: queueName,
			Durable:    true,
			AutoDelete: false,
		},
		stopChan: make(chan struct{}),
	}
}

// Enabled reports whether an AMQP endpoint is configured
func (c *AMQPClient) Enabled() bool {
	return c.config.URL != "" && c.config.QueueName != ""
}

// Connect establishes a connection to the AMQP server. The dial runs in a
// goroutine so a hung broker cannot block startup past the timeout.
func (c *AMQPClient) Connect() error {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if c.connected {
		return nil
	}
	if !c.Enabled() {
		c.logger.Warn("AMQP_URL or AMQP_QUEUE_NAME not set, event publishing disabled")
		return fmt.Errorf("AMQP URL or queue name not configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connChan := make(chan struct {
		conn *amqp.Connection
		err  error
	}, 1)

	go func() {
		conn, err := amqp.Dial(c.config.URL)
		select {
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
		case connChan <- struct {
			conn *amqp.Connection
			err  error
		}{conn, err}:
		}
	}()

	var conn *amqp.Connection
	var err error
	select {
	case result := <-connChan:
		conn = result.conn
		err = result.err
	case <-ctx.Done():
		return fmt.Errorf("connection to AMQP server timed out after 5 seconds")
	}
	if err != nil {
		return fmt.Errorf("failed to connect to AMQP server: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open AMQP channel: %w", err)
	}

	if _, err := channel.QueueDeclare(
		c.config.QueueName,
		c.config.Durable,
		c.config.AutoDelete,
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare AMQP queue: %w", err)
	}

	c.conn = conn
	c.channel = channel
	c.connected = true
	c.stopChan = make(chan struct{})
	metrics.SetAMQPConnectionStatus(true)

	c.logger.WithFields(logrus.Fields{
		"url":   c.config.URL,
		"queue": c.config.QueueName,
	}).Info("Connected to AMQP server")

	go c.monitorConnection(conn, c.stopChan)
	return nil
}

// Disconnect closes the AMQP connection
func (c *AMQPClient) Disconnect() {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if !c.connected {
		return
	}

	close(c.stopChan)
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}

	c.connected = false
	metrics.SetAMQPConnectionStatus(false)
	c.logger.Info("Disconnected from AMQP server")
}

// IsConnected returns the connection status
func (c *AMQPClient) IsConnected() bool {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	return c.connected
}

// PublishUtterance publishes a committed utterance event
func (c *AMQPClient) PublishUtterance(sessionID, speaker, text string) error {
	return c.publish(Event{
		Kind:      EventUtterance,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Payload:   UtterancePayload{Speaker: speaker, Text: text},
	})
}

// PublishRisk publishes a detected risk event
func (c *AMQPClient) PublishRisk(sessionID string, payload RiskPayload) error {
	return c.publish(Event{
		Kind:      EventRisk,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// PublishSessionStatus publishes a session lifecycle transition
func (c *AMQPClient) PublishSessionStatus(sessionID, status string) error {
	return c.publish(Event{
		Kind:      EventSession,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Payload:   SessionPayload{Status: status},
	})
}

func (c *AMQPClient) publish(event Event) error {
	if !c.Enabled() {
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal AMQP event: %w", err)
	}

	c.connMutex.RLock()
	connected := c.connected
	channel := c.channel
	c.connMutex.RUnlock()

	if !connected || channel == nil {
		metrics.RecordAMQPPublish(c.config.QueueName, "dropped")
		return fmt.Errorf("not connected to AMQP server")
	}

	err = channel.Publish(
		"", // default exchange
		c.config.RoutingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.Timestamp,
			Body:         body,
		},
	)
	if err != nil {
		metrics.RecordAMQPPublish(c.config.QueueName, "error")
		return fmt.Errorf("failed to publish AMQP event: %w", err)
	}

	metrics.RecordAMQPPublish(c.config.QueueName, "success")
	return nil
}

// monitorConnection watches for broker-side closes and retries the
// connection until Disconnect is called.
func (c *AMQPClient) monitorConnection(conn *amqp.Connection, stop <-chan struct{}) {
	closeChan := conn.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case <-stop:
		return
	case amqpErr := <-closeChan:
		if amqpErr == nil {
			return
		}
		c.logger.WithError(amqpErr).Warn("AMQP connection lost")
	}

	c.connMutex.Lock()
	c.connected = false
	c.connMutex.Unlock()
	metrics.SetAMQPConnectionStatus(false)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.Connect(); err != nil {
				c.logger.WithError(err).Warn("AMQP reconnect failed")
				continue
			}
			return
		}
	}
}
