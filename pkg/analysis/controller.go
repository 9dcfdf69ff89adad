package analysis

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RiskCallback receives each risk result raised by the controller.
type RiskCallback func(result RiskResult)

// Controller drives the analysis cadence. Each appended entry may trigger
// one risk check over the current window, gated by a cooldown that opens
// at submission time and by a minimum entry count. At most one request is
// in flight at a time; triggers during flight or cooldown are dropped,
// not queued.
type Controller struct {
	logger     *logrus.Logger
	client     *Client
	window     *Window
	cooldown   time.Duration
	minEntries int
	onRisk     RiskCallback

	now func() time.Time

	mu        sync.Mutex
	gateUntil time.Time
	inFlight  bool
	risks     []RiskResult
}

// NewController creates an analysis controller over the given window
func NewController(logger *logrus.Logger, client *Client, window *Window, cooldown time.Duration, minEntries int) *Controller {
	if minEntries < 1 {
		minEntries = 1
	}
	return &Controller{
		logger:     logger,
		client:     client,
		window:     window,
		cooldown:   cooldown,
		minEntries: minEntries,
		now:        time.Now,
	}
}

// OnRisk registers the callback invoked for every risk result. Must be set
// before entries start flowing.
func (c *Controller) OnRisk(callback RiskCallback) {
	c.onRisk = callback
}

// Offer appends a qualifying utterance to the window and triggers a risk
// check when the cadence allows it.
func (c *Controller) Offer(ctx context.Context, entry Entry) {
	c.window.Append(entry)

	if !c.client.Enabled() {
		return
	}
	if c.window.Len() < c.minEntries {
		return
	}

	c.mu.Lock()
	if c.inFlight || c.now().Before(c.gateUntil) {
		c.mu.Unlock()
		return
	}
	// The gate opens at submission, not completion, so a slow request
	// does not extend the cooldown.
	c.gateUntil = c.now().Add(c.cooldown)
	c.inFlight = true
	c.mu.Unlock()

	transcript := Serialize(c.window.Snapshot())
	go c.runRiskCheck(ctx, transcript)
}

func (c *Controller) runRiskCheck(ctx context.Context, transcript string) {
	defer func() {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
	}()

	result, err := c.client.CheckRisk(ctx, transcript)
	if err != nil {
		c.logger.WithError(err).Warn("Risk analysis failed, dropping result")
		return
	}

	if result.RiskDetected {
		c.mu.Lock()
		c.risks = append(c.risks, *result)
		c.mu.Unlock()

		c.logger.WithFields(logrus.Fields{
			"risk_level":    result.RiskLevel,
			"detected_text": result.DetectedText,
		}).Info("Risk detected in conversation")
	}

	if c.onRisk != nil {
		c.onRisk(*result)
	}
}

// Risks returns the risk results raised so far, oldest first
func (c *Controller) Risks() []RiskResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]RiskResult, len(c.risks))
	copy(out, c.risks)
	return out
}

// Reflect produces an end-of-session reflection over the given transcript,
// passing along the risk events raised during the session.
func (c *Controller) Reflect(ctx context.Context, transcript string) (*Reflection, error) {
	if !c.client.Enabled() {
		return nil, nil
	}
	return c.client.Reflect(ctx, transcript, c.Risks())
}

// Wait blocks until no request is in flight or the context is done.
// Intended for shutdown paths.
func (c *Controller) Wait(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		c.mu.Lock()
		idle := !c.inFlight
		c.mu.Unlock()
		if idle {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
