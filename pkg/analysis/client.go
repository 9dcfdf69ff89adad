package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"kaiwa-server/pkg/errors"
	"kaiwa-server/pkg/metrics"
)

// Risk levels returned by the analysis backend
const (
	RiskLevelNone   = "none"
	RiskLevelMedium = "medium"
	RiskLevelHigh   = "high"
)

// RiskResult is the outcome of one risk check over the conversation window.
type RiskResult struct {
	RiskDetected bool   `json:"risk_detected"`
	RiskLevel    string `json:"risk_level"`
	DetectedText string `json:"detected_text,omitempty"`
	Analysis     string `json:"analysis,omitempty"`
	Rephrase     string `json:"rephrase,omitempty"`
}

// Reflection is the end-of-session summary produced by the analysis backend.
type Reflection struct {
	Summary           string   `json:"summary"`
	PositivePoints    []string `json:"positive_points"`
	ImprovementPoints []string `json:"improvement_points"`
	NextActions       []string `json:"next_actions"`
}

// Client calls the analysis backend over HTTP.
type Client struct {
	logger     *logrus.Logger
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an analysis client. An empty baseURL disables analysis;
// callers should check Enabled before use.
func NewClient(logger *logrus.Logger, baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		logger:  logger,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// Enabled reports whether an analysis backend is configured
func (c *Client) Enabled() bool {
	return c.baseURL != ""
}

// CheckRisk submits the serialized window transcript for risk analysis
func (c *Client) CheckRisk(ctx context.Context, transcript string) (*RiskResult, error) {
	done := metrics.ObserveAnalysisLatency("risk")
	defer done()

	var result RiskResult
	payload := map[string]string{"transcript": transcript}
	if err := c.post(ctx, "/analyze/risk", payload, &result); err != nil {
		metrics.RecordAnalysisRequest("risk", "error")
		return nil, err
	}

	metrics.RecordAnalysisRequest("risk", "success")
	if result.RiskDetected {
		metrics.RecordRiskEvent(result.RiskLevel)
	}
	return &result, nil
}

// Reflect requests an end-of-session reflection over the full transcript.
// riskEvents carries the risk results raised during the session, newest last.
func (c *Client) Reflect(ctx context.Context, transcript string, riskEvents []RiskResult) (*Reflection, error) {
	done := metrics.ObserveAnalysisLatency("reflection")
	defer done()

	payload := map[string]interface{}{
		"transcript":  transcript,
		"risk_events": riskEvents,
	}

	var result Reflection
	if err := c.post(ctx, "/analyze/reflection", payload, &result); err != nil {
		metrics.RecordAnalysisRequest("reflection", "error")
		return nil, err
	}

	metrics.RecordAnalysisRequest("reflection", "success")
	return &result, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	if c.baseURL == "" {
		return errors.New("analysis backend is not configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "failed to marshal analysis request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to create analysis request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "analysis request failed").WithField("path", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Wrap(errors.ErrAnalysisFailed,
			fmt.Sprintf("analysis backend returned %d", resp.StatusCode)).
			WithFields(map[string]interface{}{"path": path, "body": string(data)})
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "failed to decode analysis response").WithField("path", path)
	}
	return nil
}
