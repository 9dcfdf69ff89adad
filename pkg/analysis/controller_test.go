package analysis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// riskBackend counts risk requests and replies with a scripted result.
type riskBackend struct {
	requests atomic.Int64

	mu          sync.Mutex
	result      RiskResult
	transcripts []string
}

func (b *riskBackend) handler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/analyze/risk" {
		http.NotFound(w, r)
		return
	}
	b.requests.Add(1)

	var payload map[string]string
	_ = json.NewDecoder(r.Body).Decode(&payload)

	b.mu.Lock()
	b.transcripts = append(b.transcripts, payload["transcript"])
	result := b.result
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

func entryAt(second int, speaker, text string) Entry {
	return Entry{
		Time:    time.Date(2025, 4, 1, 10, 0, second, 0, time.UTC),
		Speaker: speaker,
		Text:    text,
	}
}

func waitForRequests(t *testing.T, backend *riskBackend, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if backend.requests.Load() >= want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d analysis requests, got %d", want, backend.requests.Load())
}

func TestControllerDebouncesWithinCooldown(t *testing.T) {
	backend := &riskBackend{result: RiskResult{RiskLevel: RiskLevelNone}}
	ts := httptest.NewServer(http.HandlerFunc(backend.handler))
	defer ts.Close()

	client := NewClient(testLogger(), ts.URL, time.Second)
	controller := NewController(testLogger(), client, NewWindow(30), 10*time.Second, 2)

	results := make(chan RiskResult, 8)
	controller.OnRisk(func(result RiskResult) { results <- result })

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		controller.Offer(ctx, entryAt(i, "self", "いい感じに進んでいますね"))
	}

	waitForRequests(t, backend, 1)
	controller.Wait(ctx)

	// Five rapid entries fire exactly one request
	assert.Equal(t, int64(1), backend.requests.Load())

	select {
	case result := <-results:
		assert.False(t, result.RiskDetected)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for risk callback")
	}
}

func TestControllerMinEntriesGate(t *testing.T) {
	backend := &riskBackend{}
	ts := httptest.NewServer(http.HandlerFunc(backend.handler))
	defer ts.Close()

	client := NewClient(testLogger(), ts.URL, time.Second)
	controller := NewController(testLogger(), client, NewWindow(30), 10*time.Second, 2)

	controller.Offer(context.Background(), entryAt(0, "self", "最初の発話です"))
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int64(0), backend.requests.Load())
}

func TestControllerGateReopensAfterCooldown(t *testing.T) {
	backend := &riskBackend{}
	ts := httptest.NewServer(http.HandlerFunc(backend.handler))
	defer ts.Close()

	client := NewClient(testLogger(), ts.URL, time.Second)
	controller := NewController(testLogger(), client, NewWindow(30), 10*time.Second, 2)

	base := time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)
	current := base
	var clockMu sync.Mutex
	controller.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return current
	}

	ctx := context.Background()
	controller.Offer(ctx, entryAt(0, "self", "一つ目の発話ですよ"))
	controller.Offer(ctx, entryAt(1, "other", "二つ目の発話ですよ"))
	waitForRequests(t, backend, 1)
	controller.Wait(ctx)

	// Still inside the cooldown
	controller.Offer(ctx, entryAt(2, "self", "三つ目の発話ですよ"))
	controller.Wait(ctx)
	assert.Equal(t, int64(1), backend.requests.Load())

	clockMu.Lock()
	current = base.Add(11 * time.Second)
	clockMu.Unlock()

	controller.Offer(ctx, entryAt(3, "other", "四つ目の発話ですよ"))
	waitForRequests(t, backend, 2)
}

func TestControllerRecordsDetectedRisks(t *testing.T) {
	backend := &riskBackend{result: RiskResult{
		RiskDetected: true,
		RiskLevel:    RiskLevelHigh,
		DetectedText: "その言い方",
		Analysis:     "強い否定表現が含まれています",
		Rephrase:     "別の伝え方を検討してください",
	}}
	ts := httptest.NewServer(http.HandlerFunc(backend.handler))
	defer ts.Close()

	client := NewClient(testLogger(), ts.URL, time.Second)
	controller := NewController(testLogger(), client, NewWindow(30), 10*time.Second, 2)

	results := make(chan RiskResult, 1)
	controller.OnRisk(func(result RiskResult) { results <- result })

	ctx := context.Background()
	controller.Offer(ctx, entryAt(0, "self", "その言い方はないでしょう"))
	controller.Offer(ctx, entryAt(1, "other", "そんなつもりはないです"))
	waitForRequests(t, backend, 1)

	select {
	case result := <-results:
		assert.True(t, result.RiskDetected)
		assert.Equal(t, RiskLevelHigh, result.RiskLevel)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for risk callback")
	}

	controller.Wait(ctx)
	risks := controller.Risks()
	require.Len(t, risks, 1)
	assert.Equal(t, "その言い方", risks[0].DetectedText)
}

func TestControllerDisabledWithoutBackend(t *testing.T) {
	client := NewClient(testLogger(), "", time.Second)
	controller := NewController(testLogger(), client, NewWindow(30), time.Second, 2)

	ctx := context.Background()
	controller.Offer(ctx, entryAt(0, "self", "一つ目の発話ですよ"))
	controller.Offer(ctx, entryAt(1, "other", "二つ目の発話ですよ"))
	controller.Wait(ctx)

	reflection, err := controller.Reflect(ctx, "anything")
	assert.NoError(t, err)
	assert.Nil(t, reflection)
}

func TestClientReflect(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/analyze/reflection", r.URL.Path)

		var payload struct {
			Transcript string       `json:"transcript"`
			RiskEvents []RiskResult `json:"risk_events"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.NotEmpty(t, payload.Transcript)
		assert.Len(t, payload.RiskEvents, 1)

		_ = json.NewEncoder(w).Encode(Reflection{
			Summary:           "穏やかな対話でした",
			PositivePoints:    []string{"相手の話をよく聞いていた"},
			ImprovementPoints: []string{"結論を急ぎすぎる場面があった"},
			NextActions:       []string{"次回は確認の質問を増やす"},
		})
	})
	ts := httptest.NewServer(handler)
	defer ts.Close()

	client := NewClient(testLogger(), ts.URL, time.Second)
	reflection, err := client.Reflect(context.Background(),
		"10:00:00 [self]: こんにちは",
		[]RiskResult{{RiskDetected: true, RiskLevel: RiskLevelMedium}})

	require.NoError(t, err)
	assert.Equal(t, "穏やかな対話でした", reflection.Summary)
	assert.Len(t, reflection.NextActions, 1)
}

func TestClientErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend unavailable", http.StatusBadGateway)
	}))
	defer ts.Close()

	client := NewClient(testLogger(), ts.URL, time.Second)
	_, err := client.CheckRisk(context.Background(), "10:00:00 [self]: hello")
	require.Error(t, err)
}
