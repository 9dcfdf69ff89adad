package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kaiwa-server/pkg/audio"
	"kaiwa-server/pkg/errors"
	"kaiwa-server/pkg/metrics"
	"kaiwa-server/pkg/stt"
	"kaiwa-server/pkg/transcript"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type fakeSource struct {
	label       string
	chunks      chan audio.Chunk
	releaseOnce sync.Once
}

func newFakeSource(label string) *fakeSource {
	return &fakeSource{label: label, chunks: make(chan audio.Chunk, 16)}
}

func (s *fakeSource) Label() string              { return s.label }
func (s *fakeSource) Chunks() <-chan audio.Chunk { return s.chunks }
func (s *fakeSource) Release() error {
	s.releaseOnce.Do(func() { close(s.chunks) })
	return nil
}

type fakeChannel struct {
	id      string
	openErr error

	mu        sync.Mutex
	state     stt.ChannelState
	onEvent   stt.EventCallback
	onClosed  stt.ClosedCallback
	sent      int
	closeOnce sync.Once
}

func (c *fakeChannel) ID() string                     { return c.id }
func (c *fakeChannel) OnEvent(cb stt.EventCallback)   { c.onEvent = cb }
func (c *fakeChannel) OnClosed(cb stt.ClosedCallback) { c.onClosed = cb }

func (c *fakeChannel) Open(ctx context.Context) error {
	if c.openErr != nil {
		return c.openErr
	}
	c.mu.Lock()
	c.state = stt.StateOpen
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Send(chunk audio.Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stt.StateOpen {
		c.sent++
	}
}

func (c *fakeChannel) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stt.StateClosed
		c.mu.Unlock()
		if c.onClosed != nil {
			c.onClosed(c.id, 1000, nil, true)
		}
	})
}

func (c *fakeChannel) State() stt.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// fail simulates an unexpected remote close
func (c *fakeChannel) fail(code int, err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stt.StateClosed
		c.mu.Unlock()
		if c.onClosed != nil {
			c.onClosed(c.id, code, err, false)
		}
	})
}

func (c *fakeChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

type channelFactory struct {
	mu       sync.Mutex
	created  []*fakeChannel
	failFrom int // fail Open for channels created at this index or later; 0 disables
}

func (f *channelFactory) make(label string) (stt.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	channel := &fakeChannel{id: label}
	if f.failFrom > 0 && len(f.created) >= f.failFrom {
		channel.openErr = errors.New("upstream unavailable")
	}
	f.created = append(f.created, channel)
	return channel, nil
}

func (f *channelFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *channelFactory) channel(i int) *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[i]
}

func micFactory(source *fakeSource) SourceFactory {
	return func(ctx context.Context) (audio.Source, error) { return source, nil }
}

func failingSource(err error) SourceFactory {
	return func(ctx context.Context) (audio.Source, error) { return nil, err }
}

func testConfig() Config {
	return Config{ReconnectAttempts: 3, ReconnectInterval: 10 * time.Millisecond}
}

func waitFor(t *testing.T, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(message)
}

func TestSupervisorStartStop(t *testing.T) {
	mic := newFakeSource("mic")
	factory := &channelFactory{}
	assembler := transcript.NewAssembler(testLogger(), 5)

	s := NewSupervisor(testLogger(), "sess-1", testConfig(),
		micFactory(mic), nil, factory.make, assembler, nil)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StatusRecording, s.Status())
	require.Equal(t, 1, factory.count())

	// Audio flows from the source to the channel
	mic.chunks <- audio.Chunk{Data: make([]byte, 8000), Seq: 1}
	channel := factory.channel(0)
	waitFor(t, func() bool { return channel.sentCount() == 1 }, "chunk never reached the channel")

	// Transcript events land in the assembler
	channel.onEvent(stt.TranscriptEvent{ChannelID: "mic", Text: "こんにちは", IsFinal: true, Speaker: "self"})
	entries := assembler.Snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "こんにちは", entries[0].Text)

	s.Stop()
	assert.Equal(t, StatusIdle, s.Status())
	assert.Equal(t, stt.StateClosed, channel.State())

	// Intentional close does not trigger reconnection
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, factory.count())

	// Stop is idempotent
	s.Stop()
}

func TestSupervisorStartRequiresIdle(t *testing.T) {
	mic := newFakeSource("mic")
	factory := &channelFactory{}
	assembler := transcript.NewAssembler(testLogger(), 5)

	s := NewSupervisor(testLogger(), "sess-1", testConfig(),
		micFactory(mic), nil, factory.make, assembler, nil)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Error(t, s.Start(context.Background()))
}

func TestSupervisorMicFailureAborts(t *testing.T) {
	factory := &channelFactory{}
	assembler := transcript.NewAssembler(testLogger(), 5)

	s := NewSupervisor(testLogger(), "sess-1", testConfig(),
		failingSource(errors.NewDeviceUnavailable("default")), nil,
		factory.make, assembler, nil)

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusIdle, s.Status())
	assert.Zero(t, factory.count())
}

func TestSupervisorLoopbackIsBestEffort(t *testing.T) {
	mic := newFakeSource("mic")
	factory := &channelFactory{}
	assembler := transcript.NewAssembler(testLogger(), 5)

	s := NewSupervisor(testLogger(), "sess-1", testConfig(),
		micFactory(mic), failingSource(errors.NewDeviceUnavailable("monitor")),
		factory.make, assembler, nil)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Equal(t, StatusRecording, s.Status())
	state := s.Snapshot()
	require.Contains(t, state.Channels, "mic")
	assert.NotContains(t, state.Channels, "loopback")
}

func TestSupervisorCapturesBothSources(t *testing.T) {
	mic := newFakeSource("mic")
	loop := newFakeSource("loopback")
	factory := &channelFactory{}
	assembler := transcript.NewAssembler(testLogger(), 5)

	s := NewSupervisor(testLogger(), "sess-1", testConfig(),
		micFactory(mic), micFactory(loop), factory.make, assembler, nil)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	assert.Equal(t, 2, factory.count())
	state := s.Snapshot()
	assert.Contains(t, state.Channels, "mic")
	assert.Contains(t, state.Channels, "loopback")
}

func TestSupervisorReconnectsOnChannelLoss(t *testing.T) {
	mic := newFakeSource("mic")
	factory := &channelFactory{}
	assembler := transcript.NewAssembler(testLogger(), 5)

	s := NewSupervisor(testLogger(), "sess-1", testConfig(),
		micFactory(mic), nil, factory.make, assembler, nil)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	factory.channel(0).fail(1006, errors.New("connection reset"))

	waitFor(t, func() bool { return factory.count() == 2 }, "no replacement channel was created")
	waitFor(t, func() bool { return factory.channel(1).State() == stt.StateOpen }, "replacement channel never opened")

	assert.Equal(t, StatusRecording, s.Status())
	state := s.Snapshot()
	assert.Equal(t, 1, state.Channels["mic"].Reconnects)
}

func TestSupervisorSessionNotFoundStops(t *testing.T) {
	mic := newFakeSource("mic")
	factory := &channelFactory{}
	assembler := transcript.NewAssembler(testLogger(), 5)

	s := NewSupervisor(testLogger(), "sess-1", testConfig(),
		micFactory(mic), nil, factory.make, assembler, nil)

	require.NoError(t, s.Start(context.Background()))

	factory.channel(0).fail(stt.CloseCodeSessionNotFound, errors.New("session not found"))

	waitFor(t, func() bool { return s.Status() == StatusIdle }, "supervisor did not stop")
	assert.Equal(t, 1, factory.count())
}

func TestSupervisorReconnectExhaustedStops(t *testing.T) {
	mic := newFakeSource("mic")
	factory := &channelFactory{failFrom: 1}
	assembler := transcript.NewAssembler(testLogger(), 5)

	config := Config{ReconnectAttempts: 2, ReconnectInterval: 10 * time.Millisecond}
	s := NewSupervisor(testLogger(), "sess-1", config,
		micFactory(mic), nil, factory.make, assembler, nil)

	require.NoError(t, s.Start(context.Background()))

	factory.channel(0).fail(1006, errors.New("connection reset"))

	waitFor(t, func() bool { return s.Status() == StatusIdle }, "supervisor did not give up")
	assert.Equal(t, 3, factory.count())
}

type fakeForwarder struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeForwarder) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeForwarder) PinUtterance(id string, pinned bool, note string) {
	f.record(fmt.Sprintf("pin:%s:%t:%s", id, pinned, note))
}
func (f *fakeForwarder) DismissSuggestion(id string)             { f.record("dismiss:" + id) }
func (f *fakeForwarder) UseSuggestion(id string)                 { f.record("use:" + id) }
func (f *fakeForwarder) UpdateExtraction(extraction interface{}) { f.record("extraction") }
func (f *fakeForwarder) SetLayer(layer string)                   { f.record("layer:" + layer) }

func (f *fakeForwarder) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func TestSupervisorPinUtterance(t *testing.T) {
	mic := newFakeSource("mic")
	factory := &channelFactory{}
	assembler := transcript.NewAssembler(testLogger(), 5)
	forwarder := &fakeForwarder{}

	s := NewSupervisor(testLogger(), "sess-1", testConfig(),
		micFactory(mic), nil, factory.make, assembler, nil)
	s.SetControl(forwarder)

	assembler.Apply(stt.TranscriptEvent{ChannelID: "mic", Text: "それはいいですね", IsFinal: true, Speaker: "self"})
	entries := s.Transcript()
	require.Len(t, entries, 1)
	id := entries[0].ID

	require.NoError(t, s.PinUtterance(id, true, "follow up"))
	entries = s.Transcript()
	assert.True(t, entries[0].Pinned)
	assert.Equal(t, "follow up", entries[0].PinNote)
	assert.Contains(t, forwarder.recorded(), fmt.Sprintf("pin:%s:true:follow up", id))

	require.NoError(t, s.PinUtterance(id, false, ""))
	assert.False(t, s.Transcript()[0].Pinned)

	require.NoError(t, s.MarkImportant(id, true))
	assert.True(t, s.Transcript()[0].Important)

	err := s.PinUtterance("missing", true, "")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestSupervisorControlActions(t *testing.T) {
	mic := newFakeSource("mic")
	factory := &channelFactory{}
	assembler := transcript.NewAssembler(testLogger(), 5)
	forwarder := &fakeForwarder{}

	s := NewSupervisor(testLogger(), "sess-1", testConfig(),
		micFactory(mic), nil, factory.make, assembler, nil)
	s.SetControl(forwarder)

	require.NoError(t, s.DismissSuggestion("sg-1"))
	require.NoError(t, s.UseSuggestion("sg-2"))
	require.NoError(t, s.SetLayer("reframing"))
	require.NoError(t, s.UpdateExtraction(map[string]string{"topic": "budget"}))

	assert.Equal(t, []string{"dismiss:sg-1", "use:sg-2", "layer:reframing", "extraction"}, forwarder.recorded())
}

func TestSupervisorControlActionsWithoutChannel(t *testing.T) {
	mic := newFakeSource("mic")
	factory := &channelFactory{}
	assembler := transcript.NewAssembler(testLogger(), 5)

	s := NewSupervisor(testLogger(), "sess-1", testConfig(),
		micFactory(mic), nil, factory.make, assembler, nil)

	assert.True(t, errors.Is(s.DismissSuggestion("sg-1"), errors.ErrControlUnavailable))
	assert.True(t, errors.Is(s.UseSuggestion("sg-1"), errors.ErrControlUnavailable))
	assert.True(t, errors.Is(s.SetLayer("listening"), errors.ErrControlUnavailable))
	assert.True(t, errors.Is(s.UpdateExtraction(nil), errors.ErrControlUnavailable))

	// Local annotations still work without a control channel
	assembler.Apply(stt.TranscriptEvent{ChannelID: "mic", Text: "それはいいですね", IsFinal: true, Speaker: "self"})
	require.NoError(t, s.PinUtterance(s.Transcript()[0].ID, true, ""))
}

func TestSupervisorLeavesEventMetricsToChannel(t *testing.T) {
	metrics.Init(testLogger())

	mic := newFakeSource("mic")
	factory := &channelFactory{}
	assembler := transcript.NewAssembler(testLogger(), 5)

	s := NewSupervisor(testLogger(), "sess-1", testConfig(),
		micFactory(mic), nil, factory.make, assembler, nil)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	before := testutil.CollectAndCount(metrics.TranscriptEventsTotal)

	for i := 0; i < 3; i++ {
		factory.channel(0).onEvent(stt.TranscriptEvent{ChannelID: "mic", Text: "それはいいですね", IsFinal: true, Speaker: "self"})
	}
	require.NotEmpty(t, assembler.Snapshot())

	// The fake channel records nothing, so the counter must not move:
	// event accounting belongs to the channel, not the event callback.
	assert.Equal(t, before, testutil.CollectAndCount(metrics.TranscriptEventsTotal))
}

func TestSupervisorEndWithoutAnalysis(t *testing.T) {
	mic := newFakeSource("mic")
	factory := &channelFactory{}
	assembler := transcript.NewAssembler(testLogger(), 5)

	s := NewSupervisor(testLogger(), "sess-1", testConfig(),
		micFactory(mic), nil, factory.make, assembler, nil)

	require.NoError(t, s.Start(context.Background()))

	reflection, err := s.End(context.Background())
	require.NoError(t, err)
	assert.Nil(t, reflection)
	assert.Equal(t, StatusEnded, s.Status())
}
