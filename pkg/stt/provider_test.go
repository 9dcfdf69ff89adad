package stt

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kaiwa-server/pkg/audio"
	"kaiwa-server/pkg/errors"
)

type recordingListener struct {
	events chan TranscriptEvent
}

func (l *recordingListener) OnTranscription(sessionID, transcription string, isFinal bool, metadata map[string]interface{}) {
	l.events <- TranscriptEvent{ChannelID: sessionID, Text: transcription, IsFinal: isFinal}
}

func TestTranscriptionServiceFanOut(t *testing.T) {
	service := NewTranscriptionService(testLogger())
	listener := &recordingListener{events: make(chan TranscriptEvent, 4)}
	service.AddListener(listener)

	service.PublishTranscription("sess-1", "こんにちは", true, nil)

	event := waitForEvent(t, listener.events)
	assert.Equal(t, "sess-1", event.ChannelID)
	assert.Equal(t, "こんにちは", event.Text)
	assert.True(t, event.IsFinal)

	// Empty transcriptions are not published
	service.PublishTranscription("sess-1", "", true, nil)
	select {
	case <-listener.events:
		t.Fatal("empty transcription should not be published")
	case <-time.After(50 * time.Millisecond):
	}

	service.RemoveListener(listener)
	service.PublishTranscription("sess-1", "after removal", true, nil)
	select {
	case <-listener.events:
		t.Fatal("removed listener should not receive transcriptions")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestProviderManagerFallsBackToDefault(t *testing.T) {
	service := NewTranscriptionService(testLogger())
	manager := NewProviderManager(testLogger(), "mock")

	mock := NewMockProvider(testLogger(), service)
	mock.Interval = 20 * time.Millisecond
	require.NoError(t, manager.RegisterProvider(mock))

	listener := &recordingListener{events: make(chan TranscriptEvent, 16)}
	service.AddListener(listener)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader, writer := io.Pipe()
	defer writer.Close()

	done := make(chan error, 1)
	go func() {
		// Unknown provider name falls back to the default
		done <- manager.StreamToProvider(ctx, "no-such-provider", reader, "sess-1")
	}()

	waitForEvent(t, listener.events)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop after cancel")
	}
}

func TestProviderManagerNoProvider(t *testing.T) {
	manager := NewProviderManager(testLogger(), "deepgram")

	err := manager.StreamToProvider(context.Background(), "missing", bytes.NewReader(nil), "sess-1")
	require.ErrorIs(t, err, errors.ErrNoProviderAvailable)
}

func TestProviderChannelLifecycle(t *testing.T) {
	service := NewTranscriptionService(testLogger())
	manager := NewProviderManager(testLogger(), "mock")

	mock := NewMockProvider(testLogger(), service)
	mock.Interval = 20 * time.Millisecond
	mock.Transcriptions = []string{"調子はどうですか"}
	require.NoError(t, manager.RegisterProvider(mock))

	events := make(chan TranscriptEvent, 16)
	closed := make(chan closedNotice, 1)

	channel := NewProviderChannel(testLogger(), "sess-1", manager, "mock", service, StaticResolver{Tag: "self"})
	channel.OnEvent(func(event TranscriptEvent) { events <- event })
	channel.OnClosed(func(channelID string, code int, err error, intentional bool) {
		closed <- closedNotice{channelID, code, err, intentional}
	})

	require.NoError(t, channel.Open(context.Background()))
	assert.Equal(t, StateOpen, channel.State())

	// Feed audio so the provider's reader keeps running
	go func() {
		for i := 0; i < 50; i++ {
			channel.Send(audio.Chunk{Data: make([]byte, 800), Seq: uint64(i)})
			time.Sleep(5 * time.Millisecond)
		}
	}()

	event := waitForEvent(t, events)
	assert.Equal(t, "sess-1", event.ChannelID)
	assert.Equal(t, "self", event.Speaker)
	assert.NotEmpty(t, event.Text)

	channel.Close()
	notice := waitForClose(t, closed)
	assert.True(t, notice.intentional)
	assert.Equal(t, StateClosed, channel.State())

	// Send after close is dropped without panic
	channel.Send(audio.Chunk{Data: make([]byte, 800)})
}
