package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kaiwa-server/pkg/errors"
	"kaiwa-server/pkg/transcript"
)

func newTestManager(t *testing.T) (*Manager, *MemoryStore) {
	store := NewMemoryStore(testLogger())
	factory := func(sessionID string) (*Supervisor, error) {
		mic := newFakeSource("mic")
		channels := &channelFactory{}
		assembler := transcript.NewAssembler(testLogger(), 5)
		return NewSupervisor(testLogger(), sessionID, testConfig(),
			micFactory(mic), nil, channels.make, assembler, nil), nil
	}
	manager := NewManager(testLogger(), store, factory)
	t.Cleanup(func() { _ = manager.Shutdown(context.Background()) })
	return manager, store
}

func TestManagerSessionLifecycle(t *testing.T) {
	manager, store := newTestManager(t)
	ctx := context.Background()

	supervisor, err := manager.StartSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRecording, supervisor.Status())
	assert.Equal(t, 1, manager.ActiveCount())

	record, err := store.Get("sess-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRecording, record.Status)

	_, err = manager.StartSession(ctx, "sess-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSessionAlreadyExists))

	reflection, err := manager.EndSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Nil(t, reflection)
	assert.Zero(t, manager.ActiveCount())

	record, err = store.Get("sess-1")
	require.NoError(t, err)
	assert.Equal(t, StatusEnded, record.Status)
}

func TestManagerConcurrentDuplicateStart(t *testing.T) {
	store := NewMemoryStore(testLogger())
	factory := func(sessionID string) (*Supervisor, error) {
		// Stands in for the device and socket dials a real start performs
		time.Sleep(20 * time.Millisecond)
		mic := newFakeSource("mic")
		channels := &channelFactory{}
		assembler := transcript.NewAssembler(testLogger(), 5)
		return NewSupervisor(testLogger(), sessionID, testConfig(),
			micFactory(mic), nil, channels.make, assembler, nil), nil
	}
	manager := NewManager(testLogger(), store, factory)
	t.Cleanup(func() { _ = manager.Shutdown(context.Background()) })

	ctx := context.Background()
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := manager.StartSession(ctx, "sess-1")
			results <- err
		}()
	}

	var rejected int
	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			assert.True(t, errors.Is(err, errors.ErrSessionAlreadyExists))
			rejected++
		}
	}
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 1, manager.ActiveCount())
}

func TestManagerStopSession(t *testing.T) {
	manager, store := newTestManager(t)
	ctx := context.Background()

	supervisor, err := manager.StartSession(ctx, "sess-1")
	require.NoError(t, err)

	require.NoError(t, manager.StopSession("sess-1"))
	assert.Equal(t, StatusIdle, supervisor.Status())

	record, err := store.Get("sess-1")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, record.Status)
}

func TestManagerUnknownSession(t *testing.T) {
	manager, _ := newTestManager(t)

	_, err := manager.GetSession("missing")
	assert.True(t, errors.Is(err, errors.ErrSessionNotFound))

	assert.Error(t, manager.StopSession("missing"))
}

func TestManagerShutdownStopsAll(t *testing.T) {
	manager, _ := newTestManager(t)
	ctx := context.Background()

	first, err := manager.StartSession(ctx, "sess-1")
	require.NoError(t, err)
	second, err := manager.StartSession(ctx, "sess-2")
	require.NoError(t, err)

	require.NoError(t, manager.Shutdown(ctx))
	assert.Zero(t, manager.ActiveCount())
	assert.Equal(t, StatusIdle, first.Status())
	assert.Equal(t, StatusIdle, second.Status())
}

func TestMemoryStoreCleanup(t *testing.T) {
	store := NewMemoryStore(testLogger())

	require.NoError(t, store.Put(&Record{SessionID: "old", Status: StatusEnded}))
	require.NoError(t, store.Put(&Record{SessionID: "fresh", Status: StatusRecording}))

	// Records just written are newer than the cutoff
	assert.Zero(t, store.Cleanup(time.Hour))

	// A zero max age expires ended sessions immediately
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 1, store.Cleanup(0))

	_, err := store.Get("old")
	assert.Error(t, err)
	_, err = store.Get("fresh")
	assert.NoError(t, err)
}
