package util

import (
	"context"
	"fmt"
	"sync"
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

func TestShutdownRunsInPriorityOrder(t *testing.T) {
	gs := NewGracefulShutdown(testLogger(), time.Second)

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	gs.Register(ShutdownResource{Name: "store", Priority: 30, Shutdown: record("store")})
	gs.Register(ShutdownResource{Name: "sessions", Priority: 10, Shutdown: record("sessions")})
	gs.Register(ShutdownResource{Name: "http", Priority: 20, Shutdown: record("http")})

	require.NoError(t, gs.Shutdown(context.Background()))
	assert.Equal(t, []string{"sessions", "http", "store"}, order)
}

func TestShutdownContinuesPastErrors(t *testing.T) {
	gs := NewGracefulShutdown(testLogger(), time.Second)

	ran := false
	gs.Register(ShutdownResource{
		Name:     "broken",
		Priority: 1,
		Shutdown: func(context.Context) error { return fmt.Errorf("close failed") },
	})
	gs.Register(ShutdownResource{
		Name:     "panicking",
		Priority: 2,
		Shutdown: func(context.Context) error { panic("boom") },
	})
	gs.Register(ShutdownResource{
		Name:     "healthy",
		Priority: 3,
		Shutdown: func(context.Context) error { ran = true; return nil },
	})

	err := gs.Shutdown(context.Background())
	require.Error(t, err)
	assert.True(t, ran)
}

func TestShutdownTimeout(t *testing.T) {
	gs := NewGracefulShutdown(testLogger(), 50*time.Millisecond)

	skipped := false
	gs.Register(ShutdownResource{
		Name:     "slow",
		Priority: 1,
		Shutdown: func(ctx context.Context) error {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			return nil
		},
	})
	gs.Register(ShutdownResource{
		Name:     "after",
		Priority: 2,
		Shutdown: func(context.Context) error { skipped = true; return nil },
	})

	err := gs.Shutdown(context.Background())
	require.Error(t, err)
	assert.False(t, skipped)
}

type fakeCloser struct{ closed bool }

func (c *fakeCloser) Close() error { c.closed = true; return nil }

func TestRegisterCloser(t *testing.T) {
	gs := NewGracefulShutdown(testLogger(), time.Second)

	closer := &fakeCloser{}
	gs.RegisterCloser("conn", closer, 10)

	require.NoError(t, gs.Shutdown(context.Background()))
	assert.True(t, closer.closed)
}
