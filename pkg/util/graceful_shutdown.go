package util

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// GracefulShutdown runs registered shutdown hooks in priority order.
type GracefulShutdown struct {
	resources []ShutdownResource
	mu        sync.Mutex
	logger    *logrus.Logger
	timeout   time.Duration
}

// ShutdownResource is one resource to shut down. Lower priorities shut
// down first.
type ShutdownResource struct {
	Name     string
	Priority int
	Shutdown func(context.Context) error
}

// NewGracefulShutdown creates a shutdown manager with an overall timeout
func NewGracefulShutdown(logger *logrus.Logger, timeout time.Duration) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GracefulShutdown{
		logger:  logger,
		timeout: timeout,
	}
}

// Register adds a resource, keeping the list sorted by priority
func (gs *GracefulShutdown) Register(resource ShutdownResource) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	inserted := false
	for i, r := range gs.resources {
		if resource.Priority < r.Priority {
			gs.resources = append(gs.resources[:i], append([]ShutdownResource{resource}, gs.resources[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		gs.resources = append(gs.resources, resource)
	}

	gs.logger.WithFields(logrus.Fields{
		"resource": resource.Name,
		"priority": resource.Priority,
	}).Debug("Registered resource for graceful shutdown")
}

// RegisterCloser registers an io.Closer as a shutdown resource
func (gs *GracefulShutdown) RegisterCloser(name string, closer io.Closer, priority int) {
	gs.Register(ShutdownResource{
		Name:     name,
		Priority: priority,
		Shutdown: func(ctx context.Context) error {
			return closer.Close()
		},
	})
}

// Shutdown runs the hooks sequentially in priority order. A hook that
// panics or errors is logged and does not stop the remaining hooks.
// Returns the first error encountered, if any.
func (gs *GracefulShutdown) Shutdown(ctx context.Context) error {
	gs.mu.Lock()
	resources := make([]ShutdownResource, len(gs.resources))
	copy(resources, gs.resources)
	gs.mu.Unlock()

	gs.logger.WithField("resource_count", len(resources)).Info("Starting graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, gs.timeout)
	defer cancel()

	var firstErr error
	for _, resource := range resources {
		select {
		case <-shutdownCtx.Done():
			gs.logger.WithField("resource", resource.Name).Warn("Shutdown timeout reached, skipping remaining resources")
			if firstErr == nil {
				firstErr = shutdownCtx.Err()
			}
			return firstErr
		default:
		}

		if err := gs.shutdownOne(shutdownCtx, resource); err != nil {
			gs.logger.WithError(err).WithField("resource", resource.Name).Error("Resource shutdown failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		gs.logger.WithField("resource", resource.Name).Debug("Resource shut down")
	}

	gs.logger.Info("Graceful shutdown complete")
	return firstErr
}

func (gs *GracefulShutdown) shutdownOne(ctx context.Context, resource ShutdownResource) (err error) {
	defer func() {
		if r := recover(); r != nil {
			gs.logger.WithFields(logrus.Fields{
				"resource": resource.Name,
				"panic":    r,
			}).Error("Panic during resource shutdown")
		}
	}()
	return resource.Shutdown(ctx)
}
