package session

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"kaiwa-server/pkg/analysis"
	"kaiwa-server/pkg/errors"
)

// SupervisorFactory builds a supervisor for a new session.
type SupervisorFactory func(sessionID string) (*Supervisor, error)

// Manager tracks sessions, their supervisors, and their records. It owns
// the periodic cleanup of ended sessions.
type Manager struct {
	logger        *logrus.Logger
	store         Store
	newSupervisor SupervisorFactory

	mu          sync.RWMutex
	supervisors map[string]*Supervisor
	pending     map[string]struct{}

	cleanupTicker *time.Ticker
	stopChan      chan struct{}
	stopOnce      sync.Once
}

// NewManager creates a session manager
func NewManager(logger *logrus.Logger, store Store, newSupervisor SupervisorFactory) *Manager {
	m := &Manager{
		logger:        logger,
		store:         store,
		newSupervisor: newSupervisor,
		supervisors:   make(map[string]*Supervisor),
		pending:       make(map[string]struct{}),
		stopChan:      make(chan struct{}),
	}

	m.cleanupTicker = time.NewTicker(5 * time.Minute)
	go m.cleanupLoop()

	return m
}

// StartSession creates and starts a session. The session ID must be new.
// The ID is reserved under the lock before the supervisor is built, so a
// concurrent start with the same ID fails instead of racing the factory.
func (m *Manager) StartSession(ctx context.Context, sessionID string) (*Supervisor, error) {
	m.mu.Lock()
	_, running := m.supervisors[sessionID]
	_, starting := m.pending[sessionID]
	if running || starting {
		m.mu.Unlock()
		return nil, errors.Wrap(errors.ErrSessionAlreadyExists, "session already running").
			WithField("session_id", sessionID)
	}
	m.pending[sessionID] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, sessionID)
		m.mu.Unlock()
	}()

	supervisor, err := m.newSupervisor(sessionID)
	if err != nil {
		return nil, err
	}

	if err := m.store.Put(&Record{
		SessionID: sessionID,
		Status:    StatusConnecting,
		StartTime: time.Now(),
	}); err != nil {
		return nil, err
	}

	if err := supervisor.Start(ctx); err != nil {
		_ = m.store.Delete(sessionID)
		return nil, err
	}

	m.mu.Lock()
	m.supervisors[sessionID] = supervisor
	m.mu.Unlock()

	_ = m.store.UpdateStatus(sessionID, StatusRecording)

	m.logger.WithField("session_id", sessionID).Info("Session started")
	return supervisor, nil
}

// GetSession returns the supervisor for a running session
func (m *Manager) GetSession(sessionID string) (*Supervisor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	supervisor, ok := m.supervisors[sessionID]
	if !ok {
		return nil, errors.NewSessionNotFound(sessionID)
	}
	return supervisor, nil
}

// StopSession stops capture for a session but keeps it resumable
func (m *Manager) StopSession(sessionID string) error {
	supervisor, err := m.GetSession(sessionID)
	if err != nil {
		return err
	}

	supervisor.Stop()
	return m.store.UpdateStatus(sessionID, StatusIdle)
}

// EndSession finishes a session, producing its reflection, and removes it
// from the active set.
func (m *Manager) EndSession(ctx context.Context, sessionID string) (*analysis.Reflection, error) {
	supervisor, err := m.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	reflection, err := supervisor.End(ctx)

	m.mu.Lock()
	delete(m.supervisors, sessionID)
	m.mu.Unlock()

	_ = m.store.UpdateStatus(sessionID, StatusEnded)

	if err != nil {
		return nil, err
	}
	m.logger.WithField("session_id", sessionID).Info("Session ended")
	return reflection, nil
}

// States returns snapshots of all active sessions
func (m *Manager) States() []State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]State, 0, len(m.supervisors))
	for _, supervisor := range m.supervisors {
		out = append(out, supervisor.Snapshot())
	}
	return out
}

// ActiveCount returns the number of active sessions
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.supervisors)
}

// Shutdown stops all active sessions and the cleanup loop
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() {
		close(m.stopChan)
		m.cleanupTicker.Stop()
	})

	m.mu.Lock()
	supervisors := make([]*Supervisor, 0, len(m.supervisors))
	for _, supervisor := range m.supervisors {
		supervisors = append(supervisors, supervisor)
	}
	m.supervisors = make(map[string]*Supervisor)
	m.mu.Unlock()

	for _, supervisor := range supervisors {
		supervisor.Stop()
		_ = m.store.UpdateStatus(supervisor.ID(), StatusEnded)
	}

	m.logger.WithField("stopped", len(supervisors)).Info("Session manager shut down")
	return nil
}

func (m *Manager) cleanupLoop() {
	for {
		select {
		case <-m.stopChan:
			return
		case <-m.cleanupTicker.C:
			m.store.Cleanup(24 * time.Hour)
		}
	}
}
