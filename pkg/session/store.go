package session

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"kaiwa-server/pkg/errors"
)

// Record is the persisted view of a session.
type Record struct {
	SessionID  string                 `json:"session_id"`
	Status     Status                 `json:"status"`
	StartTime  time.Time              `json:"start_time"`
	LastUpdate time.Time              `json:"last_update"`
	EndTime    time.Time              `json:"end_time,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Store is the contract for session record storage backends.
type Store interface {
	Put(record *Record) error
	Get(sessionID string) (*Record, error)
	UpdateStatus(sessionID string, status Status) error
	Delete(sessionID string) error
	List() ([]*Record, error)
	Cleanup(maxAge time.Duration) int
}

// MemoryStore keeps session records in process memory.
type MemoryStore struct {
	logger  *logrus.Logger
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore creates an in-memory session store
func NewMemoryStore(logger *logrus.Logger) *MemoryStore {
	return &MemoryStore{
		logger:  logger,
		records: make(map[string]*Record),
	}
}

// Put stores or replaces a session record
func (s *MemoryStore) Put(record *Record) error {
	if record == nil || record.SessionID == "" {
		return errors.NewInvalidInput("session record requires a session ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *record
	clone.LastUpdate = time.Now()
	s.records[record.SessionID] = &clone
	return nil
}

// Get returns the record for a session
func (s *MemoryStore) Get(sessionID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[sessionID]
	if !ok {
		return nil, errors.NewSessionNotFound(sessionID)
	}
	clone := *record
	return &clone, nil
}

// UpdateStatus changes the status of an existing session
func (s *MemoryStore) UpdateStatus(sessionID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[sessionID]
	if !ok {
		return errors.NewSessionNotFound(sessionID)
	}
	record.Status = status
	record.LastUpdate = time.Now()
	if status == StatusEnded {
		record.EndTime = record.LastUpdate
	}
	return nil
}

// Delete removes a session record
func (s *MemoryStore) Delete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[sessionID]; !ok {
		return errors.NewSessionNotFound(sessionID)
	}
	delete(s.records, sessionID)
	return nil
}

// List returns all records, unordered
func (s *MemoryStore) List() ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Record, 0, len(s.records))
	for _, record := range s.records {
		clone := *record
		out = append(out, &clone)
	}
	return out, nil
}

// Cleanup removes ended sessions older than maxAge and returns the count
func (s *MemoryStore) Cleanup(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, record := range s.records {
		if record.Status == StatusEnded && record.LastUpdate.Before(cutoff) {
			delete(s.records, id)
			removed++
		}
	}

	if removed > 0 {
		s.logger.WithField("removed", removed).Debug("Cleaned up ended sessions")
	}
	return removed
}
