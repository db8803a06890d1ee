// Package memory provides an in-memory session store for development,
// testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextsession/authkit/session"
)

// entry pairs a session with its server-side retention deadline
type entry struct {
	sess      *session.Session
	expiresAt time.Time
}

// Store is an in-memory session store. A background loop evicts records
// past their retention deadline.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]entry

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface check
var _ session.Store = (*Store)(nil)

// New creates a new in-memory session store with a one-minute cleanup
// interval.
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a store with a custom cleanup interval.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		sessions:        make(map[string]entry),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// Save persists the session under its id.
func (s *Store) Save(ctx context.Context, sess *session.Session, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", session.ErrUnavailable, err)
	}
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("session id is required")
	}

	var deadline time.Time
	if ttl > 0 {
		deadline = time.Now().Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = entry{sess: sess.Clone(), expiresAt: deadline}
	return nil
}

// Get returns the session or (nil, nil) when absent or past retention.
func (s *Store) Get(ctx context.Context, id string) (*session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrUnavailable, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		return nil, nil
	}
	return e.sess.Clone(), nil
}

// Delete removes the session. Missing ids are not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", session.ErrUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// Len returns the number of live sessions, for metrics callbacks.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// cleanupLoop periodically drops sessions past their retention deadline
func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *Store) cleanup() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.sessions {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("Session cleanup completed",
			"removed", removed,
			"remaining", len(s.sessions))
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}
