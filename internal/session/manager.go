package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/skypro1111/meeting-audio-pipeline/internal/capture"
	"github.com/skypro1111/meeting-audio-pipeline/internal/metrics"
)

// ErrSessionNotFound is returned for unknown session ids
var ErrSessionNotFound = errors.New("session not found")

// ManagerConfig contains configuration for the session manager
type ManagerConfig struct {
	Session         Config
	IdleTimeout     time.Duration // Stopped or idle sessions older than this are removed
	CleanupInterval time.Duration
	MaxSessions     int
}

// Manager owns every session of the process
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
	metrics  *metrics.Metrics
	config   ManagerConfig
	deps     Deps

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a session manager and starts its cleanup routine
func NewManager(logger *slog.Logger, config ManagerConfig, deps Deps, m *metrics.Metrics) (*Manager, error) {
	if deps.Source == nil || deps.Speech == nil || deps.AI == nil {
		return nil, fmt.Errorf("audio source, speech client and AI completer are required")
	}
	if config.IdleTimeout <= 0 {
		return nil, fmt.Errorf("idle timeout must be positive, got %v", config.IdleTimeout)
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		sessions: make(map[string]*Session),
		logger:   logger,
		metrics:  m,
		config:   config,
		deps:     deps,
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr, nil
}

// CreateSession creates a new idle session
func (m *Manager) CreateSession() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config.MaxSessions > 0 && len(m.sessions) >= m.config.MaxSessions {
		return nil, fmt.Errorf("session limit reached (%d)", m.config.MaxSessions)
	}

	s, err := New(m.config.Session, m.deps, m.logger, m.metrics)
	if err != nil {
		return nil, err
	}
	m.sessions[s.ID] = s

	m.logger.Info("Created new session",
		slog.String("session_id", s.ID),
		slog.Int("active_sessions", len(m.sessions)),
	)

	return s, nil
}

// GetSession retrieves an existing session
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, exists := m.sessions[id]
	return s, exists
}

// Lookup is GetSession returning ErrSessionNotFound
func (m *Manager) Lookup(id string) (*Session, error) {
	if s, ok := m.GetSession(id); ok {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
}

// GetActiveSessionCount returns the number of sessions currently recording
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, s := range m.sessions {
		if st := s.Status(); st == StatusRecording || st == StatusPaused {
			n++
		}
	}
	return n
}

// GetAllSessions returns a snapshot of all sessions, oldest first
func (m *Manager) GetAllSessions() []*Session {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}

// ListDevices enumerates input devices through the shared audio source
func (m *Manager) ListDevices() ([]capture.Device, error) {
	devices, err := m.deps.Source.Devices()
	if err != nil {
		if errors.Is(err, capture.ErrPermissionDenied) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", capture.ErrDeviceEnumeration, err)
	}
	return devices, nil
}

// RemoveSession stops a session if needed and forgets it
func (m *Manager) RemoveSession(id string) bool {
	m.mu.Lock()
	s, exists := m.sessions[id]
	if exists {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !exists {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*m.config.Session.StopGracePeriod+time.Second)
	defer cancel()
	s.Close(ctx)

	m.logger.Info("Session removed",
		slog.String("session_id", id),
		slog.Duration("age", time.Since(s.CreatedAt)),
	)

	return true
}

// Stop closes every session and the cleanup routine
func (m *Manager) Stop() {
	m.logger.Info("Stopping session manager...")

	m.cancel()
	<-m.cleanup

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.RemoveSession(id)
		}(id)
	}
	wg.Wait()

	m.logger.Info("Session manager stopped", slog.Int("closed_sessions", len(ids)))
}

// startCleanupRoutine runs in a separate goroutine to remove idle sessions
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	m.logger.Info("Session cleanup routine started",
		slog.Duration("idle_timeout", m.config.IdleTimeout),
		slog.Duration("check_interval", m.config.CleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Session cleanup routine stopping")
			return

		case <-ticker.C:
			m.cleanupExpiredSessions()
		}
	}
}

// cleanupExpiredSessions removes sessions that are not recording and have
// been inactive for too long
func (m *Manager) cleanupExpiredSessions() {
	now := time.Now()
	expired := make([]string, 0)

	m.mu.RLock()
	for id, s := range m.sessions {
		switch s.Status() {
		case StatusRecording, StatusPaused, StatusStopping:
			continue
		}
		if now.Sub(s.LastActivity()) > m.config.IdleTimeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	if len(expired) > 0 {
		m.logger.Info("Cleaning up expired sessions", slog.Int("expired_count", len(expired)))
		for _, id := range expired {
			m.RemoveSession(id)
		}
	}
}
