package interceptor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"keybroker/internal/broker"
	apierrors "keybroker/internal/errors"
	"keybroker/internal/infrastructure"
)

// Manager owns every open asset session
type Manager struct {
	opts   SessionOptions
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a Manager whose sessions share opts
func NewManager(opts SessionOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		opts:     opts,
		logger:   infrastructure.WithComponent(opts.Logger, "session_manager"),
		sessions: make(map[string]*Session),
	}
}

// Open starts a new session
func (m *Manager) Open(cfg SessionConfig) (*Session, error) {
	s, err := NewSession(cfg, m.opts)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	count := len(m.sessions)
	m.mu.Unlock()

	m.opts.Metrics.RecordSessionChange(context.Background(), 1)
	m.logger.Debug("Session registered",
		slog.String("session_id", s.ID),
		slog.Int("open_sessions", count))
	return s, nil
}

// Get returns the open session with id
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apierrors.ErrSessionNotFound, id)
	}
	return s, nil
}

// Close closes and forgets the session with id
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", apierrors.ErrSessionNotFound, id)
	}
	s.Close()
	m.opts.Metrics.RecordSessionChange(context.Background(), -1)
	return nil
}

// CloseOwned closes every session opened by owner and returns how many
func (m *Manager) CloseOwned(owner string) int {
	var ids []string
	m.mu.RLock()
	for id, s := range m.sessions {
		if s.Owner() == owner {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	closed := 0
	for _, id := range ids {
		if m.Close(id) == nil {
			closed++
		}
	}
	return closed
}

// CloseAll closes every session and waits for their workers to exit or ctx
// to be done.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
		m.opts.Metrics.RecordSessionChange(context.Background(), -1)
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if len(sessions) > 0 {
		m.logger.Info("All sessions closed", slog.Int("count", len(sessions)))
	}
	return nil
}

// List returns a snapshot of every open session ordered by creation time
func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		infos = append(infos, s.Info())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Count returns the number of open sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Intercept offers req to the session with id
func (m *Manager) Intercept(id string, req broker.Request) (bool, error) {
	s, err := m.Get(id)
	if err != nil {
		return false, err
	}
	return s.Intercept(req), nil
}
