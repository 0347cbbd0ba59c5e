package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrClosed   = errors.New("session closed")
)

// Manager owns the sessions of a daemon.
type Manager struct {
	deps Deps
	log  *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string

	reg metric.Registration
}

func NewManager(deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	m := &Manager{
		deps:     deps,
		log:      deps.Logger.With(slog.String("component", "session-manager")),
		sessions: make(map[string]*Session),
	}
	if err := m.initMetrics(otel.Meter("github.com/loqalabs/lyricsync/session")); err != nil {
		m.log.Warn("failed to register session metrics", slogError(err))
	}
	return m
}

func (m *Manager) initMetrics(meter metric.Meter) error {
	gauge, err := meter.Int64ObservableGauge("lyricsync.sessions.active",
		metric.WithDescription("Open playback sessions"))
	if err != nil {
		return err
	}
	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		m.mu.RLock()
		n := len(m.sessions)
		m.mu.RUnlock()
		o.ObserveInt64(gauge, int64(n))
		return nil
	}, gauge)
	if err != nil {
		return err
	}
	m.reg = reg
	return nil
}

// Create opens a session and registers it. It does not start playback.
func (m *Manager) Create(ctx context.Context, req Request) (*Session, error) {
	s, err := Open(ctx, req, m.deps)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.order = append(m.order, s.ID())
	m.mu.Unlock()
	return s, nil
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return s, nil
}

// List returns session info in creation order.
func (m *Manager) List() []Info {
	m.mu.RLock()
	ids := append([]string(nil), m.order...)
	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sessions = append(sessions, m.sessions[id])
	}
	m.mu.RUnlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Delete closes and forgets a session.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		for i, v := range m.order {
			if v == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return s.Close(ctx)
}

// Close closes every session.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, id := range m.order {
		sessions = append(sessions, m.sessions[id])
	}
	m.sessions = make(map[string]*Session)
	m.order = nil
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if m.reg != nil {
		if err := m.reg.Unregister(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
