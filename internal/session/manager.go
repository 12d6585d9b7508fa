package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/medtranslate/internal/language"
	"github.com/ent0n29/medtranslate/internal/pipeline"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrEnded           = errors.New("session ended")
	ErrAlreadyAttached = errors.New("session already has a live connection")
)

type Session struct {
	ID             string          `json:"session_id"`
	Status         Status          `json:"status"`
	Languages      language.Config `json:"languages"`
	Capabilities   Capabilities    `json:"capabilities"`
	Connected      bool            `json:"connected"`
	StartedAt      time.Time       `json:"started_at"`
	LastActivityAt time.Time       `json:"last_activity_at"`
	EndedAt        time.Time       `json:"ended_at,omitzero"`
}

// SnapshotFunc returns the live pipeline state of an attached connection.
type SnapshotFunc func() pipeline.State

type entry struct {
	session  *Session
	snapshot SnapshotFunc
	detach   func()
}

type Manager struct {
	mu        sync.RWMutex
	sessions  map[string]*entry
	retention time.Duration
	onExpire  func(*Session)
	now       func() time.Time
}

// NewManager builds a registry that ends sessions idle for longer than retention.
func NewManager(retention time.Duration) *Manager {
	if retention <= 0 {
		retention = 30 * time.Minute
	}
	return &Manager{
		sessions:  make(map[string]*entry),
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) Retention() time.Duration {
	return m.retention
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(langs language.Config, caps Capabilities) *Session {
	now := m.now()
	s := &Session{
		ID:             uuid.NewString(),
		Status:         StatusActive,
		Languages:      langs,
		Capabilities:   caps,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = &entry{session: s}
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(e.session), nil
}

// View returns the session with the live state of its attached connection, if any.
func (m *Manager) View(sessionID string) (View, error) {
	m.mu.RLock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.RUnlock()
		return View{}, ErrNotFound
	}
	s := clone(e.session)
	snapshot := e.snapshot
	m.mu.RUnlock()

	v := View{Session: s}
	if snapshot != nil {
		state := snapshot()
		v.Live = &state
	}
	return v, nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.session.LastActivityAt = m.now()
	return nil
}

// UpdateLanguages records the pair currently selected on the live connection.
func (m *Manager) UpdateLanguages(sessionID string, langs language.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.session.Languages = langs
	return nil
}

// Attach binds a live connection to the session. detach is invoked when the
// session is ended or expired so the connection can tear down.
func (m *Manager) Attach(sessionID string, snapshot SnapshotFunc, detach func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if e.session.Status != StatusActive {
		return ErrEnded
	}
	if e.snapshot != nil {
		return ErrAlreadyAttached
	}
	e.snapshot = snapshot
	e.detach = detach
	e.session.Connected = true
	e.session.LastActivityAt = m.now()
	return nil
}

func (m *Manager) Detach(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	e.snapshot = nil
	e.detach = nil
	e.session.Connected = false
}

func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	e, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	detach := m.endLocked(e)
	s := clone(e.session)
	m.mu.Unlock()

	if detach != nil {
		detach()
	}
	return s, nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireIdle()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.sessions {
		if e.session.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireIdle() {
	now := m.now()
	var (
		expired  []*Session
		detaches []func()
	)

	m.mu.Lock()
	for id, e := range m.sessions {
		if e.session.Status != StatusActive {
			// Ended sessions are kept for one more retention window for lookups.
			if now.Sub(e.session.EndedAt) >= m.retention {
				delete(m.sessions, id)
			}
			continue
		}
		if now.Sub(e.session.LastActivityAt) < m.retention {
			continue
		}
		if detach := m.endLocked(e); detach != nil {
			detaches = append(detaches, detach)
		}
		expired = append(expired, clone(e.session))
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, detach := range detaches {
		detach()
	}
	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func (m *Manager) endLocked(e *entry) func() {
	now := m.now()
	if e.session.Status == StatusActive {
		e.session.Status = StatusEnded
		e.session.EndedAt = now
	}
	e.session.LastActivityAt = now
	e.session.Connected = false
	detach := e.detach
	e.snapshot = nil
	e.detach = nil
	return detach
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
