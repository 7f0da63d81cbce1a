package service

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/neuroslice/server/internal/cache"
	"github.com/neuroslice/server/internal/loader"
	"github.com/neuroslice/server/internal/render"
)

// ErrTooManySessions is returned by Create when the session limit is reached.
var ErrTooManySessions = errors.New("too many open sessions")

// ManagerConfig contains session manager configuration.
type ManagerConfig struct {
	Options       Options
	MaxSessions   int           // 0 means unlimited
	IdleTimeout   time.Duration // Sessions unused this long are closed (default 30m)
	CleanupPeriod time.Duration
}

// Manager owns the open sessions and closes idle ones.
type Manager struct {
	cfg      ManagerConfig
	renderer *render.Renderer
	cache    *cache.Manager
	loader   *loader.Loader

	mu       sync.Mutex
	sessions map[string]*Session

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a session manager.
func NewManager(cfg ManagerConfig, renderer *render.Renderer, cacheMgr *cache.Manager, ld *loader.Loader) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = time.Minute
	}
	return &Manager{
		cfg:      cfg,
		renderer: renderer,
		cache:    cacheMgr,
		loader:   ld,
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
	}
}

// Start starts the idle-session cleaner.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.cleaner()
}

// Stop closes every session and stops the cleaner.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()

		m.mu.Lock()
		sessions := m.sessions
		m.sessions = make(map[string]*Session)
		m.mu.Unlock()

		for _, s := range sessions {
			s.Close()
		}
	})
}

// Create opens a session and starts loading its background volume.
func (m *Manager) Create() (*Session, error) {
	m.mu.Lock()
	if m.cfg.MaxSessions > 0 && len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return nil, ErrTooManySessions
	}
	id := generateSessionID()
	s := NewSession(id, m.cfg.Options, m.renderer, m.cache, m.loader)
	m.sessions[id] = s
	m.mu.Unlock()

	if m.loader != nil {
		if _, err := s.LoadBackground(); err != nil {
			log.Printf("[Session] %s: failed to queue background load: %v", id, err)
		}
	}
	log.Printf("[Session] %s: opened", id)
	return s, nil
}

// Get returns a session by ID, or nil if not found.
func (m *Manager) Get(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// Delete closes and removes a session.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return false
	}
	s.Close()
	log.Printf("[Session] %s: closed", id)
	return true
}

// IDs returns the open session IDs in sorted order.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) cleaner() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			m.closeIdle(now)
		}
	}
}

// closeIdle closes sessions unused since before now-IdleTimeout and
// returns how many were closed.
func (m *Manager) closeIdle(now time.Time) int {
	cutoff := now.Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var idle []*Session
	for id, s := range m.sessions {
		if s.LastAccess().Before(cutoff) {
			idle = append(idle, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		s.Close()
	}
	if len(idle) > 0 {
		log.Printf("[Session] closed %d idle sessions", len(idle))
	}
	return len(idle)
}

func generateSessionID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}
