package whatsapp

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"agentgate/internal/agent"
	"agentgate/internal/backend"
	"agentgate/internal/config"
	. "agentgate/internal/logging"
	"agentgate/internal/store"
)

var (
	// ErrSessionLimit is returned when the process is at MAX_SESSIONS.
	ErrSessionLimit = errors.New("session limit reached")
	// ErrNotFound covers both missing and not-owned sessions; the HTTP API
	// maps both to 404 so callers cannot probe other users' sessions.
	ErrNotFound = errors.New("session not found")
)

// Manager owns the process's WhatsApp sessions: at most one per user, each
// pinned to its own credential directory.
type Manager struct {
	store      *store.WhatsAppStore
	backend    *backend.Client
	dispatcher *agent.Dispatcher

	maxSessions      int
	privateResponses bool

	mu        sync.Mutex
	byID      map[string]*Session
	byUser    map[string]*Session
	persistMu sync.Mutex
}

// NewManager creates the session manager. Call Start to reconnect persisted
// sessions.
func NewManager(cfg config.WhatsAppConfig, st *store.WhatsAppStore, be *backend.Client, d *agent.Dispatcher) *Manager {
	return &Manager{
		store:            st,
		backend:          be,
		dispatcher:       d,
		maxSessions:      cfg.MaxSessions,
		privateResponses: cfg.PrivateResponses,
		byID:             make(map[string]*Session),
		byUser:           make(map[string]*Session),
	}
}

// Start loads persisted sessions and reconnects each. A session that fails
// to connect stays registered; its reconnect loop keeps trying and the HTTP
// API reports it as disconnected.
func (m *Manager) Start() error {
	records, err := m.store.LoadAll()
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}

	for _, rec := range records {
		sess := newSession(m, rec)
		m.mu.Lock()
		m.byID[sess.SessionID] = sess
		m.byUser[sess.UserID] = sess
		m.mu.Unlock()

		if err := sess.connect(); err != nil {
			L_error("session failed to reconnect on startup",
				"sessionId", sess.SessionID, "userId", sess.UserID, "error", err)
		}
	}

	L_info("whatsapp sessions restored", "count", len(records))
	return nil
}

// Create opens a new session for a user, or returns the existing one
// (idempotent re-login). The raw JWT becomes the session's initial bearer
// token.
func (m *Manager) Create(userID, token string) (*Session, error) {
	m.mu.Lock()
	if existing, ok := m.byUser[userID]; ok {
		m.mu.Unlock()
		existing.SetToken(token)
		m.persist()
		L_info("re-login onto existing session", "sessionId", existing.SessionID, "userId", userID)
		return existing, nil
	}
	if len(m.byID) >= m.maxSessions {
		m.mu.Unlock()
		return nil, ErrSessionLimit
	}

	sess := newSession(m, store.WhatsAppSession{
		SessionID: newSessionID(),
		UserID:    userID,
		AuthToken: token,
		CreatedAt: time.Now(),
	})
	m.byID[sess.SessionID] = sess
	m.byUser[userID] = sess
	m.mu.Unlock()

	if err := m.store.EnsureCredentialsDir(sess.SessionID); err != nil {
		m.remove(sess)
		return nil, err
	}
	m.persist()

	// Connecting synchronously means the QR payload is typically ready by
	// the time the client polls for it.
	if err := sess.connect(); err != nil {
		m.remove(sess)
		_ = m.store.Remove(sess.SessionID)
		return nil, fmt.Errorf("connect new session: %w", err)
	}

	L_info("session created", "sessionId", sess.SessionID, "userId", userID)
	return sess, nil
}

// Get returns a session by id, scoped to its owning user.
func (m *Manager) Get(sessionID, userID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.byID[sessionID]
	if !ok || sess.UserID != userID {
		return nil, ErrNotFound
	}
	return sess, nil
}

// ListForUser returns the user's sessions (at most one today, a slice for
// API stability).
func (m *Manager) ListForUser(userID string) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.byUser[userID]; ok {
		return []*Session{sess}
	}
	return nil
}

// Destroy closes the socket, deletes credentials, and removes the manifest
// entry.
func (m *Manager) Destroy(sessionID, userID string) error {
	sess, err := m.Get(sessionID, userID)
	if err != nil {
		return err
	}

	sess.close()
	m.remove(sess)
	if err := m.store.Remove(sessionID); err != nil {
		L_error("failed to delete credentials", "sessionId", sessionID, "error", err)
	}
	m.persist()

	L_info("session destroyed", "sessionId", sessionID, "userId", userID)
	return nil
}

// Shutdown closes all sockets without touching persisted state.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	m.persist()
}

// Sessions returns a snapshot of all live sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

func (m *Manager) remove(sess *Session) {
	m.mu.Lock()
	delete(m.byID, sess.SessionID)
	delete(m.byUser, sess.UserID)
	m.mu.Unlock()
}

// persist rewrites the manifest from the live session set. Serialized so two
// concurrent mutations cannot interleave partial manifests.
func (m *Manager) persist() {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.Lock()
	snapshots := make([]store.WhatsAppSession, 0, len(m.byID))
	for _, s := range m.byID {
		snapshots = append(snapshots, s.snapshot())
	}
	m.mu.Unlock()

	if err := m.store.Persist(snapshots); err != nil {
		L_error("failed to persist session manifest", "error", err)
	}
}

// newSessionID returns an 8-hex-char identifier.
func newSessionID() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
