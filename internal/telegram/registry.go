package telegram

import (
	"fmt"
	"sync"
	"time"

	. "agentgate/internal/logging"
	"agentgate/internal/store"
)

// Registry holds the live chat-to-user mappings. The chatId/userId relation
// is kept bijective: pairing a chat that already belongs to another user, or
// a user who already owns another chat, evicts the stale mapping first.
type Registry struct {
	mu     sync.Mutex
	store  *store.TelegramStore
	byChat map[int64]store.TelegramMapping
	byUser map[string]int64
}

func NewRegistry(st *store.TelegramStore) *Registry {
	return &Registry{
		store:  st,
		byChat: make(map[int64]store.TelegramMapping),
		byUser: make(map[string]int64),
	}
}

// Load restores mappings from the manifest.
func (r *Registry) Load() error {
	mappings, err := r.store.LoadAll()
	if err != nil {
		return fmt.Errorf("load telegram mappings: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range mappings {
		r.byChat[m.ChatID] = m
		r.byUser[m.UserID] = m.ChatID
	}
	L_info("telegram mappings restored", "count", len(mappings))
	return nil
}

// Pair installs a mapping, evicting any conflicting ones, and persists.
func (r *Registry) Pair(m store.TelegramMapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prevChat, ok := r.byUser[m.UserID]; ok && prevChat != m.ChatID {
		delete(r.byChat, prevChat)
		L_info("re-pairing user to a new chat", "userId", m.UserID,
			"oldChatId", prevChat, "newChatId", m.ChatID)
	}
	if prev, ok := r.byChat[m.ChatID]; ok && prev.UserID != m.UserID {
		delete(r.byUser, prev.UserID)
		L_warn("chat re-paired to a different user", "chatId", m.ChatID,
			"oldUserId", prev.UserID, "newUserId", m.UserID)
	}

	r.byChat[m.ChatID] = m
	r.byUser[m.UserID] = m.ChatID
	return r.persistLocked()
}

// ByChat looks up the mapping for a chat.
func (r *Registry) ByChat(chatID int64) (store.TelegramMapping, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byChat[chatID]
	return m, ok
}

// ByUser looks up the mapping for a backend user.
func (r *Registry) ByUser(userID string) (store.TelegramMapping, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	chatID, ok := r.byUser[userID]
	if !ok {
		return store.TelegramMapping{}, false
	}
	return r.byChat[chatID], true
}

// RemoveByUser deletes the user's mapping, reporting whether one existed.
func (r *Registry) RemoveByUser(userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	chatID, ok := r.byUser[userID]
	if !ok {
		return false, nil
	}
	delete(r.byUser, userID)
	delete(r.byChat, chatID)
	return true, r.persistLocked()
}

// RemoveByChat deletes the mapping for a chat, reporting whether one existed.
func (r *Registry) RemoveByChat(chatID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.byChat[chatID]
	if !ok {
		return false, nil
	}
	delete(r.byChat, chatID)
	delete(r.byUser, m.UserID)
	return true, r.persistLocked()
}

// SetAgent updates the user's default agent.
func (r *Registry) SetAgent(userID, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	chatID, ok := r.byUser[userID]
	if !ok {
		return fmt.Errorf("no mapping for user %s", userID)
	}
	m := r.byChat[chatID]
	m.AgentID = agentID
	r.byChat[chatID] = m
	return r.persistLocked()
}

// SetToken stores a rotated bearer token for the chat and persists it.
func (r *Registry) SetToken(chatID int64, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.byChat[chatID]
	if !ok {
		return fmt.Errorf("no mapping for chat %d", chatID)
	}
	m.AuthToken = token
	m.NeedsRepair = false
	r.byChat[chatID] = m
	return r.persistLocked()
}

// Touch bumps lastActive for the chat. Manifest persistence is deferred to
// the next mutating call; lastActive is advisory.
func (r *Registry) Touch(chatID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.byChat[chatID]; ok {
		m.LastActive = time.Now()
		r.byChat[chatID] = m
	}
}

// All returns a snapshot of every mapping.
func (r *Registry) All() []store.TelegramMapping {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]store.TelegramMapping, 0, len(r.byChat))
	for _, m := range r.byChat {
		out = append(out, m)
	}
	return out
}

// Len reports the number of paired chats.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byChat)
}

// Persist rewrites the manifest from the current mapping set.
func (r *Registry) Persist() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.persistLocked()
}

func (r *Registry) persistLocked() error {
	mappings := make([]store.TelegramMapping, 0, len(r.byChat))
	for _, m := range r.byChat {
		mappings = append(mappings, m)
	}
	if err := r.store.Persist(mappings); err != nil {
		return fmt.Errorf("persist telegram mappings: %w", err)
	}
	return nil
}
