// Package msgcache holds the per-session bounded message caches: the index of
// messages the bot itself sent (echo suppression) and a small per-contact
// window of recent traffic for ad-hoc context lookups.
package msgcache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// SentIndexCap bounds the own-message index, FIFO eviction.
	SentIndexCap = 1000
	// ContactWindowCap bounds the per-contact recent-message window.
	ContactWindowCap = 50
	// maxContacts bounds how many remote chats keep a window at once.
	maxContacts = 256
)

// SentIndex is a bounded FIFO set of message IDs the gateway emitted on a
// session. The transport may deliver the gateway's own outbound message back
// as an inbound event; membership here marks it as an echo.
type SentIndex struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	cap   int
}

// NewSentIndex creates an index with the default capacity.
func NewSentIndex() *SentIndex {
	return &SentIndex{
		ids: make(map[string]struct{}, SentIndexCap),
		cap: SentIndexCap,
	}
}

// Add records a message id, evicting the oldest entry at capacity.
func (s *SentIndex) Add(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[id]; ok {
		return
	}
	if len(s.order) >= s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.ids, oldest)
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
}

// Contains reports whether the id was sent by this gateway instance.
func (s *SentIndex) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

// Len returns the current number of tracked ids.
func (s *SentIndex) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// CachedMessage is one entry of a contact's recent-message window.
type CachedMessage struct {
	Timestamp time.Time `json:"timestamp"`
	FromMe    bool      `json:"fromMe"`
	Text      string    `json:"text"`
	MessageID string    `json:"messageId"`
}

// MessageCache keeps a bounded window of recent messages per remote contact.
// It is advisory context for tooling, not authoritative history.
type MessageCache struct {
	contacts *lru.Cache[string, *contactWindow]
}

type contactWindow struct {
	mu   sync.Mutex
	msgs []CachedMessage
}

// NewMessageCache creates an empty cache.
func NewMessageCache() *MessageCache {
	contacts, _ := lru.New[string, *contactWindow](maxContacts)
	return &MessageCache{contacts: contacts}
}

// Record appends a message to the contact's window, evicting the oldest once
// the window is full.
func (c *MessageCache) Record(remoteChatID string, msg CachedMessage) {
	w, ok := c.contacts.Get(remoteChatID)
	if !ok {
		w = &contactWindow{}
		// Another recorder may have raced us in; keep whichever won.
		if prev, existed, _ := c.contacts.PeekOrAdd(remoteChatID, w); existed {
			w = prev
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msg)
	if len(w.msgs) > ContactWindowCap {
		w.msgs = w.msgs[len(w.msgs)-ContactWindowCap:]
	}
}

// Recent returns up to limit most recent messages for a contact, oldest
// first. limit <= 0 returns the full window.
func (c *MessageCache) Recent(remoteChatID string, limit int) []CachedMessage {
	w, ok := c.contacts.Get(remoteChatID)
	if !ok {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	msgs := w.msgs
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]CachedMessage, len(msgs))
	copy(out, msgs)
	return out
}
