package telegram

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	. "agentgate/internal/logging"
)

// CodeTTL is how long an issued pairing code stays claimable.
const CodeTTL = 10 * time.Minute

// PendingPair is an issued, not-yet-claimed pairing code.
type PendingPair struct {
	Code        string
	UserID      string
	AuthToken   string
	AgentID     string
	WorkspaceID string
	CreatedAt   time.Time
}

func (p PendingPair) expiredAt(now time.Time) bool {
	return now.Sub(p.CreatedAt) > CodeTTL
}

// PairingCodes tracks pending pairing codes. At most one code is pending per
// user; issuing a new one evicts the previous.
type PairingCodes struct {
	mu     sync.Mutex
	byCode map[string]PendingPair
	byUser map[string]string

	// now is swapped out by tests.
	now func() time.Time
}

func NewPairingCodes() *PairingCodes {
	return &PairingCodes{
		byCode: make(map[string]PendingPair),
		byUser: make(map[string]string),
		now:    time.Now,
	}
}

// Issue creates a fresh code for the user, replacing any pending one.
func (p *PairingCodes) Issue(userID, authToken, agentID, workspaceID string) PendingPair {
	p.mu.Lock()
	defer p.mu.Unlock()

	if old, ok := p.byUser[userID]; ok {
		delete(p.byCode, old)
	}

	pair := PendingPair{
		Code:        newPairingCode(),
		UserID:      userID,
		AuthToken:   authToken,
		AgentID:     agentID,
		WorkspaceID: workspaceID,
		CreatedAt:   p.now(),
	}
	p.byCode[pair.Code] = pair
	p.byUser[userID] = pair.Code
	return pair
}

// Claim consumes a code. Expired or unknown codes return false; either way
// the code is no longer claimable afterwards.
func (p *PairingCodes) Claim(code string) (PendingPair, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))

	p.mu.Lock()
	defer p.mu.Unlock()

	pair, ok := p.byCode[code]
	if !ok {
		return PendingPair{}, false
	}
	delete(p.byCode, code)
	delete(p.byUser, pair.UserID)

	if pair.expiredAt(p.now()) {
		return PendingPair{}, false
	}
	return pair, true
}

// Cancel drops any pending code for the user, reporting whether one existed.
func (p *PairingCodes) Cancel(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	code, ok := p.byUser[userID]
	if ok {
		delete(p.byCode, code)
		delete(p.byUser, userID)
	}
	return ok
}

// Sweep purges expired codes. Called from the cron sweeper.
func (p *PairingCodes) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	removed := 0
	for code, pair := range p.byCode {
		if pair.expiredAt(now) {
			delete(p.byCode, code)
			delete(p.byUser, pair.UserID)
			removed++
		}
	}
	if removed > 0 {
		L_debug("expired pairing codes purged", "count", removed)
	}
	return removed
}

// Len reports the number of pending codes.
func (p *PairingCodes) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byCode)
}

// newPairingCode returns a 6-char uppercase hex code.
func newPairingCode() string {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return strings.ToUpper(hex.EncodeToString(b[:]))
}
