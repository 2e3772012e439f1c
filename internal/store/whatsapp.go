package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	. "agentgate/internal/logging"
	"agentgate/internal/tokencrypt"
)

const whatsappManifest = "sessions.json"

// whatsappRecord is the on-disk form of a session.
type whatsappRecord struct {
	SessionID          string     `json:"sessionId"`
	UserID             string     `json:"userId"`
	PhoneNumber        string     `json:"phoneNumber,omitempty"`
	EncryptedAuthToken string     `json:"encryptedAuthToken,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	LastConnected      *time.Time `json:"lastConnected,omitempty"`
}

// WhatsAppStore persists the WhatsApp session manifest plus one opaque
// credentials directory per session.
type WhatsAppStore struct {
	dir    string
	secret string
}

// NewWhatsAppStore creates a store rooted at dir, creating it if needed.
func NewWhatsAppStore(dir, secret string) (*WhatsAppStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &WhatsAppStore{dir: dir, secret: secret}, nil
}

// CredentialsPath returns the session's opaque credential directory. The
// gateway only hands this to the transport library, never reads inside.
func (s *WhatsAppStore) CredentialsPath(sessionID string) string {
	return filepath.Join(s.dir, sessionID)
}

// EnsureCredentialsDir creates the credential directory for a new session.
func (s *WhatsAppStore) EnsureCredentialsDir(sessionID string) error {
	if err := os.MkdirAll(s.CredentialsPath(sessionID), 0o700); err != nil {
		return fmt.Errorf("create credentials dir for %s: %w", sessionID, err)
	}
	return nil
}

// LoadAll reads the manifest. Entries whose credential directory is missing
// are logged and skipped (not deleted - an operator may restore the
// directory). Token decryption is best-effort; failures flag the session for
// re-pairing instead of dropping it.
func (s *WhatsAppStore) LoadAll() ([]WhatsAppSession, error) {
	path := filepath.Join(s.dir, whatsappManifest)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var manifest map[string]whatsappRecord
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	sessions := make([]WhatsAppSession, 0, len(manifest))
	for id, rec := range manifest {
		if _, err := os.Stat(s.CredentialsPath(id)); err != nil {
			L_warn("session skipped, credentials directory missing",
				"sessionId", id, "userId", rec.UserID)
			continue
		}

		sess := WhatsAppSession{
			SessionID:   id,
			UserID:      rec.UserID,
			PhoneNumber: rec.PhoneNumber,
			CreatedAt:   rec.CreatedAt,
		}
		if rec.LastConnected != nil {
			sess.LastConnected = *rec.LastConnected
		}
		if rec.EncryptedAuthToken != "" {
			token, ok := tokencrypt.Decrypt(rec.EncryptedAuthToken, s.secret)
			if ok {
				sess.AuthToken = token
			} else {
				sess.NeedsRepair = true
				L_warn("session token failed to decrypt, needs re-pairing",
					"sessionId", id, "userId", rec.UserID)
			}
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// Persist rewrites the full manifest from the live session set, re-encrypting
// each current token so rotations survive a restart.
func (s *WhatsAppStore) Persist(sessions []WhatsAppSession) error {
	manifest := make(map[string]whatsappRecord, len(sessions))
	for _, sess := range sessions {
		rec := whatsappRecord{
			SessionID:   sess.SessionID,
			UserID:      sess.UserID,
			PhoneNumber: sess.PhoneNumber,
			CreatedAt:   sess.CreatedAt,
		}
		if !sess.LastConnected.IsZero() {
			t := sess.LastConnected
			rec.LastConnected = &t
		}
		if sess.AuthToken != "" {
			blob, err := tokencrypt.Encrypt(sess.AuthToken, s.secret)
			if err != nil {
				return fmt.Errorf("encrypt token for %s: %w", sess.SessionID, err)
			}
			rec.EncryptedAuthToken = blob
		}
		manifest[sess.SessionID] = rec
	}

	return writeFileAtomic(filepath.Join(s.dir, whatsappManifest), manifest)
}

// Remove deletes a session's credential directory. Safe to call when the
// directory is already gone. The manifest entry disappears on the next
// Persist of the live set.
func (s *WhatsAppStore) Remove(sessionID string) error {
	path := s.CredentialsPath(sessionID)
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove credentials for %s: %w", sessionID, err)
	}
	return nil
}
