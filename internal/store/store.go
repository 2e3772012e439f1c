// Package store persists session and mapping manifests for both transports.
//
// Both backends are single-writer: one gateway process owns a directory, and
// every mutation rewrites the full JSON manifest atomically (temp file then
// rename). Tokens are encrypted at rest and decrypted best-effort on load;
// a record whose token no longer decrypts is kept and flagged for re-pairing
// rather than dropped.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// WhatsAppSession is the live (decrypted) form of one manifest entry.
type WhatsAppSession struct {
	SessionID   string
	UserID      string
	PhoneNumber string
	// AuthToken is the live plaintext bearer token. Empty when the stored
	// blob failed to decrypt; NeedsRepair is set in that case.
	AuthToken     string
	NeedsRepair   bool
	CreatedAt     time.Time
	LastConnected time.Time
}

// TelegramMapping binds a Telegram chat to a backend user.
type TelegramMapping struct {
	ChatID      int64
	Username    string
	UserID      string
	AuthToken   string
	NeedsRepair bool
	AgentID     string
	WorkspaceID string
	PairedAt    time.Time
	LastActive  time.Time
}

// writeFileAtomic serializes v to path via a temp file and rename, so a crash
// mid-write never leaves a truncated manifest.
func writeFileAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp manifest: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename manifest: %w", err)
	}
	return nil
}
