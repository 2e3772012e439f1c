package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	. "agentgate/internal/logging"
	"agentgate/internal/tokencrypt"
)

const telegramManifest = "telegram-mappings.json"

// telegramRecord is the on-disk form of a mapping, keyed by chat id.
type telegramRecord struct {
	TelegramChatID     int64     `json:"telegramChatId"`
	TelegramUsername   string    `json:"telegramUsername,omitempty"`
	UserID             string    `json:"userId"`
	EncryptedAuthToken string    `json:"encryptedAuthToken,omitempty"`
	AgentID            string    `json:"agentId,omitempty"`
	WorkspaceID        string    `json:"workspaceId,omitempty"`
	PairedAt           time.Time `json:"pairedAt"`
	LastActive         time.Time `json:"lastActive"`
}

// TelegramStore persists the chat-to-user mapping manifest.
type TelegramStore struct {
	dir    string
	secret string
}

// NewTelegramStore creates a store rooted at dir, creating it if needed.
func NewTelegramStore(dir, secret string) (*TelegramStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &TelegramStore{dir: dir, secret: secret}, nil
}

// LoadAll reads the mapping manifest, decrypting tokens best-effort.
func (s *TelegramStore) LoadAll() ([]TelegramMapping, error) {
	path := filepath.Join(s.dir, telegramManifest)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var manifest map[string]telegramRecord
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	mappings := make([]TelegramMapping, 0, len(manifest))
	for key, rec := range manifest {
		if rec.TelegramChatID == 0 {
			// Older manifests carried the chat id only in the key.
			if id, err := strconv.ParseInt(key, 10, 64); err == nil {
				rec.TelegramChatID = id
			} else {
				L_warn("mapping skipped, unparseable chat id", "key", key, "userId", rec.UserID)
				continue
			}
		}

		m := TelegramMapping{
			ChatID:      rec.TelegramChatID,
			Username:    rec.TelegramUsername,
			UserID:      rec.UserID,
			AgentID:     rec.AgentID,
			WorkspaceID: rec.WorkspaceID,
			PairedAt:    rec.PairedAt,
			LastActive:  rec.LastActive,
		}
		if rec.EncryptedAuthToken != "" {
			token, ok := tokencrypt.Decrypt(rec.EncryptedAuthToken, s.secret)
			if ok {
				m.AuthToken = token
			} else {
				m.NeedsRepair = true
				L_warn("mapping token failed to decrypt, needs re-pairing",
					"chatId", m.ChatID, "userId", m.UserID)
			}
		}
		mappings = append(mappings, m)
	}
	return mappings, nil
}

// Persist rewrites the full manifest from the live mapping set, re-encrypting
// current tokens.
func (s *TelegramStore) Persist(mappings []TelegramMapping) error {
	manifest := make(map[string]telegramRecord, len(mappings))
	for _, m := range mappings {
		rec := telegramRecord{
			TelegramChatID:   m.ChatID,
			TelegramUsername: m.Username,
			UserID:           m.UserID,
			AgentID:          m.AgentID,
			WorkspaceID:      m.WorkspaceID,
			PairedAt:         m.PairedAt,
			LastActive:       m.LastActive,
		}
		if m.AuthToken != "" {
			blob, err := tokencrypt.Encrypt(m.AuthToken, s.secret)
			if err != nil {
				return fmt.Errorf("encrypt token for chat %d: %w", m.ChatID, err)
			}
			rec.EncryptedAuthToken = blob
		}
		manifest[strconv.FormatInt(m.ChatID, 10)] = rec
	}

	return writeFileAtomic(filepath.Join(s.dir, telegramManifest), manifest)
}
