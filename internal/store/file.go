package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/imagify-app/imagify-desk/internal/models"
)

// FileStore persists the token and history as files under a state
// directory. Writes go through a temp file plus rename so a crash never
// leaves a half-written file behind.
type FileStore struct {
	dir   string
	scope string
}

// NewFileStore creates the state directory if needed. scope isolates token
// files when several surfaces share one directory (for example one per
// Telegram chat); history files are shared because they are keyed by user.
func NewFileStore(dir, scope string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("state directory is required")
	}
	if scope == "" {
		scope = "default"
	}
	if err := os.MkdirAll(filepath.Join(dir, "sessions"), 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "history"), 0o700); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	return &FileStore{dir: dir, scope: scope}, nil
}

func (s *FileStore) Token() (string, bool) {
	data, err := os.ReadFile(s.tokenPath())
	if err != nil {
		return "", false
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", false
	}
	return token, true
}

func (s *FileStore) SetToken(token string) error {
	if token == "" {
		return fmt.Errorf("refusing to persist an empty token")
	}
	return atomicWrite(s.tokenPath(), []byte(token))
}

func (s *FileStore) ClearToken() error {
	if err := os.Remove(s.tokenPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear token: %w", err)
	}
	return nil
}

func (s *FileStore) Append(userID string, entry models.HistoryEntry) error {
	if userID == "" {
		return fmt.Errorf("history requires a user id")
	}
	entries, err := s.List(userID)
	if err != nil {
		return err
	}
	entries = append([]models.HistoryEntry{entry}, entries...)
	if len(entries) > models.HistoryCapacity {
		entries = entries[:models.HistoryCapacity]
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	return atomicWrite(s.historyPath(userID), data)
}

func (s *FileStore) List(userID string) ([]models.HistoryEntry, error) {
	data, err := os.ReadFile(s.historyPath(userID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read history: %w", err)
	}
	var entries []models.HistoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		// A corrupt history file is not worth failing generation over;
		// start over.
		return nil, nil
	}
	return entries, nil
}

func (s *FileStore) tokenPath() string {
	return filepath.Join(s.dir, "sessions", sanitize(s.scope)+".token")
}

func (s *FileStore) historyPath(userID string) string {
	return filepath.Join(s.dir, "history", sanitize(userID)+".json")
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// sanitize keeps scope and user ids safe to use as file names.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
