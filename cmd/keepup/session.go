package main

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// Session is a token saved by "keepup login".
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Username  string    `json:"username"`
	ServerURL string    `json:"server_url"`
}

// SessionManager stores the session file, readable by the user only.
type SessionManager struct {
	path string
}

// NewSessionManager keeps the session under dir, ~/.keepup when empty.
func NewSessionManager(dir string) *SessionManager {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		dir = filepath.Join(home, ".keepup")
	}
	return &SessionManager{path: filepath.Join(dir, "session.json")}
}

func (sm *SessionManager) Save(s *Session) error {
	if err := os.MkdirAll(filepath.Dir(sm.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(sm.path, data, 0o600)
}

// Load returns nil without error when there is no session or it expired.
func (sm *SessionManager) Load() (*Session, error) {
	data, err := os.ReadFile(sm.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt) {
		_ = sm.Clear()
		return nil, nil
	}
	return &s, nil
}

func (sm *SessionManager) Clear() error {
	if err := os.Remove(sm.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (sm *SessionManager) Path() string { return sm.path }
