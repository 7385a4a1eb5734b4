package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"portal_crawler/models"
)

// ErrNotFound is returned by Load when no session has been saved yet.
var ErrNotFound = errors.New("no saved auth session")

// Store persists the authenticated browser state between runs.
type Store interface {
	Load(ctx context.Context) (*models.AuthSession, error)
	Save(ctx context.Context, session *models.AuthSession) error
}

// FileStore keeps the session as a JSON file on local disk.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(ctx context.Context) (*models.AuthSession, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	return decode(data)
}

// Save writes to a temp file and renames it over the old one so a crash
// never leaves a half-written session behind.
func (s *FileStore) Save(ctx context.Context, session *models.AuthSession) error {
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".storage_state-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	return nil
}

// Mirrored reads from the local store first and falls back to the remote
// copy, so a fresh machine can pick up a session saved elsewhere. Saves go
// to both; a failed remote save is logged, not returned.
type Mirrored struct {
	local  Store
	remote Store
	logger zerolog.Logger
}

func NewMirrored(local, remote Store, logger zerolog.Logger) *Mirrored {
	return &Mirrored{local: local, remote: remote, logger: logger.With().Str("component", "credentials").Logger()}
}

func (m *Mirrored) Load(ctx context.Context) (*models.AuthSession, error) {
	session, err := m.local.Load(ctx)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, ErrNotFound) {
		m.logger.Warn().Err(err).Msg("local session unreadable, trying remote")
	}

	session, remoteErr := m.remote.Load(ctx)
	if remoteErr != nil {
		if errors.Is(remoteErr, ErrNotFound) && errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, remoteErr
	}
	if saveErr := m.local.Save(ctx, session); saveErr != nil {
		m.logger.Warn().Err(saveErr).Msg("could not cache remote session locally")
	}
	return session, nil
}

func (m *Mirrored) Save(ctx context.Context, session *models.AuthSession) error {
	if err := m.local.Save(ctx, session); err != nil {
		return err
	}
	if err := m.remote.Save(ctx, session); err != nil {
		m.logger.Warn().Err(err).Msg("remote session save failed")
	}
	return nil
}

func decode(data []byte) (*models.AuthSession, error) {
	var session models.AuthSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &session, nil
}
