// Package repostore is the durable registry of repositories and user
// settings. One JSON file backs the whole store; every mutation runs under a
// single lock and is persisted with a temp-file write plus atomic rename, so
// a crash mid-write leaves the previous file intact.
package repostore

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"pkt.systems/agentdeck/schema"
	"pkt.systems/pslog"
)

// fileSchema is the on-disk shape of the store.
type fileSchema struct {
	Repos    []schema.Repository `json:"repos"`
	Settings schema.Settings     `json:"settings"`
}

// Store persists repositories and settings to a single JSON file.
type Store struct {
	path string
	log  pslog.Logger

	mu    sync.Mutex
	state fileSchema
}

// New opens or creates the store at path. A missing file is treated as an
// empty store and persisted immediately; an unreadable or corrupt file is a
// fatal error rather than a silent reset.
func New(path string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("store", path)
	}
	s := &Store{path: path, log: logger}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.state = fileSchema{Repos: []schema.Repository{}}
		if err := s.persistLocked(); err != nil {
			return nil, err
		}
		if s.log != nil {
			s.log.Info("store init", "repos", 0)
		}
	case err != nil:
		return nil, err
	default:
		if err := json.Unmarshal(data, &s.state); err != nil {
			if s.log != nil {
				s.log.Error("store load failed", "err", err)
			}
			return nil, fmt.Errorf("%w: %v", schema.ErrStoreCorrupt, err)
		}
		if s.state.Repos == nil {
			s.state.Repos = []schema.Repository{}
		}
		if s.log != nil {
			s.log.Debug("store load ok", "repos", len(s.state.Repos))
		}
	}
	return s, nil
}

// List returns all registered repositories.
func (s *Store) List() []schema.Repository {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.Repository(nil), s.state.Repos...)
}

// Get returns the repository with the given id.
func (s *Store) Get(id schema.RepoID) (schema.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, repo := range s.state.Repos {
		if repo.ID == id {
			return repo, nil
		}
	}
	return schema.Repository{}, schema.ErrRepoNotFound
}

// Create registers a repository by path. The path is resolved to its
// canonical form and must be an existing readable directory; the repository
// id derives deterministically from that canonical path.
func (s *Store) Create(name, path string) (schema.Repository, error) {
	canonical, err := CanonicalPath(path)
	if err != nil {
		if s.log != nil {
			s.log.Warn("store create failed", "path", path, "err", err)
		}
		return schema.Repository{}, err
	}
	if name = strings.TrimSpace(name); name == "" {
		name = filepath.Base(canonical)
	}
	id := DeriveID(canonical)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, repo := range s.state.Repos {
		if repo.Path == canonical {
			if s.log != nil {
				s.log.Warn("store create failed", "path", canonical, "err", schema.ErrRepoExists)
			}
			return schema.Repository{}, schema.ErrRepoExists
		}
		if repo.ID == id {
			// Same id for a different canonical path. Should not happen at
			// this hash width; refuse rather than overwrite.
			if s.log != nil {
				s.log.Error("store create failed", "path", canonical, "existing_path", repo.Path, "err", schema.ErrRepoIDCollision)
			}
			return schema.Repository{}, schema.ErrRepoIDCollision
		}
	}
	repo := schema.Repository{ID: id, Name: name, Path: canonical}
	s.state.Repos = append(s.state.Repos, repo)
	if err := s.persistLocked(); err != nil {
		s.state.Repos = s.state.Repos[:len(s.state.Repos)-1]
		return schema.Repository{}, err
	}
	if s.log != nil {
		s.log.Info("store create ok", "repo", id, "name", name, "path", canonical)
	}
	return repo, nil
}

// Update applies a patch to the repository with the given id. The path is
// immutable once set.
func (s *Store) Update(id schema.RepoID, patch schema.RepositoryPatch) (schema.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, repo := range s.state.Repos {
		if repo.ID != id {
			continue
		}
		if patch.Name != nil {
			if trimmed := strings.TrimSpace(*patch.Name); trimmed != "" {
				repo.Name = trimmed
			}
		}
		if patch.LastOpenedThreadID != nil {
			repo.LastOpenedThreadID = *patch.LastOpenedThreadID
		}
		previous := s.state.Repos[i]
		s.state.Repos[i] = repo
		if err := s.persistLocked(); err != nil {
			s.state.Repos[i] = previous
			return schema.Repository{}, err
		}
		if s.log != nil {
			s.log.Debug("store update ok", "repo", id)
		}
		return repo, nil
	}
	return schema.Repository{}, schema.ErrRepoNotFound
}

// Remove deletes the repository with the given id.
func (s *Store) Remove(id schema.RepoID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, repo := range s.state.Repos {
		if repo.ID != id {
			continue
		}
		previous := append([]schema.Repository(nil), s.state.Repos...)
		s.state.Repos = append(s.state.Repos[:i], s.state.Repos[i+1:]...)
		if err := s.persistLocked(); err != nil {
			s.state.Repos = previous
			return err
		}
		if s.log != nil {
			s.log.Info("store remove ok", "repo", id)
		}
		return nil
	}
	return schema.ErrRepoNotFound
}

// Settings returns the stored user settings.
func (s *Store) Settings() schema.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Settings
}

// UpdateSettings applies a partial settings update.
func (s *Store) UpdateSettings(patch schema.SettingsPatch) (schema.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.state.Settings
	if patch.Model != nil {
		s.state.Settings.Model = *patch.Model
	}
	if patch.PermissionMode != nil {
		s.state.Settings.PermissionMode = *patch.PermissionMode
	}
	if patch.ReasoningEffort != nil {
		s.state.Settings.ReasoningEffort = *patch.ReasoningEffort
	}
	if err := s.persistLocked(); err != nil {
		s.state.Settings = previous
		return schema.Settings{}, err
	}
	if s.log != nil {
		s.log.Debug("store settings update ok")
	}
	return s.state.Settings, nil
}

// persistLocked writes the current state via temp file + rename. Callers
// must hold s.mu.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "repos-*.json")
	if err != nil {
		if s.log != nil {
			s.log.Warn("store save failed", "err", err)
		}
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		if s.log != nil {
			s.log.Warn("store save failed", "err", err)
		}
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		if s.log != nil {
			s.log.Warn("store save failed", "err", err)
		}
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		if s.log != nil {
			s.log.Warn("store save failed", "err", err)
		}
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		if s.log != nil {
			s.log.Warn("store save failed", "err", err)
		}
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		_ = os.Remove(tmp.Name())
		if s.log != nil {
			s.log.Warn("store save failed", "err", err)
		}
		return err
	}
	return nil
}

// CanonicalPath resolves path to its canonical absolute form: symlinks
// resolved, trailing separators stripped. The result must be an existing
// readable directory.
func CanonicalPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", schema.ErrInvalidRepoPath
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", schema.ErrInvalidRepoPath, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %v", schema.ErrInvalidRepoPath, err)
	}
	resolved = strings.TrimRight(resolved, string(filepath.Separator))
	if resolved == "" {
		resolved = string(filepath.Separator)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("%w: %v", schema.ErrInvalidRepoPath, err)
	}
	if !info.IsDir() {
		return "", schema.ErrInvalidRepoPath
	}
	dir, err := os.Open(resolved)
	if err != nil {
		return "", fmt.Errorf("%w: %v", schema.ErrInvalidRepoPath, err)
	}
	_ = dir.Close()
	return resolved, nil
}

// DeriveID returns the deterministic repository id for a canonical path.
func DeriveID(canonical string) schema.RepoID {
	h := fnv.New64a()
	_, _ = h.Write([]byte(canonical))
	return schema.RepoID(fmt.Sprintf("%016x", h.Sum64())[:12])
}
