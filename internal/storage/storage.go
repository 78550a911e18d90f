// Package storage persists the local copies of the replicated config files.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/clusterd/cfgsync/internal/artifact"
)

// ErrNoBackups is returned when backups are requested from a storage that keeps none
var ErrNoBackups = errors.New("backups are not enabled")

// Storage loads and saves the local copy of each artifact kind
type Storage interface {
	// Load returns the local artifact; a missing file is version 0
	Load(kind artifact.Kind) (*artifact.Artifact, error)
	// Save replaces the local file with a
	Save(a *artifact.Artifact) error
}

// FileStorage keeps each kind in dir under its canonical file name
type FileStorage struct {
	dir       string
	backups   *BackupStore
	retention func() int
	mu        sync.Mutex
}

// NewFileStorage creates a storage rooted at dir. backups may be nil; retention
// reports how many backups per kind survive a save.
func NewFileStorage(dir string, backups *BackupStore, retention func() int) *FileStorage {
	if retention == nil {
		retention = func() int { return 0 }
	}
	return &FileStorage{
		dir:       dir,
		backups:   backups,
		retention: retention,
	}
}

// Dir returns the directory holding the config files
func (s *FileStorage) Dir() string {
	return s.dir
}

// Path returns the file path for kind
func (s *FileStorage) Path(kind artifact.Kind) string {
	return filepath.Join(s.dir, kind.Name())
}

// Load reads the local copy of kind
func (s *FileStorage) Load(kind artifact.Kind) (*artifact.Artifact, error) {
	return artifact.FromFile(kind, s.Path(kind))
}

// Save writes a atomically, recording the replaced content as a backup
func (s *FileStorage) Save(a *artifact.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(a.Kind())
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	previous, err := os.ReadFile(path)
	switch {
	case err == nil:
		if string(previous) == a.Text() {
			return nil
		}
		if s.backups != nil {
			if err := s.backups.Put(a.Kind(), string(previous), time.Now()); err != nil {
				return fmt.Errorf("failed to back up %s: %w", a.Kind(), err)
			}
		}
	case os.IsNotExist(err):
	default:
		return fmt.Errorf("failed to read %s: %w", a.Kind(), err)
	}

	if err := writeAtomic(path, []byte(a.Text())); err != nil {
		return fmt.Errorf("failed to save %s: %w", a.Kind(), err)
	}

	log.Info().
		Str("kind", a.Kind().Name()).
		Int64("version", a.Version()).
		Str("fingerprint", a.Fingerprint()).
		Msg("config file saved")

	if s.backups != nil {
		removed, err := s.backups.Prune(a.Kind(), s.retention())
		if err != nil {
			// the new file is in place; stale backups are retried on the next save
			log.Warn().Err(err).Str("kind", a.Kind().Name()).Msg("failed to prune backups")
		} else if removed > 0 {
			log.Debug().Str("kind", a.Kind().Name()).Int("removed", removed).Msg("pruned backups")
		}
	}

	return nil
}

// Backups lists the stored revisions of kind, newest first
func (s *FileStorage) Backups(kind artifact.Kind) ([]Backup, error) {
	if s.backups == nil {
		return nil, ErrNoBackups
	}
	return s.backups.List(kind)
}

// Backup returns the revision of kind saved at savedAt
func (s *FileStorage) Backup(kind artifact.Kind, savedAt time.Time) (*Backup, error) {
	if s.backups == nil {
		return nil, ErrNoBackups
	}
	return s.backups.Get(kind, savedAt)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// MemoryStorage keeps artifacts in memory
type MemoryStorage struct {
	mu    sync.RWMutex
	items map[artifact.Kind]*artifact.Artifact
	saves int
}

// NewMemoryStorage creates a storage seeded with artifacts
func NewMemoryStorage(artifacts ...*artifact.Artifact) *MemoryStorage {
	s := &MemoryStorage{items: make(map[artifact.Kind]*artifact.Artifact)}
	for _, a := range artifacts {
		s.items[a.Kind()] = a.Clone()
	}
	return s
}

// Load returns a copy of the stored artifact
func (s *MemoryStorage) Load(kind artifact.Kind) (*artifact.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if a, ok := s.items[kind]; ok {
		return a.Clone(), nil
	}
	return artifact.Empty(kind), nil
}

// Save stores a copy of a
func (s *MemoryStorage) Save(a *artifact.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[a.Kind()] = a.Clone()
	s.saves++
	return nil
}

// Saves returns how many times Save was called
func (s *MemoryStorage) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}
