package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/clusterd/cfgsync/internal/artifact"
)

// ErrBackupNotFound is returned when no backup was saved at the requested time
var ErrBackupNotFound = errors.New("backup not found")

// Backup is a previous revision of a config file
type Backup struct {
	Kind        artifact.Kind `json:"-"`
	Name        string        `json:"name"`
	Version     int64         `json:"version"`
	Fingerprint string        `json:"fingerprint"`
	Text        string        `json:"text"`
	SavedAt     time.Time     `json:"saved_at"`
}

// BackupStore keeps replaced config file contents in Pebble
type BackupStore struct {
	db *pebble.DB
	mu sync.Mutex
}

// OpenBackupStore opens or creates the backup database at path
func OpenBackupStore(path string) (*BackupStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}

	return &BackupStore{
		db: db,
	}, nil
}

// backupRecord is the stored value; the text is kept verbatim
type backupRecord struct {
	Version     int64  `json:"version"`
	Fingerprint string `json:"fingerprint"`
	Text        string `json:"text"`
}

// keys sort by time within a kind: backup:<kind>:<zero padded unix nanos>
func kindPrefix(kind artifact.Kind) []byte {
	return []byte(fmt.Sprintf("backup:%s:", kind.Name()))
}

func backupKey(kind artifact.Kind, at time.Time) []byte {
	return []byte(fmt.Sprintf("backup:%s:%020d", kind.Name(), at.UnixNano()))
}

// Put records text replaced at the given time. Text that does not parse is
// still kept, with version 0.
func (s *BackupStore) Put(kind artifact.Kind, text string, at time.Time) error {
	rec := backupRecord{
		Fingerprint: artifact.Fingerprint(text),
		Text:        text,
	}
	if a, err := artifact.New(kind, text); err == nil {
		rec.Version = a.Version()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode backup: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := backupKey(kind, at)
	// two saves within the same nanosecond must not overwrite each other
	for {
		_, closer, err := s.db.Get(key)
		if err == pebble.ErrNotFound {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to check backup key: %w", err)
		}
		closer.Close()
		at = at.Add(time.Nanosecond)
		key = backupKey(kind, at)
	}

	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to store backup: %w", err)
	}
	return nil
}

// Get returns the backup of kind saved at the given time
func (s *BackupStore) Get(kind artifact.Kind, savedAt time.Time) (*Backup, error) {
	value, closer, err := s.db.Get(backupKey(kind, savedAt))
	if err == pebble.ErrNotFound {
		return nil, ErrBackupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get backup: %w", err)
	}
	defer closer.Close()

	var rec backupRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode backup: %w", err)
	}
	return &Backup{
		Kind:        kind,
		Name:        kind.Name(),
		Version:     rec.Version,
		Fingerprint: rec.Fingerprint,
		Text:        rec.Text,
		SavedAt:     time.Unix(0, savedAt.UnixNano()),
	}, nil
}

// List returns backups of kind, newest first
func (s *BackupStore) List(kind artifact.Kind) ([]Backup, error) {
	var backups []Backup
	err := s.scan(kindPrefix(kind), func(key, value []byte) error {
		var rec backupRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return fmt.Errorf("failed to decode backup %s: %w", key, err)
		}
		nanos, err := strconv.ParseInt(strings.TrimPrefix(string(key), string(kindPrefix(kind))), 10, 64)
		if err != nil {
			return fmt.Errorf("failed to parse backup key %s: %w", key, err)
		}
		backups = append(backups, Backup{
			Kind:        kind,
			Name:        kind.Name(),
			Version:     rec.Version,
			Fingerprint: rec.Fingerprint,
			Text:        rec.Text,
			SavedAt:     time.Unix(0, nanos),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(backups)-1; i < j; i, j = i+1, j-1 {
		backups[i], backups[j] = backups[j], backups[i]
	}
	return backups, nil
}

// Prune keeps the newest keep backups of kind and returns how many were removed
func (s *BackupStore) Prune(kind artifact.Kind, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var keys [][]byte
	if err := s.scan(kindPrefix(kind), func(key, _ []byte) error {
		keys = append(keys, key)
		return nil
	}); err != nil {
		return 0, err
	}

	if len(keys) <= keep {
		return 0, nil
	}

	stale := keys[:len(keys)-keep]
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, key := range stale {
		if err := batch.Delete(key, nil); err != nil {
			return 0, fmt.Errorf("failed to delete backup: %w", err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to commit backup pruning: %w", err)
	}
	return len(stale), nil
}

// Close closes the store
func (s *BackupStore) Close() error {
	return s.db.Close()
}

// scan iterates keys with prefix in ascending order
func (s *BackupStore) scan(prefix []byte, callback func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		// Copy key and value
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		value := make([]byte, len(iter.Value()))
		copy(value, iter.Value())

		if err := callback(key, value); err != nil {
			return err
		}
	}

	return iter.Error()
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil
}
