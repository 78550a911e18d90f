package control

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Persister reads and writes the raw control document
type Persister interface {
	Read() ([]byte, error)
	Write(data []byte) error
}

// FilePersister keeps the control document in a single file. Writes replace
// the file atomically so lock-free readers see either the old or the new
// document.
type FilePersister struct {
	path string
}

// NewFilePersister creates a persister for path
func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

// Path returns the control file location
func (p *FilePersister) Path() string {
	return p.path
}

// Read returns the file content
func (p *FilePersister) Read() ([]byte, error) {
	return os.ReadFile(p.path)
}

// Write atomically replaces the file content
func (p *FilePersister) Write(data []byte) error {
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create control directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(p.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write control file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync control file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close control file: %w", err)
	}

	if err := os.Rename(tmp.Name(), p.path); err != nil {
		return fmt.Errorf("failed to replace control file: %w", err)
	}
	return nil
}

// MemoryPersister keeps the control document in memory
type MemoryPersister struct {
	mu   sync.RWMutex
	data []byte
}

// NewMemoryPersister creates a persister seeded with data
func NewMemoryPersister(data []byte) *MemoryPersister {
	return &MemoryPersister{data: data}
}

// Read returns a copy of the stored document
func (p *MemoryPersister) Read() ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.data == nil {
		return nil, os.ErrNotExist
	}
	result := make([]byte, len(p.data))
	copy(result, p.data)
	return result, nil
}

// Write stores a copy of data
func (p *MemoryPersister) Write(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.data = make([]byte, len(data))
	copy(p.data, data)
	return nil
}
