package storage

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterd/cfgsync/internal/artifact"
)

func tokens(t *testing.T, version int) *artifact.Artifact {
	t.Helper()
	a, err := artifact.New(artifact.Tokens, `{"format_version": 3, "data_version": `+itoa(version)+`, "tokens": {}}`)
	require.NoError(t, err)
	return a
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func openBackups(t *testing.T) *BackupStore {
	t.Helper()
	backups, err := OpenBackupStore(filepath.Join(t.TempDir(), "backups"))
	require.NoError(t, err)
	t.Cleanup(func() { backups.Close() })
	return backups
}

func TestFileStorageLoadMissing(t *testing.T) {
	s := NewFileStorage(t.TempDir(), nil, nil)

	for _, kind := range artifact.AllKinds() {
		a, err := s.Load(kind)
		require.NoError(t, err)
		assert.Equal(t, int64(0), a.Version())
		assert.Equal(t, kind, a.Kind())
	}
}

func TestFileStorageLoadInvalidClusterConf(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cluster.conf"), []byte("<cluster"), 0644))

	s := NewFileStorage(dir, nil, nil)
	_, err := s.Load(artifact.ClusterConf)
	assert.Error(t, err)
}

func TestFileStorageSaveAndLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pcs")
	s := NewFileStorage(dir, nil, nil)

	a := tokens(t, 3)
	require.NoError(t, s.Save(a))

	data, err := os.ReadFile(filepath.Join(dir, "tokens"))
	require.NoError(t, err)
	assert.Equal(t, a.Text(), string(data))

	loaded, err := s.Load(artifact.Tokens)
	require.NoError(t, err)
	assert.True(t, a.Equal(loaded))

	// no temp files left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileStorageBackups(t *testing.T) {
	backups := openBackups(t)
	retention := 2
	s := NewFileStorage(t.TempDir(), backups, func() int { return retention })

	for v := 1; v <= 5; v++ {
		require.NoError(t, s.Save(tokens(t, v)))
	}

	list, err := s.Backups(artifact.Tokens)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(4), list[0].Version)
	assert.Equal(t, int64(3), list[1].Version)
	assert.Equal(t, "tokens", list[0].Name)
	assert.Equal(t, artifact.Fingerprint(list[0].Text), list[0].Fingerprint)

	other, err := s.Backups(artifact.Settings)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestFileStorageBackupLookup(t *testing.T) {
	backups := openBackups(t)
	s := NewFileStorage(t.TempDir(), backups, func() int { return 10 })

	require.NoError(t, s.Save(tokens(t, 1)))
	require.NoError(t, s.Save(tokens(t, 2)))

	list, err := s.Backups(artifact.Tokens)
	require.NoError(t, err)
	require.Len(t, list, 1)

	backup, err := s.Backup(artifact.Tokens, list[0].SavedAt)
	require.NoError(t, err)
	assert.Equal(t, int64(1), backup.Version)
	assert.Equal(t, tokens(t, 1).Text(), backup.Text)
	assert.True(t, list[0].SavedAt.Equal(backup.SavedAt))

	_, err = s.Backup(artifact.Tokens, list[0].SavedAt.Add(time.Second))
	assert.ErrorIs(t, err, ErrBackupNotFound)

	_, err = NewFileStorage(t.TempDir(), nil, nil).Backup(artifact.Tokens, time.Now())
	assert.ErrorIs(t, err, ErrNoBackups)
}

func TestFileStorageSaveUnchangedSkipsBackup(t *testing.T) {
	backups := openBackups(t)
	s := NewFileStorage(t.TempDir(), backups, func() int { return 10 })

	a := tokens(t, 1)
	require.NoError(t, s.Save(a))
	require.NoError(t, s.Save(a))

	list, err := s.Backups(artifact.Tokens)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestFileStorageZeroRetention(t *testing.T) {
	backups := openBackups(t)
	s := NewFileStorage(t.TempDir(), backups, func() int { return 0 })

	require.NoError(t, s.Save(tokens(t, 1)))
	require.NoError(t, s.Save(tokens(t, 2)))

	list, err := s.Backups(artifact.Tokens)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestFileStorageWithoutBackups(t *testing.T) {
	s := NewFileStorage(t.TempDir(), nil, nil)
	_, err := s.Backups(artifact.Tokens)
	assert.ErrorIs(t, err, ErrNoBackups)
}

func TestBackupStoreKeepsUnparsableText(t *testing.T) {
	backups := openBackups(t)
	at := time.Unix(1700000000, 0)

	require.NoError(t, backups.Put(artifact.ClusterConf, "<cluster", at))
	require.NoError(t, backups.Put(artifact.ClusterConf, `<cluster config_version="4"/>`, at))

	list, err := backups.List(artifact.ClusterConf)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(4), list[0].Version)
	assert.Equal(t, int64(0), list[1].Version)
	assert.Equal(t, "<cluster", list[1].Text)
	assert.True(t, at.Equal(list[1].SavedAt))
	assert.True(t, at.Add(time.Nanosecond).Equal(list[0].SavedAt))
}

func TestBackupStorePrune(t *testing.T) {
	backups := openBackups(t)
	base := time.Unix(1700000000, 0)

	for i := 0; i < 5; i++ {
		require.NoError(t, backups.Put(artifact.Settings, `{"data_version": `+itoa(i)+`}`, base.Add(time.Duration(i)*time.Second)))
	}
	require.NoError(t, backups.Put(artifact.Tokens, `{"data_version": 1}`, base))

	removed, err := backups.Prune(artifact.Settings, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	list, err := backups.List(artifact.Settings)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, int64(4), list[0].Version)
	assert.Equal(t, int64(2), list[2].Version)

	removed, err = backups.Prune(artifact.Settings, -1)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)

	list, err = backups.List(artifact.Tokens)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMemoryStorage(t *testing.T) {
	s := NewMemoryStorage(tokens(t, 2))

	a, err := s.Load(artifact.Tokens)
	require.NoError(t, err)
	assert.Equal(t, int64(2), a.Version())

	missing, err := s.Load(artifact.KnownHosts)
	require.NoError(t, err)
	assert.Equal(t, int64(0), missing.Version())

	require.NoError(t, s.Save(tokens(t, 5)))
	a, err = s.Load(artifact.Tokens)
	require.NoError(t, err)
	assert.Equal(t, int64(5), a.Version())
	assert.Equal(t, 1, s.Saves())
}
