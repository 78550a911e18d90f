package control

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, data []byte) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	return NewStore(NewMemoryPersister(data), clock.Now), clock
}

func TestDefaults(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"missing", nil},
		{"empty", []byte("")},
		{"corrupt", []byte("{not json")},
		{"wrong shape", []byte(`[1, 2, 3]`)},
		{"wrong types", []byte(`{"paused_until": "soon", "disabled": "yes", "poll_interval": {}, "backup_count": []}`)},
		{"nulls", []byte(`{"paused_until": null, "disabled": null, "poll_interval": null, "backup_count": null}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestStore(t, tt.data)
			assert.False(t, s.IsPaused())
			assert.False(t, s.IsDisabled())
			assert.True(t, s.IsAllowed())
			assert.Equal(t, DefaultPollInterval, s.PollInterval())
			assert.Equal(t, DefaultBackupCount, s.BackupCount())
			assert.Nil(t, s.State().PausedUntil)
		})
	}
}

func TestStoredValuesClampedOnRead(t *testing.T) {
	s, _ := newTestStore(t, []byte(`{"poll_interval": 5, "backup_count": -3}`))
	assert.Equal(t, MinPollInterval, s.PollInterval())
	assert.Equal(t, MinBackupCount, s.BackupCount())

	s, _ = newTestStore(t, []byte(`{"poll_interval": "90", "backup_count": "abc"}`))
	assert.Equal(t, 90, s.PollInterval())
	assert.Equal(t, DefaultBackupCount, s.BackupCount())
}

func TestPauseResume(t *testing.T) {
	s, clock := newTestStore(t, nil)
	var lock sync.Mutex

	require.NoError(t, s.Pause(&lock, "2"))
	assert.True(t, s.IsPaused())
	assert.False(t, s.IsAllowed())

	clock.Advance(time.Second)
	assert.True(t, s.IsPaused())

	clock.Advance(2 * time.Second)
	assert.False(t, s.IsPaused())
	assert.True(t, s.IsAllowed())

	require.NoError(t, s.Pause(&lock, "100"))
	assert.True(t, s.IsPaused())
	require.NoError(t, s.Resume(&lock))
	assert.False(t, s.IsPaused())
}

func TestPauseDefaultDuration(t *testing.T) {
	s, clock := newTestStore(t, nil)
	var lock sync.Mutex

	require.NoError(t, s.Pause(&lock, ""))
	clock.Advance(DefaultPauseSeconds*time.Second - time.Second)
	assert.True(t, s.IsPaused())
	clock.Advance(time.Second)
	assert.False(t, s.IsPaused())
}

func TestPauseNonNumericResumes(t *testing.T) {
	for _, raw := range []string{"abcd", "-5", "1.5"} {
		t.Run(raw, func(t *testing.T) {
			s, _ := newTestStore(t, nil)
			var lock sync.Mutex

			require.NoError(t, s.Pause(&lock, "100"))
			require.True(t, s.IsPaused())

			require.NoError(t, s.Pause(&lock, raw))
			assert.False(t, s.IsPaused())
		})
	}
}

func TestPauseFor(t *testing.T) {
	s, clock := newTestStore(t, nil)
	var lock sync.Mutex

	require.NoError(t, s.PauseFor(&lock, time.Minute))
	state := s.State()
	require.NotNil(t, state.PausedUntil)
	assert.Equal(t, clock.Now().Add(time.Minute).Unix(), state.PausedUntil.Unix())
}

func TestDisableEnable(t *testing.T) {
	s, _ := newTestStore(t, nil)
	var lock sync.Mutex

	require.NoError(t, s.Disable(&lock))
	assert.True(t, s.IsDisabled())
	assert.False(t, s.IsAllowed())

	require.NoError(t, s.Enable(&lock))
	assert.False(t, s.IsDisabled())
	assert.True(t, s.IsAllowed())
}

func TestDisableIndependentOfPause(t *testing.T) {
	s, clock := newTestStore(t, nil)
	var lock sync.Mutex

	require.NoError(t, s.Pause(&lock, "10"))
	require.NoError(t, s.Disable(&lock))
	clock.Advance(time.Minute)

	assert.False(t, s.IsPaused())
	assert.False(t, s.IsAllowed())

	require.NoError(t, s.Enable(&lock))
	assert.True(t, s.IsAllowed())
}

func TestSetPollInterval(t *testing.T) {
	tests := []struct {
		raw      string
		expected int
	}{
		{"30", 30},
		{"20", 20},
		{"10", MinPollInterval},
		{"0", MinPollInterval},
		{"-100", MinPollInterval},
		{"-5", MinPollInterval},
		{"abcd", DefaultPollInterval},
		{"not-a-number", DefaultPollInterval},
		{"", DefaultPollInterval},
		{" 45 ", 45},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			s, _ := newTestStore(t, nil)
			var lock sync.Mutex

			require.NoError(t, s.SetPollInterval(&lock, tt.raw))
			assert.Equal(t, tt.expected, s.PollInterval())
		})
	}
}

func TestSetPollIntervalSeconds(t *testing.T) {
	s, _ := newTestStore(t, nil)
	var lock sync.Mutex

	require.NoError(t, s.SetPollIntervalSeconds(&lock, MinPollInterval/2))
	assert.Equal(t, MinPollInterval, s.PollInterval())

	require.NoError(t, s.SetPollIntervalSeconds(&lock, 120))
	assert.Equal(t, 120, s.PollInterval())
}

func TestSetBackupCount(t *testing.T) {
	tests := []struct {
		raw      string
		expected int
	}{
		{"10", 10},
		{"0", 0},
		{"-1", MinBackupCount},
		{"-100", MinBackupCount},
		{"abcd", DefaultBackupCount},
		{"", DefaultBackupCount},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			s, _ := newTestStore(t, nil)
			var lock sync.Mutex

			require.NoError(t, s.SetBackupCount(&lock, tt.raw))
			assert.Equal(t, tt.expected, s.BackupCount())
		})
	}

	s, _ := newTestStore(t, nil)
	var lock sync.Mutex
	require.NoError(t, s.SetBackupCountValue(&lock, 7))
	assert.Equal(t, 7, s.BackupCount())
}

func TestMutationsPreserveOtherFields(t *testing.T) {
	s, _ := newTestStore(t, nil)
	var lock sync.Mutex

	require.NoError(t, s.SetPollIntervalSeconds(&lock, 90))
	require.NoError(t, s.SetBackupCountValue(&lock, 3))
	require.NoError(t, s.Disable(&lock))
	require.NoError(t, s.Pause(&lock, "60"))

	state := s.State()
	assert.Equal(t, 90, state.PollInterval)
	assert.Equal(t, 3, state.BackupCount)
	assert.True(t, state.Disabled)
	assert.NotNil(t, state.PausedUntil)
}

func TestMutationOverCorruptDocument(t *testing.T) {
	s, _ := newTestStore(t, []byte("garbage"))
	var lock sync.Mutex

	require.NoError(t, s.Disable(&lock))
	assert.True(t, s.IsDisabled())
	assert.Equal(t, DefaultPollInterval, s.PollInterval())
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sync_control.json")
	s := NewFileStore(path)
	var lock sync.Mutex

	assert.True(t, s.IsAllowed())

	require.NoError(t, s.SetPollIntervalSeconds(&lock, 25))
	require.NoError(t, s.Disable(&lock))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"poll_interval": 25`)

	reopened := NewFileStore(path)
	assert.Equal(t, 25, reopened.PollInterval())
	assert.True(t, reopened.IsDisabled())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestConcurrentMutations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync_control.json")
	s := NewFileStore(path)
	var lock sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.SetBackupCountValue(&lock, i))
		}(i)
		go func() {
			defer wg.Done()
			// readers never block on the lock and never fail
			_ = s.IsAllowed()
			_ = s.PollInterval()
		}()
	}
	wg.Wait()

	count := s.BackupCount()
	assert.GreaterOrEqual(t, count, 0)
	assert.Less(t, count, 20)
}
