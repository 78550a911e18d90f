package control

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultPauseSeconds is used when Pause is given no duration
	DefaultPauseSeconds = 300

	DefaultPollInterval = 60
	MinPollInterval     = 20

	DefaultBackupCount = 50
	MinBackupCount     = 0
)

// State is the decoded control document
type State struct {
	PausedUntil  *time.Time `json:"paused_until,omitempty"`
	Disabled     bool       `json:"disabled"`
	PollInterval int        `json:"poll_interval"`
	BackupCount  int        `json:"backup_count"`
}

// DefaultState returns the state used when nothing is persisted
func DefaultState() State {
	return State{
		PollInterval: DefaultPollInterval,
		BackupCount:  DefaultBackupCount,
	}
}

// document is the persisted layout; paused_until is unix seconds
type document struct {
	PausedUntil  *int64 `json:"paused_until,omitempty"`
	Disabled     bool   `json:"disabled"`
	PollInterval int    `json:"poll_interval"`
	BackupCount  int    `json:"backup_count"`
}

// Store gates the background sync loop.
//
// Reads never fail: a missing, empty or corrupt document yields defaults
// field by field. Mutations are read-modify-write cycles serialized by the
// lock the caller passes in; the store holds no lock of its own.
type Store struct {
	persister Persister
	now       func() time.Time
}

// NewStore creates a store over p. A nil clock means time.Now.
func NewStore(p Persister, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{persister: p, now: now}
}

// NewFileStore creates a store persisted in the file at path
func NewFileStore(path string) *Store {
	return NewStore(NewFilePersister(path), nil)
}

// State returns the current control state
func (s *Store) State() State {
	state := DefaultState()

	data, err := s.persister.Read()
	if err != nil {
		return state
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return state
	}

	if raw, ok := fields["paused_until"]; ok {
		var until *int64
		if err := json.Unmarshal(raw, &until); err == nil && until != nil {
			t := time.Unix(*until, 0)
			state.PausedUntil = &t
		}
	}
	if raw, ok := fields["disabled"]; ok {
		var disabled bool
		if err := json.Unmarshal(raw, &disabled); err == nil {
			state.Disabled = disabled
		}
	}
	if raw, ok := fields["poll_interval"]; ok {
		state.PollInterval = decodeSetting(raw, MinPollInterval, DefaultPollInterval)
	}
	if raw, ok := fields["backup_count"]; ok {
		state.BackupCount = decodeSetting(raw, MinBackupCount, DefaultBackupCount)
	}

	return state
}

// IsPaused reports whether a pause is in effect
func (s *Store) IsPaused() bool {
	state := s.State()
	return state.PausedUntil != nil && s.now().Before(*state.PausedUntil)
}

// IsDisabled reports whether syncing is switched off
func (s *Store) IsDisabled() bool {
	return s.State().Disabled
}

// IsAllowed reports whether the sync loop may run now
func (s *Store) IsAllowed() bool {
	state := s.State()
	if state.Disabled {
		return false
	}
	return state.PausedUntil == nil || !s.now().Before(*state.PausedUntil)
}

// PollInterval returns the sync period in seconds
func (s *Store) PollInterval() int {
	return s.State().PollInterval
}

// BackupCount returns how many previous file versions are retained
func (s *Store) BackupCount() int {
	return s.State().BackupCount
}

// Pause suspends syncing for raw seconds. An empty raw pauses for
// DefaultPauseSeconds; anything that is not a non-negative integer clears the
// pause instead.
func (s *Store) Pause(lock sync.Locker, raw string) error {
	raw = strings.TrimSpace(raw)
	seconds := DefaultPauseSeconds
	if raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return s.Resume(lock)
		}
		seconds = n
	}
	return s.PauseFor(lock, time.Duration(seconds)*time.Second)
}

// PauseFor suspends syncing for d
func (s *Store) PauseFor(lock sync.Locker, d time.Duration) error {
	until := s.now().Add(d)
	return s.update(lock, func(state *State) {
		state.PausedUntil = &until
	})
}

// Resume clears any pause
func (s *Store) Resume(lock sync.Locker) error {
	return s.update(lock, func(state *State) {
		state.PausedUntil = nil
	})
}

// Disable switches syncing off until Enable
func (s *Store) Disable(lock sync.Locker) error {
	return s.update(lock, func(state *State) {
		state.Disabled = true
	})
}

// Enable switches syncing back on
func (s *Store) Enable(lock sync.Locker) error {
	return s.update(lock, func(state *State) {
		state.Disabled = false
	})
}

// SetPollInterval stores the sync period. Values under MinPollInterval are
// raised to it; input that is not a number resets to DefaultPollInterval.
func (s *Store) SetPollInterval(lock sync.Locker, raw string) error {
	value := parseSetting(raw, MinPollInterval, DefaultPollInterval)
	return s.update(lock, func(state *State) {
		state.PollInterval = value
	})
}

// SetPollIntervalSeconds is SetPollInterval for an integer
func (s *Store) SetPollIntervalSeconds(lock sync.Locker, seconds int) error {
	return s.SetPollInterval(lock, strconv.Itoa(seconds))
}

// SetBackupCount stores the backup retention. Negative values become
// MinBackupCount; input that is not a number resets to DefaultBackupCount.
func (s *Store) SetBackupCount(lock sync.Locker, raw string) error {
	value := parseSetting(raw, MinBackupCount, DefaultBackupCount)
	return s.update(lock, func(state *State) {
		state.BackupCount = value
	})
}

// SetBackupCountValue is SetBackupCount for an integer
func (s *Store) SetBackupCountValue(lock sync.Locker, count int) error {
	return s.SetBackupCount(lock, strconv.Itoa(count))
}

func (s *Store) update(lock sync.Locker, mutate func(*State)) error {
	lock.Lock()
	defer lock.Unlock()

	state := s.State()
	mutate(&state)

	doc := document{
		Disabled:     state.Disabled,
		PollInterval: state.PollInterval,
		BackupCount:  state.BackupCount,
	}
	if state.PausedUntil != nil {
		until := state.PausedUntil.Unix()
		doc.PausedUntil = &until
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode control state: %w", err)
	}
	if err := s.persister.Write(data); err != nil {
		return fmt.Errorf("failed to write control state: %w", err)
	}
	return nil
}

// parseSetting applies the two fallback tiers of numeric settings: below
// minimum clamps, unparsable resets to the default
func parseSetting(raw string, min, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	return n
}

// decodeSetting reads a stored setting; null counts as unset
func decodeSetting(raw json.RawMessage, min, def int) int {
	var n *int
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return def
		}
		return parseSetting(s, min, def)
	}
	if n == nil {
		return def
	}
	if *n < min {
		return min
	}
	return *n
}
