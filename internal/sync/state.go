package sync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

const (
	stateFileName = "LIB_PULL"
	lockFileName  = "LIB_PULL.lock"

	// noHead stands in for an empty head revision on disk
	noHead = "-"
)

// PullState records a pull that stopped before its final commit
type PullState struct {
	HeadRev  string // may be empty when the branch had no commits
	FetchRev string
	Library  string
}

// StateStore persists the PullState inside the repository's git directory.
// The record exists exactly while a pull awaits continue or abort.
type StateStore struct {
	path string
	lock *flock.Flock
}

// NewStateStore creates a store rooted at gitDir
func NewStateStore(gitDir string) *StateStore {
	return &StateStore{
		path: filepath.Join(gitDir, stateFileName),
		lock: flock.New(filepath.Join(gitDir, lockFileName)),
	}
}

// Path returns the location of the state file
func (s *StateStore) Path() string {
	return s.path
}

// Save writes state, replacing any existing record
func (s *StateStore) Save(state PullState) error {
	if state.FetchRev == "" {
		return errors.New("pull state requires a fetch revision")
	}

	head := state.HeadRev
	if head == "" {
		head = noHead
	}
	fields := []string{head, state.FetchRev}
	if state.Library != "" {
		fields = append(fields, state.Library)
	}

	// Write via temp file + rename so a crash never leaves a partial record
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".lib-pull-*")
	if err != nil {
		return fmt.Errorf("failed to create pull state: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.WriteString(strings.Join(fields, " ") + "\n"); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write pull state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write pull state: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to write pull state: %w", err)
	}
	return nil
}

// Load reads the saved state. It returns ErrNoPullInProgress when there is none.
func (s *StateStore) Load() (*PullState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoPullInProgress
		}
		return nil, fmt.Errorf("failed to read pull state: %w", err)
	}

	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return nil, fmt.Errorf("corrupt pull state in %s: %q", s.path, strings.TrimSpace(string(data)))
	}

	state := &PullState{HeadRev: fields[0], FetchRev: fields[1]}
	if state.HeadRev == noHead {
		state.HeadRev = ""
	}
	if len(fields) > 2 {
		state.Library = strings.Join(fields[2:], " ")
	}
	return state, nil
}

// Exists reports whether a pull is in progress
func (s *StateStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Clear removes the saved state. Removing an absent record is not an error.
func (s *StateStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear pull state: %w", err)
	}
	return nil
}

// Lock takes the advisory pull lock without waiting. The returned function
// releases it.
func (s *StateStore) Lock() (func(), error) {
	locked, err := s.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring pull lock: %w", err)
	}
	if !locked {
		return nil, ErrPullLocked
	}
	return func() { _ = s.lock.Unlock() }, nil
}
