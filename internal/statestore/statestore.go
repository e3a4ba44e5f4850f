// Package statestore persists the agent's durable identity: the device id,
// the room assignment, and the session token. Non-token state lives in a
// single JSON document written atomically (temp file + rename); the token
// goes to the OS credential store with an encrypted hidden file as
// fallback.
package statestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cms-fleet/cms-agent/internal/platform"
)

// Position is a device's coordinates within a room.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// RoomAssignment names the room a device belongs to and its position in it.
type RoomAssignment struct {
	Room     string   `json:"room"`
	Position Position `json:"position"`
}

// Valid reports whether the assignment satisfies the data model: non-empty
// room, non-negative coordinates.
func (r RoomAssignment) Valid() bool {
	return r.Room != "" && r.Position.X >= 0 && r.Position.Y >= 0
}

// state is the on-disk JSON document.
type state struct {
	DeviceID string          `json:"device_id"`
	Room     *RoomAssignment `json:"room,omitempty"`
	Version  string          `json:"version,omitempty"`
}

// Store persists agent state under a single storage root.
type Store struct {
	root          string
	stateFilename string
	serviceName   string

	tokens tokenBackend
}

// Option customizes store construction.
type Option func(*Store)

// WithTokenBackend overrides the credential-store backend. Tests use this
// to simulate credential-store failure.
func WithTokenBackend(b tokenBackend) Option {
	return func(s *Store) { s.tokens = b }
}

// Open prepares the storage root: creates the subdirectory layout, applies
// the owner-only (plus SYSTEM, when privileged) ACL on the root, and
// returns a ready Store. stateFilename is usually "agent_state.json".
func Open(root, stateFilename, serviceName string, isAdmin bool, opts ...Option) (*Store, error) {
	for _, dir := range []string{root, filepath.Join(root, "logs"), filepath.Join(root, "error_reports"), filepath.Join(root, "updates"), filepath.Join(root, "config")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if isAdmin {
		if err := platform.ApplySystemACL(root); err != nil {
			return nil, fmt.Errorf("apply acl on %s: %w", root, err)
		}
	}

	s := &Store{
		root:          root,
		stateFilename: stateFilename,
		serviceName:   serviceName,
	}
	for _, o := range opts {
		o(s)
	}
	if s.tokens == nil {
		s.tokens = osKeyring{service: serviceName}
	}
	return s, nil
}

// Root returns the storage root path.
func (s *Store) Root() string { return s.root }

// LogDir returns the log directory.
func (s *Store) LogDir() string { return filepath.Join(s.root, "logs") }

// ErrorSpoolDir returns the directory holding unsent error reports.
func (s *Store) ErrorSpoolDir() string { return filepath.Join(s.root, "error_reports") }

// UpdatesDir returns the staging directory for update packages.
func (s *Store) UpdatesDir() string { return filepath.Join(s.root, "updates") }

// ConfigDir returns the config directory.
func (s *Store) ConfigDir() string { return filepath.Join(s.root, "config") }

func (s *Store) statePath() string { return filepath.Join(s.root, s.stateFilename) }

// load reads the state document; a missing file yields a zero state.
func (s *Store) load() (*state, error) {
	raw, err := os.ReadFile(s.statePath())
	if errors.Is(err, os.ErrNotExist) {
		return &state{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	var st state
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("parse state %s: %w", s.statePath(), err)
	}
	return &st, nil
}

// save writes the state document via temp file + atomic rename so a
// partially written document is never observable.
func (s *Store) save(st *state) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return atomicWrite(s.statePath(), data, 0o600)
}

// atomicWrite writes data to a sibling temp file, fsyncs, and renames it
// over path.
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// GetRoom returns the persisted room assignment, or false when none is set.
func (s *Store) GetRoom() (RoomAssignment, bool, error) {
	st, err := s.load()
	if err != nil {
		return RoomAssignment{}, false, err
	}
	if st.Room == nil {
		return RoomAssignment{}, false, nil
	}
	return *st.Room, true, nil
}

// PutRoom persists the room assignment.
func (s *Store) PutRoom(r RoomAssignment) error {
	if !r.Valid() {
		return fmt.Errorf("invalid room assignment %+v", r)
	}
	st, err := s.load()
	if err != nil {
		return err
	}
	st.Room = &r
	return s.save(st)
}
