// Package store provides the persistent task store for tide.
//
// Each spec lives in its own directory under <home>/specs. The state is a
// single checksummed JSON envelope written with write-temp, fsync, rename.
// Every write first saves the new revision as a snapshot, and a rotating set
// of snapshots is kept so a corrupted state file can be restored on load.
// All reads and writes of a spec hold an exclusive file lock, and every
// change goes through Apply as one all-or-nothing Transaction.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrz1836/tide/internal/clock"
	"github.com/mrz1836/tide/internal/constants"
	"github.com/mrz1836/tide/internal/domain"
	tideerrors "github.com/mrz1836/tide/internal/errors"
	"github.com/mrz1836/tide/internal/flock"
)

const (
	dirPerm  = 0o750
	filePerm = 0o600
)

// Store defines the transactional interface the orchestration core depends on.
type Store interface {
	// Create persists a new spec at revision 1.
	// Returns ErrSpecExists if state already exists.
	Create(ctx context.Context, state *domain.SpecState) error

	// Load returns the current state, restoring from a snapshot if the state file is corrupt.
	// Returns ErrSpecNotFound if the spec has no state.
	Load(ctx context.Context, specID string) (*domain.SpecState, error)

	// Apply applies every mutation of tx or none of them and returns the new state.
	Apply(ctx context.Context, specID string, tx Transaction) (*domain.SpecState, error)

	// Discard removes state and snapshots but keeps the manifest and event log.
	Discard(ctx context.Context, specID string) error

	// Delete removes everything stored for the spec.
	Delete(ctx context.Context, specID string) error

	// List returns the ids of all specs with state, sorted.
	List(ctx context.Context) ([]string, error)

	// AppendEvent appends a JSON line to the spec's event log.
	AppendEvent(ctx context.Context, specID string, entry []byte) error

	// Events returns the lines of the spec's event log, oldest first.
	Events(ctx context.Context, specID string) ([]json.RawMessage, error)

	// SaveManifest stores the task manifest the spec was initialized from.
	SaveManifest(ctx context.Context, specID string, data []byte) error

	// LoadManifest returns the stored task manifest.
	LoadManifest(ctx context.Context, specID string) ([]byte, error)
}

// FileStore implements Store using the local filesystem.
type FileStore struct {
	home        string
	retention   int
	lockTimeout time.Duration
	clock       clock.Clock
	logger      zerolog.Logger

	// eventsMu serializes event appends within this process. Events are not
	// guarded by the spec lock so they can be written while Apply holds it.
	eventsMu sync.Mutex
}

// Option configures a FileStore.
type Option func(*FileStore)

// WithSnapshotRetention sets how many snapshots are kept per spec.
func WithSnapshotRetention(n int) Option {
	return func(s *FileStore) {
		if n > 0 {
			s.retention = n
		}
	}
}

// WithLockTimeout sets how long operations wait for the spec lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *FileStore) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

// WithClock sets the clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *FileStore) {
		s.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *FileStore) {
		s.logger = l
	}
}

// NewFileStore creates a FileStore rooted at home (usually ~/.tide).
func NewFileStore(home string, opts ...Option) (*FileStore, error) {
	if home == "" {
		return nil, fmt.Errorf("store home: %w", tideerrors.ErrEmptyValue)
	}
	s := &FileStore{
		home:        home,
		retention:   constants.DefaultSnapshotRetention,
		lockTimeout: constants.DefaultLockTimeout,
		clock:       clock.RealClock{},
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Create persists a new spec at revision 1.
func (s *FileStore) Create(ctx context.Context, state *domain.SpecState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if state == nil {
		return fmt.Errorf("create: state: %w", tideerrors.ErrEmptyValue)
	}
	if err := validateSpecID(state.SpecID); err != nil {
		return err
	}

	return s.withLock(ctx, state.SpecID, func() error {
		if _, err := os.Stat(s.statePath(state.SpecID)); err == nil {
			return fmt.Errorf("spec %s: %w", state.SpecID, tideerrors.ErrSpecExists)
		}

		next := state.Clone()
		next.Revision = 1
		if next.SchemaVersion == "" {
			next.SchemaVersion = constants.StateSchemaVersion
		}
		if err := Validate(next); err != nil {
			return err
		}
		if err := s.persist(next); err != nil {
			return err
		}
		s.logger.Info().Str("spec_id", next.SpecID).Int("tasks", len(next.Tasks)).Msg("spec state created")
		return nil
	})
}

// Load returns the current state of a spec.
func (s *FileStore) Load(ctx context.Context, specID string) (*domain.SpecState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateSpecID(specID); err != nil {
		return nil, err
	}
	if !s.exists(specID) {
		return nil, fmt.Errorf("spec %s: %w", specID, tideerrors.ErrSpecNotFound)
	}

	var state *domain.SpecState
	err := s.withLock(ctx, specID, func() error {
		var loadErr error
		state, loadErr = s.loadLocked(specID)
		return loadErr
	})
	return state, err
}

// Apply applies tx to the current state under the spec lock.
//
// Mutations run against a deep copy, so a failing mutation or a violated
// invariant leaves the persisted state untouched. A non-zero
// ExpectedRevision that differs from the stored revision is rejected with
// ErrConcurrentWriteConflict.
func (s *FileStore) Apply(ctx context.Context, specID string, tx Transaction) (*domain.SpecState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateSpecID(specID); err != nil {
		return nil, err
	}
	if !s.exists(specID) {
		return nil, fmt.Errorf("spec %s: %w", specID, tideerrors.ErrSpecNotFound)
	}

	var next *domain.SpecState
	err := s.withLock(ctx, specID, func() error {
		current, err := s.loadLocked(specID)
		if err != nil {
			return err
		}
		if tx.ExpectedRevision != 0 && tx.ExpectedRevision != current.Revision {
			return fmt.Errorf("transaction %s expected revision %d, found %d: %w",
				tx.ID, tx.ExpectedRevision, current.Revision, tideerrors.ErrConcurrentWriteConflict)
		}

		now := s.clock.Now()
		candidate := current.Clone()
		for _, m := range tx.Mutations {
			if err := m.Apply(candidate, now); err != nil {
				return fmt.Errorf("transaction %s: %s: %w", tx.ID, m.Name(), err)
			}
		}
		if err := Validate(candidate); err != nil {
			return fmt.Errorf("transaction %s: %w", tx.ID, err)
		}

		candidate.Revision = current.Revision + 1
		candidate.UpdatedAt = now
		if err := s.persist(candidate); err != nil {
			return err
		}

		s.logger.Debug().
			Str("spec_id", specID).
			Str("tx_id", tx.ID).
			Str("reason", tx.Reason).
			Strs("mutations", tx.names()).
			Int64("revision", candidate.Revision).
			Msg("transaction applied")
		next = candidate
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// Discard removes state and snapshots but keeps the manifest and event log.
func (s *FileStore) Discard(ctx context.Context, specID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateSpecID(specID); err != nil {
		return err
	}
	if !s.exists(specID) {
		return fmt.Errorf("spec %s: %w", specID, tideerrors.ErrSpecNotFound)
	}
	return s.withLock(ctx, specID, func() error {
		if err := os.Remove(s.statePath(specID)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove state: %w", err)
		}
		if err := os.RemoveAll(s.snapshotsDir(specID)); err != nil {
			return fmt.Errorf("failed to remove snapshots: %w", err)
		}
		s.logger.Warn().Str("spec_id", specID).Msg("spec state discarded")
		return nil
	})
}

// Delete removes everything stored for the spec.
func (s *FileStore) Delete(ctx context.Context, specID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateSpecID(specID); err != nil {
		return err
	}
	dir := s.specDir(specID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("spec %s: %w", specID, tideerrors.ErrSpecNotFound)
	}
	return s.withLock(ctx, specID, func() error {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to delete spec directory: %w", err)
		}
		return nil
	})
}

// List returns the ids of all specs with state.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.specsDir())
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read specs directory: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && s.exists(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// AppendEvent appends one JSON line to the spec's event log.
func (s *FileStore) AppendEvent(ctx context.Context, specID string, entry []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateSpecID(specID); err != nil {
		return err
	}

	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()

	if err := os.MkdirAll(s.specDir(specID), dirPerm); err != nil {
		return fmt.Errorf("failed to create spec directory: %w", err)
	}
	f, err := os.OpenFile(s.eventsPath(specID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm) //#nosec G304 -- path built from validated spec id
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer func() { _ = f.Close() }()

	line := strings.TrimRight(string(entry), "\n") + "\n"
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// SaveManifest stores the task manifest atomically.
func (s *FileStore) SaveManifest(ctx context.Context, specID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateSpecID(specID); err != nil {
		return err
	}
	return s.withLock(ctx, specID, func() error {
		return atomicWrite(s.manifestPath(specID), data)
	})
}

// LoadManifest returns the stored task manifest.
func (s *FileStore) LoadManifest(ctx context.Context, specID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateSpecID(specID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.manifestPath(specID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("manifest for spec %s: %w", specID, tideerrors.ErrSpecNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return data, nil
}

// Events returns the raw lines of the spec's event log. A spec without
// events has an empty log.
func (s *FileStore) Events(ctx context.Context, specID string) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateSpecID(specID); err != nil {
		return nil, err
	}
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	data, err := os.ReadFile(s.eventsPath(specID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}
	var out []json.RawMessage
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line != "" {
			out = append(out, json.RawMessage(line))
		}
	}
	return out, nil
}

func (s *FileStore) withLock(ctx context.Context, specID string, fn func() error) error {
	if err := os.MkdirAll(s.specDir(specID), dirPerm); err != nil {
		return fmt.Errorf("failed to create spec directory: %w", err)
	}
	lock, err := flock.Acquire(ctx, s.lockPath(specID), s.lockTimeout)
	if err != nil {
		return fmt.Errorf("spec %s: %w", specID, err)
	}
	defer func() { _ = lock.Release() }()
	return fn()
}

// exists reports whether the spec has a state file or any snapshot to restore from.
func (s *FileStore) exists(specID string) bool {
	if _, err := os.Stat(s.statePath(specID)); err == nil {
		return true
	}
	snaps, _ := s.listSnapshots(specID)
	return len(snaps) > 0
}

func validateSpecID(specID string) error {
	if specID == "" {
		return fmt.Errorf("spec id: %w", tideerrors.ErrEmptyValue)
	}
	if specID == "." || specID == ".." || strings.ContainsAny(specID, `/\`) || strings.Contains(specID, "..") {
		return fmt.Errorf("spec id %q: %w", specID, tideerrors.ErrPathTraversal)
	}
	return nil
}

func (s *FileStore) specsDir() string {
	return filepath.Join(s.home, constants.SpecsDir)
}

func (s *FileStore) specDir(specID string) string {
	return filepath.Join(s.specsDir(), specID)
}

func (s *FileStore) statePath(specID string) string {
	return filepath.Join(s.specDir(specID), constants.StateFileName)
}

func (s *FileStore) lockPath(specID string) string {
	return filepath.Join(s.specDir(specID), constants.LockFileName)
}

func (s *FileStore) manifestPath(specID string) string {
	return filepath.Join(s.specDir(specID), constants.ManifestFileName)
}

func (s *FileStore) eventsPath(specID string) string {
	return filepath.Join(s.specDir(specID), constants.EventsFileName)
}

func (s *FileStore) snapshotsDir(specID string) string {
	return filepath.Join(s.specDir(specID), constants.SnapshotsDir)
}

var _ Store = (*FileStore)(nil)
