package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/mrz1836/tide/internal/constants"
	"github.com/mrz1836/tide/internal/domain"
	tideerrors "github.com/mrz1836/tide/internal/errors"
)

// envelope wraps the serialized state with a checksum so a torn or
// hand-edited file is detected instead of silently loaded.
type envelope struct {
	SchemaVersion string          `json:"schema_version"`
	SpecID        string          `json:"spec_id"`
	Revision      int64           `json:"revision"`
	Checksum      string          `json:"checksum"`
	Payload       json.RawMessage `json:"payload"`
}

func encodeState(state *domain.SpecState) ([]byte, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	env := envelope{
		SchemaVersion: state.SchemaVersion,
		SpecID:        state.SpecID,
		Revision:      state.Revision,
		Checksum:      checksum(payload),
		Payload:       payload,
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

func decodeState(data []byte, specID string) (*domain.SpecState, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unparseable envelope: %w", err)
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	// MarshalIndent re-indents the raw payload, so compact it before hashing.
	if sum := checksum(compact(env.Payload)); sum != env.Checksum {
		return nil, fmt.Errorf("checksum mismatch: have %s, want %s", sum, env.Checksum)
	}

	var state domain.SpecState
	if err := json.Unmarshal(env.Payload, &state); err != nil {
		return nil, fmt.Errorf("unparseable payload: %w", err)
	}
	if state.SpecID != specID {
		return nil, fmt.Errorf("state belongs to spec %q", state.SpecID)
	}
	if state.Revision != env.Revision {
		return nil, fmt.Errorf("revision mismatch: envelope %d, payload %d", env.Revision, state.Revision)
	}
	if state.Tasks == nil {
		state.Tasks = make(map[string]*domain.Task)
	}
	return &state, nil
}

func checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func compact(raw json.RawMessage) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

// persist writes the snapshot for state's revision, then replaces the state
// file, then prunes old snapshots. A crash at any point leaves either the
// previous state file or the new one in place.
func (s *FileStore) persist(state *domain.SpecState) error {
	data, err := encodeState(state)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.snapshotsDir(state.SpecID), dirPerm); err != nil {
		return fmt.Errorf("failed to create snapshots directory: %w", err)
	}
	if err := atomicWrite(s.snapshotPath(state.SpecID, state.Revision), data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := atomicWrite(s.statePath(state.SpecID), data); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	s.pruneSnapshots(state.SpecID)
	return nil
}

// loadLocked reads the state file, falling back to the newest valid snapshot.
// The caller must hold the spec lock.
func (s *FileStore) loadLocked(specID string) (*domain.SpecState, error) {
	data, readErr := os.ReadFile(s.statePath(specID))
	if readErr == nil {
		state, err := decodeState(data, specID)
		if err == nil {
			return state, nil
		}
		return s.restoreLocked(specID, err)
	}
	if os.IsNotExist(readErr) {
		return s.restoreLocked(specID, fmt.Errorf("state file missing"))
	}
	return nil, fmt.Errorf("failed to read state: %w", readErr)
}

func (s *FileStore) restoreLocked(specID string, cause error) (*domain.SpecState, error) {
	revs, err := s.listSnapshots(specID)
	if err != nil {
		return nil, err
	}

	for i := len(revs) - 1; i >= 0; i-- {
		data, err := os.ReadFile(s.snapshotPath(specID, revs[i]))
		if err != nil {
			continue
		}
		state, err := decodeState(data, specID)
		if err != nil {
			s.logger.Warn().Str("spec_id", specID).Int64("revision", revs[i]).Err(err).Msg("skipping invalid snapshot")
			continue
		}
		if err := atomicWrite(s.statePath(specID), data); err != nil {
			return nil, fmt.Errorf("failed to restore state from snapshot: %w", err)
		}
		s.logger.Warn().
			Str("spec_id", specID).
			Str("event", "state_recovered").
			Int64("revision", state.Revision).
			Str("cause", cause.Error()).
			Msg("state restored from snapshot")
		return state, nil
	}

	return nil, fmt.Errorf("spec %s: %s and no valid snapshot: %w", specID, cause, tideerrors.ErrStateCorruption)
}

func (s *FileStore) snapshotPath(specID string, revision int64) string {
	return filepath.Join(s.snapshotsDir(specID), fmt.Sprintf("%s%012d.json", constants.SnapshotPrefix, revision))
}

// listSnapshots returns the revisions of all snapshots, ascending.
func (s *FileStore) listSnapshots(specID string) ([]int64, error) {
	entries, err := os.ReadDir(s.snapshotsDir(specID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshots: %w", err)
	}

	var revs []int64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, constants.SnapshotPrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		rev, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, constants.SnapshotPrefix), ".json"), 10, 64)
		if err != nil {
			continue
		}
		revs = append(revs, rev)
	}
	sort.Slice(revs, func(i, j int) bool { return revs[i] < revs[j] })
	return revs, nil
}

func (s *FileStore) pruneSnapshots(specID string) {
	revs, err := s.listSnapshots(specID)
	if err != nil || len(revs) <= s.retention {
		return
	}
	for _, rev := range revs[:len(revs)-s.retention] {
		_ = os.Remove(s.snapshotPath(specID, rev))
	}
}

// atomicWrite writes data to a temp file, syncs, and renames it over path.
func atomicWrite(path string, data []byte) error {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm) //#nosec G304 -- path is constructed internally
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	syncDir(filepath.Dir(path))
	return nil
}

// syncDir flushes the directory entry so the rename survives power loss.
// Not every platform supports it; failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir) //#nosec G304 -- directory constructed internally
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
