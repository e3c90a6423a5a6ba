package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// treeSnapshot holds the regular files of a working tree, excluding .git,
// so a failed REFACTOR can be undone.
type treeSnapshot struct {
	root  string
	files map[string]snapshotFile
}

type snapshotFile struct {
	data []byte
	mode fs.FileMode
}

func captureTree(root string) (*treeSnapshot, error) {
	snap := &treeSnapshot{root: root, files: make(map[string]snapshotFile)}
	err := walkTree(root, func(rel, full string, info fs.FileInfo) error {
		data, err := os.ReadFile(full) //#nosec G304 -- path comes from walking the workspace
		if err != nil {
			return err
		}
		snap.files[rel] = snapshotFile{data: data, mode: info.Mode().Perm()}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot %s: %w", root, err)
	}
	return snap, nil
}

// restore rewrites every captured file and removes files created since.
func (s *treeSnapshot) restore() error {
	var extra []string
	err := walkTree(s.root, func(rel, full string, _ fs.FileInfo) error {
		if _, ok := s.files[rel]; !ok {
			extra = append(extra, full)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", s.root, err)
	}
	for _, full := range extra {
		if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", full, err)
		}
	}
	for rel, f := range s.files {
		full := filepath.Join(s.root, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
			return fmt.Errorf("failed to restore %s: %w", rel, err)
		}
		if err := os.WriteFile(full, f.data, f.mode); err != nil {
			return fmt.Errorf("failed to restore %s: %w", rel, err)
		}
	}
	return nil
}

func walkTree(root string, fn func(rel, full string, info fs.FileInfo) error) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Name() == ".git" {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		return fn(rel, path, info)
	})
}

// fingerprint records the content digest of each path under root, "" for
// a path that does not exist or cannot be read.
type fingerprint map[string]string

func takeFingerprint(root string, paths []string) fingerprint {
	fp := make(fingerprint, len(paths))
	for _, p := range paths {
		if _, ok := fp[p]; ok || !filepath.IsLocal(p) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, p)) //#nosec G304 -- local path under the workspace
		if err != nil {
			fp[p] = ""
			continue
		}
		sum := sha256.Sum256(data)
		fp[p] = hex.EncodeToString(sum[:])
	}
	return fp
}

// changed reports whether path differs under root from when fp was taken.
// A path fp never saw counts as changed.
func (fp fingerprint) changed(root, path string) bool {
	before, ok := fp[path]
	if !ok {
		return true
	}
	return takeFingerprint(root, []string{path})[path] != before
}
