// Package store provides path-addressed JSON document storage: one logical
// document per entity, rooted at a data directory.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joymesh/joymesh/core/errs"
)

const docExt = ".json"

// Store persists one JSON document per logical path, e.g. "listings/<id>".
type Store struct {
	root string
}

// New creates a store rooted at dir, creating the directory if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errs.Validation("data directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errs.IO("create data dir", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the data directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) resolve(path string) (string, error) {
	if path == "" {
		return "", errs.Validation("document path is required")
	}
	parts := strings.Split(path, "/")
	for _, p := range parts {
		if p == "" || p == "." || p == ".." || strings.ContainsAny(p, `\`) {
			return "", errs.Validation("invalid document path: " + path)
		}
	}
	return filepath.Join(s.root, filepath.Join(parts...)) + docExt, nil
}

// Write marshals v and persists it atomically (temp file + rename + fsync).
func (s *Store) Write(path string, v interface{}) error {
	file, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(file), 0700); err != nil {
		return errs.IO("create document dir", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errs.IO("encode document", err)
	}

	tmp := file + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return errs.IO("open document", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return errs.IO("write document", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errs.IO("sync document", err)
	}
	if err := f.Close(); err != nil {
		return errs.IO("close document", err)
	}
	if err := os.Rename(tmp, file); err != nil {
		return errs.IO("rename document", err)
	}
	syncDir(file)
	return nil
}

// Read loads the document at path into v. Absent documents are NotFound.
func (s *Store) Read(path string, v interface{}) error {
	file, err := s.resolve(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(file)
	if err != nil {
		if os.IsNotExist(err) {
			return errs.NotFound("document", path)
		}
		return errs.IO("read document", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errs.IO("decode document", err)
	}
	return nil
}

// Exists reports whether a document is present at path.
func (s *Store) Exists(path string) (bool, error) {
	file, err := s.resolve(path)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(file); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errs.IO("stat document", err)
	}
	return true, nil
}

// List returns the document names (without extension) directly under prefix,
// sorted. A missing prefix directory yields an empty list, not an error.
func (s *Store) List(prefix string) ([]string, error) {
	if prefix == "" {
		return nil, errs.Validation("list prefix is required")
	}
	dir := filepath.Join(s.root, filepath.FromSlash(prefix))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.IO("list documents", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), docExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), docExt))
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the document at path. Deleting an absent document is a no-op.
func (s *Store) Delete(path string) error {
	file, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
		return errs.IO("delete document", err)
	}
	return nil
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}
