/*
Copyright 2022 The MASH Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package jobstore persists accepted job documents to disk so that a
// service restart resumes its job state. Writes are atomic: the document
// lands in a temp file that is renamed into place.
package jobstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const tmpSuffix = ".tmp"

// Store is one service's job directory.
type Store struct {
	dir string
}

// New creates the job directory if needed and returns a store for it.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("error creating job directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the job directory path.
func (s *Store) Dir() string {
	return s.dir
}

// Add writes doc as a uniquely-named file in the job directory and returns
// its path.
func (s *Store) Add(doc []byte) (string, error) {
	f, err := os.CreateTemp(s.dir, "job-*.json"+tmpSuffix)
	if err != nil {
		return "", fmt.Errorf("error creating job file: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(doc); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("error writing job file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("error closing job file: %w", err)
	}
	path := strings.TrimSuffix(tmp, tmpSuffix)
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("error renaming job file: %w", err)
	}
	return path, nil
}

// Entry is one persisted job document.
type Entry struct {
	Path string
	Raw  []byte
}

// List returns every persisted job document, sorted by path. Incomplete
// temp files are skipped.
func (s *Store) List() ([]Entry, error) {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("error reading job directory %s: %w", s.dir, err)
	}
	var entries []Entry
	for _, f := range files {
		if f.IsDir() || strings.HasSuffix(f.Name(), tmpSuffix) {
			continue
		}
		path := filepath.Join(s.dir, f.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading job file %s: %w", path, err)
		}
		entries = append(entries, Entry{Path: path, Raw: raw})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// Remove deletes a job file. Removing an already absent file is not an
// error, so deletes stay idempotent.
func (s *Store) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error removing job file %s: %w", path, err)
	}
	return nil
}

// RetireTo serialises state as <dir>/<id>.json, creating dir if needed.
// Used by the obs service to archive finished watchers.
func RetireTo(dir, id string, state interface{}) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("error creating done directory %s: %w", dir, err)
	}
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("error serialising job %s: %w", id, err)
	}
	path := filepath.Join(dir, id+".json")
	tmp := path + tmpSuffix
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("error writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("error renaming %s: %w", tmp, err)
	}
	return nil
}
