// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package blobstore keeps attachment content outside the job queue. Email
// attachments are spilled here at enqueue time and read back by the worker
// that delivers them.
package blobstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrPathTraversal = errors.New("blobstore: path escapes base directory")
	ErrNotFound      = errors.New("blobstore: blob not found")
)

// Store saves and retrieves opaque blobs by relative path.
type Store interface {
	Save(filename string, content io.Reader) (string, error)
	Open(path string) (io.ReadCloser, error)
	Delete(path string) error
}

// Local stores blobs under a base directory, fanned out by the first two
// characters of a random name.
type Local struct {
	basePath string
}

// NewLocal creates the base directory if needed.
func NewLocal(basePath string) (*Local, error) {
	if err := os.MkdirAll(basePath, 0o750); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve blob directory: %w", err)
	}
	return &Local{basePath: abs}, nil
}

// Save writes content to a new blob and returns its relative path. Only the
// extension of filename is kept.
func (s *Local) Save(filename string, content io.Reader) (string, error) {
	name := uuid.NewString() + strings.ToLower(filepath.Ext(filepath.Base(filename)))
	rel := filepath.Join(name[:2], name)

	if err := os.MkdirAll(filepath.Join(s.basePath, name[:2]), 0o750); err != nil {
		return "", fmt.Errorf("create blob subdirectory: %w", err)
	}

	full := filepath.Join(s.basePath, rel)
	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", fmt.Errorf("create blob: %w", err)
	}
	if _, err := io.Copy(f, content); err != nil {
		f.Close()
		os.Remove(full)
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(full)
		return "", fmt.Errorf("close blob: %w", err)
	}
	return filepath.ToSlash(rel), nil
}

// Open returns a reader for a blob previously returned by Save.
func (s *Local) Open(path string) (io.ReadCloser, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

// ReadAll is a convenience wrapper around Open.
func ReadAll(s Store, path string) ([]byte, error) {
	rc, err := s.Open(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Delete removes a blob. Deleting a missing blob is not an error.
func (s *Local) Delete(path string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

func (s *Local) resolve(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(path))
	if filepath.IsAbs(clean) || clean == "." || strings.HasPrefix(clean, "..") {
		return "", ErrPathTraversal
	}
	full := filepath.Join(s.basePath, clean)
	if !strings.HasPrefix(full, s.basePath+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return full, nil
}
