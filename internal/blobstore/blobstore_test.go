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

package blobstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_SaveOpenDelete(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	path, err := s.Save("Report.PDF", strings.NewReader("%PDF-1.7 body"))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, ".pdf"))
	assert.Equal(t, path[:2], filepath.Dir(filepath.FromSlash(path)))

	data, err := ReadAll(s, path)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 body", string(data))

	require.NoError(t, s.Delete(path))
	_, err = s.Open(path)
	assert.ErrorIs(t, err, ErrNotFound)

	// Second delete is a no-op.
	assert.NoError(t, s.Delete(path))
}

func TestLocal_SaveIgnoresDirectoryInFilename(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocal(dir)
	require.NoError(t, err)

	path, err := s.Save("../../etc/evil.sh", strings.NewReader("x"))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, filepath.FromSlash(path)))
	assert.NoError(t, err)
	assert.False(t, strings.Contains(path, ".."))
}

func TestLocal_RejectsTraversal(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	for _, p := range []string{"../etc/passwd", "a/../../etc/passwd", "/etc/passwd", "", "."} {
		t.Run(p, func(t *testing.T) {
			_, err := s.Open(p)
			assert.ErrorIs(t, err, ErrPathTraversal)
			assert.ErrorIs(t, s.Delete(p), ErrPathTraversal)
		})
	}
}
