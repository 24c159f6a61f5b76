// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package blob

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, max int64) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), max)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGet(t *testing.T) {
	s := openStore(t, 1<<20)
	content := []byte(strings.Repeat("openyap attachment ", 500))

	digest, size, err := s.Put(bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), size)
	assert.Len(t, digest, 64)
	assert.True(t, s.Has(digest))

	got, err := s.Get(digest)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	info, err := os.Stat(s.path(digest))
	require.NoError(t, err)
	if info.Size() >= int64(len(content)) {
		t.Errorf("stored size %d not compressed below %d", info.Size(), len(content))
	}
}

func TestPut_Deduplicates(t *testing.T) {
	s := openStore(t, 1<<20)

	d1, _, err := s.Put(strings.NewReader("same bytes"))
	require.NoError(t, err)
	d2, _, err := s.Put(strings.NewReader("same bytes"))
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	entries, err := os.ReadDir(filepath.Join(s.dir, d1[:2]))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPut_TooLarge(t *testing.T) {
	s := openStore(t, 8)
	_, _, err := s.Put(strings.NewReader("123456789"))
	assert.ErrorIs(t, err, ErrTooLarge)

	_, size, err := s.Put(strings.NewReader("12345678"))
	require.NoError(t, err)
	assert.Equal(t, int64(8), size)
}

func TestGet_Errors(t *testing.T) {
	s := openStore(t, 1<<20)

	_, err := s.Get("../../etc/passwd")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(Digest([]byte("never stored")))
	assert.ErrorIs(t, err, ErrNotFound)

	digest, _, err := s.Put(strings.NewReader("original"))
	require.NoError(t, err)
	other := s.encoder.EncodeAll([]byte("tampered"), nil)
	require.NoError(t, os.WriteFile(s.path(digest), other, 0600))

	_, err = s.Get(digest)
	if !errors.Is(err, ErrCorrupt) {
		t.Errorf("Get(tampered) = %v, want ErrCorrupt", err)
	}
}
