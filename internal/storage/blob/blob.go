// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package blob stores attachment bytes on disk, addressed by the BLAKE3
// digest of their content and compressed with zstd. Identical uploads share
// one file.
package blob

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/jeranaias/openyap/internal/util"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

var (
	// ErrNotFound is returned when no blob exists for a digest.
	ErrNotFound = errors.New("blob not found")

	// ErrTooLarge is returned when content exceeds the store's limit.
	ErrTooLarge = errors.New("blob too large")

	// ErrCorrupt is returned when stored bytes do not match their digest.
	ErrCorrupt = errors.New("blob corrupt")
)

// Store is a content-addressed blob directory.
type Store struct {
	dir      string
	maxBytes int64

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	// mu serialises writers of the same digest.
	mu sync.Mutex
}

// Open creates the directory if needed and returns a store that accepts
// blobs up to maxBytes.
func Open(dir string, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Store{dir: dir, maxBytes: maxBytes, encoder: enc, decoder: dec}, nil
}

// Close releases the codec resources.
func (s *Store) Close() error {
	s.decoder.Close()
	return s.encoder.Close()
}

// Digest returns the hex BLAKE3-256 digest of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put reads r to the end and stores its content. It returns the digest and
// the uncompressed size.
func (s *Store) Put(r io.Reader) (string, int64, error) {
	data, err := io.ReadAll(io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return "", 0, fmt.Errorf("read blob: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return "", 0, ErrTooLarge
	}

	digest := Digest(data)
	path := s.path(digest)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(path); err == nil {
		return digest, int64(len(data)), nil
	}

	compressed := s.encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	if err := util.AtomicWriteFile(path, compressed, 0600); err != nil {
		return "", 0, fmt.Errorf("write blob: %w", err)
	}
	return digest, int64(len(data)), nil
}

// Get returns the content for digest, verifying it against the digest.
func (s *Store) Get(digest string) ([]byte, error) {
	if !validDigest(digest) {
		return nil, ErrNotFound
	}
	compressed, err := os.ReadFile(s.path(digest))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	data, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if Digest(data) != digest {
		return nil, ErrCorrupt
	}
	return data, nil
}

// Has reports whether a blob exists for digest.
func (s *Store) Has(digest string) bool {
	if !validDigest(digest) {
		return false
	}
	_, err := os.Stat(s.path(digest))
	return err == nil
}

// path shards blobs by the first two hex characters of the digest.
func (s *Store) path(digest string) string {
	return filepath.Join(s.dir, digest[:2], digest[2:]+".zst")
}

func validDigest(d string) bool {
	if len(d) != 64 {
		return false
	}
	_, err := hex.DecodeString(d)
	return err == nil
}
