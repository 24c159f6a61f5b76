// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jeranaias/openyap/internal/model"
	"github.com/jeranaias/openyap/internal/storage"
	"github.com/jeranaias/openyap/internal/storage/storagetest"
	"github.com/stretchr/testify/require"
)

func TestStore_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		s, err := Open(context.Background(), filepath.Join(t.TempDir(), "openyap.db"))
		require.NoError(t, err)
		return s
	})
}

func TestOpen_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "openyap.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	u := &model.User{ID: model.NewID(), Name: "Ada"}
	require.NoError(t, s.CreateUser(ctx, u))
	require.NoError(t, s.Close())

	// Migrations must be idempotent across restarts.
	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	var version int
	require.NoError(t, s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version))
	if version != len(migrations) {
		t.Errorf("user_version = %d, want %d", version, len(migrations))
	}
	if _, err := s.GetUser(ctx, u.ID); err != nil {
		t.Errorf("GetUser after reopen: %v", err)
	}
}

func TestOpen_Memory(t *testing.T) {
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer s.Close()

	if err := s.CreateUser(context.Background(), &model.User{ID: "u1", Name: "Mem"}); err != nil {
		t.Fatalf("CreateUser on memory db: %v", err)
	}
}

func TestEscapeLike(t *testing.T) {
	if got := escapeLike(`50%_off\`); got != `50\%\_off\\` {
		t.Errorf("escapeLike() = %q", got)
	}
}
