// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/openyap/internal/auth"
	"github.com/jeranaias/openyap/internal/config"
	"github.com/jeranaias/openyap/internal/storage"
	"github.com/jeranaias/openyap/internal/storage/sqlite"
)

// run executes the CLI with args and returns the exit code and output.
func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// writeConfig writes a config pointing storage into a temp dir.
func writeConfig(t *testing.T) (path string, cfg *config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg = config.Default()
	cfg.Storage.SQLitePath = filepath.Join(dir, "openyap.db")
	cfg.Storage.AttachmentDir = filepath.Join(dir, "attachments")
	path = filepath.Join(dir, "config.toml")
	require.NoError(t, config.SaveTOML(cfg, path))
	return path, cfg
}

// decodeEnvelope parses a --json response.
func decodeEnvelope(t *testing.T, out string, data any) JSONResponse {
	t.Helper()
	var resp JSONResponse
	resp.Data = data
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	return resp
}

// =============================================================================
// VERSION AND USAGE
// =============================================================================

func TestVersion(t *testing.T) {
	code, out, _ := run(t, "version")
	assert.Equal(t, ExitSuccess, code)
	assert.True(t, strings.HasPrefix(out, "openyap "+Version), out)

	code, out, _ = run(t, "version", "--json")
	require.Equal(t, ExitSuccess, code)
	var info VersionInfo
	resp := decodeEnvelope(t, out, &info)
	assert.True(t, resp.Success)
	assert.Equal(t, "version", resp.Command)
	assert.Equal(t, Version, info.Version)
	assert.NotEmpty(t, info.GoVersion)
}

func TestUsageErrors(t *testing.T) {
	code, _, stderr := run(t, "version", "--no-such-flag")
	assert.Equal(t, ExitUsageError, code)
	assert.Contains(t, stderr, "no-such-flag")

	code, _, _ = run(t, "user", "create")
	assert.Equal(t, ExitUsageError, code, "--name is required")

	code, _, _ = run(t, "user", "create", "--name", "x", "--email", "not-an-email")
	assert.Equal(t, ExitUsageError, code)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, ExitSuccess},
		{errors.New("boom"), ExitGeneralError},
		{configError("serve", errors.New("bad")), ExitConfigError},
		{storageError("serve", errors.New("locked")), ExitStorageError},
		{fmt.Errorf("lookup: %w", storage.ErrNotFound), ExitNotFoundError},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

// =============================================================================
// CONFIG
// =============================================================================

func TestConfigInitAndShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	code, out, stderr := run(t, "config", "init", "--config", path)
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, out, path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	code, _, stderr = run(t, "config", "init", "--config", path)
	assert.Equal(t, ExitConfigError, code)
	assert.Contains(t, stderr, "already exists")

	code, _, _ = run(t, "config", "init", "--config", path, "--force")
	assert.Equal(t, ExitSuccess, code)

	t.Setenv("OPENROUTER_API_KEY", "sk-or-secret-value")
	code, out, _ = run(t, "config", "show", "--config", path)
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "[REDACTED]")
	assert.NotContains(t, out, "sk-or-secret-value")
}

func TestConfigShow_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("this is = = not toml"), 0600))

	code, _, _ := run(t, "config", "show", "--config", path)
	assert.Equal(t, ExitConfigError, code)
}

// =============================================================================
// USERS
// =============================================================================

func TestUserCreate(t *testing.T) {
	path, cfg := writeConfig(t)

	code, out, stderr := run(t, "user", "create", "--config", path, "--name", "Ada", "--email", "ada@example.com", "--json")
	require.Equal(t, ExitSuccess, code, stderr)
	var created UserCreated
	resp := decodeEnvelope(t, out, &created)
	require.True(t, resp.Success)
	assert.Equal(t, "Ada", created.Name)
	assert.True(t, auth.WellFormed(created.Token))

	store, err := sqlite.Open(context.Background(), cfg.Storage.SQLitePath)
	require.NoError(t, err)
	defer store.Close()

	user, err := auth.Authenticate(context.Background(), store, created.Token)
	require.NoError(t, err)
	assert.Equal(t, created.ID, user.ID)
	assert.Equal(t, "ada@example.com", user.Email)
}

func TestUserToken(t *testing.T) {
	path, _ := writeConfig(t)

	code, out, _ := run(t, "user", "create", "--config", path, "--name", "ci", "--json")
	require.Equal(t, ExitSuccess, code)
	var created UserCreated
	decodeEnvelope(t, out, &created)

	code, out, _ = run(t, "user", "token", created.ID, "--config", path)
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "API token")
	assert.NotContains(t, out, created.Token)

	code, _, _ = run(t, "user", "token", "missing-user", "--config", path)
	assert.Equal(t, ExitNotFoundError, code)
}

// =============================================================================
// MODELS
// =============================================================================

func TestModels(t *testing.T) {
	path, cfg := writeConfig(t)

	code, out, _ := run(t, "models", "--config", path)
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "PROVIDER")
	assert.Contains(t, out, cfg.DefaultModel+" *")

	code, out, _ = run(t, "models", "--config", path, "--provider", "ollama", "--json")
	require.Equal(t, ExitSuccess, code)
	var models ModelsOutput
	decodeEnvelope(t, out, &models)
	require.NotEmpty(t, models.Models)
	for _, m := range models.Models {
		assert.Equal(t, "ollama", m.Provider)
	}
}

// =============================================================================
// SERVE
// =============================================================================

func TestServe_StopsOnCancel(t *testing.T) {
	_, cfg := writeConfig(t)
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.ShutdownTimeoutSecs = 5
	cfg.Logging.Level = "error"

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after its context was cancelled")
	}

	_, err := os.Stat(cfg.Storage.SQLitePath)
	assert.NoError(t, err, "database created")
}

func TestServe_UnknownDriver(t *testing.T) {
	_, cfg := writeConfig(t)
	cfg.Storage.Driver = "postgres"
	cfg.Logging.Level = "error"

	err := runServe(context.Background(), cfg)
	assert.Equal(t, ExitStorageError, ExitCode(err))
}
