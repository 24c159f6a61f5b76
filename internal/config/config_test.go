// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jeranaias/openyap/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v, want nil", err)
	}
	if cfg.Stream.FlushInterval() != 250*time.Millisecond {
		t.Errorf("FlushInterval() = %v, want 250ms", cfg.Stream.FlushInterval())
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver = %q, want sqlite", cfg.Storage.Driver)
	}
}

func TestLoadFromPath_TOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
default_model = "deepseek/deepseek-r1"

[server]
listen = "0.0.0.0:9000"
cors_origins = ["https://chat.example.com"]

[storage]
driver = "SQLite3"
sqlite_path = "/tmp/openyap-test.db"

[stream]
flush_interval_ms = 500

[logging]
level = "WARNING"
format = "text"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, "deepseek/deepseek-r1", cfg.DefaultModel)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
	assert.Equal(t, "sqlite", cfg.Storage.Driver, "driver alias should be migrated")
	assert.Equal(t, 500, cfg.Stream.FlushIntervalMs)
	assert.Equal(t, 2048, cfg.Stream.FlushThresholdBytes, "unset values keep defaults")
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoadFromPath_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"storage":{"driver":"mongo","mongo_uri":"mongodb://localhost:27017"},"stream":{"timeout_secs":30}}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "mongo", cfg.Storage.Driver)
	assert.Equal(t, "openyap", cfg.Storage.MongoDatabase)
	assert.Equal(t, 30*time.Second, cfg.Stream.Timeout())
}

func TestLoadFromPath_FixesPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("version = \"1.0.0\"\n"), 0644))

	_, err := LoadFromPath(path)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	if mode := info.Mode().Perm(); mode != 0600 {
		t.Errorf("config mode = %o, want 600", mode)
	}
}

func TestValidate_Errors(t *testing.T) {
	cfg := Default()
	cfg.Storage.Driver = "postgres"
	cfg.Stream.FlushIntervalMs = 1
	cfg.Logging.Level = "loud"
	cfg.Server.CORSOrigins = []string{"not a url"}
	cfg.Models.Catalog = []model.ModelInfo{
		{ID: "a", Provider: model.ProviderOllama},
		{ID: "a", Provider: "bedrock"},
	}

	err := cfg.Validate()
	require.Error(t, err)

	var verrs ValidateErrors
	require.True(t, errors.As(err, &verrs))

	fields := make(map[string]bool)
	for _, e := range verrs {
		fields[e.Field] = true
	}
	for _, want := range []string{
		"storage.driver",
		"stream.flush_interval_ms",
		"logging.level",
		"server.cors_origins",
		"models.catalog[1]",
	} {
		if !fields[want] {
			t.Errorf("missing validation error for %s in %v", want, verrs)
		}
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("OPENYAP_LISTEN", ":7000")
	t.Setenv("OPENROUTER_API_KEY", "sk-or-fallback")
	t.Setenv("OPENYAP_OPENROUTER_KEY", "sk-or-primary")
	t.Setenv("OPENYAP_STORAGE_DRIVER", "mongo")
	t.Setenv("OPENYAP_MONGO_URI", "mongodb://db:27017")
	t.Setenv("OPENYAP_RATE_LIMIT", "5")

	cfg := Default()
	cfg.ApplyEnvOverrides()

	assert.Equal(t, ":7000", cfg.Server.Listen)
	assert.Equal(t, "sk-or-primary", cfg.Providers.OpenRouter.APIKey)
	assert.Equal(t, "mongo", cfg.Storage.Driver)
	assert.Equal(t, "mongodb://db:27017", cfg.Storage.MongoURI)
	assert.Equal(t, 5, cfg.Server.RateLimitPerMinute)
}

func TestString_RedactsSecrets(t *testing.T) {
	cfg := Default()
	cfg.Providers.OpenRouter.APIKey = "sk-or-secret"
	cfg.Providers.Gemini.APIKey = "gm-secret"
	cfg.Storage.MongoURI = "mongodb://admin:hunter2@db:27017"

	out := cfg.String()
	for _, secret := range []string{"sk-or-secret", "gm-secret", "hunter2"} {
		if strings.Contains(out, secret) {
			t.Errorf("String() leaks %q", secret)
		}
	}
	if cfg.Providers.OpenRouter.APIKey != "sk-or-secret" {
		t.Error("String() must not mutate the original config")
	}
}

func TestSaveTOML_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg := Default()
	cfg.Server.Listen = ":1234"

	require.NoError(t, SaveTOML(cfg, path))
	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, ":1234", loaded.Server.Listen)
}

// =============================================================================
// CATALOG TESTS
// =============================================================================

const testCatalog = `
models:
  - id: local/llama
    name: Llama
    provider: ollama
    upstream: llama3.2
    context_length: 8192
  - id: or/mini
    name: Mini
    provider: openrouter
    prompt_price: 0.15
    completion_price: 0.6
`

func TestLoadCatalogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0600))

	models, err := LoadCatalogFile(path)
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "llama3.2", models[0].UpstreamModel())
	assert.Equal(t, 0.6, models[1].CompletionPrice)

	require.NoError(t, os.WriteFile(path, []byte("models: []\n"), 0600))
	_, err = LoadCatalogFile(path)
	assert.Error(t, err, "empty catalog should be rejected")
}

func TestConfig_CatalogFallbacks(t *testing.T) {
	cfg := Default()
	c, err := cfg.Catalog()
	require.NoError(t, err)
	assert.Equal(t, len(model.DefaultCatalog), c.Len())

	cfg.Models.Catalog = []model.ModelInfo{{ID: "x", Provider: model.ProviderGemini}}
	c, err = cfg.Catalog()
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0600))

	reloaded := make(chan *model.Catalog, 4)
	w, err := NewWatcher(path, func(c *model.Catalog) { reloaded <- c }, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	updated := testCatalog + `  - id: gm/flash
    name: Flash
    provider: gemini
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0600))

	select {
	case c := <-reloaded:
		assert.Equal(t, 3, c.Len())
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload catalog")
	}
}
