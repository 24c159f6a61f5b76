// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for openyap.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - ServerConfig: HTTP listener, CORS, limits and rate limiting
//   - StorageConfig: SQLite or MongoDB store and attachment blobs
//   - StreamConfig: flush cadence and timeouts of the streaming pipeline
//   - Watcher: reloads the YAML model catalog when it changes
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (OPENYAP_*)
//   - ~/.openyap/config.toml
//   - ~/.openyap/config.json
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	catalog, err := cfg.Catalog()
package config
