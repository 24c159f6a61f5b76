// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config.go - Config command implementation.
//
// Subcommands:
//   init     Write a default configuration file
//   show     Display the effective configuration (secrets redacted)
//   path     Show the configuration file path
//
// Examples:
//   openyap config init
//   openyap config init --force --config ./openyap.toml
//   openyap config show --json
package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/openyap/internal/config"
)

func newConfigCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and create configuration",
	}
	cmd.AddCommand(newConfigInitCmd(g), newConfigShowCmd(g), newConfigPathCmd(g))
	return cmd
}

// configFile returns the file named by --config or the default TOML path.
func (g *globals) configFile() (string, error) {
	if g.configPath != "" {
		return g.configPath, nil
	}
	return config.ConfigPathTOML()
}

func newConfigInitCmd(g *globals) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := g.configFile()
			if err != nil {
				return configError("config init", err)
			}
			if _, err := os.Stat(path); err == nil && !force {
				return &CommandError{
					Command: "config init",
					Reason:  fmt.Sprintf("%s already exists (use --force to overwrite)", path),
					Code:    ExitConfigError,
				}
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return configError("config init", err)
			}

			if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
				return configError("config init", err)
			}
			cfg := config.Default()
			if strings.HasSuffix(path, ".json") {
				err = config.SaveJSON(cfg, path)
			} else {
				err = config.SaveTOML(cfg, path)
			}
			if err != nil {
				return configError("config init", err)
			}

			out := cmd.OutOrStdout()
			return g.emit(out, "config init", map[string]string{"path": path}, func() error {
				_, err := fmt.Fprintf(out, "Wrote %s\nSet providers.openrouter.api_key (or OPENROUTER_API_KEY) before serving.\n", path)
				return err
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}

func newConfigShowCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig("config show")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return g.emit(out, "config show", cfg.Redacted(), func() error {
				_, err := fmt.Fprintln(out, cfg.String())
				return err
			})
		},
	}
}

func newConfigPathCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show the configuration file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := g.configFile()
			if err != nil {
				return configError("config path", err)
			}
			out := cmd.OutOrStdout()
			return g.emit(out, "config path", map[string]string{"path": path}, func() error {
				_, err := fmt.Fprintln(out, path)
				return err
			})
		},
	}
}
