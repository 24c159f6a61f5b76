// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/jeranaias/openyap/internal/config"
	"github.com/jeranaias/openyap/internal/server"
)

// Version information (set at build time)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// globals holds the persistent flags shared by every command.
type globals struct {
	configPath string
	verbose    bool
	jsonOut    bool
}

// loadConfig reads the configuration named by --config, or the default
// files when the flag is empty.
func (g *globals) loadConfig(command string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if g.configPath != "" {
		cfg, err = config.LoadFromPath(g.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, configError(command, err)
	}
	if g.verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// emit prints data as a JSON envelope under --json, otherwise it calls text.
func (g *globals) emit(w io.Writer, command string, data any, text func() error) error {
	if g.jsonOut {
		return NewJSONResponse(command, data).Write(w)
	}
	return text()
}

// NewRootCmd builds the openyap command tree.
func NewRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "openyap",
		Short: "OpenYap - streaming chat backend",
		Long: `OpenYap serves a chat API that streams model output to clients while
persisting it incrementally, so a reply survives reloads, disconnects and
restarts.

Run "openyap config init" to write a starter configuration, then
"openyap user create" for an API token and "openyap serve" to start.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			server.Version = Version
		},
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError(err)
	})

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "config file (default ~/.openyap/config.toml)")
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVar(&g.jsonOut, "json", false, "print results as JSON")

	root.AddCommand(
		newServeCmd(g),
		newUserCmd(g),
		newModelsCmd(g),
		newConfigCmd(g),
		newVersionCmd(g),
	)
	return root
}

// Execute runs the CLI with args and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}
	if jsonOut, _ := root.PersistentFlags().GetBool("json"); jsonOut {
		_ = NewJSONErrorResponse(root.Name(), err).Write(stdout)
	} else {
		fmt.Fprintln(stderr, "Error:", err)
	}
	return ExitCode(err)
}

// =============================================================================
// VERSION
// =============================================================================

// VersionInfo is printed by "openyap version".
type VersionInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

func newVersionCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := VersionInfo{
				Version:   Version,
				GitCommit: GitCommit,
				BuildDate: BuildDate,
				GoVersion: runtime.Version(),
				Platform:  runtime.GOOS + "/" + runtime.GOARCH,
			}
			out := cmd.OutOrStdout()
			return g.emit(out, "version", info, func() error {
				_, err := fmt.Fprintf(out, "openyap %s (commit %s, built %s, %s %s)\n",
					info.Version, info.GitCommit, info.BuildDate, info.GoVersion, info.Platform)
				return err
			})
		},
	}
}
