// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jeranaias/openyap/internal/model"
)

// ModelsOutput is printed by "openyap models".
type ModelsOutput struct {
	Default string            `json:"default"`
	Models  []model.ModelInfo `json:"models"`
}

func newModelsCmd(g *globals) *cobra.Command {
	var provider string
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the model catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig("models")
			if err != nil {
				return err
			}
			catalog, err := cfg.Catalog()
			if err != nil {
				return configError("models", err)
			}

			result := ModelsOutput{Default: cfg.DefaultModel, Models: catalog.List()}
			if provider != "" {
				result.Models = catalog.ByProvider(provider)
			}

			out := cmd.OutOrStdout()
			return g.emit(out, "models", result, func() error {
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tPROVIDER\tCONTEXT\tREASONING\tVISION\tPRICE IN/OUT ($/M)")
				for _, m := range result.Models {
					id := m.ID
					if id == result.Default {
						id += " *"
					}
					fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%.2f / %.2f\n",
						id, m.Provider, m.ContextLength, yesNo(m.Reasoning), yesNo(m.Vision),
						m.PromptPrice, m.CompletionPrice)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().StringVarP(&provider, "provider", "p", "", "only list models served by this provider")
	return cmd
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
