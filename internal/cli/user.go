// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/openyap/internal/auth"
	"github.com/jeranaias/openyap/internal/storage"
)

func newUserCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage API users and tokens",
	}
	cmd.AddCommand(newUserCreateCmd(g), newUserTokenCmd(g))
	return cmd
}

// UserCreated is printed by "openyap user create". The token is shown once.
type UserCreated struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Token string `json:"token"`
}

func newUserCreateCmd(g *globals) *cobra.Command {
	var name, email string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user and print an API token",
		Example: `  openyap user create --name "Ada Lovelace" --email ada@example.com
  openyap user create --name ci --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name = strings.TrimSpace(name)
			if name == "" {
				return usageError(errors.New("--name is required"))
			}
			if email != "" {
				if _, err := mail.ParseAddress(email); err != nil {
					return usageError(fmt.Errorf("invalid --email %q", email))
				}
			}

			var created UserCreated
			err := g.withStore(cmd.Context(), "user create", func(ctx context.Context, store storage.Store) error {
				user, token, err := auth.CreateUser(ctx, store, name, email)
				if err != nil {
					return err
				}
				created = UserCreated{ID: user.ID, Name: user.Name, Email: user.Email, Token: token}
				return nil
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			return g.emit(out, "user create", created, func() error {
				_, err := fmt.Fprintf(out, "Created user %s (%s)\n\nAPI token (shown once, store it now):\n  %s\n",
					created.Name, created.ID, created.Token)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name (required)")
	cmd.Flags().StringVar(&email, "email", "", "contact email")
	return cmd
}

func newUserTokenCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue an additional API token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			err := g.withStore(cmd.Context(), "user token", func(ctx context.Context, store storage.Store) error {
				if _, err := store.GetUser(ctx, args[0]); err != nil {
					return err
				}
				var err error
				token, err = auth.IssueToken(ctx, store, args[0])
				return err
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			return g.emit(out, "user token", map[string]string{"user_id": args[0], "token": token}, func() error {
				_, err := fmt.Fprintf(out, "API token (shown once):\n  %s\n", token)
				return err
			})
		},
	}
}

// withStore loads the configuration, opens the store for fn and closes it.
func (g *globals) withStore(ctx context.Context, command string, fn func(context.Context, storage.Store) error) error {
	cfg, err := g.loadConfig(command)
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return storageError(command, err)
	}
	defer store.Close()
	return fn(ctx, store)
}
