package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stride/internal/app"
	"stride/internal/engine"
)

func apiKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for stride serve",
		Long:  "API keys authenticate HTTP callers through the X-Api-Key header. Only a hash is stored; the key is shown once when created.",
	}
	cmd.AddCommand(apiKeyCreateCmd())
	cmd.AddCommand(apiKeyListCmd())
	cmd.AddCommand(apiKeyRevokeCmd())
	return cmd
}

func apiKeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				owner := actor
				if owner == "" {
					owner = engine.ActorFrom(ctx)
				}
				key, secret, err := a.Engine.IssueAPIKey(ctx, owner, name, engine.Mutation{ActorID: engine.ActorFrom(ctx)})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": key, "secret": secret})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created key %s for %s\n%s\nStore it now; it cannot be shown again.\n", key.ID, key.ActorID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key acts as (default --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Engine.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created", "Last used"})
				for _, k := range keys {
					last := "-"
					if k.LastUsedAt != nil {
						last = *k.LastUsedAt
					}
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt, last})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "only keys of this actor")
	return cmd
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.RevokeAPIKey(ctx, args[0], engine.Mutation{ActorID: engine.ActorFrom(ctx)}); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Revoked %s\n", args[0])
				return nil
			})
		},
	}
}
