package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"stride/internal/app"
	"stride/internal/config"
	"stride/internal/repo"
	"stride/internal/server"
)

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every phase change, goal, task update and refused command is recorded here.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	var mine bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the newest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if mine {
					f.SessionID = sessionID()
				}
				items, err := a.Engine.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(cmd.OutOrStdout())
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Session", "Entity", "Actor", "Payload"})
				for i := len(items) - 1; i >= 0; i-- {
					e := items[i]
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.SessionID, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind (session, goal, daily_task)")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().BoolVar(&mine, "this-session", false, "only events of --session")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect the workspace config",
		Long:  "stride.yml holds the model endpoints, coaching options, plan defaults and webhooks. API keys stay in the environment.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(appOptions())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default stride.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.LoadConfig(appOptions())
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config OK")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader, requireAuth bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long:  "Serves the coach over HTTP. Set STRIDE_JWT_SECRET to require HS256 bearer tokens; the token subject is recorded as the actor. Keys from 'stride apikey create' are accepted in X-Api-Key.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.Bootstrap(ctx, appOptions())
			if err != nil {
				return err
			}
			defer a.Close()
			authCfg := server.AuthConfig{
				JWTSecret:        viper.GetString("jwt-secret"),
				RequireAuth:      requireAuth,
				AllowActorHeader: allowActorHeader,
				Logger:           a.Logger,
			}
			if authCfg.JWTSecret == "" && !requireAuth {
				a.Logger.Warn("STRIDE_JWT_SECRET is not set; the API accepts unauthenticated requests")
			}
			handler, err := server.New(server.Config{Coach: a.Coach, BasePath: basePath, Auth: authCfg, Logger: a.Logger})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				server.NewWebhookDispatcher(a.Engine, a.Config.Webhooks, a.Logger).Run(gctx)
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				a.Logger.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath))
				fmt.Fprintf(cmd.OutOrStdout(), "Serving Stride API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id when no JWT secret is set")
	cmd.Flags().BoolVar(&requireAuth, "require-auth", false, "reject requests without a token or API key")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens (env STRIDE_JWT_SECRET)")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}
