package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"stride/internal/app"
	"stride/internal/db"
	"stride/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "stride",
	Short: "Stride goal coach",
	Long: `Stride turns a conversation into a day-by-day plan and keeps you company while you work through it.
- Onboarding: describe a goal; the coach proposes phases and a daily task for every day.
- Companion: chat about progress; the coach can rename today's task or reset the goal.
- Witness: once every day is done (or you confirm the whole goal is finished) the coach celebrates; 'stride session restart' starts a new cycle.
Finishing the whole goal in conversation always takes two turns: the coach asks, you confirm.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("STRIDE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/stride.yml)")
	flags.StringP("session", "s", "default", "conversation session id")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", "local-user", "actor recorded on events")
	flags.String("log-level", "", "log level override (debug, info, warn, error)")
	flags.Bool("log-json", false, "JSON log output")
	for _, name := range []string{"workspace", "config", "session", "json", "actor-id", "log-level", "log-json"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(sayCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(goalCmd())
	rootCmd.AddCommand(checkinCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(apiKeyCmd())
}

func appOptions() app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		LogLevel:   viper.GetString("log-level"),
		LogJSON:    viper.GetBool("log-json"),
	}
}

// withApp bootstraps the workspace and runs fn with the caller's actor on ctx.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Bootstrap(ctx, appOptions())
	if err != nil {
		return err
	}
	defer a.Close()
	ctx = engine.WithActor(ctx, viper.GetString("actor-id"))
	return fn(ctx, a)
}

func sessionID() string {
	if id := strings.TrimSpace(viper.GetString("session")); id != "" {
		return id
	}
	return "default"
}

func printJSONOrText(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
