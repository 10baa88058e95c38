package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/skillbox/pkg/app"
	"github.com/jingkaihe/skillbox/pkg/config"
	"github.com/jingkaihe/skillbox/pkg/logger"
	"github.com/jingkaihe/skillbox/pkg/presenter"
)

var (
	cfg             config.Config
	tracingShutdown func(context.Context) error
)

var rootCmd = &cobra.Command{
	Use:   "skillbox",
	Short: "Sandboxed runtime for agent skills",
	Long: `skillbox stores agent skills (a SKILL.md plus scripts, references and assets)
in a durable virtual filesystem and runs their JavaScript entry points inside an
isolated sandbox that only reaches the host through vetted capabilities.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
			presenter.SetQuiet(true)
		}
		if err := config.Init(viper.GetViper()); err != nil {
			return err
		}
		loaded, err := config.Load(viper.GetViper())
		if err != nil {
			return err
		}
		cfg = loaded
		if err := logger.Configure(cfg.LogLevel, cfg.LogFormat); err != nil {
			return err
		}
		tracingShutdown, err = initTracing(cmd.Context(), cfg)
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
		if tracingShutdown == nil {
			return nil
		}
		return tracingShutdown(context.Background())
	},
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (panic, fatal, error, warn, info, debug, trace)")
	rootCmd.PersistentFlags().String("log-format", "fmt", "Log format (fmt, text, json)")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "Only print errors and command results")
	rootCmd.PersistentFlags().String("base-path", "", "Directory holding skillbox state (defaults to ~/.skillbox)")

	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("base_path", rootCmd.PersistentFlags().Lookup("base-path"))
}

// openApp builds the skillbox instance the command operates on.
func openApp(ctx context.Context, opts ...app.Option) (*app.App, error) {
	return app.New(ctx, cfg, opts...)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rootCmd.AddCommand(
		withTracing(serveCmd),
		skillCmd,
		fsCmd,
		withTracing(migrateCmd),
		dbCmd,
		watchCmd,
		versionCmd,
	)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		presenter.Error(err, "")
		cancel()
		os.Exit(1)
	}
}
