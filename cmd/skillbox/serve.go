package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jingkaihe/skillbox/pkg/logger"
	"github.com/jingkaihe/skillbox/pkg/presenter"
	"github.com/jingkaihe/skillbox/pkg/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the skillbox HTTP API",
	Long: `Start a local HTTP server exposing the skill manager: upload, list, enable,
disable, delete, execute and export skills.

The server listens on 127.0.0.1:8787 unless configured otherwise.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		serverConfig := getServeConfigFromFlags(cmd)
		if err := serverConfig.Validate(); err != nil {
			return err
		}

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := a.Close(); closeErr != nil {
				logger.G(ctx).WithError(closeErr).Error("failed to close skillbox")
			}
		}()

		srv, err := server.New(a.Manager, serverConfig)
		if err != nil {
			return err
		}

		presenter.Success(fmt.Sprintf("skillbox API listening on http://%s:%d", serverConfig.Host, serverConfig.Port))
		presenter.Info("Press Ctrl+C to stop the server")

		if err := srv.Start(ctx); err != nil {
			return err
		}
		presenter.Info("Server stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("host", "", "Host to bind the server to (defaults to server.host)")
	serveCmd.Flags().Int("port", 0, "Port to bind the server to (defaults to server.port)")
}

// getServeConfigFromFlags lets flags override the configured listen address.
func getServeConfigFromFlags(cmd *cobra.Command) *server.Config {
	c := &server.Config{Host: cfg.Server.Host, Port: cfg.Server.Port}
	if host, err := cmd.Flags().GetString("host"); err == nil && host != "" {
		c.Host = host
	}
	if port, err := cmd.Flags().GetInt("port"); err == nil && port != 0 {
		c.Port = port
	}
	return c
}
