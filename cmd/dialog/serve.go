package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rhuss/dialog/pkg/transport"
	transporthttp "github.com/rhuss/dialog/pkg/transport/http"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve POST /v1/generate over HTTP",
	Long:  "Start the HTTP surface of the engine: POST /v1/generate (JSON or SSE), GET /healthz and the Prometheus metrics endpoint.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configFile)
		if err != nil {
			return err
		}
		if servePort > 0 {
			cfg.Server.Port = servePort
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, err := buildStack(ctx, cfg)
		if err != nil {
			return fmt.Errorf("building engine: %w", err)
		}
		defer st.Close()

		metricsPath := ""
		if cfg.Observability.Metrics.Enabled {
			metricsPath = cfg.Observability.Metrics.Path
		}

		srv := transporthttp.NewServer(transport.NewEngineHandler(st.engine),
			transporthttp.WithAddr(":"+strconv.Itoa(cfg.Server.Port)),
			transporthttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
			transporthttp.WithMetricsPath(metricsPath),
			transporthttp.WithLogger(slog.Default()),
		)
		return srv.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Listen port (overrides server.port)")
}
