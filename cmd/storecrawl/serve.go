package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/IshaanNene/storecrawl/internal/api"
	"github.com/IshaanNene/storecrawl/internal/config"
	"github.com/IshaanNene/storecrawl/internal/crawler"
	"github.com/IshaanNene/storecrawl/internal/observability"
	"github.com/IshaanNene/storecrawl/internal/storage"
)

// serveCmd creates the "serve" subcommand.
func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run API",
		Long: `Serve a JSON API for hosts that start runs, poll their progress and cancel
them. Only one run is active at a time.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			logger, closer := setupLogger(cfg)
			defer closer.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var crawlOpts []crawler.Option
			var serverOpts []api.Option
			if cfg.Metrics.Enabled {
				metrics := observability.NewMetrics()
				crawlOpts = append(crawlOpts, crawler.WithMetrics(metrics))
				serverOpts = append(serverOpts, api.WithMetrics(metrics))
			}

			sink, err := storage.FromConfig(ctx, cfg.Mirror, logger)
			if err != nil {
				return fmt.Errorf("open mirror: %w", err)
			}
			if sink != nil {
				defer sink.Close()
				crawlOpts = append(crawlOpts, crawler.WithSink(sink))
			}
			serverOpts = append(serverOpts, api.WithCrawlerOptions(crawlOpts...))

			srv := api.NewServer(addr, cfg, logger, serverOpts...)
			return srv.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}
