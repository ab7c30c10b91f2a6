package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/IshaanNene/storecrawl/internal/config"
	"github.com/IshaanNene/storecrawl/internal/observability"
)

var (
	cfgFile string
	verbose bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "storecrawl",
		Short: "storecrawl: SmartStore listing crawler",
		Long: `storecrawl walks SmartStore storefront, category and search listings in a
headless Chromium, extracts product cards (title, price, image, link),
downloads product images and keeps one workbook row per item.

Re-running a listing replaces its rows; the workbook is autosaved while a
run is in progress and saved next to the target when the target is open in
another program.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(crawlCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(configCmd())
	root.AddCommand(versionCmd())
	return root
}

// versionCmd creates the "version" subcommand.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "storecrawl %s\n", config.Version)
		},
	}
}

// configCmd creates the "config" subcommand for inspecting configuration.
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Output:\n")
			fmt.Fprintf(out, "  Excel Path:        %s\n", cfg.Output.ExcelPath)
			fmt.Fprintf(out, "  Image Root:        %s\n", cfg.Output.ImgRoot)
			fmt.Fprintf(out, "\nBrowser:\n")
			fmt.Fprintf(out, "  Headless:          %v\n", cfg.Browser.Headless)
			fmt.Fprintf(out, "  Page Load Timeout: %s\n", cfg.Browser.PageLoadTimeout())
			fmt.Fprintf(out, "  Wait:              %s\n", cfg.Browser.DefaultWait())
			fmt.Fprintf(out, "  Language:          %s\n", cfg.Browser.Language)
			fmt.Fprintf(out, "  Binary:            %s\n", orDefault(cfg.Browser.BinPath, "(auto)"))
			fmt.Fprintf(out, "\nCrawl:\n")
			fmt.Fprintf(out, "  Max Pages per URL: %d\n", cfg.Crawl.MaxPagesPerURL)
			fmt.Fprintf(out, "  Load Attempts:     %d\n", cfg.Crawl.LoadRetries)
			fmt.Fprintf(out, "  Max Scrolls:       %d\n", cfg.Crawl.MaxScrolls)
			fmt.Fprintf(out, "\nDownload:\n")
			fmt.Fprintf(out, "  Enabled:           %v\n", cfg.Download.Enabled)
			fmt.Fprintf(out, "  Workers:           %d\n", cfg.Download.Workers)
			fmt.Fprintf(out, "  Timeout:           %s\n", cfg.Download.Timeout)
			fmt.Fprintf(out, "\nWorkbook:\n")
			fmt.Fprintf(out, "  Autosave Every:    %d\n", cfg.Workbook.AutosaveEvery)
			fmt.Fprintf(out, "\nMirror:\n")
			fmt.Fprintf(out, "  JSONL:             %s\n", orDefault(cfg.Mirror.JSONLPath, "(off)"))
			fmt.Fprintf(out, "  MongoDB:           %v\n", cfg.Mirror.MongoURI != "")
			fmt.Fprintf(out, "\nMetrics:\n")
			fmt.Fprintf(out, "  Enabled:           %v\n", cfg.Metrics.Enabled)
			fmt.Fprintf(out, "  Addr:              %s\n", cfg.Metrics.Addr)
			if err := config.Validate(cfg); err != nil {
				fmt.Fprintf(out, "\ninvalid: %v\n", err)
			}
			return nil
		},
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// setupLogger creates the structured logger from the logging config.
func setupLogger(cfg *config.Config) (*slog.Logger, io.Closer) {
	return observability.NewLogger(cfg.Logging, verbose)
}
