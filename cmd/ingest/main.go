package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/timmy/photoloom/internal/app"
	"github.com/timmy/photoloom/internal/config"
	"github.com/timmy/photoloom/internal/logger"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "photoloom-ingest",
	Short: "Ingest photo directories into a vector collection",
	Long: `photoloom-ingest runs the ingestion pipeline in-process: it scans a
directory, skips content it has seen before, sends new photos to the ML
service for embeddings and captions, and writes the results to Qdrant.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := "info"
		if verbose {
			level = "debug"
		}
		logger.SetDefaultLogger(logger.New(&logger.Config{
			Level:       level,
			Format:      "text",
			Output:      os.Stderr,
			ServiceName: "photoloom-ingest",
		}))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(capabilitiesCmd)
	rootCmd.AddCommand(historyCmd)
}

// buildApp loads configuration and wires the pipeline.
func buildApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
