package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/timmy/photoloom/internal/domain"
	"github.com/timmy/photoloom/internal/logger"
)

var (
	runDir        string
	runCollection string
	runInterval   time.Duration
	historyLimit  int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Ingest a directory and wait for the job to finish",
	Example: `  photoloom-ingest run --dir ~/Pictures --collection family
  photoloom-ingest run -d /mnt/nas/raw -C archive --interval 10s`,
	RunE: runIngest,
}

var capabilitiesCmd = &cobra.Command{
	Use:   "capabilities",
	Short: "Show the batch plan negotiated with the ML service",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())
		return printJSON(a.Negotiator.Plan(ctx))
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent ingestion jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := buildApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		records, err := a.Manager.History(ctx, historyLimit)
		if err != nil {
			return err
		}
		for _, r := range records {
			fmt.Printf("%s  %-10s %-20s total=%d processed=%d cached=%d failed=%d duplicates=%d\n",
				r.CreatedAt.Format(time.DateTime), r.Status, r.Collection,
				r.TotalFiles, r.Processed, r.Cached, r.Failed, r.Duplicates)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVarP(&runDir, "dir", "d", "", "directory to ingest")
	runCmd.Flags().StringVarP(&runCollection, "collection", "C", "", "target collection")
	runCmd.Flags().DurationVar(&runInterval, "interval", 2*time.Second, "progress report interval")
	_ = runCmd.MarkFlagRequired("dir")
	_ = runCmd.MarkFlagRequired("collection")

	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of jobs to show")
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	id, err := a.Manager.Start(ctx, runDir, runCollection)
	if err != nil {
		return err
	}
	log := logger.GetDefault().WithField(logger.FieldJobID, id)
	log.Infof("Ingesting %s into %s", runDir, runCollection)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	for {
		waitCtx, cancel := context.WithTimeout(ctx, runInterval)
		view, err := a.Manager.Wait(waitCtx, id)
		cancel()
		if err == nil {
			return report(view)
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		select {
		case <-sigChan:
			log.Warn("Received shutdown signal, cancelling job...")
			if err := a.Manager.Cancel(id); err != nil {
				return err
			}
		default:
		}

		c := view.Counters
		log.WithFields(logger.Fields{
			"progress":   fmt.Sprintf("%.1f%%", view.Progress),
			"total":      c.TotalFiles,
			"processed":  c.Processed,
			"cached":     c.Cached,
			"failed":     c.Failed,
			"duplicates": c.Duplicates,
		}).Info("Ingest progress")
	}
}

func report(view domain.JobStatusView) error {
	c := view.Counters
	fmt.Printf("job %s %s: total=%d processed=%d cached=%d failed=%d duplicates=%d\n",
		view.ID, view.Status, c.TotalFiles, c.Processed, c.Cached, c.Failed, c.Duplicates)
	for _, f := range view.FailedDetails {
		fmt.Printf("  failed [%s] %s: %s\n", f.Stage, f.Path, f.Error)
	}

	switch view.Status {
	case domain.JobStatusCompleted:
		return nil
	case domain.JobStatusCancelled:
		return errors.New("job cancelled")
	default:
		return fmt.Errorf("job failed: %s", view.Error)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
