package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"portal_crawler/models"
)

func crawlCmd() *cobra.Command {
	var (
		input       string
		concurrency int
		batchSize   int
		timeout     time.Duration
		noProgress  bool
	)

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl a list of document URLs once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if cmd.Flags().Changed("concurrency") {
				a.cfg.Crawl.Concurrency = concurrency
			}
			if cmd.Flags().Changed("batch-size") {
				a.cfg.Crawl.BatchSize = batchSize
			}
			if cmd.Flags().Changed("timeout") {
				a.cfg.Crawl.Timeout = timeout
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			if input == "" {
				input = a.cfg.Scheduler.WorkItems
			}

			items, err := loadWorkItems(input)
			if err != nil {
				return err
			}
			a.logger.Info().Str("input", input).Int("items", len(items)).Msg("work items loaded")
			items = a.applyRobots(ctx, items)

			sched := a.crawler()
			if !noProgress {
				bar := newProgressBar(len(items))
				sched.OnItem(func(models.ItemResult) { bar.Add(1) })
				defer bar.Finish()
			}

			report, runErr := sched.Run(ctx, items)
			printSummary(cmd.OutOrStdout(), report)
			return runErr
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "JSON file with work items (default WORK_ITEMS)")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "n", 2, "concurrent pages per batch")
	cmd.Flags().IntVarP(&batchSize, "batch-size", "b", 10, "items per browser context")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "base page timeout, scaled by attempt")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "disable the progress bar")
	return cmd
}

func newProgressBar(max int) *progressbar.ProgressBar {
	return progressbar.NewOptions(max,
		progressbar.OptionSetDescription("crawling"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
}
