package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"portal_crawler/scheduler"
)

func daemonCmd() *cobra.Command {
	var runNow bool

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Re-crawl WORK_ITEMS on CRAWL_CRON or CRAWL_INTERVAL",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			crawl := a.crawler()
			sched := scheduler.New(a.cfg.Scheduler, func(ctx context.Context) error {
				// Re-read each time so the list can be edited between runs.
				items, err := loadWorkItems(a.cfg.Scheduler.WorkItems)
				if err != nil {
					return err
				}
				_, err = crawl.Run(ctx, a.applyRobots(ctx, items))
				return err
			}, a.logger)

			if err := sched.Start(ctx); err != nil {
				return err
			}
			defer sched.Stop()

			if runNow {
				go sched.TriggerNow(ctx)
			}

			a.logger.Info().Str("work_items", a.cfg.Scheduler.WorkItems).Msg("daemon running, press Ctrl+C to stop")
			<-ctx.Done()
			a.logger.Info().Msg("shutting down")
			return nil
		},
	}

	cmd.Flags().BoolVar(&runNow, "now", false, "also crawl once immediately")
	return cmd
}
