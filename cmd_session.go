package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func sessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "session <id>",
		Short: "Show a crawl session and its item errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid session id: %w", err)
			}

			ctx := context.Background()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()

			cs, err := a.store.GetCrawlSession(ctx, id)
			if err != nil {
				return err
			}
			if cs == nil {
				return fmt.Errorf("crawl session %s not found", id)
			}
			errs, err := a.store.ListItemErrors(ctx, id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Session %s: %s\n", cs.ID, cs.Status)
			fmt.Fprintf(out, "  started:      %s\n", cs.StartedAt.Format(time.RFC3339))
			if cs.CompletedAt != nil {
				fmt.Fprintf(out, "  completed:    %s (%s)\n", cs.CompletedAt.Format(time.RFC3339), cs.CompletedAt.Sub(cs.StartedAt).Round(time.Second))
			}
			fmt.Fprintf(out, "  total:        %d\n", cs.TotalItems)
			fmt.Fprintf(out, "  new versions: %d\n", cs.NewVersions)
			fmt.Fprintf(out, "  unchanged:    %d\n", cs.Unchanged)
			fmt.Fprintf(out, "  errors:       %d\n", cs.Errors)
			for _, e := range errs {
				fmt.Fprintf(out, "  ! #%d [%s, %d attempts] %s: %s\n", e.SequenceID, e.Kind, e.Attempts, e.URL, e.Message)
			}
			return nil
		},
	}
}
