package cli

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newJobsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and requeue jobs",
	}
	cmd.AddCommand(newJobsGetCommand())
	cmd.AddCommand(newJobsRequeueStaleCommand())
	return cmd
}

func newJobsGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Print a single job's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid job id: %w", err)
			}

			store, err := connectStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := signalContext()
			defer cancel()

			job, err := store.GetJob(ctx, id)
			if err != nil {
				return fmt.Errorf("get job: %w", err)
			}

			fmt.Printf("id:           %s\n", job.ID)
			fmt.Printf("type:         %s\n", job.Type)
			fmt.Printf("status:       %s\n", job.Status)
			fmt.Printf("attempts:     %d/%d\n", job.Attempts, job.MaxAttempts)
			fmt.Printf("store_id:     %s\n", job.StoreID)
			fmt.Printf("scheduled_at: %s\n", job.ScheduledAt.Format(time.RFC3339))
			if job.CompletedAt != nil {
				fmt.Printf("completed_at: %s\n", job.CompletedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newJobsRequeueStaleCommand() *cobra.Command {
	var staleAfter time.Duration
	var limit int
	cmd := &cobra.Command{
		Use:   "requeue-stale",
		Short: "Requeue jobs stuck in processing past staleAfter",
		Long: `requeue-stale runs the same RequeueStaleJobs pass the reconciler's sweep
does, out of band: jobs stuck in "processing" past staleAfter are returned
to "pending" with attempts incremented, or failed outright once attempts
are exhausted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := connectStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := signalContext()
			defer cancel()

			n, err := store.RequeueStaleJobs(ctx, staleAfter, limit)
			if err != nil {
				return fmt.Errorf("requeue stale jobs: %w", err)
			}
			logger.WithField("count", n).Info("requeued stale jobs")
			return nil
		},
	}
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 5*time.Minute, "how long a job may sit in processing before it's considered stuck")
	cmd.Flags().IntVar(&limit, "limit", 500, "maximum jobs to touch in one pass")
	return cmd
}
