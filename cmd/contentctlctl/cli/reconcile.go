package cli

import (
	"github.com/spf13/cobra"

	"contentctl/pkg/quota"
	"contentctl/pkg/reconciler"
)

func newReconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation sweep immediately",
		Long: `reconcile runs a single trial/grace-expiration and orphaned-job-recovery
sweep immediately, bypassing the leader-elected schedule. Useful after an
incident to confirm the queue has drained its stale jobs without waiting
for the next scheduled tick.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			store, err := connectStore()
			if err != nil {
				return err
			}
			defer store.Close()

			quotaMgr := quota.New(store, store, store, nil)
			r := reconciler.New(store, store, quotaMgr, nil, reconciler.Config{})

			logger.Info("running manual reconciliation sweep")
			if err := r.Sweep(ctx); err != nil {
				return err
			}
			logger.Info("reconciliation sweep complete")
			return nil
		},
	}
}
