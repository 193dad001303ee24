package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"contentctl/pkg/models"
)

func newLocksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect plan/quota/trial locks",
	}
	cmd.AddCommand(newLocksListCommand())
	cmd.AddCommand(newLocksClearCommand())
	return cmd
}

func newLocksListCommand() *cobra.Command {
	var storeID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List currently held locks",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := connectStore()
			if err != nil {
				return err
			}
			defer store.Close()

			var locks []models.Lock
			q := store.DB().Model(&models.Lock{})
			if storeID != "" {
				q = q.Where("store_id = ?", storeID)
			}
			if err := q.Find(&locks).Error; err != nil {
				return fmt.Errorf("list locks: %w", err)
			}

			if len(locks) == 0 {
				fmt.Println("no locks held")
				return nil
			}
			for _, l := range locks {
				status := "held"
				if l.ExpiresAt.Before(time.Now()) {
					status = "expired"
				}
				fmt.Printf("%-24s %-14s %-36s expires=%s (%s)\n",
					l.StoreID, l.Operation, l.HolderCorrelation,
					l.ExpiresAt.Format(time.RFC3339), status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&storeID, "store-id", "", "filter by store id")
	return cmd
}

func newLocksClearCommand() *cobra.Command {
	var storeID, operation string
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Forcibly delete a held lock (operator escape hatch)",
		Long: `clear deletes a plan_operation_locks row outright, regardless of who
holds it. Use only when a holder process has crashed and left a lock that
won't expire for a while; clearing a lock still held by a live process
can race with its own release.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if storeID == "" || operation == "" {
				return fmt.Errorf("both --store-id and --operation are required")
			}
			store, err := connectStore()
			if err != nil {
				return err
			}
			defer store.Close()

			result := store.DB().Where("store_id = ? AND operation = ?", storeID, operation).Delete(&models.Lock{})
			if result.Error != nil {
				return fmt.Errorf("clear lock: %w", result.Error)
			}
			logger.WithField("rows", result.RowsAffected).Info("lock cleared")
			return nil
		},
	}
	cmd.Flags().StringVar(&storeID, "store-id", "", "store id")
	cmd.Flags().StringVar(&operation, "operation", "", "quota_check, plan_update, or trial_update")
	return cmd
}
