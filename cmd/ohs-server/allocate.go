package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/occhealth/ohs/internal/config"
	"github.com/occhealth/ohs/internal/domain/surveillance"
	"github.com/occhealth/ohs/internal/platform/db"
)

// errDryRun rolls back the allocation transaction.
var errDryRun = errors.New("dry run")

// allocateCmd prints the surveillance id the next create would try first.
// Nothing is written; the scan runs in a transaction that is rolled back.
func allocateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "allocate",
		Short: "Show the next candidate surveillance id without reserving it",
		RunE: func(cmd *cobra.Command, args []string) error {
			verbose, _ := cmd.Flags().GetBool("verbose")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := zerolog.Nop()
			if verbose {
				logger = newLogger(cfg.Env, "debug")
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg, "ohs-allocate")
			if err != nil {
				return err
			}
			defer pool.Close()

			repo := surveillance.NewRepo(pool)
			alloc := surveillance.NewAllocator(repo, nil, cfg.ProbeLimit, logger)
			id, err := dryRunAllocate(ctx, db.NewTxManager(pool), repo, alloc, cfg.SerializeAllocation)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "next surveillance_id: %d\n", id)
			return nil
		},
	}
	cmd.Flags().Bool("verbose", false, "Log every table scan")
	return cmd
}

func dryRunAllocate(ctx context.Context, tx surveillance.TxRunner, repo surveillance.Repository, alloc *surveillance.Allocator, serialize bool) (int64, error) {
	var id int64
	err := tx.InTx(ctx, func(ctx context.Context) error {
		if serialize {
			if err := repo.LockAllocation(ctx); err != nil {
				return err
			}
		}
		var err error
		id, err = alloc.Allocate(ctx)
		if err != nil {
			return err
		}
		return errDryRun
	})
	if !errors.Is(err, errDryRun) {
		return 0, err
	}
	return id, nil
}
