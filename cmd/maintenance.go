package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/proclock"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/schema"
)

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Run database maintenance tasks",
	Long:  "Run VACUUM ANALYZE on the large tables, clear stale process locks and report table statistics.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("maintenance"); err != nil {
			return err
		}
		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		vacuum, _ := cmd.Flags().GetBool("vacuum")
		stats, _ := cmd.Flags().GetBool("stats")
		resetAfter, _ := cmd.Flags().GetDuration("reset-locks")

		// Default: show stats if no specific action requested.
		if !vacuum && !stats && resetAfter == 0 {
			stats = true
		}

		if resetAfter > 0 {
			n, err := proclock.NewLocker(pool).Reset(ctx, resetAfter)
			if err != nil {
				return err
			}
			zap.L().Info("stale process locks cleared", zap.Int64("locks", n), zap.Duration("older_than", resetAfter))
		}

		if vacuum {
			zap.L().Info("running VACUUM ANALYZE")
			if err := schema.VacuumAnalyze(ctx, pool); err != nil {
				return eris.Wrap(err, "maintenance vacuum")
			}
			zap.L().Info("VACUUM ANALYZE complete")
		}

		if stats {
			tableStats, err := schema.GetTableStats(ctx, pool)
			if err != nil {
				return eris.Wrap(err, "maintenance stats")
			}
			fmt.Printf("%-40s %12s %12s %12s\n", "Table", "Rows", "Total Size", "Index Size")
			fmt.Println("------------------------------------------------------------------------------")
			for _, s := range tableStats {
				fmt.Printf("%-40s %12d %12s %12s\n", s.TableName, s.RowCount, s.TotalSize, s.IndexSize)
			}
		}

		return nil
	},
}

func init() {
	maintenanceCmd.Flags().Bool("vacuum", false, "run VACUUM ANALYZE on the large tables")
	maintenanceCmd.Flags().Bool("stats", false, "show table statistics")
	maintenanceCmd.Flags().Duration("reset-locks", 0, "clear process locks running longer than this (e.g. 6h)")
	rootCmd.AddCommand(maintenanceCmd)
}
