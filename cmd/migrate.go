package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/schema"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("migrate"); err != nil {
			return err
		}
		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		statusOnly, _ := cmd.Flags().GetBool("status")
		if statusOnly {
			pending, err := schema.Pending(ctx, pool)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Println("Schema is up to date")
				return nil
			}
			fmt.Printf("%d pending migrations:\n", len(pending))
			for _, name := range pending {
				fmt.Println("  " + name)
			}
			return nil
		}

		if err := schema.Migrate(ctx, pool); err != nil {
			return err
		}
		zap.L().Info("migrations applied")
		return nil
	},
}

func init() {
	migrateCmd.Flags().Bool("status", false, "list pending migrations without applying them")
	rootCmd.AddCommand(migrateCmd)
}
