package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/matrix"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/proclock"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/schema"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/tasks"
)

var (
	okColor   = color.New(color.FgGreen).SprintFunc()
	busyColor = color.New(color.FgYellow).SprintFunc()
	failColor = color.New(color.FgRed, color.Bold).SprintFunc()
)

var matrixCmd = &cobra.Command{
	Use:   "matrix",
	Short: "Build and inspect travel-time matrices",
}

var matrixBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build the travel-time matrices of mode variants",
	Long:  "Rebuilds the matrices of the given mode variants (all variants if none are given) in the foreground. A variant already being built is reported as busy.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "matrix")
		if err != nil {
			return err
		}
		defer env.Close()

		variants, _ := cmd.Flags().GetInt64Slice("variants")
		places, _ := cmd.Flags().GetInt64Slice("places")
		infras, _ := cmd.Flags().GetInt64Slice("infrastructures")
		air, _ := cmd.Flags().GetBool("air-distance")

		if len(variants) == 0 {
			if variants, err = matrix.Variants(ctx, env.Pool); err != nil {
				return err
			}
		}

		acts, err := env.Activities()
		if err != nil {
			return err
		}
		start := time.Now()
		out, err := acts.BuildMatrix(ctx, tasks.MatrixInput{Request: matrix.Request{
			VariantIDs:        variants,
			PlaceIDs:          places,
			InfrastructureIDs: infras,
			AirDistance:       air,
			Holder:            "cli",
		}})

		for _, r := range out.Results {
			if r.Mode == 0 {
				continue
			}
			note := ""
			if r.Kept {
				note = busyColor(" (no travel times, previous matrix kept)")
			}
			fmt.Printf("  variant %-4d %-6s %-8s %10d rows  %s%s\n", r.VariantID, r.Mode, r.Method, r.Rows, r.Elapsed.Round(time.Millisecond), note)
		}

		err = tasks.FromApplicationError(err)
		switch {
		case err == nil:
			fmt.Printf("%s %d rows in %s\n", okColor("complete"), out.Rows, time.Since(start).Round(time.Second))
			return nil
		case errors.Is(err, proclock.ErrBusy):
			fmt.Printf("%s %v\n", busyColor("busy"), err)
			return nil
		default:
			if re, ok := matrix.AsRoutingError(err); ok && re.Status == matrix.StatusNotAcceptable {
				fmt.Printf("%s %s\n", failColor("not acceptable"), re.Message)
			}
			return err
		}
	},
}

var matrixStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show build state and row counts per mode variant",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "indicator")
		if err != nil {
			return err
		}
		defer env.Close()

		variants, _ := cmd.Flags().GetInt64Slice("variants")
		if len(variants) == 0 {
			if variants, err = matrix.Variants(ctx, env.Pool); err != nil {
				return err
			}
		}

		statuses, err := matrix.Status(ctx, env.Pool, env.Locker, variants)
		if err != nil {
			return err
		}

		fmt.Printf("%-8s %-10s %12s %12s %12s %12s\n", "Variant", "State", "cell-place", "cell-stop", "place-stop", "stop-stop")
		for _, st := range statuses {
			state := okColor("idle")
			if st.Lock.IsRunning {
				state = busyColor("running")
			}
			fmt.Printf("%-8d %-10s %12d %12d %12d %12d\n", st.VariantID, state,
				st.Rows[schema.MatrixCellPlace], st.Rows[schema.MatrixCellStop],
				st.Rows[schema.MatrixPlaceStop], st.Rows[schema.MatrixStopStop])
		}

		latest, err := env.Tasks.Latest(ctx, tasks.MatrixScope(variants))
		if err != nil {
			return err
		}
		if latest != nil {
			fmt.Printf("\nlast build: %s %s %s\n", latest.StartedAt.Format(time.RFC3339), taskStatus(latest.Status), latest.Message)
		}
		return nil
	},
}

var matrixLoadStopsCmd = &cobra.Command{
	Use:   "load-stops",
	Short: "Load the stops and stop-to-stop travel times of a transit variant",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		variant, _ := cmd.Flags().GetInt64("variant")
		stopsPath, _ := cmd.Flags().GetString("stops")
		transfersPath, _ := cmd.Flags().GetString("transfers")
		comma, _ := cmd.Flags().GetString("comma")
		if variant <= 0 {
			return eris.New("matrix load-stops: --variant is required")
		}
		if stopsPath == "" && transfersPath == "" {
			return eris.New("matrix load-stops: --stops or --transfers is required")
		}
		if len([]rune(comma)) != 1 {
			return eris.Errorf("matrix load-stops: --comma must be one character, got %q", comma)
		}

		env, err := initEnv(ctx, "indicator")
		if err != nil {
			return err
		}
		defer env.Close()

		loader := matrix.NewStopLoader(env.Pool, env.Locker, env.Bus, []rune(comma)[0])
		if stopsPath != "" {
			f, err := os.Open(stopsPath)
			if err != nil {
				return eris.Wrap(err, "open stops file")
			}
			rep, err := loader.LoadStops(ctx, variant, "cli", f)
			_ = f.Close()
			if errors.Is(err, proclock.ErrBusy) {
				fmt.Printf("%s %v\n", busyColor("busy"), err)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s %d stops loaded for variant %d\n", okColor("ok"), rep.Rows, variant)
		}
		if transfersPath != "" {
			f, err := os.Open(transfersPath)
			if err != nil {
				return eris.Wrap(err, "open transfers file")
			}
			rep, err := loader.LoadTransfers(ctx, variant, "cli", f)
			_ = f.Close()
			if errors.Is(err, proclock.ErrBusy) {
				fmt.Printf("%s %v\n", busyColor("busy"), err)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s %d stop-to-stop rows loaded for variant %d", okColor("ok"), rep.Rows, variant)
			if rep.Skipped > 0 {
				fmt.Printf(", %s", busyColor(fmt.Sprintf("%d lines with unknown stops skipped", rep.Skipped)))
			}
			fmt.Println()
		}
		return nil
	},
}

var matrixPartitionsCmd = &cobra.Command{
	Use:   "partitions",
	Short: "List the partitions of the matrix tables",
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

		for _, table := range schema.MatrixTables {
			parts, err := schema.ListPartitions(ctx, pool, table)
			if err != nil {
				return err
			}
			fmt.Printf("%s (%d)\n", table, len(parts))
			for _, p := range parts {
				fmt.Println("  " + p)
			}
		}
		return nil
	},
}

// taskStatus colors a task log status.
func taskStatus(status string) string {
	switch status {
	case proclock.StatusComplete:
		return okColor(status)
	case proclock.StatusAccepted, proclock.StatusRunning:
		return busyColor(status)
	default:
		return failColor(status)
	}
}

func init() {
	matrixBuildCmd.Flags().Int64Slice("variants", nil, "mode variant ids (default all)")
	matrixBuildCmd.Flags().Int64Slice("places", nil, "rebuild only these places")
	matrixBuildCmd.Flags().Int64Slice("infrastructures", nil, "rebuild only places of these infrastructures")
	matrixBuildCmd.Flags().Bool("air-distance", false, "use air distances instead of the routing backend")

	matrixStatusCmd.Flags().Int64Slice("variants", nil, "mode variant ids (default all)")

	matrixLoadStopsCmd.Flags().Int64("variant", 0, "transit mode variant id")
	matrixLoadStopsCmd.Flags().String("stops", "", "stop file (hstnr, name, lon, lat)")
	matrixLoadStopsCmd.Flags().String("transfers", "", "stop-to-stop file (from, to, minutes)")
	matrixLoadStopsCmd.Flags().String("comma", ";", "field delimiter")

	matrixCmd.AddCommand(matrixBuildCmd, matrixStatusCmd, matrixLoadStopsCmd, matrixPartitionsCmd)
	rootCmd.AddCommand(matrixCmd)
}
