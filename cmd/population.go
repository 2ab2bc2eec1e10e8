package main

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/proclock"
	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/tasks"
)

var populationCmd = &cobra.Command{
	Use:   "population",
	Short: "Aggregate and disaggregate population",
}

var populationAggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Recompute the area population of a population from its raster cells",
	RunE: func(cmd *cobra.Command, _ []string) error {
		id, _ := cmd.Flags().GetInt64("population")
		level, _ := cmd.Flags().GetInt64("level")
		return runPopulation(cmd, tasks.PopulationInput{PopulationID: id, AreaLevelID: level, Holder: "cli"})
	},
}

var populationDisaggregateCmd = &cobra.Command{
	Use:   "disaggregate",
	Short: "Distribute the entered population to raster cells and re-aggregate all levels",
	RunE: func(cmd *cobra.Command, _ []string) error {
		id, _ := cmd.Flags().GetInt64("population")
		return runPopulation(cmd, tasks.PopulationInput{PopulationID: id, Disaggregate: true, Holder: "cli"})
	},
}

func runPopulation(cmd *cobra.Command, in tasks.PopulationInput) error {
	ctx := cmd.Context()
	if in.PopulationID <= 0 {
		return eris.New("population: --population is required")
	}

	env, err := initEnv(ctx, "population")
	if err != nil {
		return err
	}
	defer env.Close()

	acts := tasks.NewActivities(nil, env.Aggregator, env.Disaggregator, env.Locker, env.Tasks)
	out, err := acts.AggregatePopulation(ctx, in)
	if err = tasks.FromApplicationError(err); err != nil {
		if errors.Is(err, proclock.ErrBusy) {
			fmt.Printf("%s population %d is being aggregated\n", busyColor("busy"), in.PopulationID)
			return nil
		}
		return err
	}

	if out.Report != nil {
		fmt.Println(out.Report.Message)
	}
	fmt.Printf("%s %d rows written\n", okColor("complete"), out.Rows)
	return nil
}

func init() {
	populationAggregateCmd.Flags().Int64("population", 0, "population id")
	populationAggregateCmd.Flags().Int64("level", 0, "area level id (default all active levels)")
	populationDisaggregateCmd.Flags().Int64("population", 0, "population id")

	populationCmd.AddCommand(populationAggregateCmd, populationDisaggregateCmd)
	rootCmd.AddCommand(populationCmd)
}
