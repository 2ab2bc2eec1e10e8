package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/area"
)

var areasCmd = &cobra.Command{
	Use:   "areas",
	Short: "Maintain areas",
}

var areasCellsCmd = &cobra.Command{
	Use:   "cells",
	Short: "Recompute the raster cell shares of every area of a level",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		level, _ := cmd.Flags().GetInt64("level")
		if level <= 0 {
			return eris.New("areas cells: --level is required")
		}

		env, err := initEnv(ctx, "areas")
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := area.NewCells(env.Pool, env.Bus).Compute(ctx, level)
		if err != nil {
			return err
		}
		fmt.Printf("%s %d area cells written for level %d\n", okColor("complete"), n, level)
		return nil
	},
}

func init() {
	areasCellsCmd.Flags().Int64("level", 0, "area level id")

	areasCmd.AddCommand(areasCellsCmd)
	rootCmd.AddCommand(areasCmd)
}
