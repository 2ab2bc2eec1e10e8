package main

import (
	"fmt"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/defaults"
)

var defaultsCmd = &cobra.Command{
	Use:   "defaults",
	Short: "Show and set the default mode variants, prognoses, rate sets and area levels",
}

var defaultsSetCmd = &cobra.Command{
	Use:   "set GROUP ID",
	Short: "Make a row the default of its group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		g, err := defaults.ParseGroup(args[0])
		if err != nil {
			return err
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || id <= 0 {
			return eris.Errorf("defaults set: invalid id %q", args[1])
		}

		env, err := initEnv(ctx, "defaults")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := defaults.NewService(env.Pool, env.Bus).SetDefault(ctx, g, id); err != nil {
			return err
		}
		fmt.Printf("%s %d is the default %s\n", okColor("ok"), id, g)
		return nil
	},
}

var defaultsShowCmd = &cobra.Command{
	Use:   "show [GROUP]",
	Short: "Show the default of one or every group",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		groups := defaults.Groups()
		if len(args) == 1 {
			g, err := defaults.ParseGroup(args[0])
			if err != nil {
				return err
			}
			groups = []defaults.Group{g}
		}
		partition, _ := cmd.Flags().GetInt64("partition")

		env, err := initEnv(ctx, "defaults")
		if err != nil {
			return err
		}
		defer env.Close()

		svc := defaults.NewService(env.Pool, nil)
		for _, g := range groups {
			if defaults.Partitioned(g) && partition == 0 {
				fmt.Printf("%-20s (per mode or service, use --partition)\n", g)
				continue
			}
			id, ok, err := svc.Default(ctx, g, partition)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Printf("%-20s %s\n", g, busyColor("none"))
				continue
			}
			fmt.Printf("%-20s %d\n", g, id)
		}
		return nil
	},
}

func init() {
	defaultsShowCmd.Flags().Int64("partition", 0, "mode or service id of partitioned groups")

	defaultsCmd.AddCommand(defaultsSetCmd, defaultsShowCmd)
	rootCmd.AddCommand(defaultsCmd)
}
