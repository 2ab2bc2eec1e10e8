package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/GertzGutscheRuemenapp/daviplan-sub001/internal/indicator"
)

var indicatorCmd = &cobra.Command{
	Use:   "indicator",
	Short: "List and compute indicators",
}

var indicatorListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the available indicators and their parameters",
	RunE: func(cmd *cobra.Command, _ []string) error {
		reg := indicator.NewRegistry(indicator.Deps{})
		for _, d := range reg.Describe() {
			params := make([]string, 0, len(d.Params))
			for _, p := range d.Params {
				if p.Required {
					params = append(params, p.Name+"*")
				} else {
					params = append(params, p.Name)
				}
			}
			fmt.Printf("%-28s %-10s %s\n", d.Name, d.Shape, strings.Join(params, ", "))
		}
		return nil
	},
}

var indicatorComputeCmd = &cobra.Command{
	Use:   "compute NAME",
	Short: "Compute an indicator",
	Long:  "Computes the named indicator. Parameters are given as a JSON object, e.g. --params '{\"service\":1,\"year\":2030,\"area_level\":2}'.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		raw, _ := cmd.Flags().GetString("params")
		format, _ := cmd.Flags().GetString("format")
		p, err := parseParams(raw)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "indicator")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Engine().Compute(ctx, args[0], p)
		if err != nil {
			return err
		}
		return writeResult(os.Stdout, res, format)
	},
}

func parseParams(raw string) (indicator.Params, error) {
	var p indicator.Params
	if raw == "" {
		return p, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return p, eris.Wrap(err, "parse --params")
	}
	return p, nil
}

// writeResult prints res as YAML or JSON. YAML keys follow the JSON names.
func writeResult(w io.Writer, res indicator.Result, format string) error {
	data, err := json.Marshal(res)
	if err != nil {
		return eris.Wrap(err, "encode result")
	}
	switch format {
	case "json":
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "yaml":
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return eris.Wrap(err, "decode result")
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return eris.Wrap(err, "encode yaml")
		}
		return enc.Close()
	default:
		return eris.Errorf("unknown format %q (yaml or json)", format)
	}
}

func init() {
	indicatorComputeCmd.Flags().String("params", "", "parameters as a JSON object")
	indicatorComputeCmd.Flags().String("format", "yaml", "output format (yaml or json)")

	indicatorCmd.AddCommand(indicatorListCmd, indicatorComputeCmd)
	rootCmd.AddCommand(indicatorCmd)
}
