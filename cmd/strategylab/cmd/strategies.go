package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/rustyeddy/strategylab/strategies"
	"github.com/spf13/cobra"
)

var strategiesCmd = &cobra.Command{
	Use:   "strategies",
	Short: "List strategies, their parameters and presets",
	RunE:  runStrategies,
}

func init() {
	rootCmd.AddCommand(strategiesCmd)
}

func runStrategies(cmd *cobra.Command, args []string) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	catalogue := strategies.Builtin()
	if err := c.Presets.Apply(catalogue); err != nil {
		return fmt.Errorf("presets: %w", err)
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.Header("Strategy", "Description", "Parameters", "Presets")
	for _, info := range catalogue.List() {
		params := make([]string, 0, len(info.ParamsSchema))
		for _, p := range info.ParamsSchema {
			params = append(params, fmt.Sprintf("%s (%s, default %v)", p.Name, p.Kind, p.Default))
		}
		presets := make([]string, 0, len(info.Presets))
		for name := range info.Presets {
			presets = append(presets, name)
		}
		sort.Strings(presets)

		if err := table.Append(info.Key, info.Doc, strings.Join(params, "\n"), strings.Join(presets, ", ")); err != nil {
			return err
		}
	}
	return table.Render()
}
