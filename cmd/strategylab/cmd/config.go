package cmd

import (
	"fmt"

	"github.com/rustyeddy/strategylab/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Generate or validate configuration files",
	Long: `Manage strategylab configuration files.

Subcommands:
  init     - Generate a default configuration file
  validate - Validate an existing configuration file

Examples:
  strategylab config init -o strategylab.yaml
  strategylab config validate -f strategylab.yaml`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a default configuration file",
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	RunE:  runConfigValidate,
}

var (
	configInitOutput   string
	configValidatePath string
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)

	configInitCmd.Flags().StringVarP(&configInitOutput, "output", "o", "strategylab.yaml", "output config file path")
	configValidateCmd.Flags().StringVarP(&configValidatePath, "file", "f", "", "path to config file (required)")
	_ = configValidateCmd.MarkFlagRequired("file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if err := cfg.SaveToFile(configInitOutput); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Created default configuration: %s\n", configInitOutput)
	fmt.Fprintln(out, "\nEdit the file and run with:")
	fmt.Fprintf(out, "  strategylab serve --config %s\n", configInitOutput)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(configValidatePath)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Configuration valid: %s\n", configValidatePath)
	fmt.Fprintf(out, "  Server: %s (broadcast every %s)\n", cfg.Server.Addr, cfg.Server.BroadcastInterval)
	fmt.Fprintf(out, "  Broker: %s", cfg.Broker.Kind)
	if cfg.Broker.Kind == config.BrokerOANDA {
		fmt.Fprintf(out, " (%s)", cfg.Broker.Env)
	}
	fmt.Fprintln(out)
	store := cfg.Store.Path
	if store == "" {
		store = "in-memory"
	}
	fmt.Fprintf(out, "  Store: %s\n", store)
	fmt.Fprintf(out, "  Session defaults: %s %s, max daily loss %.2f\n",
		cfg.SessionDefaults.Instrument, cfg.SessionDefaults.Granularity, cfg.SessionDefaults.MaxDailyLoss)
	return nil
}
