package cmd

import (
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List brokerage accounts",
	Long: `List the accounts visible to the configured broker with their balance
and margin.

Example:
  OANDA_TOKEN=... strategylab accounts --broker oanda`,
	RunE: runAccounts,
}

func init() {
	rootCmd.AddCommand(accountsCmd)
}

func runAccounts(cmd *cobra.Command, args []string) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	b, err := newBroker(c.Broker)
	if err != nil {
		return err
	}

	accounts, err := b.ListAccounts(cmd.Context())
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.Header("ID", "Alias", "Currency", "Balance", "NAV", "Unrealized", "Margin Used", "Margin Avail", "Positions")
	for _, a := range accounts {
		if err := table.Append(
			a.ID,
			a.Alias,
			a.Currency,
			fmt.Sprintf("%.2f", a.Balance),
			fmt.Sprintf("%.2f", a.NAV),
			fmt.Sprintf("%.2f", a.UnrealizedPL),
			fmt.Sprintf("%.2f", a.MarginUsed),
			fmt.Sprintf("%.2f", a.MarginAvailable),
			fmt.Sprintf("%d", a.OpenPositionCount),
		); err != nil {
			return err
		}
	}
	return table.Render()
}
