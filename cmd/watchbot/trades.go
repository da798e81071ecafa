package main

import (
	"fmt"
	"text/tabwriter"

	"portfolio-watch-bot/internal/ledger"

	"github.com/spf13/cobra"
)

func newTradesCmd(root *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "trades <tenant-id>",
		Short: "Show a tenant's closed trades, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTenantID(args[0])
			if err != nil {
				return err
			}
			e, err := root.load()
			if err != nil {
				return err
			}
			defer e.close()
			trades, err := ledger.NewGormStore(e.db).ClosedTrades(cmd.Context(), id, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CLOSED\tASSET\tAVG BUY\tAVG SELL\tPNL\tPNL %\tDAYS")
			for _, t := range trades {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%.1f\n",
					t.ClosedAt.Format("2006-01-02 15:04"), t.Asset,
					t.AvgBuyPrice.StringFixed(4), t.AvgSellPrice.StringFixed(4),
					t.PnL.StringFixed(2), t.PnLPercent.StringFixed(2), t.DurationDays)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of trades to show, 0 for all")
	return cmd
}
