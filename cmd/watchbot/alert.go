package main

import (
	"fmt"
	"text/tabwriter"

	"portfolio-watch-bot/internal/alerts"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func newAlertCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alert",
		Short: "Manage price alerts",
	}
	cmd.AddCommand(newAlertAddCmd(root), newAlertListCmd(root))
	return cmd
}

func newAlertAddCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "add <tenant-id> <symbol> <above|below> <price>",
		Short: "Add a one-shot price alert",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTenantID(args[0])
			if err != nil {
				return err
			}
			target, err := decimal.NewFromString(args[3])
			if err != nil {
				return fmt.Errorf("invalid price %q", args[3])
			}
			e, err := root.load()
			if err != nil {
				return err
			}
			defer e.close()
			a, err := alerts.NewStore(e.db).Add(cmd.Context(), id, args[1], target, args[2])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Alert %d: %s %s %s\n", a.ID, a.Symbol, a.Direction, a.Target)
			return nil
		},
	}
}

func newAlertListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list <tenant-id>",
		Short: "List a tenant's price alerts",
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
			list, err := alerts.NewStore(e.db).List(cmd.Context(), id)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSYMBOL\tDIRECTION\tTARGET\tTRIGGERED")
			for _, a := range list {
				fired := "-"
				if a.TriggeredAt != nil {
					fired = a.TriggeredAt.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", a.ID, a.Symbol, a.Direction, a.Target, fired)
			}
			return w.Flush()
		},
	}
}
