package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"portfolio-watch-bot/internal/binance"

	"github.com/spf13/cobra"
)

func newTenantCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage linked accounts",
	}
	cmd.AddCommand(
		newTenantLinkCmd(root),
		newTenantRemoveCmd(root),
		newTenantListCmd(root),
		newTenantSwitchCmd(root, "debug", "Send reconciliation failures to the tenant"),
		newTenantSwitchCmd(root, "share", "Mirror trading events to the public channel"),
	)
	return cmd
}

func newTenantLinkCmd(root *rootOptions) *cobra.Command {
	var apiKey, secret string
	cmd := &cobra.Command{
		Use:   "link <tenant-id>",
		Short: "Link or relink a tenant's Binance API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTenantID(args[0])
			if err != nil {
				return err
			}
			if secret == "" {
				secret = os.Getenv("WATCHBOT_API_SECRET")
			}
			e, err := root.load()
			if err != nil {
				return err
			}
			defer e.close()
			store, err := e.tenants()
			if err != nil {
				return err
			}
			if err := store.Link(cmd.Context(), id, binance.Credentials{APIKey: apiKey, SecretKey: secret}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Tenant %d linked\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&apiKey, "api-key", "", "Binance API key (read-only permissions are enough)")
	cmd.Flags().StringVar(&secret, "secret", "", "Binance API secret (default $WATCHBOT_API_SECRET)")
	_ = cmd.MarkFlagRequired("api-key")
	return cmd
}

func newTenantRemoveCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <tenant-id>",
		Short: "Erase a tenant and all of its data",
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
			store, err := e.tenants()
			if err != nil {
				return err
			}
			g, err := e.tenantGuard(cmd.Context())
			if err != nil {
				return err
			}
			if err := store.WithGuard(g).Remove(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Tenant %d removed\n", id)
			return nil
		},
	}
}

func newTenantListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := root.load()
			if err != nil {
				return err
			}
			defer e.close()
			store, err := e.tenants()
			if err != nil {
				return err
			}
			list, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tLINKED\tDEBUG\tSHARE\tSINCE")
			for _, t := range list {
				fmt.Fprintf(w, "%d\t%t\t%t\t%t\t%s\n",
					t.ID, t.APIKey != "", t.Debug, t.ShareToChannel, t.CreatedAt.Format("2006-01-02"))
			}
			return w.Flush()
		},
	}
}

func newTenantSwitchCmd(root *rootOptions, name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <tenant-id> <on|off>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTenantID(args[0])
			if err != nil {
				return err
			}
			on, err := parseSwitch(args[1])
			if err != nil {
				return err
			}
			e, err := root.load()
			if err != nil {
				return err
			}
			defer e.close()
			store, err := e.tenants()
			if err != nil {
				return err
			}
			if name == "debug" {
				err = store.SetDebug(cmd.Context(), id, on)
			} else {
				err = store.SetShareToChannel(cmd.Context(), id, on)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Tenant %d %s %s\n", id, name, args[1])
			return nil
		},
	}
}
