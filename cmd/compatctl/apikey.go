package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newAPIKeyCmd(d deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys (requires DATABASE_URL)",
	}

	var shopID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for a shop and print its token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(shopID) == "" {
				return fmt.Errorf("--shop is required")
			}

			store, closeStore, err := d.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			keyID, secret, err := store.CreateAPIKey(cmd.Context(), shopID, name)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			labelColor.Fprint(out, "key id: ")
			fmt.Fprintln(out, keyID)
			labelColor.Fprint(out, "token:  ")
			fmt.Fprintf(out, "%s.%s\n", keyID, secret)
			warningColor.Fprintln(out, "Store the token now; it cannot be shown again.")
			return nil
		},
	}
	create.Flags().StringVar(&shopID, "shop", "", "Shop the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "Human readable key name")

	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := d.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.RevokeAPIKey(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("revoke %s: %w", args[0], err)
			}

			okColor.Fprintf(cmd.OutOrStdout(), "revoked %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(create, revoke)
	return cmd
}
