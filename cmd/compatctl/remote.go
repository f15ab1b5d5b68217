package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/matt-riley/compatz/internal/client"
	"github.com/spf13/cobra"
)

// serverFlags are shared by the commands that talk to a running server.
type serverFlags struct {
	url   string
	token string
}

func (f *serverFlags) register(cmd *cobra.Command, urlDefault string) {
	cmd.Flags().StringVar(&f.url, "server", urlDefault, "Base URL of the compatz server")
	cmd.Flags().StringVar(&f.token, "token", os.Getenv("COMPATZ_API_KEY"), "API key token (defaults to $COMPATZ_API_KEY)")
}

func (f *serverFlags) client() (*client.Client, error) {
	if strings.TrimSpace(f.url) == "" {
		return nil, errors.New("--server is required")
	}
	return client.NewHTTPClient(client.Config{BaseURL: f.url, APIKey: f.token}), nil
}

func newAttributesCmd() *cobra.Command {
	var (
		server     serverFlags
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "attributes <cart-id>",
		Short: "Show the order attributes a server stored for a cart",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := server.client()
			if err != nil {
				return err
			}

			attrs, err := c.GetAttributes(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{"cart_id": args[0], "attributes": attrs})
			}
			if len(attrs) == 0 {
				fmt.Fprintf(out, "No order attributes stored for cart %s.\n", args[0])
				return nil
			}
			printAttributes(out, attrs)
			return nil
		},
	}
	server.register(cmd, os.Getenv("COMPATZ_SERVER"))
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	return cmd
}

func newDeclarationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "declaration",
		Short: "Manage stored variant exclusion declarations on a server",
	}

	cmd.AddCommand(newDeclarationPutCmd())
	cmd.AddCommand(newDeclarationDeleteCmd())
	return cmd
}

func newDeclarationPutCmd() *cobra.Command {
	var (
		server serverFlags
		sku    string
	)

	cmd := &cobra.Command{
		Use:   "put <variant-id> <declaration>",
		Short: "Store the exclusion declaration of a variant",
		Long: `Stores a declaration for a variant. The declaration is "true" to exclude
every other cart line, or a comma-separated list of SKUs or variant ids.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := server.client()
			if err != nil {
				return err
			}

			payload, err := json.Marshal(args[1])
			if err != nil {
				return fmt.Errorf("encode declaration: %w", err)
			}

			stored, err := c.PutDeclaration(cmd.Context(), args[0], sku, payload)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			labelColor.Fprintf(out, "variant:     ")
			fmt.Fprintln(out, stored.VariantID)
			if stored.SKU != "" {
				labelColor.Fprintf(out, "sku:         ")
				fmt.Fprintln(out, stored.SKU)
			}
			labelColor.Fprintf(out, "declaration: ")
			fmt.Fprintln(out, string(stored.Declaration))
			return nil
		},
	}
	server.register(cmd, os.Getenv("COMPATZ_SERVER"))
	cmd.Flags().StringVar(&sku, "sku", "", "SKU of the variant")

	return cmd
}

func newDeclarationDeleteCmd() *cobra.Command {
	var server serverFlags

	cmd := &cobra.Command{
		Use:   "delete <variant-id>",
		Short: "Remove the exclusion declaration of a variant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := server.client()
			if err != nil {
				return err
			}

			if err := c.DeleteDeclaration(cmd.Context(), args[0]); err != nil {
				return err
			}
			okColor.Fprintf(cmd.OutOrStdout(), "Declaration for %s deleted.\n", args[0])
			return nil
		},
	}
	server.register(cmd, os.Getenv("COMPATZ_SERVER"))

	return cmd
}
