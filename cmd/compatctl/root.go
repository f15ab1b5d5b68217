package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/matt-riley/compatz/internal/repository"
	"github.com/spf13/cobra"
)

var (
	warningColor = color.New(color.FgYellow, color.Bold)
	okColor      = color.New(color.FgGreen)
	labelColor   = color.New(color.FgCyan)
)

// apiKeyStore is the part of the repository the apikey commands use.
type apiKeyStore interface {
	CreateAPIKey(ctx context.Context, shopID, name string) (string, string, error)
	RevokeAPIKey(ctx context.Context, keyID string) error
}

type deps struct {
	openStore func(ctx context.Context) (apiKeyStore, func(), error)
}

func defaultDeps() deps {
	return deps{openStore: openPostgresStore}
}

func openPostgresStore(ctx context.Context) (apiKeyStore, func(), error) {
	dsn := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dsn == "" {
		return nil, nil, errors.New("DATABASE_URL is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}

	return repository.NewPostgresRepository(pool), pool.Close, nil
}

func newRootCmd(d deps) *cobra.Command {
	var noColor bool

	root := &cobra.Command{
		Use:   "compatctl",
		Short: "Cart compatibility tooling for compatz",
		Long: `compatctl checks carts for mutually exclusive products, with or without a
server, manages the declarations a server stores for a shop and the API
keys shops use to call compatz.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(*cobra.Command, []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	root.AddCommand(newCheckCmd())
	root.AddCommand(newAttributesCmd())
	root.AddCommand(newDeclarationCmd())
	root.AddCommand(newAPIKeyCmd(d))
	return root
}
