// Command keygen issues a service API key and prints it once.
//
//	keygen --service checkout --name prod --permissions PAYMENTS_WRITE,PAYMENTS_READ --expiry 1Y
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/zjoart/go-payment-ledger/internal/key"
	"github.com/zjoart/go-payment-ledger/pkg/database"
	"github.com/zjoart/go-payment-ledger/pkg/logger"
)

func main() {
	godotenv.Load()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		req   key.IssueRequest
		dbURL string
	)

	cmd := &cobra.Command{
		Use:          "keygen",
		Short:        "Issue a service API key",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbURL == "" {
				return fmt.Errorf("DATABASE_URL or --db is required")
			}

			db := database.Connect(dbURL)
			database.Migrate(db, &key.APIKey{})

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			raw, apiKey, err := key.Issue(ctx, key.NewRepository(db), req)
			if err != nil {
				return fmt.Errorf("issue api key: %w", err)
			}

			logger.Info("API key issued", logger.Fields{"service": apiKey.Service, "key": apiKey.MaskedKey, "permissions": []string(apiKey.Permissions)})
			fmt.Fprintln(cmd.OutOrStdout(), raw)
			return nil
		},
	}

	cmd.Flags().StringVarP(&req.Service, "service", "s", "", "Service the key belongs to")
	cmd.Flags().StringVarP(&req.Name, "name", "n", "", "Label for the key")
	cmd.Flags().StringSliceVarP(&req.Permissions, "permissions", "p", nil, "Comma separated permissions")
	cmd.Flags().StringVarP(&req.Expiry, "expiry", "e", "", "1H, 1D, 1M or 1Y; empty never expires")
	cmd.Flags().StringVar(&dbURL, "db", os.Getenv("DATABASE_URL"), "Postgres connection url")
	cmd.MarkFlagRequired("service")
	cmd.MarkFlagRequired("permissions")

	return cmd
}
