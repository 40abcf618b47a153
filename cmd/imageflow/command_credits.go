package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/rossigee/imageflow/internal/credits"
	"github.com/rossigee/imageflow/internal/storage"
	"github.com/spf13/cobra"
)

var historyLimit int

func init() {
	creditsCmd.AddCommand(creditsGrantCmd)
	creditsCmd.AddCommand(creditsBalanceCmd)
	creditsCmd.AddCommand(creditsHistoryCmd)
	creditsHistoryCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum number of transactions to show")

	accountsCmd.AddCommand(accountsCreateCmd)
}

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Inspect and grant account credits",
}

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage credit accounts",
}

// withLedger opens the configured store for the duration of fn
func withLedger(fn func(ctx context.Context, store *storage.Store, ledger *credits.Ledger) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close() // Nothing useful to do on a failed close here
	}()

	return fn(context.Background(), store, credits.NewLedger(store, nil))
}

var creditsGrantCmd = &cobra.Command{
	Use:   "grant <account_id> <amount> [description]",
	Short: "Add credits to an account",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", args[1], err)
		}
		description := "manual grant"
		if len(args) == 3 {
			description = args[2]
		}

		return withLedger(func(ctx context.Context, _ *storage.Store, ledger *credits.Ledger) error {
			balance, _, err := ledger.Credit(ctx, args[0], amount, description,
				map[string]interface{}{"source": "cli"})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d credits\n", args[0], balance)
			return nil
		})
	},
}

var creditsBalanceCmd = &cobra.Command{
	Use:   "balance <account_id>",
	Short: "Show an account's balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(func(ctx context.Context, _ *storage.Store, ledger *credits.Ledger) error {
			balance, err := ledger.Balance(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d credits\n", args[0], balance)
			return nil
		})
	},
}

var creditsHistoryCmd = &cobra.Command{
	Use:   "history <account_id>",
	Short: "List an account's credit transactions, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(func(ctx context.Context, _ *storage.Store, ledger *credits.Ledger) error {
			txns, err := ledger.History(ctx, args[0], historyLimit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTIME\tDELTA\tBALANCE\tDESCRIPTION")
			for _, txn := range txns {
				fmt.Fprintf(w, "%d\t%s\t%+d\t%d\t%s\n",
					txn.ID, txn.CreatedAt.Format("2006-01-02 15:04:05"), txn.Delta, txn.ResultingBalance, txn.Description)
			}
			return w.Flush()
		})
	},
}

var accountsCreateCmd = &cobra.Command{
	Use:   "create <account_id>",
	Short: "Create an account with a zero balance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(func(ctx context.Context, store *storage.Store, _ *credits.Ledger) error {
			account, err := store.CreateAccount(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created account %s\n", account.ID)
			return nil
		})
	},
}
