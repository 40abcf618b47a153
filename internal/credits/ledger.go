// Package credits implements the credit ledger: the only component allowed
// to change an account balance.
package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/rossigee/imageflow/internal/metrics"
	"github.com/rossigee/imageflow/pkg/types"
	"github.com/sirupsen/logrus"
)

// Store is the account persistence the ledger depends on
type Store interface {
	ApplyCreditDelta(ctx context.Context, accountID string, delta int64, description string, metadata map[string]interface{}) (*types.CreditTransaction, error)
	GetAccount(ctx context.Context, accountID string) (*types.Account, error)
	ListCreditTransactions(ctx context.Context, accountID string, limit int) ([]types.CreditTransaction, error)
}

// Ledger debits and credits account balances
type Ledger struct {
	store   Store
	metrics *metrics.Collectors
}

// NewLedger creates a new credit ledger
func NewLedger(store Store, collectors *metrics.Collectors) *Ledger {
	return &Ledger{
		store:   store,
		metrics: collectors,
	}
}

// Debit removes amount credits from an account. It fails with
// types.ErrInsufficientFunds if the balance cannot cover the amount.
func (l *Ledger) Debit(
	ctx context.Context,
	accountID string,
	amount int64,
	description string,
	metadata map[string]interface{},
) (int64, *types.CreditTransaction, error) {
	if amount <= 0 {
		return 0, nil, fmt.Errorf("debit amount must be positive, got %d", amount)
	}

	txn, err := l.store.ApplyCreditDelta(ctx, accountID, -amount, description, metadata)
	if err != nil {
		if errors.Is(err, types.ErrInsufficientFunds) {
			l.metrics.ObserveDebitRejected()
			logrus.WithFields(logrus.Fields{
				"account_id": accountID,
				"amount":     amount,
			}).Info("Debit rejected for insufficient credits")
		}
		return 0, nil, err
	}

	l.metrics.ObserveCredit(txn.Delta)
	logrus.WithFields(logrus.Fields{
		"account_id":  accountID,
		"amount":      amount,
		"balance":     txn.ResultingBalance,
		"description": description,
	}).Debug("Debited credits")

	return txn.ResultingBalance, txn, nil
}

// Credit adds amount credits to an account
func (l *Ledger) Credit(
	ctx context.Context,
	accountID string,
	amount int64,
	description string,
	metadata map[string]interface{},
) (int64, *types.CreditTransaction, error) {
	if amount <= 0 {
		return 0, nil, fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	txn, err := l.store.ApplyCreditDelta(ctx, accountID, amount, description, metadata)
	if err != nil {
		return 0, nil, err
	}

	l.metrics.ObserveCredit(txn.Delta)
	logrus.WithFields(logrus.Fields{
		"account_id":  accountID,
		"amount":      amount,
		"balance":     txn.ResultingBalance,
		"description": description,
	}).Debug("Credited credits")

	return txn.ResultingBalance, txn, nil
}

// Balance returns the current balance of an account
func (l *Ledger) Balance(ctx context.Context, accountID string) (int64, error) {
	account, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return account.Credits, nil
}

// History returns up to limit transactions, newest first
func (l *Ledger) History(ctx context.Context, accountID string, limit int) ([]types.CreditTransaction, error) {
	if _, err := l.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return l.store.ListCreditTransactions(ctx, accountID, limit)
}
