package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rossigee/imageflow/pkg/types"
)

// CreateAccount inserts a new account with a zero balance
func (s *Store) CreateAccount(ctx context.Context, accountID string) (*types.Account, error) {
	now := s.nowMillis()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		exists, err := s.accountExists(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("account %s already exists: %w", accountID, types.ErrConflict)
		}

		_, err = tx.ExecContext(ctx,
			s.rebind("INSERT INTO accounts (id, credits, created_at, updated_at) VALUES (?, 0, ?, ?)"),
			accountID, now, now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert account: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &types.Account{
		ID:        accountID,
		CreatedAt: fromMillis(now),
		UpdatedAt: fromMillis(now),
	}, nil
}

// GetAccount retrieves an account by ID
func (s *Store) GetAccount(ctx context.Context, accountID string) (*types.Account, error) {
	account := &types.Account{}
	var createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx,
		s.rebind("SELECT id, credits, created_at, updated_at FROM accounts WHERE id = ?"),
		accountID,
	).Scan(&account.ID, &account.Credits, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NotFoundf("account %s", accountID)
		}
		return nil, fmt.Errorf("failed to query account: %w", err)
	}

	account.CreatedAt = fromMillis(createdAt)
	account.UpdatedAt = fromMillis(updatedAt)
	return account, nil
}

// ApplyCreditDelta changes an account balance by delta and appends the
// matching transaction in one database transaction. Negative deltas are
// applied with a single conditional update so the balance can never go
// below zero, even with concurrent callers.
func (s *Store) ApplyCreditDelta(
	ctx context.Context,
	accountID string,
	delta int64,
	description string,
	metadata map[string]interface{},
) (*types.CreditTransaction, error) {
	if delta == 0 {
		return nil, fmt.Errorf("credit delta must be non-zero")
	}

	metadataJSON := ""
	if len(metadata) > 0 {
		encoded, err := encodeJSON(metadata)
		if err != nil {
			return nil, err
		}
		metadataJSON = encoded
	}

	now := s.nowMillis()
	txn := &types.CreditTransaction{
		AccountID:   accountID,
		Delta:       delta,
		Description: description,
		Metadata:    metadata,
		CreatedAt:   fromMillis(now),
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var balance int64
		var err error
		if delta < 0 {
			err = tx.QueryRowContext(ctx,
				s.rebind(`UPDATE accounts SET credits = credits - ?, updated_at = ?
				 WHERE id = ? AND credits >= ?
				 RETURNING credits`),
				-delta, now, accountID, -delta,
			).Scan(&balance)
		} else {
			err = tx.QueryRowContext(ctx,
				s.rebind(`UPDATE accounts SET credits = credits + ?, updated_at = ?
				 WHERE id = ?
				 RETURNING credits`),
				delta, now, accountID,
			).Scan(&balance)
		}

		if errors.Is(err, sql.ErrNoRows) {
			exists, existsErr := s.accountExists(ctx, tx, accountID)
			if existsErr != nil {
				return existsErr
			}
			if !exists {
				return types.NotFoundf("account %s", accountID)
			}
			return fmt.Errorf("account %s cannot cover %d credits: %w", accountID, -delta, types.ErrInsufficientFunds)
		}
		if err != nil {
			return fmt.Errorf("failed to update balance: %w", err)
		}

		err = tx.QueryRowContext(ctx,
			s.rebind(`INSERT INTO credit_transactions
			 (account_id, delta, resulting_balance, description, metadata_json, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 RETURNING id`),
			accountID, delta, balance, description, metadataJSON, now,
		).Scan(&txn.ID)
		if err != nil {
			return fmt.Errorf("failed to insert credit transaction: %w", err)
		}

		txn.ResultingBalance = balance
		return nil
	})
	if err != nil {
		return nil, err
	}

	return txn, nil
}

// ListCreditTransactions returns an account's transactions, newest first
func (s *Store) ListCreditTransactions(ctx context.Context, accountID string, limit int) ([]types.CreditTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 10000 {
		limit = 10000 // Cap limit to prevent excessive queries
	}

	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT id, account_id, delta, resulting_balance, description, metadata_json, created_at
		 FROM credit_transactions WHERE account_id = ?
		 ORDER BY id DESC LIMIT ?`),
		accountID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query credit transactions: %w", err)
	}
	defer closeRows(rows)

	var txns []types.CreditTransaction
	for rows.Next() {
		var txn types.CreditTransaction
		var metadataJSON string
		var createdAt int64
		if err := rows.Scan(
			&txn.ID,
			&txn.AccountID,
			&txn.Delta,
			&txn.ResultingBalance,
			&txn.Description,
			&metadataJSON,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan credit transaction: %w", err)
		}

		if metadataJSON != "" {
			metadata, err := decodeMap(metadataJSON)
			if err != nil {
				return nil, err
			}
			txn.Metadata = metadata
		}
		txn.CreatedAt = fromMillis(createdAt)
		txns = append(txns, txn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credit transactions: %w", err)
	}

	return txns, nil
}

func (s *Store) accountExists(ctx context.Context, q querier, accountID string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, s.rebind("SELECT 1 FROM accounts WHERE id = ?"), accountID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check account existence: %w", err)
	}
	return true, nil
}
