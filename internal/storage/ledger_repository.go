package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	harvesterrors "github.com/korenhskoh/SocyBase-sub000/internal/errors"
	"github.com/korenhskoh/SocyBase-sub000/internal/models"
)

// ErrTenantNotFound is returned when no balance row exists for a tenant.
var ErrTenantNotFound = errors.New("tenant balance not found")

// LedgerRepository implements the credit ledger: one balance row per
// tenant plus an immutable, append-only transaction log. The balance
// row is the single serialization point for billing; every mutation
// takes a row-level lock for the whole read-modify-write.
type LedgerRepository struct {
	db *PostgresDB
}

// NewLedgerRepository creates a new ledger repository.
func NewLedgerRepository(db *PostgresDB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// GetBalance returns the current balance of a tenant.
func (r *LedgerRepository) GetBalance(ctx context.Context, tenantID string) (int64, error) {
	var balance int64
	err := r.db.Pool().QueryRow(ctx,
		`SELECT balance FROM credit_balances WHERE tenant_id = $1`, tenantID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrTenantNotFound
		}
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

// Debit subtracts amount from the tenant balance and appends one
// transaction row referencing the job. Fails with an
// insufficient-credits error when the balance would go negative; in
// that case nothing is written.
func (r *LedgerRepository) Debit(ctx context.Context, tenantID string, amount int64, jobID, description string) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("debit amount cannot be negative: %d", amount)
	}
	return r.apply(ctx, tenantID, -amount, models.TransactionDebit, jobID, description)
}

// Credit adds amount to the tenant balance and appends one transaction
// row referencing the job.
func (r *LedgerRepository) Credit(ctx context.Context, tenantID string, amount int64, jobID, description string) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("credit amount cannot be negative: %d", amount)
	}
	return r.apply(ctx, tenantID, amount, models.TransactionCredit, jobID, description)
}

func (r *LedgerRepository) apply(ctx context.Context, tenantID string, delta int64, txType models.TransactionType, jobID, description string) (int64, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Exclusive row lock for the whole read-modify-write.
	var balance int64
	err = tx.QueryRow(ctx,
		`SELECT balance FROM credit_balances WHERE tenant_id = $1 FOR UPDATE`, tenantID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrTenantNotFound
		}
		return 0, fmt.Errorf("failed to lock balance row: %w", err)
	}

	newBalance := balance + delta
	if newBalance < 0 {
		return 0, harvesterrors.NewInsufficientCredits(tenantID, -delta, balance)
	}

	_, err = tx.Exec(ctx,
		`UPDATE credit_balances SET balance = $2, updated_at = now() WHERE tenant_id = $1`,
		tenantID, newBalance)
	if err != nil {
		return 0, fmt.Errorf("failed to update balance: %w", err)
	}

	amount := delta
	if amount < 0 {
		amount = -amount
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO credit_transactions (id, tenant_id, type, amount, balance_after, job_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New().String(), tenantID, txType, amount, newBalance, jobID, description, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to append ledger transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit ledger transaction: %w", err)
	}

	return newBalance, nil
}

// ListTransactions returns the transaction log for a tenant, newest
// first.
func (r *LedgerRepository) ListTransactions(ctx context.Context, tenantID string, limit int) ([]*models.CreditTransaction, error) {
	query := `
		SELECT id, tenant_id, type, amount, balance_after, job_id, description, created_at
		FROM credit_transactions
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Pool().Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txns []*models.CreditTransaction
	for rows.Next() {
		var txn models.CreditTransaction
		err := rows.Scan(&txn.ID, &txn.TenantID, &txn.Type, &txn.Amount,
			&txn.BalanceAfter, &txn.JobID, &txn.Description, &txn.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, &txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return txns, nil
}
