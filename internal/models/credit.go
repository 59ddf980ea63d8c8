package models

import "time"

// CreditBalance is the prepaid balance of a tenant. The storage layer
// enforces balance >= 0.
type CreditBalance struct {
	TenantID  string
	Balance   int64
	UpdatedAt time.Time
}

// TransactionType distinguishes ledger entries.
type TransactionType string

const (
	TransactionDebit  TransactionType = "debit"
	TransactionCredit TransactionType = "credit"
)

// CreditTransaction is one immutable, append-only ledger entry. Every
// debit/credit writes exactly one row carrying the resulting balance
// and a reference back to the job that caused it.
type CreditTransaction struct {
	ID           string
	TenantID     string
	Type         TransactionType
	Amount       int64
	BalanceAfter int64
	JobID        string
	Description  string
	CreatedAt    time.Time
}
