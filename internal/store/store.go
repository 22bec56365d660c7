// Package store persists accounts, invoices, payments, allocations and the
// ledger. Implementations must make UpdateBalance a single atomic unit per account.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ruralpay/creditcore/internal/models"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrAlreadyExists        = errors.New("already exists")
	ErrVersionConflict      = errors.New("version conflict")
	ErrDuplicateTransaction = errors.New("payment already applied to ledger")
	ErrInvalidState         = errors.New("invalid state transition")
)

// BalanceFunc receives a copy of the locked account. Returning a nil transaction
// makes the unit read-only. A non-nil transaction must carry PreviousBalance equal
// to the account's CreditUsed; the store persists NewBalance as the new CreditUsed.
type BalanceFunc func(account models.Account) (*models.LedgerTransaction, error)

type AccountStore interface {
	CreateAccount(ctx context.Context, account models.Account) error
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
	UpdateAccountStatus(ctx context.Context, accountID string, status models.AccountStatus) error
	SetCreditLimit(ctx context.Context, accountID string, limit decimal.Decimal) error
}

type LedgerStore interface {
	// UpdateBalance locks accountID, runs fn and, when fn returns a transaction,
	// appends it and moves credit_used in the same unit. It returns the account
	// as persisted afterwards.
	UpdateBalance(ctx context.Context, accountID string, fn BalanceFunc) (*models.Account, *models.LedgerTransaction, error)
	ListTransactions(ctx context.Context, accountID string) ([]models.LedgerTransaction, error)
	FindPaymentTransaction(ctx context.Context, paymentID string) (*models.LedgerTransaction, error)
}

type InvoiceStore interface {
	CreateInvoice(ctx context.Context, invoice models.Invoice) error
	GetInvoice(ctx context.Context, invoiceID string) (*models.Invoice, error)
	ListInvoices(ctx context.Context, accountID string) ([]models.Invoice, error)
	// ListOpenInvoices returns outstanding, partial_paid and overdue invoices with a remaining amount.
	ListOpenInvoices(ctx context.Context, accountID string) ([]models.Invoice, error)
	// ApplyInvoicePayment adds amount to paid_amount if the stored version still
	// equals expectedVersion, otherwise ErrVersionConflict.
	ApplyInvoicePayment(ctx context.Context, invoiceID string, amount decimal.Decimal, expectedVersion int) (*models.Invoice, error)
}

type PaymentStore interface {
	CreatePayment(ctx context.Context, payment models.Payment) error
	GetPayment(ctx context.Context, paymentID string) (*models.Payment, error)
	FindPaymentByReference(ctx context.Context, accountID, reference string) (*models.Payment, error)
	// UpdatePayment persists status, failure reason, totals and transaction id.
	// Terminal payments are immutable and return ErrInvalidState.
	UpdatePayment(ctx context.Context, payment models.Payment) error
	ListStalePayments(ctx context.Context, olderThan time.Time, limit int) ([]models.Payment, error)
	CreateAllocation(ctx context.Context, allocation models.Allocation) error
	ListAllocations(ctx context.Context, paymentID string) ([]models.Allocation, error)
}

type Store interface {
	AccountStore
	LedgerStore
	InvoiceStore
	PaymentStore
}
