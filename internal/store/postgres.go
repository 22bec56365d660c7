package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/ruralpay/creditcore/internal/models"
	"github.com/shopspring/decimal"
)

const (
	pqUniqueViolation      = "23505"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
)

// PostgresStore implements Store on database/sql with the lib/pq driver.
// Schema lives in migrations/001_init.sql.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateAccount(ctx context.Context, account models.Account) error {
	now := time.Now()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (account_id, credit_limit, credit_used, status, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $5)`,
		account.AccountID, account.CreditLimit, account.CreditUsed, string(account.Status), account.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	account, err := scanAccount(s.db.QueryRowContext(ctx, `
		SELECT account_id, credit_limit, credit_used, status, version, created_at, updated_at
		FROM accounts
		WHERE account_id = $1`, accountID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

func (s *PostgresStore) UpdateAccountStatus(ctx context.Context, accountID string, status models.AccountStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET status = $1, updated_at = $2 WHERE account_id = $3`,
		string(status), time.Now(), accountID)
	return expectOneRow(result, err, "update account status")
}

func (s *PostgresStore) SetCreditLimit(ctx context.Context, accountID string, limit decimal.Decimal) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET credit_limit = $1, updated_at = $2 WHERE account_id = $3`,
		limit, time.Now(), accountID)
	return expectOneRow(result, err, "set credit limit")
}

// UpdateBalance takes a row lock on the account, then appends the ledger row and
// moves credit_used guarded by the version column, all in one transaction.
func (s *PostgresStore) UpdateBalance(ctx context.Context, accountID string, fn BalanceFunc) (*models.Account, *models.LedgerTransaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, classify(err)
	}
	defer tx.Rollback()

	account, err := s.lockAccount(ctx, tx, accountID)
	if err == sql.ErrNoRows {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, classify(err)
	}

	txn, err := fn(*account)
	if err != nil {
		return nil, nil, err
	}
	if txn == nil {
		if err := tx.Commit(); err != nil {
			return nil, nil, classify(err)
		}
		return account, nil, nil
	}
	if !txn.PreviousBalance.Equal(account.CreditUsed) {
		return nil, nil, ErrVersionConflict
	}

	if err := s.insertTransaction(ctx, tx, txn); err != nil {
		if isUniqueViolation(err) {
			return nil, nil, ErrDuplicateTransaction
		}
		return nil, nil, classify(err)
	}

	if err := s.updateCreditUsed(ctx, tx, accountID, txn.NewBalance, account.Version, txn.CreatedAt); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, classify(err)
	}

	account.CreditUsed = txn.NewBalance
	account.Version++
	account.UpdatedAt = txn.CreatedAt
	return account, txn, nil
}

func (s *PostgresStore) lockAccount(ctx context.Context, tx *sql.Tx, accountID string) (*models.Account, error) {
	return scanAccount(tx.QueryRowContext(ctx, `
		SELECT account_id, credit_limit, credit_used, status, version, created_at, updated_at
		FROM accounts
		WHERE account_id = $1
		FOR UPDATE`, accountID))
}

func (s *PostgresStore) insertTransaction(ctx context.Context, tx *sql.Tx, txn *models.LedgerTransaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_transactions (transaction_id, account_id, previous_balance, new_balance, amount_changed,
			transaction_type, related_payment_id, related_invoice_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		txn.TransactionID, txn.AccountID, txn.PreviousBalance, txn.NewBalance, txn.AmountChanged,
		string(txn.TransactionType), nullString(txn.RelatedPaymentID), nullString(txn.RelatedInvoiceID),
		txn.Description, txn.CreatedAt)
	return err
}

func (s *PostgresStore) updateCreditUsed(ctx context.Context, tx *sql.Tx, accountID string, newBalance decimal.Decimal, version int, at time.Time) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET credit_used = $1, version = version + 1, updated_at = $2
		WHERE account_id = $3 AND version = $4`,
		newBalance, at, accountID, version)
	if err != nil {
		return classify(err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: account %s", ErrVersionConflict, accountID)
	}
	return nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, accountID string) ([]models.LedgerTransaction, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, account_id, previous_balance, new_balance, amount_changed,
			transaction_type, related_payment_id, related_invoice_id, description, created_at
		FROM ledger_transactions
		WHERE account_id = $1
		ORDER BY seq ASC`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txns []models.LedgerTransaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *txn)
	}
	return txns, rows.Err()
}

func (s *PostgresStore) FindPaymentTransaction(ctx context.Context, paymentID string) (*models.LedgerTransaction, error) {
	txn, err := scanTransaction(s.db.QueryRowContext(ctx, `
		SELECT transaction_id, account_id, previous_balance, new_balance, amount_changed,
			transaction_type, related_payment_id, related_invoice_id, description, created_at
		FROM ledger_transactions
		WHERE related_payment_id = $1 AND transaction_type = $2`,
		paymentID, string(models.TxPaymentApplied)))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find payment transaction: %w", err)
	}
	return txn, nil
}

func (s *PostgresStore) CreateInvoice(ctx context.Context, invoice models.Invoice) error {
	if invoice.CreatedAt.IsZero() {
		invoice.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invoices (invoice_id, account_id, total_amount, paid_amount, status, reference, version, created_at, due_date, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $7)`,
		invoice.InvoiceID, invoice.AccountID, invoice.TotalAmount, invoice.PaidAmount, string(invoice.Status),
		invoice.Reference, invoice.CreatedAt, invoice.DueDate)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to create invoice: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetInvoice(ctx context.Context, invoiceID string) (*models.Invoice, error) {
	inv, err := scanInvoice(s.db.QueryRowContext(ctx, `
		SELECT invoice_id, account_id, total_amount, paid_amount, status, reference, version, created_at, due_date, updated_at
		FROM invoices
		WHERE invoice_id = $1`, invoiceID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	return inv, nil
}

func (s *PostgresStore) ListInvoices(ctx context.Context, accountID string) ([]models.Invoice, error) {
	return s.queryInvoices(ctx, `
		SELECT invoice_id, account_id, total_amount, paid_amount, status, reference, version, created_at, due_date, updated_at
		FROM invoices
		WHERE account_id = $1
		ORDER BY created_at ASC, invoice_id ASC`, accountID)
}

func (s *PostgresStore) ListOpenInvoices(ctx context.Context, accountID string) ([]models.Invoice, error) {
	return s.queryInvoices(ctx, `
		SELECT invoice_id, account_id, total_amount, paid_amount, status, reference, version, created_at, due_date, updated_at
		FROM invoices
		WHERE account_id = $1 AND status IN ('outstanding', 'partial_paid', 'overdue') AND paid_amount < total_amount
		ORDER BY created_at ASC, invoice_id ASC`, accountID)
}

func (s *PostgresStore) queryInvoices(ctx context.Context, query string, args ...any) ([]models.Invoice, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer rows.Close()

	var invoices []models.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, *inv)
	}
	return invoices, rows.Err()
}

func (s *PostgresStore) ApplyInvoicePayment(ctx context.Context, invoiceID string, amount decimal.Decimal, expectedVersion int) (*models.Invoice, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	defer tx.Rollback()

	inv, err := scanInvoice(tx.QueryRowContext(ctx, `
		SELECT invoice_id, account_id, total_amount, paid_amount, status, reference, version, created_at, due_date, updated_at
		FROM invoices
		WHERE invoice_id = $1
		FOR UPDATE`, invoiceID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	if inv.Version != expectedVersion {
		return nil, fmt.Errorf("%w: invoice %s", ErrVersionConflict, invoiceID)
	}
	paid := inv.PaidAmount.Add(amount)
	if !inv.IsOpen() || !amount.IsPositive() || paid.GreaterThan(inv.TotalAmount) {
		return nil, fmt.Errorf("%w: invoice %s cannot take %s", ErrInvalidState, invoiceID, amount)
	}

	status := models.StatusAfterPayment(inv.Status, inv.TotalAmount, paid)
	now := time.Now()
	result, err := tx.ExecContext(ctx, `
		UPDATE invoices
		SET paid_amount = $1, status = $2, version = version + 1, updated_at = $3
		WHERE invoice_id = $4 AND version = $5`,
		paid, string(status), now, invoiceID, expectedVersion)
	if err != nil {
		return nil, classify(err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, fmt.Errorf("%w: invoice %s", ErrVersionConflict, invoiceID)
	}

	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}

	inv.PaidAmount = paid
	inv.Status = status
	inv.Version++
	inv.UpdatedAt = now
	return inv, nil
}

func (s *PostgresStore) CreatePayment(ctx context.Context, p models.Payment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (payment_id, account_id, amount, method, reference, bank_reference, strategy, notes,
			status, failure_reason, total_allocated, transaction_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		p.PaymentID, p.AccountID, p.Amount, p.Method, p.Reference, p.BankReference, string(p.Strategy), p.Notes,
		string(p.Status), p.FailureReason, p.TotalAllocated, p.TransactionID, p.CreatedAt, p.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

const paymentColumns = `payment_id, account_id, amount, method, reference, bank_reference, strategy, notes,
			status, failure_reason, total_allocated, transaction_id, created_at, updated_at`

func (s *PostgresStore) GetPayment(ctx context.Context, paymentID string) (*models.Payment, error) {
	p, err := scanPayment(s.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE payment_id = $1`, paymentID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) FindPaymentByReference(ctx context.Context, accountID, reference string) (*models.Payment, error) {
	p, err := scanPayment(s.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE account_id = $1 AND reference = $2`, accountID, reference))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find payment: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) UpdatePayment(ctx context.Context, p models.Payment) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET status = $1, failure_reason = $2, total_allocated = $3, transaction_id = $4, updated_at = $5
		WHERE payment_id = $6 AND status NOT IN ('completed', 'failed')`,
		string(p.Status), p.FailureReason, p.TotalAllocated, p.TransactionID, p.UpdatedAt, p.PaymentID)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetPayment(ctx, p.PaymentID); err != nil {
			return err
		}
		return ErrInvalidState
	}
	return nil
}

func (s *PostgresStore) ListStalePayments(ctx context.Context, olderThan time.Time, limit int) ([]models.Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE status IN ('pending', 'processing') AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale payments: %w", err)
	}
	defer rows.Close()

	var payments []models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func (s *PostgresStore) CreateAllocation(ctx context.Context, a models.Allocation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO allocations (allocation_id, payment_id, invoice_id, allocated_amount, remaining_amount_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.AllocationID, a.PaymentID, a.InvoiceID, a.AllocatedAmount, a.RemainingAmountAfter, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create allocation: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAllocations(ctx context.Context, paymentID string) ([]models.Allocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT allocation_id, payment_id, invoice_id, allocated_amount, remaining_amount_after, created_at
		FROM allocations
		WHERE payment_id = $1
		ORDER BY created_at ASC`, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations: %w", err)
	}
	defer rows.Close()

	var allocations []models.Allocation
	for rows.Next() {
		var a models.Allocation
		if err := rows.Scan(&a.AllocationID, &a.PaymentID, &a.InvoiceID, &a.AllocatedAmount, &a.RemainingAmountAfter, &a.CreatedAt); err != nil {
			return nil, err
		}
		allocations = append(allocations, a)
	}
	return allocations, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var a models.Account
	var status string
	if err := row.Scan(&a.AccountID, &a.CreditLimit, &a.CreditUsed, &status, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Status = models.AccountStatus(status)
	return &a, nil
}

func scanInvoice(row rowScanner) (*models.Invoice, error) {
	var inv models.Invoice
	var status string
	if err := row.Scan(&inv.InvoiceID, &inv.AccountID, &inv.TotalAmount, &inv.PaidAmount, &status,
		&inv.Reference, &inv.Version, &inv.CreatedAt, &inv.DueDate, &inv.UpdatedAt); err != nil {
		return nil, err
	}
	inv.Status = models.InvoiceStatus(status)
	return &inv, nil
}

func scanTransaction(row rowScanner) (*models.LedgerTransaction, error) {
	var txn models.LedgerTransaction
	var txType string
	var paymentID, invoiceID sql.NullString
	if err := row.Scan(&txn.TransactionID, &txn.AccountID, &txn.PreviousBalance, &txn.NewBalance, &txn.AmountChanged,
		&txType, &paymentID, &invoiceID, &txn.Description, &txn.CreatedAt); err != nil {
		return nil, err
	}
	txn.TransactionType = models.TransactionType(txType)
	txn.RelatedPaymentID = paymentID.String
	txn.RelatedInvoiceID = invoiceID.String
	return &txn, nil
}

func scanPayment(row rowScanner) (*models.Payment, error) {
	var p models.Payment
	var strategy, status string
	if err := row.Scan(&p.PaymentID, &p.AccountID, &p.Amount, &p.Method, &p.Reference, &p.BankReference,
		&strategy, &p.Notes, &status, &p.FailureReason, &p.TotalAllocated, &p.TransactionID,
		&p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Strategy = models.AllocationStrategy(strategy)
	p.Status = models.PaymentStatus(status)
	return &p, nil
}

func expectOneRow(result sql.Result, err error, op string) error {
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

// classify maps retryable postgres failures onto ErrVersionConflict.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqSerializationFailure, pqDeadlockDetected:
			return fmt.Errorf("%w: %s", ErrVersionConflict, pqErr.Message)
		}
	}
	return err
}
