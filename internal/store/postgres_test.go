package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/ruralpay/creditcore/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var accountCols = []string{"account_id", "credit_limit", "credit_used", "status", "version", "created_at", "updated_at"}

func paymentTxn(prev, next int64) *models.LedgerTransaction {
	return &models.LedgerTransaction{
		TransactionID:    "txn-1",
		AccountID:        "acct-1",
		PreviousBalance:  decimal.NewFromInt(prev),
		NewBalance:       decimal.NewFromInt(next),
		AmountChanged:    decimal.NewFromInt(next - prev),
		TransactionType:  models.TxPaymentApplied,
		RelatedPaymentID: "pay-1",
		CreatedAt:        time.Now(),
	}
}

func TestPostgresStore_UpdateBalance(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now()

	t.Run("applies transaction and bumps version", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT account_id, credit_limit, credit_used, status, version, created_at, updated_at FROM accounts WHERE account_id = \\$1 FOR UPDATE").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows(accountCols).AddRow("acct-1", "100000", "75000", "active", 3, now, now))
		mock.ExpectExec("INSERT INTO ledger_transactions").
			WithArgs("txn-1", "acct-1", decimal.NewFromInt(75000), decimal.NewFromInt(35000), decimal.NewFromInt(-40000),
				"payment_applied", "pay-1", nil, "", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts SET credit_used = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE account_id = \\$3 AND version = \\$4").
			WithArgs(decimal.NewFromInt(35000), sqlmock.AnyArg(), "acct-1", 3).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		account, txn, err := s.UpdateBalance(ctx, "acct-1", func(a models.Account) (*models.LedgerTransaction, error) {
			return paymentTxn(75000, 35000), nil
		})
		require.NoError(t, err)
		assert.True(t, account.CreditUsed.Equal(decimal.NewFromInt(35000)))
		assert.Equal(t, 4, account.Version)
		assert.Equal(t, "txn-1", txn.TransactionID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("zero rows updated is a version conflict", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM accounts WHERE account_id = \\$1 FOR UPDATE").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows(accountCols).AddRow("acct-1", "100000", "75000", "active", 3, now, now))
		mock.ExpectExec("INSERT INTO ledger_transactions").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts SET credit_used").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		_, _, err := s.UpdateBalance(ctx, "acct-1", func(a models.Account) (*models.LedgerTransaction, error) {
			return paymentTxn(75000, 35000), nil
		})
		assert.ErrorIs(t, err, ErrVersionConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unique violation on ledger insert is a duplicate", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM accounts WHERE account_id = \\$1 FOR UPDATE").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows(accountCols).AddRow("acct-1", "100000", "75000", "active", 3, now, now))
		mock.ExpectExec("INSERT INTO ledger_transactions").WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()

		_, _, err := s.UpdateBalance(ctx, "acct-1", func(a models.Account) (*models.LedgerTransaction, error) {
			return paymentTxn(75000, 35000), nil
		})
		assert.ErrorIs(t, err, ErrDuplicateTransaction)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("serialization failure maps to version conflict", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM accounts WHERE account_id = \\$1 FOR UPDATE").
			WithArgs("acct-1").
			WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})
		mock.ExpectRollback()

		_, _, err := s.UpdateBalance(ctx, "acct-1", func(a models.Account) (*models.LedgerTransaction, error) {
			t.Fatal("fn must not run")
			return nil, nil
		})
		assert.ErrorIs(t, err, ErrVersionConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing account", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM accounts WHERE account_id = \\$1 FOR UPDATE").
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows(accountCols))
		mock.ExpectRollback()

		_, _, err := s.UpdateBalance(ctx, "ghost", func(a models.Account) (*models.LedgerTransaction, error) {
			return nil, nil
		})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("fn error rolls back", func(t *testing.T) {
		boom := errors.New("rule violated")
		mock.ExpectBegin()
		mock.ExpectQuery("FROM accounts WHERE account_id = \\$1 FOR UPDATE").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows(accountCols).AddRow("acct-1", "100000", "75000", "active", 3, now, now))
		mock.ExpectRollback()

		_, _, err := s.UpdateBalance(ctx, "acct-1", func(a models.Account) (*models.LedgerTransaction, error) {
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("read only unit commits without writes", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM accounts WHERE account_id = \\$1 FOR UPDATE").
			WithArgs("acct-1").
			WillReturnRows(sqlmock.NewRows(accountCols).AddRow("acct-1", "100000", "75000", "active", 3, now, now))
		mock.ExpectCommit()

		account, txn, err := s.UpdateBalance(ctx, "acct-1", func(a models.Account) (*models.LedgerTransaction, error) {
			return nil, nil
		})
		require.NoError(t, err)
		assert.Nil(t, txn)
		assert.Equal(t, 3, account.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_ApplyInvoicePayment(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now()
	cols := []string{"invoice_id", "account_id", "total_amount", "paid_amount", "status", "reference", "version", "created_at", "due_date", "updated_at"}

	t.Run("partial payment", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM invoices WHERE invoice_id = \\$1 FOR UPDATE").
			WithArgs("inv-b").
			WillReturnRows(sqlmock.NewRows(cols).AddRow("inv-b", "acct-1", "50000", "0", "outstanding", "", 0, now, now, now))
		mock.ExpectExec("UPDATE invoices SET paid_amount = \\$1, status = \\$2, version = version \\+ 1").
			WithArgs(decimal.NewFromInt(10000), "partial_paid", sqlmock.AnyArg(), "inv-b", 0).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		inv, err := s.ApplyInvoicePayment(ctx, "inv-b", decimal.NewFromInt(10000), 0)
		require.NoError(t, err)
		assert.Equal(t, models.InvoicePartialPaid, inv.Status)
		assert.Equal(t, 1, inv.Version)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale version", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM invoices WHERE invoice_id = \\$1 FOR UPDATE").
			WithArgs("inv-b").
			WillReturnRows(sqlmock.NewRows(cols).AddRow("inv-b", "acct-1", "50000", "10000", "partial_paid", "", 1, now, now, now))
		mock.ExpectRollback()

		_, err := s.ApplyInvoicePayment(ctx, "inv-b", decimal.NewFromInt(10000), 0)
		assert.ErrorIs(t, err, ErrVersionConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("overpaying is rejected", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("FROM invoices WHERE invoice_id = \\$1 FOR UPDATE").
			WithArgs("inv-a").
			WillReturnRows(sqlmock.NewRows(cols).AddRow("inv-a", "acct-1", "30000", "0", "outstanding", "", 0, now, now, now))
		mock.ExpectRollback()

		_, err := s.ApplyInvoicePayment(ctx, "inv-a", decimal.NewFromInt(30001), 0)
		assert.ErrorIs(t, err, ErrInvalidState)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_Payments(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)
	ctx := context.Background()

	t.Run("duplicate reference", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO payments").WillReturnError(&pq.Error{Code: "23505"})

		err := s.CreatePayment(ctx, models.Payment{PaymentID: "pay-1", AccountID: "acct-1", Reference: "REF-1"})
		assert.ErrorIs(t, err, ErrAlreadyExists)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("terminal payment is immutable", func(t *testing.T) {
		now := time.Now()
		mock.ExpectExec("UPDATE payments SET status = \\$1").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("FROM payments WHERE payment_id = \\$1").
			WithArgs("pay-1").
			WillReturnRows(sqlmock.NewRows([]string{"payment_id", "account_id", "amount", "method", "reference", "bank_reference",
				"strategy", "notes", "status", "failure_reason", "total_allocated", "transaction_id", "created_at", "updated_at"}).
				AddRow("pay-1", "acct-1", "40000", "bank_transfer", "REF-1", "", "oldest_first", "", "completed", "", "40000", "txn-1", now, now))

		err := s.UpdatePayment(ctx, models.Payment{PaymentID: "pay-1", Status: models.PaymentFailed})
		assert.ErrorIs(t, err, ErrInvalidState)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing payment on update", func(t *testing.T) {
		mock.ExpectExec("UPDATE payments SET status = \\$1").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("FROM payments WHERE payment_id = \\$1").
			WithArgs("ghost").
			WillReturnError(sql.ErrNoRows)

		err := s.UpdatePayment(ctx, models.Payment{PaymentID: "ghost", Status: models.PaymentFailed})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_CreateAccount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := NewPostgresStore(db)

	mock.ExpectExec("INSERT INTO accounts").
		WithArgs("acct-1", decimal.NewFromInt(100000), decimal.Zero, "active", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO accounts").WillReturnError(&pq.Error{Code: "23505"})

	account := models.Account{AccountID: "acct-1", CreditLimit: decimal.NewFromInt(100000), Status: models.AccountStatusActive}
	assert.NoError(t, s.CreateAccount(context.Background(), account))
	assert.ErrorIs(t, s.CreateAccount(context.Background(), account), ErrAlreadyExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}
