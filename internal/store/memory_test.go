package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ruralpay/creditcore/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedAccount(t *testing.T, s *MemoryStore, id string, limit, used int64) {
	t.Helper()
	require.NoError(t, s.CreateAccount(context.Background(), models.Account{
		AccountID:   id,
		CreditLimit: decimal.NewFromInt(limit),
		CreditUsed:  decimal.NewFromInt(used),
		Status:      models.AccountStatusActive,
	}))
}

func deltaFunc(delta int64, txType models.TransactionType, paymentID string) BalanceFunc {
	return func(a models.Account) (*models.LedgerTransaction, error) {
		next := a.CreditUsed.Add(decimal.NewFromInt(delta))
		return &models.LedgerTransaction{
			TransactionID:    uuid.NewString(),
			AccountID:        a.AccountID,
			PreviousBalance:  a.CreditUsed,
			NewBalance:       next,
			AmountChanged:    decimal.NewFromInt(delta),
			TransactionType:  txType,
			RelatedPaymentID: paymentID,
			CreatedAt:        time.Now(),
		}, nil
	}
}

func TestMemoryStore_UpdateBalance(t *testing.T) {
	ctx := context.Background()

	t.Run("persists balance and history", func(t *testing.T) {
		s := NewMemoryStore()
		seedAccount(t, s, "acct-1", 100000, 75000)

		account, txn, err := s.UpdateBalance(ctx, "acct-1", deltaFunc(-40000, models.TxPaymentApplied, "pay-1"))
		require.NoError(t, err)
		assert.True(t, account.CreditUsed.Equal(decimal.NewFromInt(35000)))
		assert.Equal(t, 1, account.Version)
		assert.True(t, txn.PreviousBalance.Equal(decimal.NewFromInt(75000)))

		txns, err := s.ListTransactions(ctx, "acct-1")
		require.NoError(t, err)
		assert.Len(t, txns, 1)

		found, err := s.FindPaymentTransaction(ctx, "pay-1")
		require.NoError(t, err)
		assert.Equal(t, txn.TransactionID, found.TransactionID)
	})

	t.Run("duplicate payment application", func(t *testing.T) {
		s := NewMemoryStore()
		seedAccount(t, s, "acct-1", 100000, 75000)

		_, _, err := s.UpdateBalance(ctx, "acct-1", deltaFunc(-40000, models.TxPaymentApplied, "pay-1"))
		require.NoError(t, err)
		_, _, err = s.UpdateBalance(ctx, "acct-1", deltaFunc(-40000, models.TxPaymentApplied, "pay-1"))
		assert.ErrorIs(t, err, ErrDuplicateTransaction)

		account, _ := s.GetAccount(ctx, "acct-1")
		assert.True(t, account.CreditUsed.Equal(decimal.NewFromInt(35000)))
	})

	t.Run("stale previous balance is rejected", func(t *testing.T) {
		s := NewMemoryStore()
		seedAccount(t, s, "acct-1", 100000, 75000)

		_, _, err := s.UpdateBalance(ctx, "acct-1", func(a models.Account) (*models.LedgerTransaction, error) {
			return &models.LedgerTransaction{PreviousBalance: decimal.NewFromInt(1), NewBalance: decimal.NewFromInt(2)}, nil
		})
		assert.ErrorIs(t, err, ErrVersionConflict)
	})

	t.Run("unknown account", func(t *testing.T) {
		s := NewMemoryStore()
		_, _, err := s.UpdateBalance(ctx, "ghost", deltaFunc(1, models.TxOrderCharge, ""))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("canceled context", func(t *testing.T) {
		s := NewMemoryStore()
		seedAccount(t, s, "acct-1", 100000, 0)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, _, err := s.UpdateBalance(cctx, "acct-1", deltaFunc(1, models.TxOrderCharge, ""))
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("concurrent updates serialize per account", func(t *testing.T) {
		s := NewMemoryStore()
		seedAccount(t, s, "acct-1", 1000000, 0)

		const workers = 50
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _, err := s.UpdateBalance(ctx, "acct-1", deltaFunc(100, models.TxOrderCharge, ""))
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		account, err := s.GetAccount(ctx, "acct-1")
		require.NoError(t, err)
		assert.True(t, account.CreditUsed.Equal(decimal.NewFromInt(workers*100)))
		assert.Equal(t, workers, account.Version)

		txns, _ := s.ListTransactions(ctx, "acct-1")
		require.Len(t, txns, workers)
		for i := 1; i < len(txns); i++ {
			assert.True(t, txns[i].PreviousBalance.Equal(txns[i-1].NewBalance), "chain broken at %d", i)
		}
	})
}

func TestMemoryStore_Invoices(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedAccount(t, s, "acct-1", 100000, 0)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreateInvoice(ctx, models.Invoice{
		InvoiceID: "inv-b", AccountID: "acct-1", TotalAmount: decimal.NewFromInt(50000),
		Status: models.InvoiceOutstanding, CreatedAt: base.Add(time.Hour),
	}))
	require.NoError(t, s.CreateInvoice(ctx, models.Invoice{
		InvoiceID: "inv-a", AccountID: "acct-1", TotalAmount: decimal.NewFromInt(30000),
		Status: models.InvoiceOutstanding, CreatedAt: base,
	}))
	require.NoError(t, s.CreateInvoice(ctx, models.Invoice{
		InvoiceID: "inv-c", AccountID: "acct-1", TotalAmount: decimal.NewFromInt(10000),
		Status: models.InvoiceCancelled, CreatedAt: base,
	}))

	t.Run("unknown account", func(t *testing.T) {
		err := s.CreateInvoice(ctx, models.Invoice{InvoiceID: "x", AccountID: "ghost"})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("open invoices are sorted and filtered", func(t *testing.T) {
		open, err := s.ListOpenInvoices(ctx, "acct-1")
		require.NoError(t, err)
		require.Len(t, open, 2)
		assert.Equal(t, "inv-a", open[0].InvoiceID)
		assert.Equal(t, "inv-b", open[1].InvoiceID)
	})

	t.Run("apply moves status and version", func(t *testing.T) {
		inv, err := s.ApplyInvoicePayment(ctx, "inv-a", decimal.NewFromInt(30000), 0)
		require.NoError(t, err)
		assert.Equal(t, models.InvoicePaid, inv.Status)
		assert.Equal(t, 1, inv.Version)

		_, err = s.ApplyInvoicePayment(ctx, "inv-a", decimal.NewFromInt(1), 1)
		assert.ErrorIs(t, err, ErrInvalidState)
	})

	t.Run("stale version", func(t *testing.T) {
		_, err := s.ApplyInvoicePayment(ctx, "inv-b", decimal.NewFromInt(1000), 7)
		assert.ErrorIs(t, err, ErrVersionConflict)
	})

	t.Run("overpayment", func(t *testing.T) {
		_, err := s.ApplyInvoicePayment(ctx, "inv-b", decimal.NewFromInt(50001), 0)
		assert.ErrorIs(t, err, ErrInvalidState)
	})
}

func TestMemoryStore_Payments(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedAccount(t, s, "acct-1", 100000, 0)
	old := time.Now().Add(-time.Hour)

	require.NoError(t, s.CreatePayment(ctx, models.Payment{
		PaymentID: "pay-1", AccountID: "acct-1", Reference: "REF-1", Status: models.PaymentProcessing, CreatedAt: old,
	}))

	t.Run("duplicate reference", func(t *testing.T) {
		err := s.CreatePayment(ctx, models.Payment{PaymentID: "pay-2", AccountID: "acct-1", Reference: "REF-1"})
		assert.ErrorIs(t, err, ErrAlreadyExists)

		p, err := s.FindPaymentByReference(ctx, "acct-1", "REF-1")
		require.NoError(t, err)
		assert.Equal(t, "pay-1", p.PaymentID)
	})

	t.Run("stale listing", func(t *testing.T) {
		stale, err := s.ListStalePayments(ctx, time.Now().Add(-time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, "pay-1", stale[0].PaymentID)
	})

	t.Run("terminal payments are immutable", func(t *testing.T) {
		require.NoError(t, s.UpdatePayment(ctx, models.Payment{PaymentID: "pay-1", Status: models.PaymentCompleted}))
		err := s.UpdatePayment(ctx, models.Payment{PaymentID: "pay-1", Status: models.PaymentFailed})
		assert.ErrorIs(t, err, ErrInvalidState)

		stale, _ := s.ListStalePayments(ctx, time.Now(), 10)
		assert.Empty(t, stale)
	})

	t.Run("allocations", func(t *testing.T) {
		require.NoError(t, s.CreateAllocation(ctx, models.Allocation{AllocationID: "al-1", PaymentID: "pay-1", InvoiceID: "inv-a"}))
		assert.ErrorIs(t, s.CreateAllocation(ctx, models.Allocation{PaymentID: "ghost"}), ErrNotFound)

		allocations, err := s.ListAllocations(ctx, "pay-1")
		require.NoError(t, err)
		assert.Len(t, allocations, 1)
	})
}
