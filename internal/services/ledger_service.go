package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/ruralpay/creditcore/internal/models"
	"github.com/ruralpay/creditcore/internal/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const defaultLedgerRetries = 3

// Delta is one signed change to an account's credit_used.
type Delta struct {
	Amount      decimal.Decimal
	Type        models.TransactionType
	Related     models.RelatedIDs
	Description string
}

// DeltaFunc derives a Delta from the balance read under the account lock.
type DeltaFunc func(balance models.Balance) (Delta, error)

// ReplayReport compares the fold of an account's history with its stored balance.
type ReplayReport struct {
	AccountID        string          `json:"accountId"`
	TransactionCount int             `json:"transactionCount"`
	Replayed         decimal.Decimal `json:"replayed"`
	CreditUsed       decimal.Decimal `json:"creditUsed"`
	Consistent       bool            `json:"consistent"`
	// BrokenAt is the index of the first transaction whose previousBalance does
	// not match its predecessor's newBalance, or -1.
	BrokenAt int `json:"brokenAt"`
}

// BalanceLedger is the only writer of Account.CreditUsed.
type BalanceLedger struct {
	store      store.LedgerStore
	log        *logrus.Logger
	audit      *AuditLogger
	maxRetries int
	now        func() time.Time
}

func NewBalanceLedger(st store.LedgerStore, log *logrus.Logger, audit *AuditLogger, maxRetries int) *BalanceLedger {
	if maxRetries <= 0 {
		maxRetries = defaultLedgerRetries
	}
	if audit == nil {
		audit = NewAuditLogger(log)
	}
	return &BalanceLedger{
		store:      st,
		log:        log,
		audit:      audit,
		maxRetries: maxRetries,
		now:        time.Now,
	}
}

// ApplyDelta adds d.Amount to credit_used and records the transaction in the same
// atomic unit. Over-limit results are allowed and flagged on the returned balance.
func (l *BalanceLedger) ApplyDelta(ctx context.Context, accountID string, d Delta) (models.Balance, *models.LedgerTransaction, error) {
	return l.ApplyDeltaFunc(ctx, accountID, func(models.Balance) (Delta, error) {
		return d, nil
	})
}

// ApplyDeltaFunc is ApplyDelta with the delta computed from the locked balance.
func (l *BalanceLedger) ApplyDeltaFunc(ctx context.Context, accountID string, fn DeltaFunc) (models.Balance, *models.LedgerTransaction, error) {
	var applied Delta
	for attempt := 0; attempt < l.maxRetries; attempt++ {
		account, txn, err := l.store.UpdateBalance(ctx, accountID, func(a models.Account) (*models.LedgerTransaction, error) {
			d, err := fn(models.BalanceOf(a))
			if err != nil {
				return nil, err
			}
			if err := checkSign(d); err != nil {
				return nil, err
			}
			applied = d
			return &models.LedgerTransaction{
				TransactionID:    uuid.NewString(),
				AccountID:        a.AccountID,
				PreviousBalance:  a.CreditUsed,
				NewBalance:       a.CreditUsed.Add(d.Amount),
				AmountChanged:    d.Amount,
				TransactionType:  d.Type,
				RelatedPaymentID: d.Related.PaymentID,
				RelatedInvoiceID: d.Related.InvoiceID,
				Description:      d.Description,
				CreatedAt:        l.now(),
			}, nil
		})

		switch {
		case err == nil:
			l.audit.LogLedgerMutation(*txn)
			l.log.WithFields(logrus.Fields{
				"account_id":     accountID,
				"transaction_id": txn.TransactionID,
				"type":           txn.TransactionType,
				"amount":         txn.AmountChanged.String(),
				"credit_used":    account.CreditUsed.String(),
			}).Info("[LEDGER] Balance updated")
			return models.BalanceOf(*account), txn, nil

		case errors.Is(err, store.ErrDuplicateTransaction):
			return l.existingPayment(ctx, accountID, applied.Related.PaymentID)

		case errors.Is(err, store.ErrVersionConflict):
			l.log.WithFields(logrus.Fields{"account_id": accountID, "attempt": attempt + 1}).
				Warn("[LEDGER] Version conflict, retrying")
			if err := l.pause(ctx, attempt); err != nil {
				return models.Balance{}, nil, err
			}

		case errors.Is(err, store.ErrNotFound):
			return models.Balance{}, nil, fmt.Errorf("account %s: %w", accountID, store.ErrNotFound)

		default:
			return models.Balance{}, nil, err
		}
	}

	l.log.WithField("account_id", accountID).Error("[LEDGER] Retries exhausted")
	return models.Balance{}, nil, &ConcurrencyError{AccountID: accountID, Attempts: l.maxRetries}
}

// existingPayment resolves a repeated payment_applied to the transaction that was
// already committed for it.
func (l *BalanceLedger) existingPayment(ctx context.Context, accountID, paymentID string) (models.Balance, *models.LedgerTransaction, error) {
	txn, err := l.store.FindPaymentTransaction(ctx, paymentID)
	if err != nil {
		return models.Balance{}, nil, fmt.Errorf("payment %s already applied but not readable: %w", paymentID, err)
	}
	balance, err := l.GetBalanceLocked(ctx, accountID)
	if err != nil {
		return models.Balance{}, nil, err
	}
	l.log.WithFields(logrus.Fields{"account_id": accountID, "payment_id": paymentID}).
		Info("[LEDGER] Payment already applied, returning original transaction")
	return balance, txn, nil
}

// GetBalanceLocked reads the balance through the same lock that guards writes.
func (l *BalanceLedger) GetBalanceLocked(ctx context.Context, accountID string) (models.Balance, error) {
	account, _, err := l.store.UpdateBalance(ctx, accountID, func(models.Account) (*models.LedgerTransaction, error) {
		return nil, nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return models.Balance{}, fmt.Errorf("account %s: %w", accountID, store.ErrNotFound)
	}
	if err != nil {
		return models.Balance{}, err
	}
	return models.BalanceOf(*account), nil
}

func (l *BalanceLedger) History(ctx context.Context, accountID string) ([]models.LedgerTransaction, error) {
	return l.store.ListTransactions(ctx, accountID)
}

// Replay folds every transaction of the account and checks the result equals
// the stored credit_used. History is read while the account lock is held.
func (l *BalanceLedger) Replay(ctx context.Context, accountID string) (*ReplayReport, error) {
	var txns []models.LedgerTransaction
	account, _, err := l.store.UpdateBalance(ctx, accountID, func(models.Account) (*models.LedgerTransaction, error) {
		var err error
		txns, err = l.store.ListTransactions(ctx, accountID)
		return nil, err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("account %s: %w", accountID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	report := &ReplayReport{
		AccountID:        accountID,
		TransactionCount: len(txns),
		Replayed:         decimal.Zero,
		CreditUsed:       account.CreditUsed,
		BrokenAt:         -1,
	}
	for i, txn := range txns {
		if report.BrokenAt < 0 && !txn.PreviousBalance.Equal(report.Replayed) {
			report.BrokenAt = i
		}
		report.Replayed = report.Replayed.Add(txn.AmountChanged)
	}
	report.Consistent = report.Replayed.Equal(account.CreditUsed) && report.BrokenAt < 0
	if !report.Consistent {
		l.log.WithFields(logrus.Fields{
			"account_id":  accountID,
			"replayed":    report.Replayed.String(),
			"credit_used": account.CreditUsed.String(),
			"broken_at":   report.BrokenAt,
		}).Error("[LEDGER] Replay mismatch")
	}
	return report, nil
}

func (l *BalanceLedger) pause(ctx context.Context, attempt int) error {
	backoff := time.Duration(attempt+1)*5*time.Millisecond + time.Duration(rand.Intn(5))*time.Millisecond
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func checkSign(d Delta) error {
	if !d.Type.Valid() {
		return fmt.Errorf("%w: unknown transaction type %q", ErrInvalidDelta, d.Type)
	}
	if d.Amount.IsZero() {
		return fmt.Errorf("%w: zero amount", ErrInvalidDelta)
	}
	switch d.Type {
	case models.TxPaymentApplied, models.TxCreditDecrease:
		if d.Amount.IsPositive() {
			return fmt.Errorf("%w: %s must reduce credit used", ErrInvalidDelta, d.Type)
		}
	case models.TxOrderCharge, models.TxCreditIncrease:
		if d.Amount.IsNegative() {
			return fmt.Errorf("%w: %s must increase credit used", ErrInvalidDelta, d.Type)
		}
	}
	if d.Type == models.TxPaymentApplied && d.Related.PaymentID == "" {
		return fmt.Errorf("%w: payment_applied needs a payment id", ErrInvalidDelta)
	}
	return nil
}
