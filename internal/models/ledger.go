package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountStatus represents account status
type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "active"
	AccountStatusSuspended AccountStatus = "suspended"
)

// Account is the paying entity that owns a credit line.
type Account struct {
	AccountID   string          `json:"accountId" db:"account_id"`
	CreditLimit decimal.Decimal `json:"creditLimit" db:"credit_limit"`
	CreditUsed  decimal.Decimal `json:"creditUsed" db:"credit_used"`
	Status      AccountStatus   `json:"status" db:"status"`
	Version     int             `json:"version" db:"version"` // for optimistic locking
	CreatedAt   time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time       `json:"updatedAt" db:"updated_at"`
}

// AvailableCredit may be negative when the account is over its limit.
func (a Account) AvailableCredit() decimal.Decimal {
	return a.CreditLimit.Sub(a.CreditUsed)
}

func (a Account) IsOverLimit() bool {
	return a.CreditUsed.GreaterThan(a.CreditLimit)
}

func (a Account) IsActive() bool {
	return a.Status == AccountStatusActive
}

// TransactionType classifies a ledger mutation
type TransactionType string

const (
	TxCreditIncrease TransactionType = "credit_increase"
	TxCreditDecrease TransactionType = "credit_decrease"
	TxPaymentApplied TransactionType = "payment_applied"
	TxOrderCharge    TransactionType = "order_charge"
	TxAdjustment     TransactionType = "adjustment"
	TxRefund         TransactionType = "refund"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TxCreditIncrease, TxCreditDecrease, TxPaymentApplied, TxOrderCharge, TxAdjustment, TxRefund:
		return true
	}
	return false
}

// RelatedIDs links a ledger transaction to the entity that caused it.
type RelatedIDs struct {
	PaymentID string
	InvoiceID string
}

// LedgerTransaction is the immutable audit record of one credit_used change.
// Balances are credit_used values, AmountChanged = NewBalance - PreviousBalance.
type LedgerTransaction struct {
	TransactionID    string          `json:"transactionId" db:"transaction_id"`
	AccountID        string          `json:"accountId" db:"account_id"`
	PreviousBalance  decimal.Decimal `json:"previousBalance" db:"previous_balance"`
	NewBalance       decimal.Decimal `json:"newBalance" db:"new_balance"`
	AmountChanged    decimal.Decimal `json:"amountChanged" db:"amount_changed"`
	TransactionType  TransactionType `json:"transactionType" db:"transaction_type"`
	RelatedPaymentID string          `json:"relatedPaymentId,omitempty" db:"related_payment_id"`
	RelatedInvoiceID string          `json:"relatedInvoiceId,omitempty" db:"related_invoice_id"`
	Description      string          `json:"description,omitempty" db:"description"`
	CreatedAt        time.Time       `json:"createdAt" db:"created_at"`
}

// Balance is a point-in-time read of an account's credit line.
type Balance struct {
	AccountID       string          `json:"accountId"`
	CreditLimit     decimal.Decimal `json:"creditLimit"`
	CreditUsed      decimal.Decimal `json:"creditUsed"`
	AvailableCredit decimal.Decimal `json:"availableCredit"`
	OverLimit       bool            `json:"overLimit"`
	Version         int             `json:"version"`
}

func BalanceOf(a Account) Balance {
	return Balance{
		AccountID:       a.AccountID,
		CreditLimit:     a.CreditLimit,
		CreditUsed:      a.CreditUsed,
		AvailableCredit: a.AvailableCredit(),
		OverLimit:       a.IsOverLimit(),
		Version:         a.Version,
	}
}
