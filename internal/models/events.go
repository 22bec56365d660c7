package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AllocationInput is an operator-directed allocation supplied with a payment request.
type AllocationInput struct {
	InvoiceID string          `json:"invoiceId" validate:"required"`
	Amount    decimal.Decimal `json:"amount" validate:"gt=0"`
}

// PaymentRequest is what a caller submits to apply a payment to an account
type PaymentRequest struct {
	AccountID           string             `json:"accountId" validate:"required,max=64"`
	Amount              decimal.Decimal    `json:"amount" validate:"gt=0"`
	Method              string             `json:"method" validate:"required,max=32"`
	Reference           string             `json:"reference" validate:"max=128"`
	BankReference       string             `json:"bankReference,omitempty" validate:"max=128"`
	Strategy            AllocationStrategy `json:"strategy" validate:"omitempty,oneof=oldest_first largest_first manual"`
	ExplicitAllocations []AllocationInput  `json:"explicitAllocations,omitempty" validate:"omitempty,dive"`
	Notes               string             `json:"notes,omitempty" validate:"max=500"`
}

// UpdateType names the kind of mutation a BalanceUpdate describes
type UpdateType string

const (
	UpdatePaymentReceived  UpdateType = "payment_received"
	UpdatePaymentAllocated UpdateType = "payment_allocated"
	UpdateCreditAdjustment UpdateType = "credit_adjustment"
	UpdateInvoiceCreated   UpdateType = "invoice_created"
)

// BalanceUpdate is delivered to progress listeners and change feed subscribers.
type BalanceUpdate struct {
	AccountID     string          `json:"accountId"`
	UpdateType    UpdateType      `json:"updateType"`
	Amount        decimal.Decimal `json:"amount"`
	NewBalance    decimal.Decimal `json:"newBalance"`
	Timestamp     time.Time       `json:"timestamp"`
	TransactionID string          `json:"transactionId,omitempty"`
	InvoiceID     string          `json:"invoiceId,omitempty"`
	Reference     string          `json:"reference,omitempty"`
	Description   string          `json:"description,omitempty"`
}

// PaymentResult is the outcome of processing a payment.
// Success=false with AllocatedInvoiceCount>0 means invoices were funded before the
// failure and the payment needs reconciliation.
type PaymentResult struct {
	Success               bool             `json:"success"`
	PaymentID             string           `json:"paymentId,omitempty"`
	TransactionID         string           `json:"transactionId,omitempty"`
	AllocatedInvoiceCount int              `json:"allocatedInvoiceCount"`
	TotalAllocated        *decimal.Decimal `json:"totalAllocated,omitempty"`
	UnallocatedAmount     *decimal.Decimal `json:"unallocatedAmount,omitempty"`
	RemainingBalance      *decimal.Decimal `json:"remainingBalance,omitempty"`
	Warnings              []string         `json:"warnings,omitempty"`
	Error                 string           `json:"error,omitempty"`
}

// NeedsReconciliation is true for a failed payment that already moved invoice state.
func (r PaymentResult) NeedsReconciliation() bool {
	return !r.Success && r.AllocatedInvoiceCount > 0
}
