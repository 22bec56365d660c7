package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus represents payment status
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
)

// Terminal payments are immutable.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentCompleted || s == PaymentFailed
}

// AllocationStrategy orders invoices when distributing a payment
type AllocationStrategy string

const (
	StrategyOldestFirst  AllocationStrategy = "oldest_first"
	StrategyLargestFirst AllocationStrategy = "largest_first"
	StrategyManual       AllocationStrategy = "manual"
)

// Payment is one payer-initiated transfer.
type Payment struct {
	PaymentID      string             `json:"paymentId" db:"payment_id"`
	AccountID      string             `json:"accountId" db:"account_id"`
	Amount         decimal.Decimal    `json:"amount" db:"amount"`
	Method         string             `json:"method" db:"method"`
	Reference      string             `json:"reference" db:"reference"`
	BankReference  string             `json:"bankReference,omitempty" db:"bank_reference"`
	Strategy       AllocationStrategy `json:"strategy" db:"strategy"`
	Notes          string             `json:"notes,omitempty" db:"notes"`
	Status         PaymentStatus      `json:"status" db:"status"`
	FailureReason  string             `json:"failureReason,omitempty" db:"failure_reason"`
	TotalAllocated decimal.Decimal    `json:"totalAllocated" db:"total_allocated"`
	TransactionID  string             `json:"transactionId,omitempty" db:"transaction_id"`
	CreatedAt      time.Time          `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time          `json:"updatedAt" db:"updated_at"`
}

// Allocation is the append-only fact that a payment funded part of an invoice.
type Allocation struct {
	AllocationID         string          `json:"allocationId" db:"allocation_id"`
	PaymentID            string          `json:"paymentId" db:"payment_id"`
	InvoiceID            string          `json:"invoiceId" db:"invoice_id"`
	AllocatedAmount      decimal.Decimal `json:"allocatedAmount" db:"allocated_amount"`
	RemainingAmountAfter decimal.Decimal `json:"remainingAmountAfter" db:"remaining_amount_after"`
	CreatedAt            time.Time       `json:"createdAt" db:"created_at"`
}
