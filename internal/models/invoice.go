package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceStatus represents invoice status
type InvoiceStatus string

const (
	InvoiceOutstanding InvoiceStatus = "outstanding"
	InvoicePartialPaid InvoiceStatus = "partial_paid"
	InvoicePaid        InvoiceStatus = "paid"
	InvoiceOverdue     InvoiceStatus = "overdue"
	InvoiceCancelled   InvoiceStatus = "cancelled"
)

// Invoice is one billing cycle or order charged to an account.
type Invoice struct {
	InvoiceID   string          `json:"invoiceId" db:"invoice_id"`
	AccountID   string          `json:"accountId" db:"account_id"`
	TotalAmount decimal.Decimal `json:"totalAmount" db:"total_amount"`
	PaidAmount  decimal.Decimal `json:"paidAmount" db:"paid_amount"`
	Status      InvoiceStatus   `json:"status" db:"status"`
	Reference   string          `json:"reference,omitempty" db:"reference"`
	Version     int             `json:"version" db:"version"`
	CreatedAt   time.Time       `json:"createdAt" db:"created_at"`
	DueDate     time.Time       `json:"dueDate" db:"due_date"`
	UpdatedAt   time.Time       `json:"updatedAt" db:"updated_at"`
}

func (i Invoice) RemainingAmount() decimal.Decimal {
	return i.TotalAmount.Sub(i.PaidAmount)
}

// IsOpen reports whether the invoice still accepts payment.
func (i Invoice) IsOpen() bool {
	switch i.Status {
	case InvoiceOutstanding, InvoicePartialPaid, InvoiceOverdue:
		return i.RemainingAmount().IsPositive()
	}
	return false
}

// IsOverdue is true for invoices flagged overdue or open past their due date.
func (i Invoice) IsOverdue(now time.Time) bool {
	if i.Status == InvoiceOverdue {
		return true
	}
	return i.IsOpen() && !i.DueDate.IsZero() && i.DueDate.Before(now)
}

// StatusAfterPayment derives the status once paidAmount has moved to paid.
// An overdue invoice stays overdue until it is fully paid.
func StatusAfterPayment(current InvoiceStatus, total, paid decimal.Decimal) InvoiceStatus {
	switch {
	case paid.Equal(total):
		return InvoicePaid
	case current == InvoiceOverdue:
		return InvoiceOverdue
	case paid.IsPositive():
		return InvoicePartialPaid
	default:
		return InvoiceOutstanding
	}
}
