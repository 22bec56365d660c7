// Package allocation distributes a payment amount across outstanding invoices.
// Everything here is pure: no I/O, no clocks, deterministic for a given input.
package allocation

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ruralpay/creditcore/internal/models"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount    = errors.New("payment amount must be greater than zero")
	ErrUnknownStrategy  = errors.New("unknown allocation strategy")
	ErrDuplicateInvoice = errors.New("invoice listed more than once")
	ErrInvalidInvoice   = errors.New("invoice has invalid amounts")
	ErrUnknownInvoice   = errors.New("invoice is not open for this account")
	ErrOverAllocated    = errors.New("allocation exceeds available amount")
)

// Line is one invoice in a plan.
type Line struct {
	InvoiceID string `json:"invoiceId"`
	// OriginalAmount is the invoice's remaining amount at plan time.
	OriginalAmount  decimal.Decimal `json:"originalAmount"`
	AllocatedAmount decimal.Decimal `json:"allocatedAmount"`
	RemainingAmount decimal.Decimal `json:"remainingAmount"`
	// Version is the invoice version the plan was computed against.
	Version int `json:"version"`
}

// Plan is the ordered result of allocating a payment.
type Plan struct {
	Strategy         models.AllocationStrategy `json:"strategy"`
	Lines            []Line                    `json:"lines"`
	TotalAllocated   decimal.Decimal           `json:"totalAllocated"`
	RemainingPayment decimal.Decimal           `json:"remainingPayment"`
}

// Funded returns the lines that receive money.
func (p Plan) Funded() []Line {
	var out []Line
	for _, l := range p.Lines {
		if l.AllocatedAmount.IsPositive() {
			out = append(out, l)
		}
	}
	return out
}

// Eligible keeps invoices the engine may fund automatically.
func Eligible(invoices []models.Invoice) []models.Invoice {
	out := make([]models.Invoice, 0, len(invoices))
	for _, inv := range invoices {
		if inv.Status == models.InvoiceOutstanding || inv.Status == models.InvoicePartialPaid {
			out = append(out, inv)
		}
	}
	return out
}

// Allocate builds a plan for paymentAmount over invoices using strategy.
// Invoices not in outstanding/partial_paid are ignored.
func Allocate(invoices []models.Invoice, paymentAmount decimal.Decimal, strategy models.AllocationStrategy) (Plan, error) {
	if !paymentAmount.IsPositive() {
		return Plan{}, ErrInvalidAmount
	}

	candidates := Eligible(invoices)
	if err := checkInvoices(candidates); err != nil {
		return Plan{}, err
	}

	switch strategy {
	case models.StrategyOldestFirst:
		slices.SortStableFunc(candidates, oldestFirst)
	case models.StrategyLargestFirst:
		slices.SortStableFunc(candidates, largestFirst)
	case models.StrategyManual:
		slices.SortStableFunc(candidates, oldestFirst)
		return zeroPlan(candidates, paymentAmount, strategy), nil
	default:
		return Plan{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}

	plan := Plan{Strategy: strategy, Lines: make([]Line, 0, len(candidates))}
	left := paymentAmount
	for _, inv := range candidates {
		remaining := inv.RemainingAmount()
		funded := decimal.Min(left, remaining)
		left = left.Sub(funded)
		plan.TotalAllocated = plan.TotalAllocated.Add(funded)
		plan.Lines = append(plan.Lines, Line{
			InvoiceID:       inv.InvoiceID,
			OriginalAmount:  remaining,
			AllocatedAmount: funded,
			RemainingAmount: remaining.Sub(funded),
			Version:         inv.Version,
		})
	}
	plan.RemainingPayment = paymentAmount.Sub(plan.TotalAllocated)
	return plan, nil
}

// FromExplicit turns operator-supplied allocations into a plan. Each target must be
// an open invoice in the given set, and neither an invoice's remaining amount nor the
// payment amount may be exceeded. Lines keep the order of inputs.
func FromExplicit(invoices []models.Invoice, paymentAmount decimal.Decimal, inputs []models.AllocationInput) (Plan, error) {
	if !paymentAmount.IsPositive() {
		return Plan{}, ErrInvalidAmount
	}

	byID := make(map[string]models.Invoice, len(invoices))
	for _, inv := range invoices {
		byID[inv.InvoiceID] = inv
	}

	plan := Plan{Strategy: models.StrategyManual, Lines: make([]Line, 0, len(inputs))}
	seen := make(map[string]bool, len(inputs))
	for _, in := range inputs {
		if seen[in.InvoiceID] {
			return Plan{}, fmt.Errorf("%w: %s", ErrDuplicateInvoice, in.InvoiceID)
		}
		seen[in.InvoiceID] = true

		inv, ok := byID[in.InvoiceID]
		if !ok || !inv.IsOpen() {
			return Plan{}, fmt.Errorf("%w: %s", ErrUnknownInvoice, in.InvoiceID)
		}
		if !in.Amount.IsPositive() {
			return Plan{}, fmt.Errorf("%w: %s amount %s", ErrInvalidAmount, in.InvoiceID, in.Amount)
		}
		remaining := inv.RemainingAmount()
		if in.Amount.GreaterThan(remaining) {
			return Plan{}, fmt.Errorf("%w: %s wants %s, remaining %s", ErrOverAllocated, in.InvoiceID, in.Amount, remaining)
		}

		plan.TotalAllocated = plan.TotalAllocated.Add(in.Amount)
		plan.Lines = append(plan.Lines, Line{
			InvoiceID:       inv.InvoiceID,
			OriginalAmount:  remaining,
			AllocatedAmount: in.Amount,
			RemainingAmount: remaining.Sub(in.Amount),
			Version:         inv.Version,
		})
	}

	if plan.TotalAllocated.GreaterThan(paymentAmount) {
		return Plan{}, fmt.Errorf("%w: allocations total %s, payment %s", ErrOverAllocated, plan.TotalAllocated, paymentAmount)
	}
	plan.RemainingPayment = paymentAmount.Sub(plan.TotalAllocated)
	return plan, nil
}

func zeroPlan(invoices []models.Invoice, paymentAmount decimal.Decimal, strategy models.AllocationStrategy) Plan {
	plan := Plan{Strategy: strategy, Lines: make([]Line, 0, len(invoices))}
	for _, inv := range invoices {
		remaining := inv.RemainingAmount()
		plan.Lines = append(plan.Lines, Line{
			InvoiceID:       inv.InvoiceID,
			OriginalAmount:  remaining,
			AllocatedAmount: decimal.Zero,
			RemainingAmount: remaining,
			Version:         inv.Version,
		})
	}
	plan.TotalAllocated = decimal.Zero
	plan.RemainingPayment = paymentAmount
	return plan
}

func checkInvoices(invoices []models.Invoice) error {
	seen := make(map[string]bool, len(invoices))
	for _, inv := range invoices {
		if seen[inv.InvoiceID] {
			return fmt.Errorf("%w: %s", ErrDuplicateInvoice, inv.InvoiceID)
		}
		seen[inv.InvoiceID] = true
		if inv.PaidAmount.IsNegative() || inv.RemainingAmount().IsNegative() {
			return fmt.Errorf("%w: %s", ErrInvalidInvoice, inv.InvoiceID)
		}
	}
	return nil
}

// ties on the sort key fall back to invoiceId ascending
func oldestFirst(a, b models.Invoice) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.InvoiceID, b.InvoiceID)
}

func largestFirst(a, b models.Invoice) int {
	if c := b.TotalAmount.Cmp(a.TotalAmount); c != 0 {
		return c
	}
	return strings.Compare(a.InvoiceID, b.InvoiceID)
}
