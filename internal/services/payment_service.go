package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ruralpay/creditcore/internal/allocation"
	"github.com/ruralpay/creditcore/internal/events"
	"github.com/ruralpay/creditcore/internal/models"
	"github.com/ruralpay/creditcore/internal/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const updateBuffer = 16

// DashboardInvalidator drops cached dashboards after a mutation.
type DashboardInvalidator interface {
	Invalidate(ctx context.Context, accountID string)
}

type PaymentOptions struct {
	// LargePaymentThreshold triggers an advisory warning, never a rejection.
	LargePaymentThreshold decimal.Decimal
	// CreditWarningRatio of available credit above which a payment is flagged.
	CreditWarningRatio decimal.Decimal
}

func DefaultPaymentOptions() PaymentOptions {
	return PaymentOptions{
		LargePaymentThreshold: decimal.NewFromInt(1_000_000),
		CreditWarningRatio:    decimal.NewFromFloat(0.8),
	}
}

// PaymentService runs payments through validate, allocate, apply and finalize.
type PaymentService struct {
	store       store.Store
	ledger      *BalanceLedger
	publisher   events.Publisher
	invalidator DashboardInvalidator
	validator   *ValidationHelper
	audit       *AuditLogger
	log         *logrus.Logger
	opts        PaymentOptions
	locks       *keyedLocks
	now         func() time.Time
}

func NewPaymentService(st store.Store, ledger *BalanceLedger, publisher events.Publisher, invalidator DashboardInvalidator, log *logrus.Logger, opts PaymentOptions) *PaymentService {
	if publisher == nil {
		publisher = events.Nop{}
	}
	def := DefaultPaymentOptions()
	if !opts.LargePaymentThreshold.IsPositive() {
		opts.LargePaymentThreshold = def.LargePaymentThreshold
	}
	if !opts.CreditWarningRatio.IsPositive() {
		opts.CreditWarningRatio = def.CreditWarningRatio
	}
	return &PaymentService{
		store:       st,
		ledger:      ledger,
		publisher:   publisher,
		invalidator: invalidator,
		validator:   NewValidationHelper(),
		audit:       NewAuditLogger(log),
		log:         log,
		opts:        opts,
		locks:       newKeyedLocks(),
		now:         time.Now,
	}
}

// PaymentStream carries progress of one payment. Updates is closed before
// Wait returns.
type PaymentStream struct {
	Updates <-chan models.BalanceUpdate

	updates chan models.BalanceUpdate
	done    chan struct{}
	result  *models.PaymentResult
	err     error
}

// Wait blocks until the payment reaches a terminal state.
func (s *PaymentStream) Wait() (*models.PaymentResult, error) {
	<-s.done
	return s.result, s.err
}

// Start processes req in the background. Canceling ctx before invoice
// application begins abandons the payment without a trace; later cancellation
// only stops progress delivery.
func (s *PaymentService) Start(ctx context.Context, req models.PaymentRequest) *PaymentStream {
	updates := make(chan models.BalanceUpdate, updateBuffer)
	ps := &PaymentStream{Updates: updates, updates: updates, done: make(chan struct{})}

	go func() {
		defer close(ps.done)
		emit := func(u models.BalanceUpdate) {
			select {
			case ps.updates <- u:
			case <-ctx.Done():
			}
		}
		ps.result, ps.err = s.process(ctx, req, emit)
		close(ps.updates)
	}()
	return ps
}

// ProcessPayment runs a payment to completion, calling onProgress with each update.
func (s *PaymentService) ProcessPayment(ctx context.Context, req models.PaymentRequest, onProgress func(models.BalanceUpdate)) (*models.PaymentResult, error) {
	ps := s.Start(ctx, req)
	for u := range ps.Updates {
		if onProgress != nil {
			onProgress(u)
		}
	}
	return ps.Wait()
}

// PaymentDetails is a payment with the allocations it produced.
type PaymentDetails struct {
	Payment     models.Payment      `json:"payment"`
	Allocations []models.Allocation `json:"allocations"`
}

func (s *PaymentService) GetPayment(ctx context.Context, paymentID string) (*PaymentDetails, error) {
	p, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	allocations, err := s.store.ListAllocations(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return &PaymentDetails{Payment: *p, Allocations: allocations}, nil
}

func (s *PaymentService) process(ctx context.Context, req models.PaymentRequest, emit func(models.BalanceUpdate)) (*models.PaymentResult, error) {
	fields := logrus.Fields{"account_id": req.AccountID, "reference": req.Reference}
	if req.Strategy == "" {
		req.Strategy = models.StrategyOldestFirst
	}
	if len(req.ExplicitAllocations) > 0 {
		req.Strategy = models.StrategyManual
	}

	if reasons := s.validateRequest(req); len(reasons) > 0 {
		s.log.WithFields(fields).Warnf("[PAYMENT] Rejected: %v", reasons)
		return rejected(&ValidationError{Reasons: reasons})
	}

	release, err := s.locks.Acquire(ctx, req.AccountID)
	if err != nil {
		return rejected(err)
	}
	defer release()

	account, err := s.store.GetAccount(ctx, req.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		return rejected(fmt.Errorf("account %s: %w", req.AccountID, store.ErrNotFound))
	}
	if err != nil {
		return rejected(err)
	}
	if !account.IsActive() {
		return rejected(&ValidationError{Reasons: []string{fmt.Sprintf("account %s is %s", account.AccountID, account.Status)}})
	}

	if req.Reference != "" {
		if result, found, err := s.replayReference(ctx, req, *account); found {
			return result, err
		}
	}

	open, err := s.store.ListOpenInvoices(ctx, req.AccountID)
	if err != nil {
		return rejected(&AllocationError{AccountID: req.AccountID, Err: err})
	}
	var plan allocation.Plan
	if len(req.ExplicitAllocations) > 0 {
		plan, err = allocation.FromExplicit(open, req.Amount, req.ExplicitAllocations)
	} else {
		plan, err = allocation.Allocate(open, req.Amount, req.Strategy)
	}
	if err != nil {
		return rejected(&AllocationError{AccountID: req.AccountID, Err: err})
	}
	warnings := s.warnings(req, *account, open)

	if err := ctx.Err(); err != nil {
		return rejected(err)
	}

	now := s.now()
	payment := models.Payment{
		PaymentID:      uuid.NewString(),
		AccountID:      req.AccountID,
		Amount:         req.Amount,
		Method:         req.Method,
		Reference:      req.Reference,
		BankReference:  req.BankReference,
		Strategy:       req.Strategy,
		Notes:          req.Notes,
		Status:         models.PaymentProcessing,
		TotalAllocated: decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreatePayment(ctx, payment); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return rejected(&ValidationError{Reasons: []string{fmt.Sprintf("reference %q already used", req.Reference)}})
		}
		return rejected(err)
	}
	fields["payment_id"] = payment.PaymentID
	s.audit.LogPaymentStatus(payment)
	s.log.WithFields(fields).Infof("[PAYMENT] Received %s via %s, plan allocates %s over %d invoices",
		req.Amount, req.Method, plan.TotalAllocated, len(plan.Funded()))

	s.emit(ctx, emit, models.BalanceUpdate{
		AccountID:   req.AccountID,
		UpdateType:  models.UpdatePaymentReceived,
		Amount:      req.Amount,
		NewBalance:  account.CreditUsed,
		Timestamp:   now,
		Reference:   req.Reference,
		Description: fmt.Sprintf("payment %s received", payment.PaymentID),
	})

	// No cancellation past this point.
	actx := context.WithoutCancel(ctx)

	applied := 0
	allocated := decimal.Zero
	for _, line := range plan.Funded() {
		inv, err := s.store.ApplyInvoicePayment(actx, line.InvoiceID, line.AllocatedAmount, line.Version)
		if err != nil {
			return s.fail(actx, payment, applied, allocated, warnings, fmt.Errorf("apply to invoice %s: %w", line.InvoiceID, err))
		}
		if err := s.store.CreateAllocation(actx, models.Allocation{
			AllocationID:         uuid.NewString(),
			PaymentID:            payment.PaymentID,
			InvoiceID:            line.InvoiceID,
			AllocatedAmount:      line.AllocatedAmount,
			RemainingAmountAfter: inv.RemainingAmount(),
			CreatedAt:            s.now(),
		}); err != nil {
			applied++
			allocated = allocated.Add(line.AllocatedAmount)
			return s.fail(actx, payment, applied, allocated, warnings, fmt.Errorf("record allocation for invoice %s: %w", line.InvoiceID, err))
		}
		applied++
		allocated = allocated.Add(line.AllocatedAmount)

		s.emit(ctx, emit, models.BalanceUpdate{
			AccountID:   req.AccountID,
			UpdateType:  models.UpdatePaymentAllocated,
			Amount:      line.AllocatedAmount,
			NewBalance:  account.CreditUsed.Sub(allocated),
			Timestamp:   s.now(),
			InvoiceID:   line.InvoiceID,
			Reference:   req.Reference,
			Description: fmt.Sprintf("invoice %s now %s, remaining %s", inv.InvoiceID, inv.Status, inv.RemainingAmount()),
		})
	}

	var balance models.Balance
	if allocated.IsPositive() {
		var txn *models.LedgerTransaction
		balance, txn, err = s.ledger.ApplyDelta(actx, req.AccountID, Delta{
			Amount:      allocated.Neg(),
			Type:        models.TxPaymentApplied,
			Related:     models.RelatedIDs{PaymentID: payment.PaymentID},
			Description: fmt.Sprintf("payment %s applied to %d invoices", payment.PaymentID, applied),
		})
		if err != nil {
			return s.fail(actx, payment, applied, allocated, warnings, err)
		}
		payment.TransactionID = txn.TransactionID
	} else {
		balance = models.BalanceOf(*account)
	}

	payment.Status = models.PaymentCompleted
	payment.TotalAllocated = allocated
	payment.UpdatedAt = s.now()
	if err := s.store.UpdatePayment(actx, payment); err != nil {
		s.log.WithFields(fields).WithError(err).Error("[PAYMENT] Applied but status not persisted")
		warnings = append(warnings, "payment applied but completion status could not be recorded")
	}
	s.audit.LogPaymentStatus(payment)
	s.invalidate(actx, req.AccountID)
	s.log.WithFields(fields).Infof("[PAYMENT] Completed, %s allocated, credit used now %s", allocated, balance.CreditUsed)

	unallocated := req.Amount.Sub(allocated)
	remaining := balance.CreditUsed
	return &models.PaymentResult{
		Success:               true,
		PaymentID:             payment.PaymentID,
		TransactionID:         payment.TransactionID,
		AllocatedInvoiceCount: applied,
		TotalAllocated:        &allocated,
		UnallocatedAmount:     &unallocated,
		RemainingBalance:      &remaining,
		Warnings:              warnings,
	}, nil
}

func (s *PaymentService) validateRequest(req models.PaymentRequest) []string {
	var reasons []string
	if err := s.validator.ValidateStruct(req); err != nil {
		reasons = append(reasons, s.validator.Reasons(err)...)
	}
	if !req.Amount.IsPositive() && len(reasons) == 0 {
		reasons = append(reasons, "amount must be greater than zero")
	}
	if !req.Amount.Round(2).Equal(req.Amount) {
		reasons = append(reasons, "amount must have at most two decimal places")
	}
	for _, a := range req.ExplicitAllocations {
		if !a.Amount.Round(2).Equal(a.Amount) {
			reasons = append(reasons, fmt.Sprintf("allocation for %s must have at most two decimal places", a.InvoiceID))
		}
	}
	return reasons
}

// warnings are advisory and never block processing.
func (s *PaymentService) warnings(req models.PaymentRequest, account models.Account, open []models.Invoice) []string {
	var out []string
	if req.Amount.GreaterThan(s.opts.LargePaymentThreshold) {
		out = append(out, fmt.Sprintf("payment of %s exceeds large payment threshold %s", req.Amount, s.opts.LargePaymentThreshold))
	}
	available := account.AvailableCredit()
	if available.IsPositive() && req.Amount.GreaterThan(available.Mul(s.opts.CreditWarningRatio)) {
		out = append(out, fmt.Sprintf("payment of %s exceeds %s%% of available credit %s",
			req.Amount, s.opts.CreditWarningRatio.Shift(2).StringFixed(0), available))
	}
	outstanding := decimal.Zero
	for _, inv := range open {
		outstanding = outstanding.Add(inv.RemainingAmount())
	}
	if req.Amount.GreaterThan(outstanding) {
		out = append(out, fmt.Sprintf("payment exceeds outstanding invoices by %s, the excess stays unallocated", req.Amount.Sub(outstanding)))
	}
	return out
}

// replayReference returns the stored result for a reference already used on
// the account. found is false when the reference is new.
func (s *PaymentService) replayReference(ctx context.Context, req models.PaymentRequest, account models.Account) (*models.PaymentResult, bool, error) {
	existing, err := s.store.FindPaymentByReference(ctx, req.AccountID, req.Reference)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		result, err := rejected(err)
		return result, true, err
	}
	if existing.Status != models.PaymentCompleted {
		result, err := rejected(&ValidationError{Reasons: []string{
			fmt.Sprintf("reference %q already used by payment %s (%s)", req.Reference, existing.PaymentID, existing.Status),
		}})
		return result, true, err
	}

	allocations, err := s.store.ListAllocations(ctx, existing.PaymentID)
	if err != nil {
		result, err := rejected(err)
		return result, true, err
	}
	s.log.WithFields(logrus.Fields{"account_id": req.AccountID, "payment_id": existing.PaymentID}).
		Info("[PAYMENT] Duplicate reference, returning original result")

	total := existing.TotalAllocated
	unallocated := existing.Amount.Sub(total)
	remaining := account.CreditUsed
	return &models.PaymentResult{
		Success:               true,
		PaymentID:             existing.PaymentID,
		TransactionID:         existing.TransactionID,
		AllocatedInvoiceCount: len(allocations),
		TotalAllocated:        &total,
		UnallocatedAmount:     &unallocated,
		RemainingBalance:      &remaining,
		Warnings:              []string{"duplicate reference, no new mutations applied"},
	}, true, nil
}

// fail marks the payment failed. Invoice applications already made stand.
func (s *PaymentService) fail(ctx context.Context, payment models.Payment, applied int, allocated decimal.Decimal, warnings []string, cause error) (*models.PaymentResult, error) {
	payment.Status = models.PaymentFailed
	payment.FailureReason = cause.Error()
	payment.TotalAllocated = allocated
	payment.UpdatedAt = s.now()
	if err := s.store.UpdatePayment(ctx, payment); err != nil {
		s.log.WithField("payment_id", payment.PaymentID).WithError(err).Error("[PAYMENT] Could not mark payment failed")
	}
	s.audit.LogError(payment.PaymentID, payment.AccountID, cause)
	s.audit.LogPaymentStatus(payment)
	if applied > 0 {
		s.invalidate(ctx, payment.AccountID)
		s.log.WithFields(logrus.Fields{
			"payment_id": payment.PaymentID,
			"applied":    applied,
			"allocated":  allocated.String(),
		}).Error("[PAYMENT] Failed after partial application, needs reconciliation")
	}

	return &models.PaymentResult{
		Success:               false,
		PaymentID:             payment.PaymentID,
		AllocatedInvoiceCount: applied,
		TotalAllocated:        &allocated,
		Warnings:              warnings,
		Error:                 cause.Error(),
	}, cause
}

func (s *PaymentService) emit(ctx context.Context, emit func(models.BalanceUpdate), u models.BalanceUpdate) {
	if err := s.publisher.Publish(context.WithoutCancel(ctx), u); err != nil {
		s.log.WithField("account_id", u.AccountID).WithError(err).Warn("[PAYMENT] Update not published")
	}
	emit(u)
}

func (s *PaymentService) invalidate(ctx context.Context, accountID string) {
	if s.invalidator != nil {
		s.invalidator.Invalidate(ctx, accountID)
	}
}

func rejected(err error) (*models.PaymentResult, error) {
	return &models.PaymentResult{Success: false, Error: err.Error()}, err
}
