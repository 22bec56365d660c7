package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ruralpay/creditcore/internal/events"
	"github.com/ruralpay/creditcore/internal/models"
	"github.com/ruralpay/creditcore/internal/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// OpenAccountRequest onboards a paying entity
type OpenAccountRequest struct {
	AccountID   string          `json:"accountId" validate:"required,max=64"`
	CreditLimit decimal.Decimal `json:"creditLimit" validate:"gte=0"`
}

// ChargeRequest bills an order to an account as a new invoice
type ChargeRequest struct {
	OrderReference string          `json:"orderReference" validate:"max=128"`
	Amount         decimal.Decimal `json:"amount" validate:"gt=0"`
	DueDate        time.Time       `json:"dueDate" validate:"required"`
}

// AdjustmentRequest is an operator balance correction
type AdjustmentRequest struct {
	Amount      decimal.Decimal        `json:"amount"`
	Type        models.TransactionType `json:"type" validate:"required,oneof=adjustment credit_increase credit_decrease refund"`
	Description string                 `json:"description" validate:"required,max=500"`
}

// ChargeResult is the invoice created by a charge and the ledger row behind it.
type ChargeResult struct {
	Invoice     models.Invoice           `json:"invoice"`
	Transaction models.LedgerTransaction `json:"transaction"`
	Balance     models.Balance           `json:"balance"`
}

type AdjustmentResult struct {
	Transaction models.LedgerTransaction `json:"transaction"`
	Balance     models.Balance           `json:"balance"`
}

// AccountService owns onboarding, order charges and manual adjustments. Every
// balance change goes through the BalanceLedger.
type AccountService struct {
	store       store.Store
	ledger      *BalanceLedger
	publisher   events.Publisher
	invalidator DashboardInvalidator
	validator   *ValidationHelper
	audit       *AuditLogger
	log         *logrus.Logger
	now         func() time.Time
}

func NewAccountService(st store.Store, ledger *BalanceLedger, publisher events.Publisher, invalidator DashboardInvalidator, log *logrus.Logger) *AccountService {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &AccountService{
		store:       st,
		ledger:      ledger,
		publisher:   publisher,
		invalidator: invalidator,
		validator:   NewValidationHelper(),
		audit:       NewAuditLogger(log),
		log:         log,
		now:         time.Now,
	}
}

func (s *AccountService) OpenAccount(ctx context.Context, req OpenAccountRequest) (*models.Account, error) {
	if err := s.validator.ValidateStruct(req); err != nil {
		return nil, &ValidationError{Reasons: s.validator.Reasons(err)}
	}
	if req.CreditLimit.IsNegative() {
		return nil, &ValidationError{Reasons: []string{"credit limit must not be negative"}}
	}

	now := s.now()
	account := models.Account{
		AccountID:   req.AccountID,
		CreditLimit: req.CreditLimit,
		CreditUsed:  decimal.Zero,
		Status:      models.AccountStatusActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, &ValidationError{Reasons: []string{fmt.Sprintf("account %s already exists", req.AccountID)}}
		}
		return nil, err
	}

	s.audit.LogOperation(account.AccountID, "ACCOUNT_OPENED", "credit limit "+req.CreditLimit.String())
	s.log.WithField("account_id", account.AccountID).Info("[ACCOUNT] Opened")
	return &account, nil
}

func (s *AccountService) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("account %s: %w", accountID, store.ErrNotFound)
	}
	return account, err
}

// Suspend is the soft close. Accounts are never deleted.
func (s *AccountService) Suspend(ctx context.Context, accountID string) error {
	return s.setStatus(ctx, accountID, models.AccountStatusSuspended)
}

func (s *AccountService) Reactivate(ctx context.Context, accountID string) error {
	return s.setStatus(ctx, accountID, models.AccountStatusActive)
}

func (s *AccountService) setStatus(ctx context.Context, accountID string, status models.AccountStatus) error {
	if err := s.store.UpdateAccountStatus(ctx, accountID, status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("account %s: %w", accountID, store.ErrNotFound)
		}
		return err
	}
	s.audit.LogOperation(accountID, "ACCOUNT_STATUS", string(status))
	s.invalidate(ctx, accountID)
	return nil
}

// SetCreditLimit changes the limit only. credit_used is untouched, so no
// ledger row is written.
func (s *AccountService) SetCreditLimit(ctx context.Context, accountID string, limit decimal.Decimal) error {
	if limit.IsNegative() {
		return &ValidationError{Reasons: []string{"credit limit must not be negative"}}
	}
	if err := s.store.SetCreditLimit(ctx, accountID, limit); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("account %s: %w", accountID, store.ErrNotFound)
		}
		return err
	}
	s.audit.LogOperation(accountID, "CREDIT_LIMIT", limit.String())
	s.invalidate(ctx, accountID)
	return nil
}

// ChargeOrder creates an outstanding invoice and raises credit_used by its
// amount. Over-limit charges are accepted and flagged on the balance.
func (s *AccountService) ChargeOrder(ctx context.Context, accountID string, req ChargeRequest) (*ChargeResult, error) {
	var reasons []string
	if err := s.validator.ValidateStruct(req); err != nil {
		reasons = s.validator.Reasons(err)
	}
	if !req.Amount.Round(2).Equal(req.Amount) {
		reasons = append(reasons, "amount must have at most two decimal places")
	}
	if len(reasons) > 0 {
		return nil, &ValidationError{Reasons: reasons}
	}

	account, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.IsActive() {
		return nil, &ValidationError{Reasons: []string{fmt.Sprintf("account %s is %s", accountID, account.Status)}}
	}

	now := s.now()
	invoice := models.Invoice{
		InvoiceID:   uuid.NewString(),
		AccountID:   accountID,
		TotalAmount: req.Amount,
		PaidAmount:  decimal.Zero,
		Status:      models.InvoiceOutstanding,
		Reference:   req.OrderReference,
		CreatedAt:   now,
		DueDate:     req.DueDate,
		UpdatedAt:   now,
	}
	if err := s.store.CreateInvoice(ctx, invoice); err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}

	balance, txn, err := s.ledger.ApplyDelta(ctx, accountID, Delta{
		Amount:      req.Amount,
		Type:        models.TxOrderCharge,
		Related:     models.RelatedIDs{InvoiceID: invoice.InvoiceID},
		Description: "order " + req.OrderReference,
	})
	if err != nil {
		s.audit.LogError("", accountID, fmt.Errorf("invoice %s created but charge not applied: %w", invoice.InvoiceID, err))
		return nil, err
	}
	if balance.OverLimit {
		s.log.WithFields(logrus.Fields{
			"account_id":  accountID,
			"credit_used": balance.CreditUsed.String(),
			"limit":       balance.CreditLimit.String(),
		}).Warn("[ACCOUNT] Charge took account over limit")
	}

	s.broadcast(ctx, models.BalanceUpdate{
		AccountID:     accountID,
		UpdateType:    models.UpdateInvoiceCreated,
		Amount:        req.Amount,
		NewBalance:    balance.CreditUsed,
		Timestamp:     txn.CreatedAt,
		TransactionID: txn.TransactionID,
		InvoiceID:     invoice.InvoiceID,
		Reference:     req.OrderReference,
		Description:   fmt.Sprintf("invoice %s due %s", invoice.InvoiceID, req.DueDate.Format(time.DateOnly)),
	})
	return &ChargeResult{Invoice: invoice, Transaction: *txn, Balance: balance}, nil
}

// AdjustCredit applies an operator correction to credit_used.
func (s *AccountService) AdjustCredit(ctx context.Context, accountID string, req AdjustmentRequest) (*AdjustmentResult, error) {
	var reasons []string
	if err := s.validator.ValidateStruct(req); err != nil {
		reasons = s.validator.Reasons(err)
	}
	if req.Amount.IsZero() {
		reasons = append(reasons, "amount must not be zero")
	}
	if len(reasons) > 0 {
		return nil, &ValidationError{Reasons: reasons}
	}

	balance, txn, err := s.ledger.ApplyDelta(ctx, accountID, Delta{
		Amount:      req.Amount,
		Type:        req.Type,
		Description: req.Description,
	})
	if errors.Is(err, ErrInvalidDelta) {
		return nil, &ValidationError{Reasons: []string{err.Error()}}
	}
	if err != nil {
		return nil, err
	}

	s.broadcast(ctx, models.BalanceUpdate{
		AccountID:     accountID,
		UpdateType:    models.UpdateCreditAdjustment,
		Amount:        req.Amount,
		NewBalance:    balance.CreditUsed,
		Timestamp:     txn.CreatedAt,
		TransactionID: txn.TransactionID,
		Description:   req.Description,
	})
	return &AdjustmentResult{Transaction: *txn, Balance: balance}, nil
}

func (s *AccountService) ListInvoices(ctx context.Context, accountID string) ([]models.Invoice, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.ListInvoices(ctx, accountID)
}

func (s *AccountService) broadcast(ctx context.Context, u models.BalanceUpdate) {
	if err := s.publisher.Publish(context.WithoutCancel(ctx), u); err != nil {
		s.log.WithField("account_id", u.AccountID).WithError(err).Warn("[ACCOUNT] Update not published")
	}
	s.invalidate(ctx, u.AccountID)
}

func (s *AccountService) invalidate(ctx context.Context, accountID string) {
	if s.invalidator != nil {
		s.invalidator.Invalidate(ctx, accountID)
	}
}
