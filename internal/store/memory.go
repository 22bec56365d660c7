package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/ruralpay/creditcore/internal/models"
	"github.com/shopspring/decimal"
)

// MemoryStore keeps everything in process. Balance updates are serialized per
// account, so different accounts never wait on each other.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[string]models.Account
	invoices     map[string]models.Invoice
	payments     map[string]models.Payment
	allocations  map[string][]models.Allocation
	transactions map[string][]models.LedgerTransaction
	applied      map[string]models.LedgerTransaction // payment_applied by payment id

	lockMu       sync.Mutex
	accountLocks map[string]*sync.Mutex

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]models.Account),
		invoices:     make(map[string]models.Invoice),
		payments:     make(map[string]models.Payment),
		allocations:  make(map[string][]models.Allocation),
		transactions: make(map[string][]models.LedgerTransaction),
		applied:      make(map[string]models.LedgerTransaction),
		accountLocks: make(map[string]*sync.Mutex),
		now:          time.Now,
	}
}

func (s *MemoryStore) lockAccount(accountID string) func() {
	s.lockMu.Lock()
	l, ok := s.accountLocks[accountID]
	if !ok {
		l = &sync.Mutex{}
		s.accountLocks[accountID] = l
	}
	s.lockMu.Unlock()

	l.Lock()
	return l.Unlock
}

func (s *MemoryStore) CreateAccount(ctx context.Context, account models.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[account.AccountID]; ok {
		return ErrAlreadyExists
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = s.now()
	}
	account.UpdatedAt = account.CreatedAt
	s.accounts[account.AccountID] = account
	return nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (s *MemoryStore) UpdateAccountStatus(ctx context.Context, accountID string, status models.AccountStatus) error {
	return s.mutateAccount(ctx, accountID, func(a *models.Account) {
		a.Status = status
	})
}

func (s *MemoryStore) SetCreditLimit(ctx context.Context, accountID string, limit decimal.Decimal) error {
	return s.mutateAccount(ctx, accountID, func(a *models.Account) {
		a.CreditLimit = limit
	})
}

func (s *MemoryStore) mutateAccount(ctx context.Context, accountID string, fn func(*models.Account)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.lockAccount(accountID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return ErrNotFound
	}
	fn(&a)
	a.UpdatedAt = s.now()
	s.accounts[accountID] = a
	return nil
}

func (s *MemoryStore) UpdateBalance(ctx context.Context, accountID string, fn BalanceFunc) (*models.Account, *models.LedgerTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	unlock := s.lockAccount(accountID)
	defer unlock()

	s.mu.RLock()
	account, ok := s.accounts[accountID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrNotFound
	}

	txn, err := fn(account)
	if err != nil {
		return nil, nil, err
	}
	if txn == nil {
		return &account, nil, nil
	}
	if !txn.PreviousBalance.Equal(account.CreditUsed) {
		return nil, nil, ErrVersionConflict
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.accounts[accountID]
	if current.Version != account.Version {
		return nil, nil, ErrVersionConflict
	}
	if txn.TransactionType == models.TxPaymentApplied && txn.RelatedPaymentID != "" {
		if _, dup := s.applied[txn.RelatedPaymentID]; dup {
			return nil, nil, ErrDuplicateTransaction
		}
		s.applied[txn.RelatedPaymentID] = *txn
	}

	current.CreditUsed = txn.NewBalance
	current.Version++
	current.UpdatedAt = txn.CreatedAt
	s.accounts[accountID] = current
	s.transactions[accountID] = append(s.transactions[accountID], *txn)

	stored := *txn
	return &current, &stored, nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context, accountID string) ([]models.LedgerTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.accounts[accountID]; !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(s.transactions[accountID]), nil
}

func (s *MemoryStore) FindPaymentTransaction(ctx context.Context, paymentID string) (*models.LedgerTransaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	txn, ok := s.applied[paymentID]
	if !ok {
		return nil, ErrNotFound
	}
	return &txn, nil
}

func (s *MemoryStore) CreateInvoice(ctx context.Context, invoice models.Invoice) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[invoice.AccountID]; !ok {
		return ErrNotFound
	}
	if _, ok := s.invoices[invoice.InvoiceID]; ok {
		return ErrAlreadyExists
	}
	if invoice.CreatedAt.IsZero() {
		invoice.CreatedAt = s.now()
	}
	invoice.UpdatedAt = invoice.CreatedAt
	s.invoices[invoice.InvoiceID] = invoice
	return nil
}

func (s *MemoryStore) GetInvoice(ctx context.Context, invoiceID string) (*models.Invoice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoices[invoiceID]
	if !ok {
		return nil, ErrNotFound
	}
	return &inv, nil
}

func (s *MemoryStore) ListInvoices(ctx context.Context, accountID string) ([]models.Invoice, error) {
	return s.listInvoices(ctx, accountID, func(models.Invoice) bool { return true })
}

func (s *MemoryStore) ListOpenInvoices(ctx context.Context, accountID string) ([]models.Invoice, error) {
	return s.listInvoices(ctx, accountID, models.Invoice.IsOpen)
}

func (s *MemoryStore) listInvoices(ctx context.Context, accountID string, keep func(models.Invoice) bool) ([]models.Invoice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []models.Invoice
	for _, inv := range s.invoices {
		if inv.AccountID == accountID && keep(inv) {
			result = append(result, inv)
		}
	}
	slices.SortFunc(result, func(a, b models.Invoice) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.InvoiceID < b.InvoiceID {
			return -1
		}
		if a.InvoiceID > b.InvoiceID {
			return 1
		}
		return 0
	})
	return result, nil
}

func (s *MemoryStore) ApplyInvoicePayment(ctx context.Context, invoiceID string, amount decimal.Decimal, expectedVersion int) (*models.Invoice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[invoiceID]
	if !ok {
		return nil, ErrNotFound
	}
	if inv.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	if !inv.IsOpen() {
		return nil, ErrInvalidState
	}
	paid := inv.PaidAmount.Add(amount)
	if !amount.IsPositive() || paid.GreaterThan(inv.TotalAmount) {
		return nil, ErrInvalidState
	}

	inv.PaidAmount = paid
	inv.Status = models.StatusAfterPayment(inv.Status, inv.TotalAmount, paid)
	inv.Version++
	inv.UpdatedAt = s.now()
	s.invoices[invoiceID] = inv
	return &inv, nil
}

func (s *MemoryStore) CreatePayment(ctx context.Context, payment models.Payment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[payment.PaymentID]; ok {
		return ErrAlreadyExists
	}
	if payment.Reference != "" {
		for _, p := range s.payments {
			if p.AccountID == payment.AccountID && p.Reference == payment.Reference {
				return ErrAlreadyExists
			}
		}
	}
	s.payments[payment.PaymentID] = payment
	return nil
}

func (s *MemoryStore) GetPayment(ctx context.Context, paymentID string) (*models.Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[paymentID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *MemoryStore) FindPaymentByReference(ctx context.Context, accountID, reference string) (*models.Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.payments {
		if p.AccountID == accountID && p.Reference == reference {
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpdatePayment(ctx context.Context, payment models.Payment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.payments[payment.PaymentID]
	if !ok {
		return ErrNotFound
	}
	if current.Status.Terminal() {
		return ErrInvalidState
	}
	current.Status = payment.Status
	current.FailureReason = payment.FailureReason
	current.TotalAllocated = payment.TotalAllocated
	current.TransactionID = payment.TransactionID
	current.UpdatedAt = payment.UpdatedAt
	s.payments[payment.PaymentID] = current
	return nil
}

func (s *MemoryStore) ListStalePayments(ctx context.Context, olderThan time.Time, limit int) ([]models.Payment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []models.Payment
	for _, p := range s.payments {
		if !p.Status.Terminal() && p.CreatedAt.Before(olderThan) {
			result = append(result, p)
		}
	}
	slices.SortFunc(result, func(a, b models.Payment) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) CreateAllocation(ctx context.Context, allocation models.Allocation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[allocation.PaymentID]; !ok {
		return ErrNotFound
	}
	s.allocations[allocation.PaymentID] = append(s.allocations[allocation.PaymentID], allocation)
	return nil
}

func (s *MemoryStore) ListAllocations(ctx context.Context, paymentID string) ([]models.Allocation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.allocations[paymentID]), nil
}
