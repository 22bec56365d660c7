package services

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/ruralpay/creditcore/internal/models"
	"github.com/ruralpay/creditcore/internal/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type MockLedgerStore struct {
	mock.Mock
}

func (m *MockLedgerStore) UpdateBalance(ctx context.Context, accountID string, fn store.BalanceFunc) (*models.Account, *models.LedgerTransaction, error) {
	args := m.Called(ctx, accountID, fn)
	var account *models.Account
	if a := args.Get(0); a != nil {
		account = a.(*models.Account)
	}
	var txn *models.LedgerTransaction
	if t := args.Get(1); t != nil {
		txn = t.(*models.LedgerTransaction)
	}
	return account, txn, args.Error(2)
}

func (m *MockLedgerStore) ListTransactions(ctx context.Context, accountID string) ([]models.LedgerTransaction, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.LedgerTransaction), args.Error(1)
}

func (m *MockLedgerStore) FindPaymentTransaction(ctx context.Context, paymentID string) (*models.LedgerTransaction, error) {
	args := m.Called(ctx, paymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.LedgerTransaction), args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, update models.BalanceUpdate) error {
	args := m.Called(ctx, update)
	return args.Error(0)
}

// recordingPublisher keeps every update it receives.
type recordingPublisher struct {
	mu      sync.Mutex
	updates []models.BalanceUpdate
}

func (p *recordingPublisher) Publish(_ context.Context, update models.BalanceUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, update)
	return nil
}

func (p *recordingPublisher) Updates() []models.BalanceUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.BalanceUpdate(nil), p.updates...)
}

// recordingInvalidator counts dashboard invalidations per account.
type recordingInvalidator struct {
	mu    sync.Mutex
	calls map[string]int
}

func (r *recordingInvalidator) Invalidate(_ context.Context, accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	r.calls[accountID]++
}

func (r *recordingInvalidator) Count(accountID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[accountID]
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
