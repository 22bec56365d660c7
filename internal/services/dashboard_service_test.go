package services

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/ruralpay/creditcore/internal/models"
	"github.com/ruralpay/creditcore/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var dashNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// countingStore counts account reads so tests can see recomputation.
type countingStore struct {
	*store.MemoryStore
	reads atomic.Int32
	gate  chan struct{}
}

func (s *countingStore) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	s.reads.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	return s.MemoryStore.GetAccount(ctx, accountID)
}

func seedDashboardAccount(t *testing.T, limit, used int64, invoices ...models.Invoice) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateAccount(ctx, models.Account{
		AccountID: "acct-1", CreditLimit: dec(limit), Status: models.AccountStatusActive,
	}))
	if used != 0 {
		ledger := NewBalanceLedger(st, quietLogger(), nil, 3)
		_, _, err := ledger.ApplyDelta(ctx, "acct-1", Delta{Amount: dec(used), Type: models.TxOrderCharge})
		require.NoError(t, err)
	}
	for _, inv := range invoices {
		require.NoError(t, st.CreateInvoice(ctx, inv))
	}
	return st
}

func newDashboard(st store.Store, cache DashboardCache) *DashboardService {
	s := NewDashboardService(st, cache, quietLogger(), DefaultDashboardOptions())
	s.now = fixedClock(dashNow)
	return s
}

func alertTypes(m *models.DashboardMetrics) []models.AlertType {
	var out []models.AlertType
	for _, a := range m.Alerts {
		out = append(out, a.Type)
	}
	return out
}

func TestDashboardService_Compute(t *testing.T) {
	ctx := context.Background()

	t.Run("credit status thresholds", func(t *testing.T) {
		tests := []struct {
			used   int64
			status models.CreditStatus
			util   string
		}{
			{0, models.CreditGood, "0"},
			{74990, models.CreditGood, "74.99"},
			{75000, models.CreditWarning, "75"},
			{89000, models.CreditWarning, "89"},
			{90000, models.CreditCritical, "90"},
			{120000, models.CreditCritical, "120"},
		}
		for _, tt := range tests {
			st := seedDashboardAccount(t, 100000, tt.used)
			m, err := newDashboard(st, nil).Compute(ctx, "acct-1")
			require.NoError(t, err)
			assert.Equal(t, tt.util, m.UtilizationPercent.String(), "used %d", tt.used)
			assert.Equal(t, tt.status, m.CreditStatus, "used %d", tt.used)
		}
	})

	t.Run("over limit is critical and flagged", func(t *testing.T) {
		st := seedDashboardAccount(t, 1000, 1500)
		m, err := newDashboard(st, nil).Compute(ctx, "acct-1")
		require.NoError(t, err)
		assert.True(t, m.OverLimit)
		assert.True(t, m.AvailableCredit.Equal(dec(-500)))
		assert.Equal(t, models.CreditCritical, m.CreditStatus)
		assert.Contains(t, alertTypes(m), models.AlertLimitExceeded)
		assert.NotContains(t, alertTypes(m), models.AlertLowAvailableCredit)
	})

	t.Run("invoice buckets", func(t *testing.T) {
		st := seedDashboardAccount(t, 100000, 50000,
			models.Invoice{InvoiceID: "inv-late", AccountID: "acct-1", TotalAmount: dec(10000), Status: models.InvoiceOutstanding,
				CreatedAt: dashNow.AddDate(0, -2, 0), DueDate: dashNow.AddDate(0, 0, -3)},
			models.Invoice{InvoiceID: "inv-flagged", AccountID: "acct-1", TotalAmount: dec(5000), PaidAmount: dec(1000), Status: models.InvoiceOverdue,
				CreatedAt: dashNow.AddDate(0, -1, 0), DueDate: dashNow.AddDate(0, 0, 1)},
			models.Invoice{InvoiceID: "inv-soon-2", AccountID: "acct-1", TotalAmount: dec(7000), Status: models.InvoiceOutstanding,
				CreatedAt: dashNow.AddDate(0, 0, -10), DueDate: dashNow.AddDate(0, 0, 5)},
			models.Invoice{InvoiceID: "inv-soon-1", AccountID: "acct-1", TotalAmount: dec(8000), PaidAmount: dec(3000), Status: models.InvoicePartialPaid,
				CreatedAt: dashNow.AddDate(0, 0, -9), DueDate: dashNow.AddDate(0, 0, 2)},
			models.Invoice{InvoiceID: "inv-later", AccountID: "acct-1", TotalAmount: dec(9000), Status: models.InvoiceOutstanding,
				CreatedAt: dashNow, DueDate: dashNow.AddDate(0, 1, 0)},
			models.Invoice{InvoiceID: "inv-paid", AccountID: "acct-1", TotalAmount: dec(4000), PaidAmount: dec(4000), Status: models.InvoicePaid,
				CreatedAt: dashNow.AddDate(0, -3, 0), DueDate: dashNow.AddDate(0, 0, -30)},
		)
		m, err := newDashboard(st, nil).Compute(ctx, "acct-1")
		require.NoError(t, err)

		assert.Equal(t, 5, m.OpenInvoiceCount)
		assert.True(t, m.OutstandingTotal.Equal(dec(10000+4000+7000+5000+9000)))
		assert.Equal(t, 2, m.OverdueCount)
		assert.True(t, m.OverdueTotal.Equal(dec(14000)))
		require.Len(t, m.UpcomingDue, 2)
		assert.Equal(t, "inv-soon-1", m.UpcomingDue[0].InvoiceID)
		assert.True(t, m.UpcomingDue[0].RemainingAmount.Equal(dec(5000)))
		assert.Equal(t, "inv-soon-2", m.UpcomingDue[1].InvoiceID)
		assert.Contains(t, alertTypes(m), models.AlertOverdueInvoices)
		assert.Contains(t, alertTypes(m), models.AlertUpcomingDue)
	})

	t.Run("low available credit", func(t *testing.T) {
		st := seedDashboardAccount(t, 100000, 95000)
		m, err := newDashboard(st, nil).Compute(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, []models.AlertType{models.AlertHighUtilization, models.AlertLowAvailableCredit}, alertTypes(m))
		assert.Equal(t, models.SeverityCritical, m.Alerts[0].Severity)
	})

	t.Run("zero limit", func(t *testing.T) {
		st := seedDashboardAccount(t, 0, 0)
		m, err := newDashboard(st, nil).Compute(ctx, "acct-1")
		require.NoError(t, err)
		assert.True(t, m.UtilizationPercent.IsZero())
		assert.Equal(t, models.CreditGood, m.CreditStatus)
		assert.Empty(t, m.Alerts)
	})

	t.Run("unknown account", func(t *testing.T) {
		_, err := newDashboard(store.NewMemoryStore(), nil).Compute(ctx, "nope")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestDashboardService_CacheAndInvalidate(t *testing.T) {
	ctx := context.Background()
	st := &countingStore{MemoryStore: seedDashboardAccount(t, 100000, 20000)}
	svc := newDashboard(st, NewMemoryDashboardCache())

	first, err := svc.GetDashboard(ctx, "acct-1")
	require.NoError(t, err)
	_, err = svc.GetDashboard(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), st.reads.Load())
	assert.Equal(t, "20", first.UtilizationPercent.String())

	ledger := NewBalanceLedger(st.MemoryStore, quietLogger(), nil, 3)
	_, _, err = ledger.ApplyDelta(ctx, "acct-1", Delta{Amount: dec(60000), Type: models.TxOrderCharge})
	require.NoError(t, err)

	stale, err := svc.GetDashboard(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "20", stale.UtilizationPercent.String())

	svc.OnBalanceUpdate(models.BalanceUpdate{AccountID: "acct-1"})
	fresh, err := svc.GetDashboard(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "80", fresh.UtilizationPercent.String())
	assert.Equal(t, models.CreditWarning, fresh.CreditStatus)
	assert.Equal(t, int32(2), st.reads.Load())
}

func TestDashboardService_CollapsesConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	st := &countingStore{MemoryStore: seedDashboardAccount(t, 100000, 20000), gate: make(chan struct{})}
	svc := newDashboard(st, NewMemoryDashboardCache())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := svc.GetDashboard(ctx, "acct-1")
			assert.NoError(t, err)
			assert.Equal(t, "acct-1", m.AccountID)
		}()
	}
	require.Eventually(t, func() bool { return st.reads.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(st.gate)
	wg.Wait()

	assert.Equal(t, int32(1), st.reads.Load())
}

func TestMemoryDashboardCache_Expiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryDashboardCache()
	now := dashNow
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, models.DashboardMetrics{AccountID: "acct-1"}, time.Minute))
	_, ok, err := c.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(time.Minute)
	_, ok, err = c.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisDashboardCache(t *testing.T) {
	ctx := context.Background()
	db, mock := redismock.NewClientMock()
	c := NewRedisDashboardCache(db)

	m := models.DashboardMetrics{
		AccountID:          "acct-1",
		CreditLimit:        dec(100000),
		CreditUsed:         dec(35000),
		AvailableCredit:    dec(65000),
		UtilizationPercent: dec(35),
		CreditStatus:       models.CreditGood,
		GeneratedAt:        dashNow,
	}
	payload, err := json.Marshal(m)
	require.NoError(t, err)

	t.Run("set", func(t *testing.T) {
		mock.ExpectSet("dashboard:acct-1", payload, 5*time.Minute).SetVal("OK")
		require.NoError(t, c.Set(ctx, m, 5*time.Minute))
	})

	t.Run("hit", func(t *testing.T) {
		mock.ExpectGet("dashboard:acct-1").SetVal(string(payload))
		got, ok, err := c.Get(ctx, "acct-1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, got.CreditUsed.Equal(dec(35000)))
		assert.Equal(t, models.CreditGood, got.CreditStatus)
	})

	t.Run("miss", func(t *testing.T) {
		mock.ExpectGet("dashboard:acct-2").RedisNil()
		_, ok, err := c.Get(ctx, "acct-2")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("delete", func(t *testing.T) {
		mock.ExpectDel("dashboard:acct-1").SetVal(1)
		require.NoError(t, c.Delete(ctx, "acct-1"))
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}
