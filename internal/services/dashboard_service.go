package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ruralpay/creditcore/internal/models"
	"github.com/ruralpay/creditcore/internal/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

var hundred = decimal.NewFromInt(100)

type DashboardOptions struct {
	CacheTTL         time.Duration
	WarningPercent   decimal.Decimal
	CriticalPercent  decimal.Decimal
	LowCreditPercent decimal.Decimal
	UpcomingWindow   time.Duration
}

func DefaultDashboardOptions() DashboardOptions {
	return DashboardOptions{
		CacheTTL:         5 * time.Minute,
		WarningPercent:   decimal.NewFromInt(75),
		CriticalPercent:  decimal.NewFromInt(90),
		LowCreditPercent: decimal.NewFromInt(10),
		UpcomingWindow:   7 * 24 * time.Hour,
	}
}

// DashboardService derives read-only credit views. Concurrent misses for the
// same account share one computation.
type DashboardService struct {
	store store.Store
	cache DashboardCache
	log   *logrus.Logger
	opts  DashboardOptions
	now   func() time.Time

	sf singleflight.Group

	genMu sync.Mutex
	gen   map[string]uint64
}

func NewDashboardService(st store.Store, cache DashboardCache, log *logrus.Logger, opts DashboardOptions) *DashboardService {
	def := DefaultDashboardOptions()
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = def.CacheTTL
	}
	if !opts.WarningPercent.IsPositive() {
		opts.WarningPercent = def.WarningPercent
	}
	if !opts.CriticalPercent.IsPositive() {
		opts.CriticalPercent = def.CriticalPercent
	}
	if !opts.LowCreditPercent.IsPositive() {
		opts.LowCreditPercent = def.LowCreditPercent
	}
	if opts.UpcomingWindow <= 0 {
		opts.UpcomingWindow = def.UpcomingWindow
	}
	if cache == nil {
		cache = NewMemoryDashboardCache()
	}
	return &DashboardService{
		store: st,
		cache: cache,
		log:   log,
		opts:  opts,
		now:   time.Now,
		gen:   make(map[string]uint64),
	}
}

// GetDashboard serves from cache, computing on a miss. Cache errors degrade to
// a fresh computation.
func (s *DashboardService) GetDashboard(ctx context.Context, accountID string) (*models.DashboardMetrics, error) {
	cached, ok, err := s.cache.Get(ctx, accountID)
	if err != nil {
		s.log.WithField("account_id", accountID).WithError(err).Warn("[DASHBOARD] Cache read failed")
	}
	if ok {
		return cached, nil
	}

	v, err, _ := s.sf.Do(accountID, func() (any, error) {
		gen := s.generation(accountID)
		m, err := s.Compute(ctx, accountID)
		if err != nil {
			return nil, err
		}
		// skip the write if a mutation invalidated while computing
		if s.generation(accountID) == gen {
			if err := s.cache.Set(ctx, *m, s.opts.CacheTTL); err != nil {
				s.log.WithField("account_id", accountID).WithError(err).Warn("[DASHBOARD] Cache write failed")
			}
		}
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	m := *v.(*models.DashboardMetrics)
	return &m, nil
}

// Invalidate drops the cached dashboard after a mutation on the account.
func (s *DashboardService) Invalidate(ctx context.Context, accountID string) {
	s.genMu.Lock()
	s.gen[accountID]++
	s.genMu.Unlock()
	s.sf.Forget(accountID)

	if err := s.cache.Delete(context.WithoutCancel(ctx), accountID); err != nil {
		s.log.WithField("account_id", accountID).WithError(err).Warn("[DASHBOARD] Cache invalidation failed")
		return
	}
	s.log.WithField("account_id", accountID).Debug("[DASHBOARD] Invalidated")
}

// OnBalanceUpdate adapts Invalidate to the notifier's event tap.
func (s *DashboardService) OnBalanceUpdate(u models.BalanceUpdate) {
	s.Invalidate(context.Background(), u.AccountID)
}

func (s *DashboardService) generation(accountID string) uint64 {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return s.gen[accountID]
}

// Compute builds the dashboard from current ledger and invoice state.
func (s *DashboardService) Compute(ctx context.Context, accountID string) (*models.DashboardMetrics, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("account %s: %w", accountID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	invoices, err := s.store.ListInvoices(ctx, accountID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	m := &models.DashboardMetrics{
		AccountID:        accountID,
		CreditLimit:      account.CreditLimit,
		CreditUsed:       account.CreditUsed,
		AvailableCredit:  account.AvailableCredit(),
		OverLimit:        account.IsOverLimit(),
		OutstandingTotal: decimal.Zero,
		OverdueTotal:     decimal.Zero,
		UpcomingDue:      []models.DueItem{},
		Alerts:           []models.Alert{},
		GeneratedAt:      now,
	}
	m.UtilizationPercent = utilization(account.CreditLimit, account.CreditUsed)
	m.CreditStatus = s.creditStatus(m.UtilizationPercent, m.OverLimit)

	horizon := now.Add(s.opts.UpcomingWindow)
	for _, inv := range invoices {
		if !inv.IsOpen() {
			continue
		}
		remaining := inv.RemainingAmount()
		m.OpenInvoiceCount++
		m.OutstandingTotal = m.OutstandingTotal.Add(remaining)
		switch {
		case inv.IsOverdue(now):
			m.OverdueCount++
			m.OverdueTotal = m.OverdueTotal.Add(remaining)
		case !inv.DueDate.After(horizon):
			m.UpcomingDue = append(m.UpcomingDue, models.DueItem{
				InvoiceID:       inv.InvoiceID,
				DueDate:         inv.DueDate,
				RemainingAmount: remaining,
			})
		}
	}
	slices.SortFunc(m.UpcomingDue, func(a, b models.DueItem) int {
		if c := a.DueDate.Compare(b.DueDate); c != 0 {
			return c
		}
		return strings.Compare(a.InvoiceID, b.InvoiceID)
	})

	m.Alerts = s.alerts(m)
	return m, nil
}

// utilization is creditUsed/creditLimit in percent, 2dp. A zero limit with any
// usage counts as fully used.
func utilization(limit, used decimal.Decimal) decimal.Decimal {
	if !limit.IsPositive() {
		if used.IsPositive() {
			return hundred
		}
		return decimal.Zero
	}
	return used.Div(limit).Mul(hundred).Round(2)
}

func (s *DashboardService) creditStatus(util decimal.Decimal, overLimit bool) models.CreditStatus {
	switch {
	case overLimit || util.GreaterThanOrEqual(s.opts.CriticalPercent):
		return models.CreditCritical
	case util.GreaterThanOrEqual(s.opts.WarningPercent):
		return models.CreditWarning
	default:
		return models.CreditGood
	}
}

func (s *DashboardService) alerts(m *models.DashboardMetrics) []models.Alert {
	alerts := []models.Alert{}
	if m.OverLimit {
		alerts = append(alerts, models.Alert{
			Type:     models.AlertLimitExceeded,
			Severity: models.SeverityCritical,
			Message:  fmt.Sprintf("credit limit exceeded by %s", m.CreditUsed.Sub(m.CreditLimit)),
		})
	}
	if m.UtilizationPercent.GreaterThanOrEqual(s.opts.WarningPercent) {
		severity := models.SeverityWarning
		if m.UtilizationPercent.GreaterThanOrEqual(s.opts.CriticalPercent) {
			severity = models.SeverityCritical
		}
		alerts = append(alerts, models.Alert{
			Type:     models.AlertHighUtilization,
			Severity: severity,
			Message:  fmt.Sprintf("credit utilization at %s%%", m.UtilizationPercent.StringFixed(2)),
		})
	}
	lowMark := m.CreditLimit.Mul(s.opts.LowCreditPercent).Div(hundred)
	if !m.OverLimit && m.CreditLimit.IsPositive() && m.AvailableCredit.LessThan(lowMark) {
		alerts = append(alerts, models.Alert{
			Type:     models.AlertLowAvailableCredit,
			Severity: models.SeverityWarning,
			Message:  fmt.Sprintf("only %s of credit available", m.AvailableCredit),
		})
	}
	if m.OverdueCount > 0 {
		alerts = append(alerts, models.Alert{
			Type:     models.AlertOverdueInvoices,
			Severity: models.SeverityWarning,
			Message:  fmt.Sprintf("%d overdue invoices totalling %s", m.OverdueCount, m.OverdueTotal),
		})
	}
	if len(m.UpcomingDue) > 0 {
		alerts = append(alerts, models.Alert{
			Type:     models.AlertUpcomingDue,
			Severity: models.SeverityInfo,
			Message:  fmt.Sprintf("%d invoices due by %s", len(m.UpcomingDue), m.UpcomingDue[len(m.UpcomingDue)-1].DueDate.Format(time.DateOnly)),
		})
	}
	return alerts
}
