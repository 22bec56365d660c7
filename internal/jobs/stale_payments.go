// Package jobs holds scheduled maintenance work.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ruralpay/creditcore/internal/models"
	"github.com/ruralpay/creditcore/internal/store"
	"github.com/sirupsen/logrus"
)

const staleReason = "stale"

// PaymentAuditor receives status changes made by the sweeper.
type PaymentAuditor interface {
	LogPaymentStatus(p models.Payment)
}

// StalePaymentJob fails payments left pending or processing by a crashed or
// abandoned request. Allocations already recorded for them stay in place so the
// payment surfaces for reconciliation.
type StalePaymentJob struct {
	payments    store.PaymentStore
	invalidate  func(ctx context.Context, accountID string)
	audit       PaymentAuditor
	log         *logrus.Logger
	staleAfter  time.Duration
	batchSize   int
	workerCount int
	now         func() time.Time
}

type StalePaymentOptions struct {
	StaleAfter  time.Duration
	BatchSize   int
	WorkerCount int
	// Invalidate drops cached views of an account whose payment was swept.
	Invalidate func(ctx context.Context, accountID string)
	Audit      PaymentAuditor
}

func NewStalePaymentJob(payments store.PaymentStore, log *logrus.Logger, opts StalePaymentOptions) *StalePaymentJob {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 15 * time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = 4
	}
	return &StalePaymentJob{
		payments:    payments,
		invalidate:  opts.Invalidate,
		audit:       opts.Audit,
		log:         log,
		staleAfter:  opts.StaleAfter,
		batchSize:   opts.BatchSize,
		workerCount: opts.WorkerCount,
		now:         time.Now,
	}
}

// Run sweeps one batch and returns how many payments were marked failed.
func (j *StalePaymentJob) Run(ctx context.Context) (int, error) {
	cutoff := j.now().Add(-j.staleAfter)
	stale, err := j.payments.ListStalePayments(ctx, cutoff, j.batchSize)
	if err != nil {
		j.log.WithError(err).Error("[JOBS] Listing stale payments failed")
		return 0, err
	}
	if len(stale) == 0 {
		j.log.Debug("[JOBS] No stale payments")
		return 0, nil
	}
	j.log.WithField("count", len(stale)).Info("[JOBS] Sweeping stale payments")

	work := make(chan models.Payment, len(stale))
	for _, p := range stale {
		work <- p
	}
	close(work)

	var (
		mu    sync.Mutex
		swept int
		wg    sync.WaitGroup
	)
	for w := 0; w < j.workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range work {
				if err := j.fail(ctx, p); err != nil {
					j.log.WithField("payment_id", p.PaymentID).WithError(err).Warn("[JOBS] Could not sweep payment")
					continue
				}
				mu.Lock()
				swept++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return swept, nil
}

func (j *StalePaymentJob) fail(ctx context.Context, p models.Payment) error {
	p.Status = models.PaymentFailed
	p.FailureReason = staleReason
	p.UpdatedAt = j.now()
	if err := j.payments.UpdatePayment(ctx, p); err != nil {
		// finished between listing and sweeping
		if errors.Is(err, store.ErrInvalidState) {
			return nil
		}
		return err
	}
	if j.audit != nil {
		j.audit.LogPaymentStatus(p)
	}
	if j.invalidate != nil {
		j.invalidate(ctx, p.AccountID)
	}
	j.log.WithFields(logrus.Fields{"payment_id": p.PaymentID, "account_id": p.AccountID}).
		Warn("[JOBS] Stale payment marked failed, needs reconciliation")
	return nil
}

// Scheduler runs jobs on cron schedules.
type Scheduler struct {
	cron *cron.Cron
	log  *logrus.Logger
	ctx  context.Context
	stop context.CancelFunc
}

func NewScheduler(log *logrus.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{log}), cron.Recover(cronLogger{log}))),
		log:  log,
		ctx:  ctx,
		stop: cancel,
	}
}

// AddStalePaymentJob registers job under a cron schedule, e.g. "@every 5m".
func (s *Scheduler) AddStalePaymentJob(schedule string, job *StalePaymentJob) error {
	_, err := s.cron.AddFunc(schedule, func() {
		if _, err := job.Run(s.ctx); err != nil {
			s.log.WithError(err).Error("[JOBS] Stale payment sweep failed")
		}
	})
	return err
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("[JOBS] Scheduler started")
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.stop()
	<-s.cron.Stop().Done()
	s.log.Info("[JOBS] Scheduler stopped")
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	log *logrus.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.WithFields(pairs(keysAndValues)).Debug("[JOBS] " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.WithFields(pairs(keysAndValues)).WithError(err).Error("[JOBS] " + msg)
}

func pairs(kv []any) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			fields[k] = kv[i+1]
		}
	}
	return fields
}
