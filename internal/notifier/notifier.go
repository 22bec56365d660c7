// Package notifier keeps one live change feed subscription per account and
// delivers its balance updates in commit order.
package notifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ruralpay/creditcore/internal/models"
	"github.com/sirupsen/logrus"
)

type Options struct {
	HeartbeatInterval time.Duration
	Backoff           BackoffPolicy
	// OnEvent observes every delivered update before onUpdate runs.
	OnEvent func(models.BalanceUpdate)
	Logger  *logrus.Logger
}

// Handle identifies one subscription. A handle superseded by a later
// Subscribe for the same account is inert.
type Handle struct {
	AccountID string
	id        uint64
}

// Notifier is a registry of subscriptions owned by its creator. Callbacks run
// on the subscription's goroutine and must not call Subscribe for the same
// account synchronously.
type Notifier struct {
	feed Feed
	opts Options
	log  *logrus.Logger

	mu     sync.Mutex
	subs   map[string]*subscription
	nextID uint64
	closed bool
}

type subscription struct {
	id        uint64
	accountID string
	onUpdate  func(models.BalanceUpdate)
	onError   func(error)
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(feed Feed, opts Options) *Notifier {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Backoff.BaseDelay <= 0 {
		opts.Backoff.BaseDelay = DefaultBaseDelay
	}
	if opts.Backoff.MaxAttempts <= 0 {
		opts.Backoff.MaxAttempts = DefaultMaxAttempts
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Notifier{
		feed: feed,
		opts: opts,
		log:  log,
		subs: make(map[string]*subscription),
	}
}

// Subscribe opens the account's feed. An existing subscription for the
// account is torn down first; it has stopped delivering when Subscribe returns.
func (n *Notifier) Subscribe(accountID string, onUpdate func(models.BalanceUpdate), onError func(error)) (Handle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		accountID: accountID,
		onUpdate:  onUpdate,
		onError:   onError,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		cancel()
		return Handle{}, ErrNotifierClosed
	}
	n.nextID++
	sub.id = n.nextID
	old := n.subs[accountID]
	n.subs[accountID] = sub
	n.mu.Unlock()

	if old != nil {
		old.stop()
		n.log.WithField("account_id", accountID).Debug("[NOTIFIER] Replaced existing subscription")
	}

	go n.run(ctx, sub)
	return Handle{AccountID: accountID, id: sub.id}, nil
}

// Unsubscribe stops the subscription and waits for its goroutine to exit.
func (n *Notifier) Unsubscribe(h Handle) {
	n.mu.Lock()
	sub, ok := n.subs[h.AccountID]
	if !ok || sub.id != h.id {
		n.mu.Unlock()
		return
	}
	delete(n.subs, h.AccountID)
	n.mu.Unlock()

	sub.stop()
}

// CloseAll stops every subscription. Later Subscribe calls fail.
func (n *Notifier) CloseAll() {
	n.mu.Lock()
	n.closed = true
	subs := n.subs
	n.subs = make(map[string]*subscription)
	n.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

// Active reports whether accountID has a live subscription.
func (n *Notifier) Active(accountID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.subs[accountID]
	return ok
}

func (s *subscription) stop() {
	s.cancel()
	<-s.done
}

func (n *Notifier) release(sub *subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.subs[sub.accountID]; ok && cur.id == sub.id {
		delete(n.subs, sub.accountID)
	}
}

func (n *Notifier) run(ctx context.Context, sub *subscription) {
	defer close(sub.done)
	fields := logrus.Fields{"account_id": sub.accountID}

	attempt := 0
	for {
		stream, err := n.feed.Open(ctx, sub.accountID)
		if err == nil {
			n.log.WithFields(fields).Debug("[NOTIFIER] Stream open")
			err = n.consume(ctx, sub, stream, &attempt)
			stream.Close()
		}
		if ctx.Err() != nil {
			return
		}

		if n.opts.Backoff.Exhausted(attempt) {
			n.release(sub)
			n.log.WithFields(fields).WithError(err).Error("[NOTIFIER] Reconnect attempts exhausted")
			if sub.onError != nil {
				sub.onError(&NotificationError{AccountID: sub.accountID, Attempts: attempt, Err: err})
			}
			return
		}

		delay := n.opts.Backoff.Delay(attempt)
		attempt++
		n.log.WithFields(fields).WithError(err).Warnf("[NOTIFIER] Connection lost, reconnect %d in %s", attempt, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// consume reads the stream until it fails. A healthy frame resets *attempt.
func (n *Notifier) consume(ctx context.Context, sub *subscription, stream Stream, attempt *int) error {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan Frame)
	errs := make(chan error, 1)
	go func() {
		for {
			f, err := stream.Receive(rctx)
			if err != nil {
				errs <- err
				return
			}
			select {
			case frames <- f:
			case <-rctx.Done():
				return
			}
		}
	}()

	interval := n.opts.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(2 * interval)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-errs:
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return ctx.Err()
			}
			return err

		case f := <-frames:
			*attempt = 0
			if !deadline.Stop() {
				select {
				case <-deadline.C:
				default:
				}
			}
			deadline.Reset(2 * interval)

			if f.Update == nil {
				continue
			}
			if f.Update.AccountID != "" && f.Update.AccountID != sub.accountID {
				continue
			}
			if n.opts.OnEvent != nil {
				n.opts.OnEvent(*f.Update)
			}
			if sub.onUpdate != nil {
				sub.onUpdate(*f.Update)
			}

		case <-ticker.C:
			if err := stream.Ping(ctx); err != nil {
				return err
			}

		case <-deadline.C:
			return ErrHeartbeatTimeout
		}
	}
}
