package notifier

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ruralpay/creditcore/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func fastOptions() Options {
	return Options{
		HeartbeatInterval: 50 * time.Millisecond,
		Backoff:           BackoffPolicy{BaseDelay: time.Millisecond, MaxAttempts: 5},
		Logger:            quietLogger(),
	}
}

// countingFeed wraps a Feed and counts Open calls.
type countingFeed struct {
	inner Feed
	opens atomic.Int32
}

func (f *countingFeed) Open(ctx context.Context, accountID string) (Stream, error) {
	f.opens.Add(1)
	return f.inner.Open(ctx, accountID)
}

type failingFeed struct {
	opens atomic.Int32
}

func (f *failingFeed) Open(context.Context, string) (Stream, error) {
	f.opens.Add(1)
	return nil, errors.New("connection refused")
}

// silentStream never yields frames and ignores pings.
type silentStream struct{}

func (silentStream) Receive(ctx context.Context) (Frame, error) {
	<-ctx.Done()
	return Frame{}, ctx.Err()
}
func (silentStream) Ping(context.Context) error { return nil }
func (silentStream) Close() error               { return nil }

type silentFeed struct {
	opens atomic.Int32
}

func (f *silentFeed) Open(context.Context, string) (Stream, error) {
	f.opens.Add(1)
	return silentStream{}, nil
}

type collector struct {
	mu      sync.Mutex
	updates []models.BalanceUpdate
	errs    []error
}

func (c *collector) onUpdate(u models.BalanceUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, u)
}

func (c *collector) onError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *collector) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.updates), len(c.errs)
}

func update(accountID string, n int64) models.BalanceUpdate {
	return models.BalanceUpdate{
		AccountID:  accountID,
		UpdateType: models.UpdatePaymentAllocated,
		Amount:     decimal.NewFromInt(n),
		NewBalance: decimal.NewFromInt(1000 - n),
		Timestamp:  time.Now(),
	}
}

func TestBackoffPolicy(t *testing.T) {
	p := BackoffPolicy{BaseDelay: 100 * time.Millisecond, MaxAttempts: 5}
	tests := []struct {
		attempt   int
		delay     time.Duration
		exhausted bool
	}{
		{0, 100 * time.Millisecond, false},
		{1, 200 * time.Millisecond, false},
		{4, 500 * time.Millisecond, false},
		{5, 600 * time.Millisecond, true},
		{-1, 100 * time.Millisecond, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.delay, p.Delay(tt.attempt), "delay(%d)", tt.attempt)
		assert.Equal(t, tt.exhausted, p.Exhausted(tt.attempt), "exhausted(%d)", tt.attempt)
	}
}

func TestNotifier_DeliversInOrder(t *testing.T) {
	feed := NewMemoryFeed()
	n := New(feed, fastOptions())
	defer n.CloseAll()

	c := &collector{}
	_, err := n.Subscribe("acct-1", c.onUpdate, c.onError)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return feed.Streams("acct-1") == 1 }, time.Second, time.Millisecond)

	for i := int64(1); i <= 100; i++ {
		require.NoError(t, feed.Publish(context.Background(), update("acct-1", i)))
	}
	// other accounts never reach this subscription
	require.NoError(t, feed.Publish(context.Background(), update("acct-2", 1)))

	require.Eventually(t, func() bool { got, _ := c.counts(); return got == 100 }, time.Second, time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, u := range c.updates {
		assert.True(t, u.Amount.Equal(decimal.NewFromInt(int64(i+1))), "update %d out of order", i)
		assert.Equal(t, "acct-1", u.AccountID)
	}
}

func TestNotifier_OnErrorFiresOnceAfterMaxAttempts(t *testing.T) {
	feed := &failingFeed{}
	n := New(feed, fastOptions())
	defer n.CloseAll()

	c := &collector{}
	_, err := n.Subscribe("acct-1", c.onUpdate, c.onError)
	require.NoError(t, err)

	require.Eventually(t, func() bool { _, errs := c.counts(); return errs == 1 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	_, errs := c.counts()
	assert.Equal(t, 1, errs)
	// initial open plus MaxAttempts reconnects
	assert.Equal(t, int32(6), feed.opens.Load())
	assert.False(t, n.Active("acct-1"))

	c.mu.Lock()
	var nerr *NotificationError
	require.ErrorAs(t, c.errs[0], &nerr)
	assert.ErrorIs(t, c.errs[0], ErrReconnectExhausted)
	assert.Equal(t, 5, nerr.Attempts)
	c.mu.Unlock()
}

func TestNotifier_ReconnectsAfterConnectionLoss(t *testing.T) {
	mem := NewMemoryFeed()
	feed := &countingFeed{inner: mem}
	n := New(feed, fastOptions())
	defer n.CloseAll()

	c := &collector{}
	_, err := n.Subscribe("acct-1", c.onUpdate, c.onError)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return mem.Streams("acct-1") == 1 }, time.Second, time.Millisecond)

	mem.Disconnect("acct-1")
	require.Eventually(t, func() bool { return feed.opens.Load() == 2 && mem.Streams("acct-1") == 1 }, time.Second, time.Millisecond)

	require.NoError(t, mem.Publish(context.Background(), update("acct-1", 7)))
	require.Eventually(t, func() bool { got, _ := c.counts(); return got == 1 }, time.Second, time.Millisecond)
	_, errs := c.counts()
	assert.Zero(t, errs)
}

func TestNotifier_ResubscribeTearsDownPrevious(t *testing.T) {
	feed := NewMemoryFeed()
	n := New(feed, fastOptions())
	defer n.CloseAll()

	first := &collector{}
	h1, err := n.Subscribe("acct-1", first.onUpdate, first.onError)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return feed.Streams("acct-1") == 1 }, time.Second, time.Millisecond)

	second := &collector{}
	_, err = n.Subscribe("acct-1", second.onUpdate, second.onError)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return feed.Streams("acct-1") == 1 }, time.Second, time.Millisecond)

	require.NoError(t, feed.Publish(context.Background(), update("acct-1", 1)))
	require.Eventually(t, func() bool { got, _ := second.counts(); return got == 1 }, time.Second, time.Millisecond)

	got, _ := first.counts()
	assert.Zero(t, got)

	// stale handle is inert
	n.Unsubscribe(h1)
	assert.True(t, n.Active("acct-1"))
}

func TestNotifier_HeartbeatDetectsSilentConnection(t *testing.T) {
	feed := &silentFeed{}
	opts := fastOptions()
	opts.HeartbeatInterval = 5 * time.Millisecond
	n := New(feed, opts)
	defer n.CloseAll()

	c := &collector{}
	_, err := n.Subscribe("acct-1", c.onUpdate, c.onError)
	require.NoError(t, err)

	require.Eventually(t, func() bool { _, errs := c.counts(); return errs == 1 }, 2*time.Second, time.Millisecond)
	c.mu.Lock()
	assert.ErrorIs(t, c.errs[0], ErrHeartbeatTimeout)
	c.mu.Unlock()
	assert.Equal(t, int32(6), feed.opens.Load())
}

func TestNotifier_HeartbeatKeepsHealthyConnection(t *testing.T) {
	mem := NewMemoryFeed()
	feed := &countingFeed{inner: mem}
	opts := fastOptions()
	opts.HeartbeatInterval = 10 * time.Millisecond
	n := New(feed, opts)
	defer n.CloseAll()

	c := &collector{}
	_, err := n.Subscribe("acct-1", c.onUpdate, c.onError)
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), feed.opens.Load())
	_, errs := c.counts()
	assert.Zero(t, errs)
}

func TestNotifier_OnEventTap(t *testing.T) {
	feed := NewMemoryFeed()
	var tapped atomic.Int32
	opts := fastOptions()
	opts.OnEvent = func(models.BalanceUpdate) { tapped.Add(1) }
	n := New(feed, opts)
	defer n.CloseAll()

	_, err := n.Subscribe("acct-1", nil, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return feed.Streams("acct-1") == 1 }, time.Second, time.Millisecond)

	require.NoError(t, feed.Publish(context.Background(), update("acct-1", 1)))
	require.Eventually(t, func() bool { return tapped.Load() == 1 }, time.Second, time.Millisecond)
}

func TestNotifier_Lifecycle(t *testing.T) {
	feed := NewMemoryFeed()
	n := New(feed, fastOptions())

	h, err := n.Subscribe("acct-1", nil, nil)
	require.NoError(t, err)
	_, err = n.Subscribe("acct-2", nil, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return feed.Streams("acct-1") == 1 && feed.Streams("acct-2") == 1 }, time.Second, time.Millisecond)

	n.Unsubscribe(h)
	assert.False(t, n.Active("acct-1"))
	assert.Zero(t, feed.Streams("acct-1"))

	n.CloseAll()
	assert.False(t, n.Active("acct-2"))
	assert.Zero(t, feed.Streams("acct-2"))

	_, err = n.Subscribe("acct-3", nil, nil)
	assert.ErrorIs(t, err, ErrNotifierClosed)
}
