package notifier

import (
	"context"
	"sync"

	"github.com/ruralpay/creditcore/internal/models"
)

const memoryStreamBuffer = 256

// MemoryFeed is an in-process change feed. It is also an events.Publisher, so
// a single process can run without redis.
type MemoryFeed struct {
	mu      sync.Mutex
	streams map[string]map[*memoryStream]struct{}
}

func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{streams: make(map[string]map[*memoryStream]struct{})}
}

func (f *MemoryFeed) Open(ctx context.Context, accountID string) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &memoryStream{
		feed:      f,
		accountID: accountID,
		frames:    make(chan Frame, memoryStreamBuffer),
		closed:    make(chan struct{}),
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.streams[accountID] == nil {
		f.streams[accountID] = make(map[*memoryStream]struct{})
	}
	f.streams[accountID][s] = struct{}{}
	return s, nil
}

// Publish hands update to every open stream of the account. A stream whose
// buffer is full is dropped, and its reader reconnects.
func (f *MemoryFeed) Publish(_ context.Context, update models.BalanceUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.streams[update.AccountID] {
		u := update
		select {
		case s.frames <- Frame{Update: &u}:
		default:
			s.closeLocked()
		}
	}
	return nil
}

// Disconnect drops every open stream of the account.
func (f *MemoryFeed) Disconnect(accountID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for s := range f.streams[accountID] {
		s.closeLocked()
	}
}

// Streams counts open streams for the account.
func (f *MemoryFeed) Streams(accountID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams[accountID])
}

type memoryStream struct {
	feed      *MemoryFeed
	accountID string
	frames    chan Frame
	closed    chan struct{}
	once      sync.Once
}

func (s *memoryStream) Receive(ctx context.Context) (Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.closed:
		return Frame{}, ErrStreamClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (s *memoryStream) Ping(ctx context.Context) error {
	select {
	case <-s.closed:
		return ErrStreamClosed
	default:
	}
	select {
	case s.frames <- Frame{}:
	default:
		// buffer already holds frames that will prove liveness
	}
	return nil
}

func (s *memoryStream) Close() error {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	s.closeLocked()
	return nil
}

// closeLocked requires feed.mu.
func (s *memoryStream) closeLocked() {
	s.once.Do(func() {
		close(s.closed)
		delete(s.feed.streams[s.accountID], s)
		if len(s.feed.streams[s.accountID]) == 0 {
			delete(s.feed.streams, s.accountID)
		}
	})
}
