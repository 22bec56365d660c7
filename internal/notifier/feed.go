package notifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/ruralpay/creditcore/internal/models"
)

var (
	ErrReconnectExhausted = errors.New("change feed reconnect attempts exhausted")
	ErrHeartbeatTimeout   = errors.New("no frame received within heartbeat window")
	ErrStreamClosed       = errors.New("change feed stream closed")
	ErrNotifierClosed     = errors.New("notifier closed")
)

// Frame is one message read off a change feed. A nil Update is a heartbeat
// reply or control message, which still proves the connection is alive.
type Frame struct {
	Update *models.BalanceUpdate
}

// Stream is one live connection to the change feed of a single account.
type Stream interface {
	Receive(ctx context.Context) (Frame, error)
	Ping(ctx context.Context) error
	Close() error
}

// Feed opens per-account streams.
type Feed interface {
	Open(ctx context.Context, accountID string) (Stream, error)
}

// NotificationError is handed to onError once the reconnect budget is spent.
type NotificationError struct {
	AccountID string
	Attempts  int
	Err       error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("account %s: change feed lost after %d reconnect attempts: %v", e.AccountID, e.Attempts, e.Err)
}

func (e *NotificationError) Unwrap() []error {
	return []error{ErrReconnectExhausted, e.Err}
}
