package notifier

import "time"

const (
	DefaultBaseDelay         = time.Second
	DefaultMaxAttempts       = 5
	DefaultHeartbeatInterval = 30 * time.Second
)

// BackoffPolicy spaces reconnect attempts. attempt counts failed connections
// since the last healthy frame, starting at 0.
type BackoffPolicy struct {
	BaseDelay   time.Duration
	MaxAttempts int
}

func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{BaseDelay: DefaultBaseDelay, MaxAttempts: DefaultMaxAttempts}
}

// Delay is the wait before reconnect number attempt+1.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return p.BaseDelay * time.Duration(attempt+1)
}

// Exhausted reports whether no reconnect may follow attempt failures.
func (p BackoffPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}
