// Package events fans balance updates out to the change feed and the event bus.
package events

import (
	"context"
	"errors"

	"github.com/ruralpay/creditcore/internal/models"
	"github.com/sirupsen/logrus"
)

const channelPrefix = "ledger:events:"

// ChannelFor is the change feed channel carrying updates for one account.
func ChannelFor(accountID string) string {
	return channelPrefix + accountID
}

// Publisher is the interface used by services to publish balance updates.
type Publisher interface {
	Publish(ctx context.Context, update models.BalanceUpdate) error
}

// MultiPublisher delivers to every publisher and joins their errors.
type MultiPublisher struct {
	publishers []Publisher
	log        *logrus.Logger
}

func NewMultiPublisher(log *logrus.Logger, publishers ...Publisher) *MultiPublisher {
	var kept []Publisher
	for _, p := range publishers {
		if p != nil {
			kept = append(kept, p)
		}
	}
	return &MultiPublisher{publishers: kept, log: log}
}

func (m *MultiPublisher) Publish(ctx context.Context, update models.BalanceUpdate) error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Publish(ctx, update); err != nil {
			if m.log != nil {
				m.log.WithFields(logrus.Fields{
					"account_id":  update.AccountID,
					"update_type": update.UpdateType,
				}).WithError(err).Warn("[EVENTS] Publish failed")
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards updates.
type Nop struct{}

func (Nop) Publish(context.Context, models.BalanceUpdate) error { return nil }
