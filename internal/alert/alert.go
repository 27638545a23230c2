// Package alert publishes low-stock notifications. Delivery is best-effort:
// a failed publish is logged and never fails the sale that triggered it.
package alert

import (
	"context"

	"retailpos/internal/domain"
)

type Notifier interface {
	Publish(ctx context.Context, alert domain.StockAlert) error
	Close() error
}

// Noop is used when REDIS_ADDR is not configured.
type Noop struct{}

func (Noop) Publish(ctx context.Context, alert domain.StockAlert) error { return nil }
func (Noop) Close() error                                               { return nil }
