// Package notify publishes payment status transitions to downstream systems.
package notify

import (
	"context"

	"token-payment-reconciler/internal/domain"
)

// Nop discards every status change. Used when no broker is configured.
type Nop struct{}

// PublishStatusChange implements reconciliation.Publisher.
func (Nop) PublishStatusChange(context.Context, domain.PaymentStatusChange) error { return nil }
