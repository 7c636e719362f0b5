package entitlement

import (
	"context"

	"github.com/nutritrack/commercekit/internal/storekit"
	"github.com/nutritrack/commercekit/internal/telemetry"
)

// StartListener begins consuming the platform transaction stream. Renewals
// and restorations trigger a local-only reconcile (the platform
// confirmation is already authoritative, so the remote authority is not
// consulted) and emit the matching telemetry classification. Starting
// twice is a no-op (the store client guards the underlying stream).
// The listener runs until ctx is cancelled at process teardown.
func (e *Engine) StartListener(ctx context.Context) {
	e.store.ObserveTransactions(ctx, func(tx storekit.Transaction) {
		e.onTransaction(ctx, tx)
	})
}

func (e *Engine) onTransaction(ctx context.Context, tx storekit.Transaction) {
	var name telemetry.EventType
	switch {
	case tx.IsRenewal():
		name = telemetry.EventSubscriptionRenewed
	case tx.IsRestoration():
		name = telemetry.EventSubscriptionRestored
	default:
		return
	}

	if _, err := e.Reconcile(ctx, false); err != nil {
		e.log.WithError(err).WithField("transaction_id", tx.TransactionID).
			Warn("reconcile after transaction failed")
	}

	e.events.Log(telemetry.Event{
		Name: name,
		Info: map[string]string{"product": tx.ProductID},
	})
}
