package service

import (
	"context"

	"lendflow/internal/disbursement/models"
	id "lendflow/pkg/domain"
)

// Ledger answers questions about recorded payment attempts. It takes no
// lock; callers that need a stable answer hold the application lock.
type Ledger struct {
	store Store
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// PaymentStarted reports whether the application has a pending or confirmed
// attempt. Failed attempts moved no money.
func (l *Ledger) PaymentStarted(ctx context.Context, appID id.ApplicationID) (bool, error) {
	records, err := l.store.ListByApplication(ctx, appID)
	if err != nil {
		return false, wrapStoreErr(err, "list disbursements")
	}
	for _, d := range records {
		if d.Status == models.StatusPending || d.Status == models.StatusConfirmed {
			return true, nil
		}
	}
	return false, nil
}
