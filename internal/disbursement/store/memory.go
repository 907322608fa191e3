package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"lendflow/internal/disbursement/models"
	id "lendflow/pkg/domain"
)

type InMemory struct {
	mu      sync.RWMutex
	records map[id.DisbursementID]*models.Disbursement
}

func NewInMemory() *InMemory {
	return &InMemory{records: make(map[id.DisbursementID]*models.Disbursement)}
}

// Create adds a pending attempt. The attempt number and reference must be
// unique per contract, and nothing may be added once a payment is confirmed.
func (s *InMemory) Create(_ context.Context, d *models.Disbursement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.records {
		if existing.ContractID != d.ContractID {
			continue
		}
		switch {
		case existing.Attempt == d.Attempt || existing.Reference == d.Reference:
			return fmt.Errorf("attempt %d for contract %s already exists: %w", d.Attempt, d.ContractID, ErrConflict)
		case existing.Status == models.StatusConfirmed:
			return fmt.Errorf("contract %s is already paid out: %w", d.ContractID, ErrConflict)
		}
	}
	s.records[d.ID] = d.Clone()
	return nil
}

func (s *InMemory) Update(_ context.Context, d *models.Disbursement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[d.ID]; !ok {
		return fmt.Errorf("disbursement %s: %w", d.ID, ErrNotFound)
	}
	if d.Status == models.StatusConfirmed {
		for _, other := range s.records {
			if other.ID != d.ID && other.ContractID == d.ContractID && other.Status == models.StatusConfirmed {
				return fmt.Errorf("contract %s is already paid out: %w", d.ContractID, ErrConflict)
			}
		}
	}
	s.records[d.ID] = d.Clone()
	return nil
}

func (s *InMemory) ListByApplication(_ context.Context, appID id.ApplicationID) ([]*models.Disbursement, error) {
	return s.list(func(d *models.Disbursement) bool { return d.ApplicationID == appID }), nil
}

func (s *InMemory) ListByContract(_ context.Context, contractID id.ContractID) ([]*models.Disbursement, error) {
	return s.list(func(d *models.Disbursement) bool { return d.ContractID == contractID }), nil
}

func (s *InMemory) list(match func(*models.Disbursement) bool) []*models.Disbursement {
	s.mu.RLock()
	out := make([]*models.Disbursement, 0)
	for _, d := range s.records {
		if match(d) {
			out = append(out, d.Clone())
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b *models.Disbursement) int { return a.Attempt - b.Attempt })
	return out
}
