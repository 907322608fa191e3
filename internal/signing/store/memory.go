package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"lendflow/internal/signing/models"
	id "lendflow/pkg/domain"
)

// InMemory keeps signing state in maps guarded by one mutex, so the writes of
// ReplacePin and RecordSignature are atomic.
type InMemory struct {
	mu         sync.RWMutex
	contracts  map[id.ContractID]*models.Contract
	pins       map[id.PinID]*models.SigningPin
	signatures map[id.ContractID]*models.SignatureRecord
}

func NewInMemory() *InMemory {
	return &InMemory{
		contracts:  make(map[id.ContractID]*models.Contract),
		pins:       make(map[id.PinID]*models.SigningPin),
		signatures: make(map[id.ContractID]*models.SignatureRecord),
	}
}

func (s *InMemory) CreateContract(_ context.Context, c *models.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.contracts[c.ID]; exists {
		return fmt.Errorf("contract %s already exists: %w", c.ID, ErrConflict)
	}
	for _, existing := range s.contracts {
		if existing.ApplicationID == c.ApplicationID && existing.State.IsActive() {
			return fmt.Errorf("application %s already has contract %s: %w", c.ApplicationID, existing.ID, ErrConflict)
		}
	}
	c.Version = 1
	s.contracts[c.ID] = c.Clone()
	return nil
}

func (s *InMemory) FindContract(_ context.Context, contractID id.ContractID) (*models.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contracts[contractID]
	if !ok {
		return nil, fmt.Errorf("contract %s: %w", contractID, ErrNotFound)
	}
	return c.Clone(), nil
}

func (s *InMemory) FindActiveByApplication(_ context.Context, appID id.ApplicationID) (*models.Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.contracts {
		if c.ApplicationID == appID && c.State.IsActive() {
			return c.Clone(), nil
		}
	}
	return nil, fmt.Errorf("active contract for application %s: %w", appID, ErrNotFound)
}

func (s *InMemory) ListByApplication(_ context.Context, appID id.ApplicationID) ([]*models.Contract, error) {
	return s.listContracts(func(c *models.Contract) bool { return c.ApplicationID == appID }, 0), nil
}

// ListDue returns open contracts whose window closed at or before now.
func (s *InMemory) ListDue(_ context.Context, now time.Time, limit int) ([]*models.Contract, error) {
	return s.listContracts(func(c *models.Contract) bool { return c.IsDue(now) }, limit), nil
}

func (s *InMemory) listContracts(match func(*models.Contract) bool, limit int) []*models.Contract {
	s.mu.RLock()
	out := make([]*models.Contract, 0)
	for _, c := range s.contracts {
		if match(c) {
			out = append(out, c.Clone())
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *models.Contract) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// UpdateContract commits c if its version still matches the stored one and
// bumps c.Version.
func (s *InMemory) UpdateContract(_ context.Context, c *models.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateContractLocked(c)
}

func (s *InMemory) updateContractLocked(c *models.Contract) error {
	current, ok := s.contracts[c.ID]
	if !ok {
		return fmt.Errorf("contract %s: %w", c.ID, ErrNotFound)
	}
	if current.Version != c.Version {
		return fmt.Errorf("contract %s changed concurrently: %w", c.ID, ErrConflict)
	}
	c.Version++
	s.contracts[c.ID] = c.Clone()
	return nil
}

// ReplacePin invalidates any open PIN of the contract as superseded and stores
// pin. It returns how many PINs were superseded.
func (s *InMemory) ReplacePin(_ context.Context, pin *models.SigningPin) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pins[pin.ID]; exists {
		return 0, fmt.Errorf("pin %s already exists: %w", pin.ID, ErrConflict)
	}
	superseded := s.invalidateLocked(pin.ContractID, models.InvalidatedSuperseded, pin.IssuedAt)
	s.pins[pin.ID] = pin.Clone()
	return superseded, nil
}

func (s *InMemory) FindOpenPin(_ context.Context, contractID id.ContractID) (*models.SigningPin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.pins {
		if p.ContractID == contractID && p.IsOpen() {
			return p.Clone(), nil
		}
	}
	return nil, fmt.Errorf("open pin for contract %s: %w", contractID, ErrNotFound)
}

func (s *InMemory) UpdatePin(_ context.Context, pin *models.SigningPin) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatePinLocked(pin)
}

func (s *InMemory) updatePinLocked(pin *models.SigningPin) error {
	current, ok := s.pins[pin.ID]
	if !ok {
		return fmt.Errorf("pin %s: %w", pin.ID, ErrNotFound)
	}
	updated := pin.Clone()
	// Dispatch outcome is written separately and may land after the caller loaded the PIN.
	updated.DispatchStatus = current.DispatchStatus
	updated.DispatchError = current.DispatchError
	s.pins[pin.ID] = updated
	return nil
}

// RecordDispatch stores the delivery outcome without touching attempts or
// invalidation, since dispatch runs outside the application lock.
func (s *InMemory) RecordDispatch(_ context.Context, pinID id.PinID, status models.DispatchStatus, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pins[pinID]
	if !ok {
		return fmt.Errorf("pin %s: %w", pinID, ErrNotFound)
	}
	p.DispatchStatus = status
	p.DispatchError = detail
	return nil
}

func (s *InMemory) InvalidateOpenPins(_ context.Context, contractID id.ContractID, reason models.InvalidationReason, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidateLocked(contractID, reason, at), nil
}

func (s *InMemory) invalidateLocked(contractID id.ContractID, reason models.InvalidationReason, at time.Time) int {
	n := 0
	for _, p := range s.pins {
		if p.ContractID == contractID && p.IsOpen() {
			p.Invalidate(reason, at)
			n++
		}
	}
	return n
}

func (s *InMemory) ListPins(_ context.Context, contractID id.ContractID) ([]*models.SigningPin, error) {
	s.mu.RLock()
	out := make([]*models.SigningPin, 0)
	for _, p := range s.pins {
		if p.ContractID == contractID {
			out = append(out, p.Clone())
		}
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b *models.SigningPin) int { return a.IssuedAt.Compare(b.IssuedAt) })
	return out, nil
}

// RecordSignature commits the signed contract, the consumed PIN and the
// signature record together, or none of them.
func (s *InMemory) RecordSignature(_ context.Context, c *models.Contract, pin *models.SigningPin, rec *models.SignatureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.signatures[rec.ContractID]; exists {
		return fmt.Errorf("contract %s already signed: %w", rec.ContractID, ErrConflict)
	}
	current, ok := s.pins[pin.ID]
	if !ok {
		return fmt.Errorf("pin %s: %w", pin.ID, ErrNotFound)
	}
	if !current.IsOpen() {
		return fmt.Errorf("pin %s is no longer open: %w", pin.ID, ErrConflict)
	}
	if err := s.updateContractLocked(c); err != nil {
		return err
	}
	if err := s.updatePinLocked(pin); err != nil {
		return err
	}
	copied := *rec
	s.signatures[rec.ContractID] = &copied
	return nil
}

func (s *InMemory) FindSignature(_ context.Context, contractID id.ContractID) (*models.SignatureRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.signatures[contractID]
	if !ok {
		return nil, fmt.Errorf("signature for contract %s: %w", contractID, ErrNotFound)
	}
	copied := *rec
	return &copied, nil
}
