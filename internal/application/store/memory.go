package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"lendflow/internal/affordability"
	"lendflow/internal/application/models"
	id "lendflow/pkg/domain"
)

// InMemory stores applications in memory for tests and local runs.
// Execute runs its callbacks outside the store mutex and commits with a
// version compare-and-set, the same contract as the Postgres store.
type InMemory struct {
	mu           sync.RWMutex
	applications map[id.ApplicationID]*models.Application
	snapshots    map[id.SnapshotID]*affordability.Snapshot
}

func NewInMemory() *InMemory {
	return &InMemory{
		applications: make(map[id.ApplicationID]*models.Application),
		snapshots:    make(map[id.SnapshotID]*affordability.Snapshot),
	}
}

func (s *InMemory) Create(_ context.Context, app *models.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.applications[app.ID]; exists {
		return fmt.Errorf("application %s already exists: %w", app.ID, ErrConflict)
	}
	app.Version = 1
	s.applications[app.ID] = app.Clone()
	return nil
}

func (s *InMemory) FindByID(_ context.Context, appID id.ApplicationID) (*models.Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	app, ok := s.applications[appID]
	if !ok {
		return nil, fmt.Errorf("application %s: %w", appID, ErrNotFound)
	}
	return app.Clone(), nil
}

// ListByState returns applications in any of states, oldest first. An empty
// states slice matches every application.
func (s *InMemory) ListByState(_ context.Context, states []models.State, limit int) ([]*models.Application, error) {
	return s.list(func(a *models.Application) bool {
		return len(states) == 0 || slices.Contains(states, a.State)
	}, limit), nil
}

// ListIdleSince returns applications in states whose last change is before cutoff.
func (s *InMemory) ListIdleSince(_ context.Context, states []models.State, cutoff time.Time, limit int) ([]*models.Application, error) {
	return s.list(func(a *models.Application) bool {
		return slices.Contains(states, a.State) && a.UpdatedAt.Before(cutoff)
	}, limit), nil
}

func (s *InMemory) list(match func(*models.Application) bool, limit int) []*models.Application {
	s.mu.RLock()
	out := make([]*models.Application, 0)
	for _, app := range s.applications {
		if match(app) {
			out = append(out, app.Clone())
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *models.Application) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Execute loads the application, runs validate then mutate on a copy and
// commits it if nobody else committed in between.
func (s *InMemory) Execute(ctx context.Context, appID id.ApplicationID, validate func(*models.Application) error, mutate func(*models.Application)) (*models.Application, error) {
	app, err := s.FindByID(ctx, appID)
	if err != nil {
		return nil, err
	}
	if err := validate(app); err != nil {
		return nil, err
	}
	mutate(app)

	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.applications[appID]
	if current.Version != app.Version {
		return nil, fmt.Errorf("application %s changed concurrently: %w", appID, ErrConflict)
	}
	app.Version++
	s.applications[appID] = app.Clone()
	return app, nil
}

func (s *InMemory) SaveSnapshot(_ context.Context, snap *affordability.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.snapshots[snap.ID]; exists {
		return fmt.Errorf("snapshot %s already exists: %w", snap.ID, ErrConflict)
	}
	copied := *snap
	s.snapshots[snap.ID] = &copied
	return nil
}

func (s *InMemory) FindSnapshot(_ context.Context, snapshotID id.SnapshotID) (*affordability.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[snapshotID]
	if !ok {
		return nil, fmt.Errorf("snapshot %s: %w", snapshotID, ErrNotFound)
	}
	copied := *snap
	return &copied, nil
}

func (s *InMemory) ListSnapshots(_ context.Context, appID id.ApplicationID) ([]*affordability.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*affordability.Snapshot
	for _, snap := range s.snapshots {
		if snap.ApplicationID == appID {
			copied := *snap
			out = append(out, &copied)
		}
	}
	slices.SortFunc(out, func(a, b *affordability.Snapshot) int {
		return a.AssessedAt.Compare(b.AssessedAt)
	})
	return out, nil
}
