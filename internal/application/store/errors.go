// Package store persists loan applications and their affordability
// snapshots.
//
// Error contract:
//   - ErrNotFound when the requested entity does not exist
//   - ErrConflict when a version compare-and-set loses, or an id is reused
//   - validate callback errors are returned unchanged
//   - infrastructure failures are wrapped with context
package store

import "lendflow/pkg/platform/sentinel"

var (
	ErrNotFound = sentinel.ErrNotFound
	ErrConflict = sentinel.ErrConflict
)
