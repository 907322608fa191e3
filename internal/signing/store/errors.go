// Package store persists contracts, signing PINs and signature records.
//
// Both implementations enforce the same rules: one active contract per
// application, one open PIN per contract, one signature per contract, and a
// version compare-and-set on every contract update.
package store

import "lendflow/pkg/platform/sentinel"

var (
	ErrNotFound = sentinel.ErrNotFound
	ErrConflict = sentinel.ErrConflict
)
