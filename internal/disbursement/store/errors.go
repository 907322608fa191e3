// Package store keeps the disbursement ledger: every payment attempt made
// for a signed contract.
package store

import "lendflow/pkg/platform/sentinel"

var (
	ErrNotFound = sentinel.ErrNotFound
	ErrConflict = sentinel.ErrConflict
)
