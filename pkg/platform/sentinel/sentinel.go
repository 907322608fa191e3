package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and collaborator adapters
// return these (optionally wrapped) and services translate them into domain
// errors:
// - ErrNotFound: entity does not exist in store
// - ErrConflict: version compare-and-set lost, or a uniqueness rule was hit
// - ErrExpired: lock lease or time-bounded record has lapsed
// - ErrAlreadyUsed: one-shot record (signing PIN) already consumed
// - ErrInvalidState: entity in wrong state for requested operation
// - ErrUnavailable: collaborator or backing service unreachable or circuit open
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrExpired      = errors.New("expired")
	ErrAlreadyUsed  = errors.New("already used")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
