// Package domain holds identity primitives shared by every lending module.
//
// IDs are distinct named types over uuid.UUID so an ApplicationID can never be
// passed where a ContractID is expected. Parse functions are the only trust
// boundary: they reject empty, malformed and nil UUIDs.
package domain

import (
	"github.com/google/uuid"

	dErrors "lendflow/pkg/domain-errors"
)

type (
	ApplicationID  uuid.UUID
	SnapshotID     uuid.UUID
	ContractID     uuid.UUID
	PinID          uuid.UUID
	SignatureID    uuid.UUID
	DisbursementID uuid.UUID
)

func NewApplicationID() ApplicationID   { return ApplicationID(uuid.New()) }
func NewSnapshotID() SnapshotID         { return SnapshotID(uuid.New()) }
func NewContractID() ContractID         { return ContractID(uuid.New()) }
func NewPinID() PinID                   { return PinID(uuid.New()) }
func NewSignatureID() SignatureID       { return SignatureID(uuid.New()) }
func NewDisbursementID() DisbursementID { return DisbursementID(uuid.New()) }

func (id ApplicationID) String() string  { return uuid.UUID(id).String() }
func (id SnapshotID) String() string     { return uuid.UUID(id).String() }
func (id ContractID) String() string     { return uuid.UUID(id).String() }
func (id PinID) String() string          { return uuid.UUID(id).String() }
func (id SignatureID) String() string    { return uuid.UUID(id).String() }
func (id DisbursementID) String() string { return uuid.UUID(id).String() }

func (id ApplicationID) IsNil() bool  { return uuid.UUID(id) == uuid.Nil }
func (id SnapshotID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id ContractID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id PinID) IsNil() bool          { return uuid.UUID(id) == uuid.Nil }
func (id SignatureID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id DisbursementID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

func ParseApplicationID(s string) (ApplicationID, error) {
	u, err := parseUUID(s, "application_id")
	return ApplicationID(u), err
}

func ParseSnapshotID(s string) (SnapshotID, error) {
	u, err := parseUUID(s, "snapshot_id")
	return SnapshotID(u), err
}

func ParseContractID(s string) (ContractID, error) {
	u, err := parseUUID(s, "contract_id")
	return ContractID(u), err
}

func ParsePinID(s string) (PinID, error) {
	u, err := parseUUID(s, "pin_id")
	return PinID(u), err
}

func ParseSignatureID(s string) (SignatureID, error) {
	u, err := parseUUID(s, "signature_id")
	return SignatureID(u), err
}

func ParseDisbursementID(s string) (DisbursementID, error) {
	u, err := parseUUID(s, "disbursement_id")
	return DisbursementID(u), err
}

func parseUUID(s, field string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, field+" is required")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "invalid "+field)
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, field+" cannot be nil")
	}
	return u, nil
}

// Text marshalling keeps ids as canonical UUID strings in JSON payloads and
// JSONB columns.

func (id ApplicationID) MarshalText() ([]byte, error)  { return uuid.UUID(id).MarshalText() }
func (id SnapshotID) MarshalText() ([]byte, error)     { return uuid.UUID(id).MarshalText() }
func (id ContractID) MarshalText() ([]byte, error)     { return uuid.UUID(id).MarshalText() }
func (id PinID) MarshalText() ([]byte, error)          { return uuid.UUID(id).MarshalText() }
func (id SignatureID) MarshalText() ([]byte, error)    { return uuid.UUID(id).MarshalText() }
func (id DisbursementID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

func (id *ApplicationID) UnmarshalText(b []byte) error  { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *SnapshotID) UnmarshalText(b []byte) error     { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *ContractID) UnmarshalText(b []byte) error     { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *PinID) UnmarshalText(b []byte) error          { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *SignatureID) UnmarshalText(b []byte) error    { return (*uuid.UUID)(id).UnmarshalText(b) }
func (id *DisbursementID) UnmarshalText(b []byte) error { return (*uuid.UUID)(id).UnmarshalText(b) }
