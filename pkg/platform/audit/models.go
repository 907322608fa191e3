package audit

import (
	"context"
	"time"

	id "lendflow/pkg/domain"
)

// EventCategory classifies audit events by their primary purpose.
type EventCategory string

const (
	// CategoryCompliance covers lifecycle facts with regulatory significance:
	// transitions, overrides, signatures, disbursements.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers signing-credential activity that feeds fraud
	// monitoring: PIN mismatches, lockouts, dispatch failures.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine activity: sweeps, reads of schedules.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture a fact about an entity.
// Failures carry the domain error code in ErrorKind.
type Event struct {
	Category      EventCategory
	Timestamp     time.Time
	ApplicationID id.ApplicationID
	EntityType    string
	EntityID      string
	Action        string
	FromState     string
	ToState       string
	ErrorKind     string
	Reason        string
	RequestID     string
	ActorID       string
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListByApplication(ctx context.Context, applicationID id.ApplicationID) ([]Event, error)
}

type AuditEvent string

const (
	// Application lifecycle
	EventApplicationSubmitted AuditEvent = "application_submitted"
	EventApplicationTransited AuditEvent = "application_transitioned"
	EventApplicationOverride  AuditEvent = "affordability_overridden"
	EventAssessmentRecorded   AuditEvent = "affordability_assessed"
	EventVerificationFailed   AuditEvent = "verification_failed"
	EventTransitionRejected   AuditEvent = "transition_rejected"

	// Contract and signing
	EventContractDrafted    AuditEvent = "contract_drafted"
	EventContractSent       AuditEvent = "contract_sent"
	EventContractSigned     AuditEvent = "contract_signed"
	EventContractExpired    AuditEvent = "contract_expired"
	EventContractCancelled  AuditEvent = "contract_cancelled"
	EventPinIssued          AuditEvent = "signing_pin_issued"
	EventPinDispatchFailed  AuditEvent = "signing_pin_dispatch_failed"
	EventPinMismatch        AuditEvent = "signing_pin_mismatch"
	EventPinExpired         AuditEvent = "signing_pin_expired"
	EventPinAttemptsBlocked AuditEvent = "signing_pin_attempts_exceeded"

	// Disbursement
	EventDisbursementRequested AuditEvent = "disbursement_requested"
	EventDisbursementConfirmed AuditEvent = "disbursement_confirmed"
	EventDisbursementFailed    AuditEvent = "disbursement_failed"

	// Background
	EventSweepReconciled AuditEvent = "sweep_reconciled"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventApplicationSubmitted:  CategoryCompliance,
	EventApplicationTransited:  CategoryCompliance,
	EventApplicationOverride:   CategoryCompliance,
	EventAssessmentRecorded:    CategoryCompliance,
	EventVerificationFailed:    CategoryCompliance,
	EventContractDrafted:       CategoryCompliance,
	EventContractSent:          CategoryCompliance,
	EventContractSigned:        CategoryCompliance,
	EventContractExpired:       CategoryCompliance,
	EventContractCancelled:     CategoryCompliance,
	EventDisbursementRequested: CategoryCompliance,
	EventDisbursementConfirmed: CategoryCompliance,
	EventDisbursementFailed:    CategoryCompliance,

	EventTransitionRejected: CategorySecurity,
	EventPinIssued:          CategorySecurity,
	EventPinDispatchFailed:  CategorySecurity,
	EventPinMismatch:        CategorySecurity,
	EventPinExpired:         CategorySecurity,
	EventPinAttemptsBlocked: CategorySecurity,

	EventSweepReconciled: CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}
