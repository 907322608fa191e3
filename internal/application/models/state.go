package models

import (
	dErrors "lendflow/pkg/domain-errors"
)

// State is the lifecycle position of a loan application. The set is closed:
// every switch over State must be exhaustive.
type State string

const (
	StateSubmitted               State = "submitted"
	StatePendingValidation       State = "pending_validation"
	StateValidatingIdentity      State = "validating_identity"
	StateValidatingEmployment    State = "validating_employment"
	StateAffordabilityAssessment State = "affordability_assessment"
	StateApproved                State = "approved"
	StateContractSigning         State = "contract_signing"
	StatePaymentProcessing       State = "payment_processing"
	StateDisbursed               State = "disbursed"
	StateDeclined                State = "declined"
	StateCancelled               State = "cancelled"
	StateExpired                 State = "expired"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateSubmitted,
	StatePendingValidation,
	StateValidatingIdentity,
	StateValidatingEmployment,
	StateAffordabilityAssessment,
	StateApproved,
	StateContractSigning,
	StatePaymentProcessing,
	StateDisbursed,
	StateDeclined,
	StateCancelled,
	StateExpired,
}

// transitions is the complete table of allowed moves. Anything absent is an
// invalid transition.
var transitions = map[State][]State{
	StateSubmitted:               {StatePendingValidation, StateDeclined, StateCancelled, StateExpired},
	StatePendingValidation:       {StateValidatingIdentity, StateDeclined, StateCancelled, StateExpired},
	StateValidatingIdentity:      {StateValidatingEmployment, StateDeclined, StateCancelled, StateExpired},
	StateValidatingEmployment:    {StateAffordabilityAssessment, StateDeclined, StateCancelled, StateExpired},
	StateAffordabilityAssessment: {StateApproved, StateDeclined, StateCancelled, StateExpired},
	StateApproved:                {StateContractSigning, StateDeclined, StateCancelled, StateExpired},
	StateContractSigning:         {StatePaymentProcessing, StateDeclined, StateCancelled, StateExpired},
	StatePaymentProcessing:       {StateDisbursed, StateDeclined, StateCancelled, StateExpired},
	StateDisbursed:               nil,
	StateDeclined:                nil,
	StateCancelled:               nil,
	StateExpired:                 nil,
}

func (s State) String() string { return string(s) }

func (s State) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	switch s {
	case StateDisbursed, StateDeclined, StateCancelled, StateExpired:
		return true
	case StateSubmitted, StatePendingValidation, StateValidatingIdentity, StateValidatingEmployment,
		StateAffordabilityAssessment, StateApproved, StateContractSigning, StatePaymentProcessing:
		return false
	}
	return true
}

// IsPreSigning reports whether the application has not yet been handed a
// contract. Stale applications in these states are expired by the sweeper.
func (s State) IsPreSigning() bool {
	switch s {
	case StateSubmitted, StatePendingValidation, StateValidatingIdentity, StateValidatingEmployment,
		StateAffordabilityAssessment, StateApproved:
		return true
	case StateContractSigning, StatePaymentProcessing, StateDisbursed, StateDeclined, StateCancelled, StateExpired:
		return false
	}
	return false
}

// CanTransitionTo checks the transition table.
func (s State) CanTransitionTo(to State) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// PreSigningStates are the states eligible for stale expiry.
func PreSigningStates() []State {
	var out []State
	for _, s := range AllStates {
		if s.IsPreSigning() {
			out = append(out, s)
		}
	}
	return out
}

// ParseState validates an external state name.
func ParseState(raw string) (State, error) {
	s := State(raw)
	if !s.IsValid() {
		return "", dErrors.Newf(dErrors.CodeInvalidInput, "unknown application state %q", raw)
	}
	return s, nil
}

// DeclineReason records why an application ended in Declined.
type DeclineReason string

const (
	DeclineIdentityVerificationFailed   DeclineReason = "identity_verification_failed"
	DeclineEmploymentVerificationFailed DeclineReason = "employment_verification_failed"
	DeclineAffordabilityFailed          DeclineReason = "affordability_failed"
	DeclineDisbursementFailed           DeclineReason = "disbursement_failed"
)

// Channel is the submission channel.
type Channel string

const (
	ChannelWeb      Channel = "web"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelUSSD     Channel = "ussd"
	ChannelAgent    Channel = "agent"
)

func (c Channel) IsValid() bool {
	switch c {
	case ChannelWeb, ChannelWhatsApp, ChannelUSSD, ChannelAgent:
		return true
	}
	return false
}
