package models

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"lendflow/internal/affordability"
	"lendflow/internal/amortization"
	id "lendflow/pkg/domain"
	dErrors "lendflow/pkg/domain-errors"
)

// Application is the aggregate root of a loan request.
//
// Invariants:
//   - State changes only through ApplyTransition, and every change is
//     appended to Transitions
//   - Nothing changes once State is terminal
//   - Reaching Approved requires Terms.MonthlyPayment <= the latest snapshot's
//     disposable income, unless Override is set by an operator
//   - Version increases by one on every persisted change
type Application struct {
	ID                id.ApplicationID      `json:"id"`
	Applicant         id.Applicant          `json:"applicant"`
	RequestedAmount   decimal.Decimal       `json:"requested_amount"`
	TermMonths        int                   `json:"term_months"`
	AnnualRatePercent decimal.Decimal       `json:"annual_rate_percent"`
	Channel           Channel               `json:"channel"`
	BankAccount       id.BankAccount        `json:"bank_account"`
	Income            []affordability.Entry `json:"income"`
	Expenses          []affordability.Entry `json:"expenses"`
	State             State                 `json:"state"`
	DeclineReason     DeclineReason         `json:"decline_reason,omitempty"`
	Terms             *Terms                `json:"terms,omitempty"`
	SnapshotIDs       []id.SnapshotID       `json:"snapshot_ids"`
	Override          *Override             `json:"override,omitempty"`
	ContractID        id.ContractID         `json:"contract_id"`
	Transitions       []Transition          `json:"transitions"`
	Version           int                   `json:"version"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
}

// Terms are the figures computed at assessment time.
type Terms struct {
	MonthlyPayment      decimal.Decimal   `json:"monthly_payment"`
	TotalRepayable      decimal.Decimal   `json:"total_repayable"`
	TotalInterest       decimal.Decimal   `json:"total_interest"`
	Fees                amortization.Fees `json:"fees"`
	DisposableIncome    decimal.Decimal   `json:"disposable_income"`
	MaxAffordableAmount decimal.Decimal   `json:"max_affordable_amount"`
}

// Override authorizes approval despite a failed affordability check.
type Override struct {
	OperatorID string    `json:"operator_id"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

// Transition is one entry of the application's history.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Actor  id.Actor  `json:"actor"`
	Reason string    `json:"reason,omitempty"`
}

// NewApplication builds an application in Submitted.
func NewApplication(
	appID id.ApplicationID,
	applicant id.Applicant,
	amount decimal.Decimal,
	termMonths int,
	annualRatePercent decimal.Decimal,
	channel Channel,
	account id.BankAccount,
	income, expenses []affordability.Entry,
	actor id.Actor,
	now time.Time,
) (*Application, error) {
	if appID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "application id is required")
	}
	if !channel.IsValid() {
		return nil, dErrors.Newf(dErrors.CodeInvalidInput, "unknown channel %q", channel)
	}
	if !amount.IsPositive() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "requested amount must be positive")
	}
	if termMonths <= 0 {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "term must be positive")
	}
	if annualRatePercent.IsNegative() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "annual rate must not be negative")
	}
	return &Application{
		ID:                appID,
		Applicant:         applicant,
		RequestedAmount:   amount,
		TermMonths:        termMonths,
		AnnualRatePercent: annualRatePercent,
		Channel:           channel,
		BankAccount:       account,
		Income:            income,
		Expenses:          expenses,
		State:             StateSubmitted,
		SnapshotIDs:       []id.SnapshotID{},
		Transitions:       []Transition{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// CanTransitionTo reports whether the application may move to the given state.
func (a *Application) CanTransitionTo(to State) error {
	if a.State.IsTerminal() {
		return dErrors.Newf(dErrors.CodeInvalidTransition, "application is %s and can no longer change", a.State)
	}
	if !a.State.CanTransitionTo(to) {
		return dErrors.Newf(dErrors.CodeInvalidTransition, "cannot move application from %s to %s", a.State, to)
	}
	return nil
}

// ApplyTransition moves the application and records the history entry.
// Call CanTransitionTo first.
func (a *Application) ApplyTransition(to State, at time.Time, actor id.Actor, reason string) {
	a.Transitions = append(a.Transitions, Transition{From: a.State, To: to, At: at, Actor: actor, Reason: reason})
	a.State = to
	a.UpdatedAt = at
}

// Transit validates and applies a transition in one call.
func (a *Application) Transit(to State, at time.Time, actor id.Actor, reason string) error {
	if err := a.CanTransitionTo(to); err != nil {
		return err
	}
	a.ApplyTransition(to, at, actor, reason)
	return nil
}

// ApplyDecline moves the application to Declined with a reason.
func (a *Application) ApplyDecline(reason DeclineReason, at time.Time, actor id.Actor, note string) {
	if note == "" {
		note = string(reason)
	}
	a.DeclineReason = reason
	a.ApplyTransition(StateDeclined, at, actor, note)
}

// ApplyAssessment stores the computed terms and links the snapshot.
func (a *Application) ApplyAssessment(snap *affordability.Snapshot, schedule amortization.Schedule, fees amortization.Fees) {
	a.Terms = &Terms{
		MonthlyPayment:      schedule.MonthlyPayment,
		TotalRepayable:      schedule.TotalRepayable,
		TotalInterest:       schedule.TotalInterest,
		Fees:                fees,
		DisposableIncome:    snap.DisposableIncome,
		MaxAffordableAmount: snap.MaxAffordableAmount,
	}
	a.SnapshotIDs = append(a.SnapshotIDs, snap.ID)
}

// CanApprove enforces the affordability guard on the Approved transition.
func (a *Application) CanApprove(snap *affordability.Snapshot, override *Override) error {
	if err := a.CanTransitionTo(StateApproved); err != nil {
		return err
	}
	return a.CheckAffordability(snap, override)
}

// CheckAffordability tests the latest snapshot against the assessed terms,
// accepting an operator override when the check fails. A re-assessed
// application that is already Approved stays there only if this passes.
func (a *Application) CheckAffordability(snap *affordability.Snapshot, override *Override) error {
	if snap == nil || a.Terms == nil {
		return dErrors.New(dErrors.CodeInvariantViolation, "approval requires a fresh affordability snapshot")
	}
	if len(a.SnapshotIDs) == 0 || a.SnapshotIDs[len(a.SnapshotIDs)-1] != snap.ID {
		return dErrors.New(dErrors.CodeInvariantViolation, "approval must use the latest affordability snapshot")
	}
	withinIncome := a.Terms.MonthlyPayment.LessThanOrEqual(snap.DisposableIncome)
	if snap.CanAfford && withinIncome {
		return nil
	}
	if override == nil {
		return dErrors.New(dErrors.CodeInvariantViolation, "monthly payment exceeds disposable income")
	}
	if override.OperatorID == "" || override.Reason == "" {
		return dErrors.New(dErrors.CodeForbidden, "override requires an operator and a reason")
	}
	return nil
}

// ApplyApproval moves to Approved, recording the override when present.
func (a *Application) ApplyApproval(override *Override, at time.Time, actor id.Actor) {
	reason := "affordability passed"
	if override != nil {
		a.Override = override
		reason = "override: " + override.Reason
	}
	a.ApplyTransition(StateApproved, at, actor, reason)
}

// LastTransitionAt is when the application last changed state.
func (a *Application) LastTransitionAt() time.Time {
	if n := len(a.Transitions); n > 0 {
		return a.Transitions[n-1].At
	}
	return a.CreatedAt
}

// IsStale reports whether a pre-signing application has been idle for ttl.
func (a *Application) IsStale(now time.Time, ttl time.Duration) bool {
	return a.State.IsPreSigning() && !a.LastTransitionAt().Add(ttl).After(now)
}

// Clone returns a copy safe to mutate without touching the original.
func (a *Application) Clone() *Application {
	c := *a
	c.Income = slices.Clone(a.Income)
	c.Expenses = slices.Clone(a.Expenses)
	c.SnapshotIDs = slices.Clone(a.SnapshotIDs)
	c.Transitions = slices.Clone(a.Transitions)
	if a.Terms != nil {
		t := *a.Terms
		c.Terms = &t
	}
	if a.Override != nil {
		o := *a.Override
		c.Override = &o
	}
	return &c
}
