package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"lendflow/internal/affordability"
	"lendflow/internal/amortization"
	id "lendflow/pkg/domain"
	dErrors "lendflow/pkg/domain-errors"
)

type ApplicationModelSuite struct {
	suite.Suite
	now time.Time
}

func TestApplicationModelSuite(t *testing.T) {
	suite.Run(t, new(ApplicationModelSuite))
}

func (s *ApplicationModelSuite) SetupTest() {
	s.now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
}

func (s *ApplicationModelSuite) newApp() *Application {
	app, err := NewApplication(
		id.NewApplicationID(),
		id.Applicant{NationalID: "1", FirstName: "A", LastName: "B", Phone: "+27820000000"},
		decimal.NewFromInt(5000), 12, decimal.NewFromInt(12),
		ChannelWeb,
		id.BankAccount{BankName: "Bank", AccountNumber: "123456"},
		[]affordability.Entry{{Label: "salary", Amount: decimal.NewFromInt(10000)}},
		nil,
		id.System,
		s.now,
	)
	s.Require().NoError(err)
	return app
}

func (s *ApplicationModelSuite) TestTerminalStatesAreFinal() {
	for _, from := range AllStates {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range AllStates {
			s.False(from.CanTransitionTo(to), "%s -> %s", from, to)
			app := &Application{State: from}
			s.True(dErrors.HasCode(app.CanTransitionTo(to), dErrors.CodeInvalidTransition))
		}
	}
}

func (s *ApplicationModelSuite) TestTransitionTable() {
	s.Run("every state is classified", func() {
		terminal := 0
		for _, st := range AllStates {
			s.True(st.IsValid())
			if st.IsTerminal() {
				terminal++
			}
		}
		s.Equal(4, terminal)
	})

	s.Run("the happy path is allowed", func() {
		path := []State{
			StateSubmitted, StatePendingValidation, StateValidatingIdentity, StateValidatingEmployment,
			StateAffordabilityAssessment, StateApproved, StateContractSigning, StatePaymentProcessing, StateDisbursed,
		}
		for i := 0; i+1 < len(path); i++ {
			s.True(path[i].CanTransitionTo(path[i+1]), "%s -> %s", path[i], path[i+1])
		}
	})

	s.Run("skipping steps is rejected", func() {
		s.False(StateSubmitted.CanTransitionTo(StateApproved))
		s.False(StateApproved.CanTransitionTo(StatePaymentProcessing))
		s.False(StatePaymentProcessing.CanTransitionTo(StateApproved))
	})

	s.Run("every non-terminal state can be declined, cancelled or expired", func() {
		for _, st := range AllStates {
			if st.IsTerminal() {
				continue
			}
			for _, exit := range []State{StateDeclined, StateCancelled, StateExpired} {
				s.True(st.CanTransitionTo(exit), "%s -> %s", st, exit)
			}
		}
	})

	s.Run("unknown state names fail to parse", func() {
		_, err := ParseState("limbo")
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
		st, err := ParseState("approved")
		s.Require().NoError(err)
		s.Equal(StateApproved, st)
	})
}

func (s *ApplicationModelSuite) TestTransitRecordsHistory() {
	app := s.newApp()
	later := s.now.Add(time.Minute)
	s.Require().NoError(app.Transit(StatePendingValidation, later, id.System, "submitted"))

	s.Equal(StatePendingValidation, app.State)
	s.Require().Len(app.Transitions, 1)
	s.Equal(Transition{From: StateSubmitted, To: StatePendingValidation, At: later, Actor: id.System, Reason: "submitted"}, app.Transitions[0])
	s.Equal(later, app.LastTransitionAt())

	err := app.Transit(StateDisbursed, later, id.System, "")
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
	s.Len(app.Transitions, 1)
}

func (s *ApplicationModelSuite) TestCanApprove() {
	assessed := func(canAfford bool, disposable string) (*Application, *affordability.Snapshot) {
		app := s.newApp()
		app.State = StateAffordabilityAssessment
		snap := affordability.NewSnapshot(app.ID, affordability.Assessment{
			CanAfford:        canAfford,
			DisposableIncome: decimal.RequireFromString(disposable),
		}, s.now)
		schedule, err := amortization.ComputeSchedule(app.RequestedAmount, app.AnnualRatePercent, app.TermMonths)
		s.Require().NoError(err)
		app.ApplyAssessment(snap, schedule, amortization.Fees{})
		return app, snap
	}

	s.Run("affordable application is approved", func() {
		app, snap := assessed(true, "2000")
		s.NoError(app.CanApprove(snap, nil))
	})

	s.Run("unaffordable application without override is refused", func() {
		app, snap := assessed(false, "100")
		s.True(dErrors.HasCode(app.CanApprove(snap, nil), dErrors.CodeInvariantViolation))
	})

	s.Run("override without operator is forbidden", func() {
		app, snap := assessed(false, "100")
		err := app.CanApprove(snap, &Override{Reason: "manager approval"})
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	s.Run("operator override approves and is recorded", func() {
		app, snap := assessed(false, "100")
		override := &Override{OperatorID: "op-7", Reason: "collateral held", At: s.now}
		s.Require().NoError(app.CanApprove(snap, override))
		app.ApplyApproval(override, s.now, id.Actor{Kind: id.ActorOperator, ID: "op-7"})
		s.Equal(StateApproved, app.State)
		s.Equal(override, app.Override)
	})

	s.Run("stale snapshot is refused", func() {
		app, _ := assessed(true, "2000")
		other := affordability.NewSnapshot(app.ID, affordability.Assessment{CanAfford: true}, s.now)
		s.True(dErrors.HasCode(app.CanApprove(other, nil), dErrors.CodeInvariantViolation))
	})
}

func (s *ApplicationModelSuite) TestIsStale() {
	app := s.newApp()
	ttl := 30 * 24 * time.Hour
	s.False(app.IsStale(s.now.Add(ttl-time.Second), ttl))
	s.True(app.IsStale(s.now.Add(ttl), ttl))

	app.State = StateContractSigning
	s.False(app.IsStale(s.now.Add(2*ttl), ttl))
}

func (s *ApplicationModelSuite) TestCloneIsIndependent() {
	app := s.newApp()
	clone := app.Clone()
	clone.Income[0].Label = "changed"
	s.Require().NoError(clone.Transit(StatePendingValidation, s.now, id.System, ""))

	s.Equal("salary", app.Income[0].Label)
	s.Empty(app.Transitions)
	s.Equal(StateSubmitted, app.State)
}
