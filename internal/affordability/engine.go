// Package affordability decides whether an applicant's declared or verified
// monthly cash flow can carry a proposed installment under the regulatory
// debt-to-income ceiling.
package affordability

import (
	"time"

	"github.com/shopspring/decimal"

	"lendflow/internal/amortization"
	id "lendflow/pkg/domain"
	dErrors "lendflow/pkg/domain-errors"
)

// DefaultMaxDebtToIncome is the regulatory installment ceiling as a fraction
// of gross monthly income.
var DefaultMaxDebtToIncome = decimal.RequireFromString("0.35")

const ratioPlaces int32 = 6

// Entry is one itemized monthly income or expense line.
type Entry struct {
	Label     string          `json:"label"`
	Amount    decimal.Decimal `json:"amount"`
	Essential bool            `json:"essential"`
	Fixed     bool            `json:"fixed"`
}

// Input is everything an assessment needs. MaxDebtToIncome defaults to
// DefaultMaxDebtToIncome when zero.
type Input struct {
	Income            []Entry
	Expenses          []Entry
	TermMonths        int
	AnnualRatePercent decimal.Decimal
	ProposedPayment   decimal.Decimal
	MaxDebtToIncome   decimal.Decimal
}

// Assessment is the pure result of Assess.
type Assessment struct {
	MonthlyIncome       decimal.Decimal `json:"monthly_income"`
	MonthlyExpenses     decimal.Decimal `json:"monthly_expenses"`
	EssentialExpenses   decimal.Decimal `json:"essential_expenses"`
	DisposableIncome    decimal.Decimal `json:"disposable_income"`
	DebtToIncomeRatio   decimal.Decimal `json:"debt_to_income_ratio"`
	RatioCeiling        decimal.Decimal `json:"ratio_ceiling"`
	InstallmentCap      decimal.Decimal `json:"installment_cap"`
	MaxAffordableAmount decimal.Decimal `json:"max_affordable_amount"`
	ProposedPayment     decimal.Decimal `json:"proposed_payment"`
	CanAfford           bool            `json:"can_afford"`
}

// Snapshot is an Assessment frozen against an application at a point in time.
// Snapshots are never mutated after creation.
type Snapshot struct {
	ID            id.SnapshotID    `json:"id"`
	ApplicationID id.ApplicationID `json:"application_id"`
	Assessment
	AssessedAt time.Time `json:"assessed_at"`
}

// NewSnapshot freezes an assessment for an application.
func NewSnapshot(applicationID id.ApplicationID, a Assessment, now time.Time) *Snapshot {
	return &Snapshot{
		ID:            id.NewSnapshotID(),
		ApplicationID: applicationID,
		Assessment:    a,
		AssessedAt:    now,
	}
}

// Assess computes disposable income, the maximum affordable principal and the
// affordability verdict. Negative disposable income is a valid outcome, not
// an error.
func Assess(in Input) (Assessment, error) {
	if len(in.Income) == 0 {
		return Assessment{}, dErrors.New(dErrors.CodeIncompleteData, "at least one income entry is required")
	}
	ceiling := in.MaxDebtToIncome
	if ceiling.IsZero() {
		ceiling = DefaultMaxDebtToIncome
	}
	if err := validate(in, ceiling); err != nil {
		return Assessment{}, err
	}

	income := sum(in.Income, func(Entry) bool { return true })
	expenses := sum(in.Expenses, func(Entry) bool { return true })
	essential := sum(in.Expenses, func(e Entry) bool { return e.Essential })
	disposable := income.Sub(expenses)

	installmentCap := decimal.Min(income.Mul(ceiling), disposable).Truncate(amortization.MinorUnitPlaces)
	maxAmount := decimal.Zero
	if installmentCap.IsPositive() {
		var err error
		maxAmount, err = amortization.MaxPrincipal(installmentCap, in.AnnualRatePercent, in.TermMonths)
		if err != nil {
			return Assessment{}, err
		}
	} else {
		installmentCap = decimal.Zero
	}

	ratio := decimal.Zero
	if income.IsPositive() {
		ratio = in.ProposedPayment.DivRound(income, ratioPlaces)
	}

	return Assessment{
		MonthlyIncome:       income,
		MonthlyExpenses:     expenses,
		EssentialExpenses:   essential,
		DisposableIncome:    disposable,
		DebtToIncomeRatio:   ratio,
		RatioCeiling:        ceiling,
		InstallmentCap:      installmentCap,
		MaxAffordableAmount: maxAmount,
		ProposedPayment:     in.ProposedPayment,
		CanAfford:           in.ProposedPayment.LessThanOrEqual(disposable),
	}, nil
}

func validate(in Input, ceiling decimal.Decimal) error {
	if !ceiling.IsPositive() || ceiling.GreaterThan(decimal.NewFromInt(1)) {
		return dErrors.New(dErrors.CodeInvalidInput, "debt-to-income ceiling must be in (0, 1]")
	}
	if in.TermMonths <= 0 {
		return dErrors.New(dErrors.CodeInvalidInput, "term must be positive")
	}
	if in.AnnualRatePercent.IsNegative() {
		return dErrors.New(dErrors.CodeInvalidInput, "annual rate must not be negative")
	}
	if in.ProposedPayment.IsNegative() {
		return dErrors.New(dErrors.CodeInvalidInput, "proposed payment must not be negative")
	}
	for _, e := range in.Income {
		if e.Amount.IsNegative() {
			return dErrors.Newf(dErrors.CodeInvalidInput, "income entry %q is negative", e.Label)
		}
	}
	for _, e := range in.Expenses {
		if e.Amount.IsNegative() {
			return dErrors.Newf(dErrors.CodeInvalidInput, "expense entry %q is negative", e.Label)
		}
	}
	return nil
}

func sum(entries []Entry, include func(Entry) bool) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		if include(e) {
			total = total.Add(e.Amount)
		}
	}
	return total.Round(amortization.MinorUnitPlaces)
}
