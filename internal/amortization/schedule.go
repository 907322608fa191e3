// Package amortization computes fixed-installment repayment schedules.
//
// Every function is pure and safe for concurrent use. Intermediate values
// carry 16 fractional digits; monetary outputs are rounded half-up to the
// currency minor unit.
package amortization

import (
	"github.com/shopspring/decimal"

	dErrors "lendflow/pkg/domain-errors"
)

const (
	// MinorUnitPlaces is the number of decimal places in the currency minor unit.
	MinorUnitPlaces int32 = 2

	// precision is the fractional digit count kept for intermediate values.
	precision int32 = 16

	// maxTermMonths guards the power series against absurd inputs.
	maxTermMonths = 600
)

var (
	hundred = decimal.NewFromInt(100)
	twelve  = decimal.NewFromInt(12)
	one     = decimal.NewFromInt(1)
	cent    = decimal.New(1, -MinorUnitPlaces)
)

// Schedule is the summary of a fixed-installment loan.
type Schedule struct {
	Principal         decimal.Decimal `json:"principal"`
	AnnualRatePercent decimal.Decimal `json:"annual_rate_percent"`
	TermMonths        int             `json:"term_months"`
	MonthlyPayment    decimal.Decimal `json:"monthly_payment"`
	TotalRepayable    decimal.Decimal `json:"total_repayable"`
	TotalInterest     decimal.Decimal `json:"total_interest"`
}

// Installment is one row of the amortization table.
type Installment struct {
	Number    int             `json:"number"`
	Payment   decimal.Decimal `json:"payment"`
	Interest  decimal.Decimal `json:"interest"`
	Principal decimal.Decimal `json:"principal"`
	Balance   decimal.Decimal `json:"balance"`
}

// ComputeSchedule returns the level monthly installment and totals for a loan.
//
// TotalRepayable is the installment times the term. At a zero rate it equals
// the principal; the final row of the table absorbs the rounding residue.
func ComputeSchedule(principal, annualRatePercent decimal.Decimal, termMonths int) (Schedule, error) {
	if err := validate(principal, annualRatePercent, termMonths); err != nil {
		return Schedule{}, err
	}
	principal = principal.Round(MinorUnitPlaces)
	r := monthlyRate(annualRatePercent)
	payment := levelPayment(principal, r, termMonths)
	total := principal
	if !r.IsZero() {
		total = payment.Mul(decimal.NewFromInt(int64(termMonths)))
	}
	return Schedule{
		Principal:         principal,
		AnnualRatePercent: annualRatePercent,
		TermMonths:        termMonths,
		MonthlyPayment:    payment,
		TotalRepayable:    total,
		TotalInterest:     total.Sub(principal),
	}, nil
}

// Installments returns the full amortization table.
func Installments(principal, annualRatePercent decimal.Decimal, termMonths int) ([]Installment, error) {
	rows, _, err := build(principal, annualRatePercent, termMonths)
	return rows, err
}

// MonthlyPayment returns only the level installment.
func MonthlyPayment(principal, annualRatePercent decimal.Decimal, termMonths int) (decimal.Decimal, error) {
	if err := validate(principal, annualRatePercent, termMonths); err != nil {
		return decimal.Zero, err
	}
	return levelPayment(principal.Round(MinorUnitPlaces), monthlyRate(annualRatePercent), termMonths), nil
}

// MaxPrincipal inverts the annuity formula: the largest principal whose level
// installment does not exceed installment. The result is truncated to the
// minor unit. Non-positive installments yield zero.
func MaxPrincipal(installment, annualRatePercent decimal.Decimal, termMonths int) (decimal.Decimal, error) {
	if termMonths <= 0 || termMonths > maxTermMonths {
		return decimal.Zero, dErrors.Newf(dErrors.CodeInvalidInput, "term must be between 1 and %d months", maxTermMonths)
	}
	if annualRatePercent.IsNegative() {
		return decimal.Zero, dErrors.New(dErrors.CodeInvalidInput, "annual rate must not be negative")
	}
	installment = installment.Truncate(MinorUnitPlaces)
	if !installment.IsPositive() {
		return decimal.Zero, nil
	}
	n := decimal.NewFromInt(int64(termMonths))
	r := monthlyRate(annualRatePercent)
	if r.IsZero() {
		return installment.Mul(n).Truncate(MinorUnitPlaces), nil
	}
	g := growth(r, termMonths)
	p := installment.Mul(g.Sub(one)).DivRound(r.Mul(g), precision)
	return p.Truncate(MinorUnitPlaces), nil
}

func validate(principal, annualRatePercent decimal.Decimal, termMonths int) error {
	switch {
	case !principal.IsPositive():
		return dErrors.New(dErrors.CodeInvalidInput, "principal must be positive")
	case termMonths <= 0 || termMonths > maxTermMonths:
		return dErrors.Newf(dErrors.CodeInvalidInput, "term must be between 1 and %d months", maxTermMonths)
	case annualRatePercent.IsNegative():
		return dErrors.New(dErrors.CodeInvalidInput, "annual rate must not be negative")
	}
	if principal.Round(MinorUnitPlaces).IsZero() {
		return dErrors.New(dErrors.CodeInvalidInput, "principal is below the currency minor unit")
	}
	return nil
}

func build(principal, annualRatePercent decimal.Decimal, termMonths int) ([]Installment, decimal.Decimal, error) {
	if err := validate(principal, annualRatePercent, termMonths); err != nil {
		return nil, decimal.Zero, err
	}
	principal = principal.Round(MinorUnitPlaces)
	r := monthlyRate(annualRatePercent)
	payment := levelPayment(principal, r, termMonths)

	rows := make([]Installment, termMonths)
	balance := principal
	for k := 1; k <= termMonths; k++ {
		interest := balance.Mul(r).Round(MinorUnitPlaces)
		toPrincipal := payment.Sub(interest)
		if k == termMonths || toPrincipal.GreaterThan(balance) {
			toPrincipal = balance
		}
		if toPrincipal.IsNegative() {
			toPrincipal = decimal.Zero
		}
		balance = balance.Sub(toPrincipal)
		rows[k-1] = Installment{
			Number:    k,
			Payment:   toPrincipal.Add(interest),
			Interest:  interest,
			Principal: toPrincipal,
			Balance:   balance,
		}
	}
	return rows, payment, nil
}

// levelPayment applies M = P r g / (g - 1) with g = (1+r)^n, or P/n at zero
// rate. The zero-rate installment rounds up so that n installments always
// cover the principal; the final installment absorbs the excess.
func levelPayment(principal, r decimal.Decimal, termMonths int) decimal.Decimal {
	n := decimal.NewFromInt(int64(termMonths))
	if r.IsZero() {
		return ceilMinor(principal.DivRound(n, precision))
	}
	g := growth(r, termMonths)
	payment := principal.Mul(r).Mul(g).DivRound(g.Sub(one), precision).Round(MinorUnitPlaces)
	if payment.Mul(n).LessThan(principal) {
		payment = ceilMinor(principal.DivRound(n, precision))
	}
	return payment
}

func monthlyRate(annualRatePercent decimal.Decimal) decimal.Decimal {
	return annualRatePercent.DivRound(hundred, precision).DivRound(twelve, precision)
}

// growth computes (1+r)^n by square-and-multiply, rounding each product to
// the working precision.
func growth(r decimal.Decimal, n int) decimal.Decimal {
	base := one.Add(r)
	result := one
	for n > 0 {
		if n&1 == 1 {
			result = result.Mul(base).Round(precision)
		}
		base = base.Mul(base).Round(precision)
		n >>= 1
	}
	return result
}

func ceilMinor(d decimal.Decimal) decimal.Decimal {
	t := d.Truncate(MinorUnitPlaces)
	if t.Equal(d) {
		return t
	}
	return t.Add(cent)
}
