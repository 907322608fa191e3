package amortization

import (
	"github.com/shopspring/decimal"

	dErrors "lendflow/pkg/domain-errors"
)

// FeePolicy describes the product fee schedule.
type FeePolicy struct {
	InitiationPercent decimal.Decimal
	MonthlyServiceFee decimal.Decimal
}

// Fees is the fee breakdown for one loan.
type Fees struct {
	Initiation     decimal.Decimal `json:"initiation"`
	MonthlyService decimal.Decimal `json:"monthly_service"`
	ServiceTotal   decimal.Decimal `json:"service_total"`
	Total          decimal.Decimal `json:"total"`
}

// ComputeFees returns the initiation fee (a percentage of principal) and the
// flat monthly service fee over the term. It is independent of the
// installment formula; callers add it to the schedule when quoting.
func ComputeFees(principal decimal.Decimal, termMonths int, policy FeePolicy) (Fees, error) {
	switch {
	case !principal.IsPositive():
		return Fees{}, dErrors.New(dErrors.CodeInvalidInput, "principal must be positive")
	case termMonths <= 0 || termMonths > maxTermMonths:
		return Fees{}, dErrors.Newf(dErrors.CodeInvalidInput, "term must be between 1 and %d months", maxTermMonths)
	case policy.InitiationPercent.IsNegative() || policy.MonthlyServiceFee.IsNegative():
		return Fees{}, dErrors.New(dErrors.CodeInvalidInput, "fees must not be negative")
	}
	initiation := principal.Mul(policy.InitiationPercent).DivRound(hundred, precision).Round(MinorUnitPlaces)
	monthly := policy.MonthlyServiceFee.Round(MinorUnitPlaces)
	service := monthly.Mul(decimal.NewFromInt(int64(termMonths)))
	return Fees{
		Initiation:     initiation,
		MonthlyService: monthly,
		ServiceTotal:   service,
		Total:          initiation.Add(service),
	}, nil
}
