package amortization

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	dErrors "lendflow/pkg/domain-errors"
)

type ScheduleSuite struct {
	suite.Suite
}

func TestScheduleSuite(t *testing.T) {
	suite.Run(t, new(ScheduleSuite))
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (s *ScheduleSuite) TestComputeSchedule() {
	s.Run("5000 at 12% over 12 months", func() {
		sch, err := ComputeSchedule(d("5000"), d("12"), 12)
		s.Require().NoError(err)
		s.Equal("444.24", sch.MonthlyPayment.StringFixed(2))
		s.Equal("5330.88", sch.TotalRepayable.StringFixed(2))
		s.Equal("330.88", sch.TotalInterest.StringFixed(2))
	})

	s.Run("zero rate divides principal evenly", func() {
		sch, err := ComputeSchedule(d("1200"), decimal.Zero, 12)
		s.Require().NoError(err)
		s.Equal("100.00", sch.MonthlyPayment.StringFixed(2))
		s.True(sch.MonthlyPayment.Mul(decimal.NewFromInt(12)).Equal(d("1200")))
		s.True(sch.TotalRepayable.Equal(d("1200")))
		s.True(sch.TotalInterest.IsZero())
	})

	s.Run("zero rate with indivisible principal repays exactly the principal", func() {
		sch, err := ComputeSchedule(d("1000"), decimal.Zero, 3)
		s.Require().NoError(err)
		s.Equal("333.34", sch.MonthlyPayment.StringFixed(2))
		s.True(sch.TotalRepayable.Equal(d("1000")), sch.TotalRepayable.String())
	})

	s.Run("rejects malformed parameters", func() {
		cases := []struct {
			name      string
			principal string
			rate      string
			term      int
		}{
			{"zero principal", "0", "12", 12},
			{"negative principal", "-10", "12", 12},
			{"zero term", "1000", "12", 0},
			{"negative term", "1000", "12", -3},
			{"negative rate", "1000", "-1", 12},
			{"absurd term", "1000", "12", 10000},
			{"sub-cent principal", "0.001", "12", 12},
		}
		for _, tc := range cases {
			_, err := ComputeSchedule(d(tc.principal), d(tc.rate), tc.term)
			s.Require().Error(err, tc.name)
			s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput), tc.name)
		}
	})
}

func (s *ScheduleSuite) TestTotalNeverBelowPrincipal() {
	principals := []string{"1", "0.05", "99.99", "500", "5000", "123456.78"}
	rates := []string{"0", "0.0001", "1", "12", "28", "60"}
	terms := []int{1, 2, 3, 7, 12, 24, 60, 300}
	for _, p := range principals {
		for _, r := range rates {
			for _, n := range terms {
				sch, err := ComputeSchedule(d(p), d(r), n)
				s.Require().NoError(err)
				covered := sch.MonthlyPayment.Mul(decimal.NewFromInt(int64(n)))
				s.True(covered.GreaterThanOrEqual(d(p)), "payment*n < principal for %s/%s/%d", p, r, n)
				s.True(sch.TotalRepayable.GreaterThanOrEqual(d(p)), "total < principal for %s/%s/%d", p, r, n)
				if r == "0" {
					s.True(sch.TotalRepayable.Equal(d(p)), "zero-rate total != principal for %s/%d", p, n)
				}
			}
		}
	}
}

func (s *ScheduleSuite) TestInstallments() {
	rows, err := Installments(d("5000"), d("12"), 12)
	s.Require().NoError(err)
	s.Require().Len(rows, 12)

	s.Equal("50.00", rows[0].Interest.StringFixed(2))
	s.Equal("394.24", rows[0].Principal.StringFixed(2))

	paid := decimal.Zero
	for i, row := range rows {
		s.Equal(i+1, row.Number)
		s.False(row.Balance.IsNegative())
		paid = paid.Add(row.Principal)
	}
	s.True(rows[11].Balance.IsZero())
	s.True(paid.Equal(d("5000")))
	// the final row settles the balance, so the table sum may differ from M*n
	s.Equal("444.29", rows[11].Payment.StringFixed(2))
}

func (s *ScheduleSuite) TestMaxPrincipal() {
	s.Run("inverts the annuity formula", func() {
		p, err := MaxPrincipal(d("2000"), d("12"), 12)
		s.Require().NoError(err)
		s.Equal("22510.15", p.StringFixed(2))

		payment, err := MonthlyPayment(p, d("12"), 12)
		s.Require().NoError(err)
		s.True(payment.LessThanOrEqual(d("2000")))
	})

	s.Run("zero rate multiplies the installment", func() {
		p, err := MaxPrincipal(d("250.555"), decimal.Zero, 4)
		s.Require().NoError(err)
		s.Equal("1002.20", p.StringFixed(2))
	})

	s.Run("non-positive installment gives zero", func() {
		p, err := MaxPrincipal(d("-50"), d("12"), 12)
		s.Require().NoError(err)
		s.True(p.IsZero())
	})
}

func (s *ScheduleSuite) TestComputeFees() {
	fees, err := ComputeFees(d("5000"), 12, FeePolicy{InitiationPercent: d("10"), MonthlyServiceFee: d("60")})
	s.Require().NoError(err)
	s.Equal("500.00", fees.Initiation.StringFixed(2))
	s.Equal("720.00", fees.ServiceTotal.StringFixed(2))
	s.Equal("1220.00", fees.Total.StringFixed(2))

	_, err = ComputeFees(d("5000"), 12, FeePolicy{InitiationPercent: d("-1")})
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidInput))
}
