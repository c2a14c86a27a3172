package settlement

import (
	"time"

	"github.com/shopspring/decimal"
)

var (
	// SelfEmployedDivisor grosses accruals up by the professional income tax.
	SelfEmployedDivisor = decimal.RequireFromString("0.94")
	// PlannedTaxRate is the flat provisioning rate.
	PlannedTaxRate = decimal.RequireFromString("0.09")
)

// Amounts are the monetary values implied by a turnout.
type Amounts struct {
	Billable bool
	Charge   decimal.Decimal
	Accrual  decimal.Decimal
	Tax      decimal.Decimal
}

// CalcInput carries everything ComputeAmounts needs.
type CalcInput struct {
	Hours        decimal.Decimal
	Service      *CustomerService
	IsForeman    bool
	SelfEmployed bool
	Surcharge    decimal.Decimal
}

// ComputeAmounts derives customer charge, worker accrual and tax provision.
// A nil service means the turnout is not billable and every amount is zero.
func ComputeAmounts(in CalcInput) Amounts {
	if in.Service == nil {
		return Amounts{}
	}
	rate := in.Service.WorkerRate
	if in.IsForeman {
		rate = in.Service.ForemanRate
	}
	charge := in.Hours.Mul(in.Service.CustomerRate).Round(2)
	raw := in.Hours.Mul(rate).Add(in.Hours.Mul(in.Surcharge))

	out := Amounts{Billable: true, Charge: charge}
	if in.SelfEmployed {
		out.Accrual = raw.Div(SelfEmployedDivisor).Round(0)
		out.Tax = charge.Sub(out.Accrual).Mul(PlannedTaxRate)
		return out
	}
	out.Accrual = raw.Round(0)
	out.Tax = charge.Mul(PlannedTaxRate)
	return out
}

// SurchargeOn sums the hourly surcharges active on date.
func SurchargeOn(surcharges []PositionSurcharge, date time.Time) decimal.Decimal {
	total := decimal.Zero
	for _, s := range surcharges {
		if s.ActiveOn(date) {
			total = total.Add(s.HourlyAmount)
		}
	}
	return total
}
