/*
money.go - Fixed-precision arithmetic policy

PURPOSE:
  All cost/revenue/margin arithmetic is fixed-point at 6 decimal places,
  rounded half-up after every multiply and every sum - not only at the end.
  The helpers here are the only place the precision constant lives.
*/
package margin

import "github.com/shopspring/decimal"

// Precision is the fixed number of decimal places for all money amounts.
const Precision = 6

// Round6 rounds half-up (away from zero) to 6 decimal places.
func Round6(d decimal.Decimal) decimal.Decimal {
	return d.Round(Precision)
}

// componentTotal sums count*fee over the four components, rounding after
// every multiply and after every addition.
func componentTotal(setupCount, monthlyCount, mtCount, moCount int64, fees FeeSchedule) decimal.Decimal {
	total := decimal.Zero
	for _, c := range []struct {
		count int64
		fee   decimal.Decimal
	}{
		{setupCount, fees.Setup},
		{monthlyCount, fees.Monthly},
		{mtCount, fees.MT},
		{moCount, fees.MO},
	} {
		part := Round6(decimal.NewFromInt(c.count).Mul(c.fee))
		total = Round6(total.Add(part))
	}
	return total
}

// perMessage returns the blended per-message rate, zero when there are no
// messages. Display/audit only.
func perMessage(total decimal.Decimal, messageCount int64) decimal.Decimal {
	if messageCount == 0 {
		return decimal.Zero
	}
	return Round6(total.Div(decimal.NewFromInt(messageCount)))
}
