package isolend

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

func CalcValue(amount decimal.Decimal, price decimal.Decimal, weight *decimal.Decimal) decimal.Decimal {
	if amount.IsZero() {
		return decimal.Zero
	}
	if weight != nil {
		amount = amount.Mul(*weight)
	}
	return amount.Mul(price)
}

func CalcAmount(value decimal.Decimal, price decimal.Decimal) (decimal.Decimal, error) {
	if price.IsZero() {
		return decimal.Zero, errors.New("price is zero")
	}
	return value.Div(price), nil
}

/*
const aprToApy = (apr: number, compoundingFrequency = HOURS_PER_YEAR) =>

	(1 + apr / compoundingFrequency) ** compoundingFrequency - 1;
*/
func AprToApy(apr decimal.Decimal) decimal.Decimal {
	hoursPerYear := decimal.NewFromInt(HOURS_PER_YEAR)
	return (ONE.Add(apr.Div(hoursPerYear))).Pow(hoursPerYear).Sub(ONE).Round(8)
}

// SupplyApr is what lenders earn: the borrow rate spread over all deposits,
// less the pool's interest fee.
func SupplyApr(borrowApr, utilization, interestFee decimal.Decimal) decimal.Decimal {
	return borrowApr.Mul(utilization).Mul(ONE.Sub(interestFee))
}

// HealthFactor is collateral value over the minimum required. ok is false
// for positions without debt.
func HealthFactor(totalAssetValue, minReqAssetValue decimal.Decimal) (hf decimal.Decimal, ok bool) {
	if minReqAssetValue.IsZero() {
		return decimal.Zero, false
	}
	return totalAssetValue.DivRound(minReqAssetValue, 8), true
}
