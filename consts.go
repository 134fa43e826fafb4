package isolend

import (
	"github.com/shopspring/decimal"
)

const (
	HOURS_PER_YEAR = 365.25 * 24

	WAD_DECIMALS = 18
)

var (
	ONE = decimal.NewFromInt(1)
)
