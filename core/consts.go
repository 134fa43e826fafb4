package core

import (
	"github.com/holiman/uint256"
)

const (
	SECONDS_PER_YEAR = 31_557_600

	MAX_ASSET_LIMIT     = 5
	MAX_DEBT_POOL_LIMIT = 5

	DEFAULT_LTV_TIMELOCK = 24 * 60 * 60
	DEFAULT_LTV_DEADLINE = 72 * 60 * 60
)

var (
	WAD = uint256.NewInt(1_000_000_000_000_000_000)

	// MaxUint256 doubles as the repay-everything sentinel and the uncapped pool cap.
	MaxUint256 = new(uint256.Int).SetAllOne()

	UncappedPool = MaxUint256
)
