package core

import (
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// RateModel prices borrowing as a function of pool utilization. Rates are
// annual and scaled by 1e18.
type RateModel interface {
	GetInterestRate(totalBorrows, totalAssets *uint256.Int) (*uint256.Int, error)
	GetInterestAccrued(lastUpdated, now uint64, totalBorrows, totalAssets *uint256.Int) (*uint256.Int, error)
}

// Utilization returns totalBorrows/totalAssets scaled by 1e18, rounded up.
func Utilization(totalBorrows, totalAssets *uint256.Int) (*uint256.Int, error) {
	if totalAssets.IsZero() {
		return zero(), nil
	}
	return MulDiv(totalBorrows, WAD, totalAssets, RoundUp)
}

// accrueWithRate is shared by every model: rateFactor = elapsed*rate/year and
// interest = borrows*rateFactor/1e18, both rounded up.
func accrueWithRate(lastUpdated, now uint64, totalBorrows, rate *uint256.Int) (*uint256.Int, error) {
	if now <= lastUpdated || totalBorrows.IsZero() {
		return zero(), nil
	}
	elapsed := uint256.NewInt(now - lastUpdated)
	rateFactor, err := MulDiv(elapsed, rate, uint256.NewInt(SECONDS_PER_YEAR), RoundUp)
	if err != nil {
		return nil, err
	}
	return MulWad(totalBorrows, rateFactor, RoundUp)
}

type FixedRateModel struct {
	Rate *uint256.Int
}

func NewFixedRateModel(rate *uint256.Int) *FixedRateModel {
	return &FixedRateModel{Rate: clone(rate)}
}

func (m *FixedRateModel) GetInterestRate(_, _ *uint256.Int) (*uint256.Int, error) {
	return m.Rate.Clone(), nil
}

func (m *FixedRateModel) GetInterestAccrued(lastUpdated, now uint64, totalBorrows, _ *uint256.Int) (*uint256.Int, error) {
	return accrueWithRate(lastUpdated, now, totalBorrows, m.Rate)
}

type LinearRateModel struct {
	MinRate  *uint256.Int
	MaxRate  *uint256.Int
	rateDiff *uint256.Int
}

func NewLinearRateModel(minRate, maxRate *uint256.Int) (*LinearRateModel, error) {
	if !maxRate.Gt(minRate) {
		return nil, errors.Wrapf(ErrInvalidRateModelParams, "linear: max rate %s <= min rate %s", maxRate.Dec(), minRate.Dec())
	}
	return &LinearRateModel{
		MinRate:  minRate.Clone(),
		MaxRate:  maxRate.Clone(),
		rateDiff: new(uint256.Int).Sub(maxRate, minRate),
	}, nil
}

func (m *LinearRateModel) GetInterestRate(totalBorrows, totalAssets *uint256.Int) (*uint256.Int, error) {
	util, err := Utilization(totalBorrows, totalAssets)
	if err != nil {
		return nil, err
	}
	slope, err := MulWad(util, m.rateDiff, RoundUp)
	if err != nil {
		return nil, err
	}
	return Add(m.MinRate, slope)
}

func (m *LinearRateModel) GetInterestAccrued(lastUpdated, now uint64, totalBorrows, totalAssets *uint256.Int) (*uint256.Int, error) {
	rate, err := m.GetInterestRate(totalBorrows, totalAssets)
	if err != nil {
		return nil, err
	}
	return accrueWithRate(lastUpdated, now, totalBorrows, rate)
}

// KinkedRateModel is piecewise linear with a breakpoint at OptimalUtil.
type KinkedRateModel struct {
	MinRate1    *uint256.Int
	Slope1      *uint256.Int
	Slope2      *uint256.Int
	OptimalUtil *uint256.Int

	minRate2      *uint256.Int
	maxExcessUtil *uint256.Int
}

func NewKinkedRateModel(minRate, slope1, slope2, optimalUtil *uint256.Int) (*KinkedRateModel, error) {
	if !optimalUtil.Lt(WAD) {
		return nil, errors.Wrapf(ErrInvalidRateModelParams, "kinked: optimal util %s >= 1e18", optimalUtil.Dec())
	}
	if optimalUtil.IsZero() {
		return nil, errors.Wrap(ErrInvalidRateModelParams, "kinked: optimal util is zero")
	}
	minRate2, err := Add(minRate, slope1)
	if err != nil {
		return nil, err
	}
	return &KinkedRateModel{
		MinRate1:      minRate.Clone(),
		Slope1:        slope1.Clone(),
		Slope2:        slope2.Clone(),
		OptimalUtil:   optimalUtil.Clone(),
		minRate2:      minRate2,
		maxExcessUtil: new(uint256.Int).Sub(WAD, optimalUtil),
	}, nil
}

func (m *KinkedRateModel) GetInterestRate(totalBorrows, totalAssets *uint256.Int) (*uint256.Int, error) {
	util, err := Utilization(totalBorrows, totalAssets)
	if err != nil {
		return nil, err
	}
	if !util.Gt(m.OptimalUtil) {
		slope, err := MulDiv(m.Slope1, util, m.OptimalUtil, RoundDown)
		if err != nil {
			return nil, err
		}
		return Add(m.MinRate1, slope)
	}
	excess := new(uint256.Int).Sub(util, m.OptimalUtil)
	slope, err := MulDiv(m.Slope2, excess, m.maxExcessUtil, RoundDown)
	if err != nil {
		return nil, err
	}
	return Add(m.minRate2, slope)
}

func (m *KinkedRateModel) GetInterestAccrued(lastUpdated, now uint64, totalBorrows, totalAssets *uint256.Int) (*uint256.Int, error) {
	rate, err := m.GetInterestRate(totalBorrows, totalAssets)
	if err != nil {
		return nil, err
	}
	return accrueWithRate(lastUpdated, now, totalBorrows, rate)
}
