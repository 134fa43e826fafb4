package core

import (
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// Rounding selects the direction a fixed-point division resolves its remainder.
// Every call site picks the direction that favors pool solvency.
type Rounding uint8

const (
	RoundDown Rounding = iota
	RoundUp
)

func (r Rounding) String() string {
	switch r {
	case RoundDown:
		return "Down"
	case RoundUp:
		return "Up"
	default:
		return "Unknown"
	}
}

func zero() *uint256.Int {
	return new(uint256.Int)
}

func clone(x *uint256.Int) *uint256.Int {
	if x == nil {
		return zero()
	}
	return x.Clone()
}

func isMax(x *uint256.Int) bool {
	return x != nil && x.Eq(MaxUint256)
}

// MulDiv computes x*y/d with a 512-bit intermediate product.
func MulDiv(x, y, d *uint256.Int, rnd Rounding) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	if x.IsZero() || y.IsZero() {
		return zero(), nil
	}
	q, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, errors.Wrapf(ErrMathOverflow, "muldiv %s*%s/%s", x.Dec(), y.Dec(), d.Dec())
	}
	if rnd == RoundUp && !new(uint256.Int).MulMod(x, y, d).IsZero() {
		return Add(q, uint256.NewInt(1))
	}
	return q, nil
}

// MulWad computes x*y/1e18.
func MulWad(x, y *uint256.Int, rnd Rounding) (*uint256.Int, error) {
	return MulDiv(x, y, WAD, rnd)
}

// DivWad computes x*1e18/y.
func DivWad(x, y *uint256.Int, rnd Rounding) (*uint256.Int, error) {
	return MulDiv(x, WAD, y, rnd)
}

func Add(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, errors.Wrapf(ErrMathOverflow, "add %s+%s", x.Dec(), y.Dec())
	}
	return z, nil
}

func Sub(x, y *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, errors.Wrapf(ErrMathUnderflow, "sub %s-%s", x.Dec(), y.Dec())
	}
	return z, nil
}

func Mul(x, y *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(x, y)
	if overflow {
		return nil, errors.Wrapf(ErrMathOverflow, "mul %s*%s", x.Dec(), y.Dec())
	}
	return z, nil
}

// SubFloor returns x-y, or zero when y exceeds x.
func SubFloor(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return zero()
	}
	return new(uint256.Int).Sub(x, y)
}

func Min(x, y *uint256.Int) *uint256.Int {
	if x.Lt(y) {
		return x.Clone()
	}
	return y.Clone()
}

func Max(x, y *uint256.Int) *uint256.Int {
	if x.Gt(y) {
		return x.Clone()
	}
	return y.Clone()
}

// ConvertToShares prices assets in shares of a vault holding totalAssets
// backing totalShares. An empty vault mints 1:1.
func ConvertToShares(assets, totalAssets, totalShares *uint256.Int, rnd Rounding) (*uint256.Int, error) {
	if totalShares.IsZero() || totalAssets.IsZero() {
		return assets.Clone(), nil
	}
	return MulDiv(assets, totalShares, totalAssets, rnd)
}

// ConvertToAssets prices shares in assets. An empty vault redeems 1:1.
func ConvertToAssets(shares, totalAssets, totalShares *uint256.Int, rnd Rounding) (*uint256.Int, error) {
	if totalShares.IsZero() {
		return shares.Clone(), nil
	}
	return MulDiv(shares, totalAssets, totalShares, rnd)
}

// Pow10 returns 10^n.
func Pow10(n uint8) *uint256.Int {
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(n)))
}
