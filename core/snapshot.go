package core

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type (
	PoolSnapshotStore interface {
		InsertPoolSnapshot(ctx context.Context, snapshot *PoolSnapshot) error
		GetPoolSnapshotCount(ctx context.Context, poolId PoolId) (int64, error)
		GetLatestPoolSnapshot(ctx context.Context, poolId PoolId) (*PoolSnapshot, error)
		ListPoolSnapshots(ctx context.Context, poolId PoolId, createdBeforeAt, limit int64) ([]PoolSnapshot, error)
	}

	// PoolSnapshot is a point in time view of a market in token units.
	PoolSnapshot struct {
		PoolId       PoolId          `json:"poolId"`
		Asset        common.Address  `json:"asset"`
		TotalAssets  decimal.Decimal `json:"totalAssets"`
		TotalBorrows decimal.Decimal `json:"totalBorrows"`
		Liquidity    decimal.Decimal `json:"liquidity"`
		Utilization  decimal.Decimal `json:"utilization"`
		BorrowRate   decimal.Decimal `json:"borrowRate"`
		CreatedAt    int64           `json:"createdAt"`
	}
)

// ToDecimal scales a raw token amount down by decimals.
func ToDecimal(x *uint256.Int, decimals uint8) decimal.Decimal {
	if x == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(x.ToBig(), -int32(decimals))
}

// Snapshot reads a market with interest simulated up to now. Rates and
// utilization are plain fractions.
func (p *Pool) Snapshot(poolId PoolId) (*PoolSnapshot, error) {
	pool, err := p.poolData(poolId)
	if err != nil {
		return nil, err
	}
	token, err := p.tokens.Token(pool.Asset)
	if err != nil {
		return nil, err
	}
	totalAssets, err := p.GetTotalAssets(poolId)
	if err != nil {
		return nil, err
	}
	totalBorrows, err := p.GetTotalBorrows(poolId)
	if err != nil {
		return nil, err
	}
	liquidity, err := p.GetLiquidityOf(poolId)
	if err != nil {
		return nil, err
	}
	utilization, err := Utilization(totalBorrows, totalAssets)
	if err != nil {
		return nil, err
	}
	rate, err := pool.rateModel.GetInterestRate(totalBorrows, totalAssets)
	if err != nil {
		return nil, errors.Wrapf(err, "rate of pool %s", poolId)
	}

	decimals := token.Decimals()
	return &PoolSnapshot{
		PoolId:       poolId,
		Asset:        pool.Asset,
		TotalAssets:  ToDecimal(totalAssets, decimals),
		TotalBorrows: ToDecimal(totalBorrows, decimals),
		Liquidity:    ToDecimal(liquidity, decimals),
		Utilization:  ToDecimal(utilization, 18),
		BorrowRate:   ToDecimal(rate, 18),
		CreatedAt:    p.clk.Now().Unix(),
	}, nil
}
