package core

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

type (
	RiskData struct {
		TotalAssetValue  *uint256.Int `json:"totalAssetValue"`
		TotalDebtValue   *uint256.Int `json:"totalDebtValue"`
		MinReqAssetValue *uint256.Int `json:"minReqAssetValue"`
	}

	// DebtData asks a liquidation to repay Amt of the position's debt in PoolId.
	DebtData struct {
		PoolId PoolId       `json:"poolId"`
		Amt    *uint256.Int `json:"amt"`
	}

	// AssetData asks a liquidation to seize Amt of Asset from the position.
	AssetData struct {
		Asset common.Address `json:"asset"`
		Amt   *uint256.Int   `json:"amt"`
	}

	LiquidationValue struct {
		RepaidWei *uint256.Int `json:"repaidWei"`
		SeizedWei *uint256.Int `json:"seizedWei"`
	}

	LiquidationParams struct {
		CloseFactor         *uint256.Int
		LiquidationDiscount *uint256.Int
	}

	// HealthCheck computes risk data for one position type.
	HealthCheck interface {
		RiskData(position PositionView) (*RiskData, error)
	}
)

// IsHealthy holds when the position owes nothing or its weighted collateral
// strictly exceeds the minimum required.
func (d *RiskData) IsHealthy() bool {
	if d.TotalDebtValue.IsZero() {
		return true
	}
	return d.TotalAssetValue.Gt(d.MinReqAssetValue)
}

// RiskModule dispatches health checks by position type and bounds
// liquidations by close factor and discount.
type RiskModule struct {
	pool   *Pool
	engine *RiskEngine
	tokens *TokenBook
	LiquidationParams

	checks map[PositionType]HealthCheck
}

func NewRiskModule(pool *Pool, engine *RiskEngine, tokens *TokenBook, params LiquidationParams) (*RiskModule, error) {
	if params.CloseFactor == nil || params.CloseFactor.IsZero() || params.CloseFactor.Gt(WAD) {
		return nil, errors.Wrap(ErrInvalidLiquidation, "close factor must be in (0, 1e18]")
	}
	if params.LiquidationDiscount == nil || params.LiquidationDiscount.Gt(WAD) {
		return nil, errors.Wrap(ErrInvalidLiquidation, "liquidation discount must be in [0, 1e18]")
	}
	params.CloseFactor = params.CloseFactor.Clone()
	params.LiquidationDiscount = params.LiquidationDiscount.Clone()

	m := &RiskModule{
		pool:              pool,
		engine:            engine,
		tokens:            tokens,
		LiquidationParams: params,
	}
	v := &valuation{pool: pool, engine: engine, tokens: tokens}
	m.checks = map[PositionType]HealthCheck{
		SingleDebtPosition:  &singleDebtHealthCheck{v},
		SingleAssetPosition: &singleAssetHealthCheck{v},
	}
	engine.SetRiskModule(m)
	return m, nil
}

func (m *RiskModule) healthCheckFor(position PositionView) (HealthCheck, error) {
	check, ok := m.checks[position.Type()]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidPositionType, "type %s", position.Type())
	}
	return check, nil
}

func (m *RiskModule) GetRiskData(position PositionView) (*RiskData, error) {
	check, err := m.healthCheckFor(position)
	if err != nil {
		return nil, err
	}
	return check.RiskData(position)
}

func (m *RiskModule) IsPositionHealthy(position PositionView) (bool, error) {
	if len(position.GetDebtPools()) == 0 {
		return true, nil
	}
	data, err := m.GetRiskData(position)
	if err != nil {
		return false, err
	}
	return data.IsHealthy(), nil
}

// ValidateLiquidation values the repayment and the seizure and rejects a
// liquidation that repays more than CloseFactor of the debt or seizes more
// than the repaid value plus LiquidationDiscount.
func (m *RiskModule) ValidateLiquidation(position PositionView, debts []DebtData, assets []AssetData) (*LiquidationValue, error) {
	data, err := m.GetRiskData(position)
	if err != nil {
		return nil, err
	}
	v := &valuation{pool: m.pool, engine: m.engine, tokens: m.tokens}

	repaidWei := zero()
	repaidPools := make([]PoolId, 0, len(debts))
	for _, d := range debts {
		value, err := v.debtValue(d.PoolId, d.Amt)
		if err != nil {
			return nil, err
		}
		if repaidWei, err = Add(repaidWei, value); err != nil {
			return nil, err
		}
		repaidPools = append(repaidPools, d.PoolId)
	}
	maxRepaidWei, err := MulWad(data.TotalDebtValue, m.CloseFactor, RoundDown)
	if err != nil {
		return nil, err
	}
	if repaidWei.Gt(maxRepaidWei) {
		return nil, errors.Wrapf(ErrInvalidLiquidation, "repaid %s wei exceeds close factor bound %s", repaidWei.Dec(), maxRepaidWei.Dec())
	}

	seizedWei := zero()
	for _, a := range assets {
		value, err := v.seizedValue(repaidPools, position.GetDebtPools(), a.Asset, a.Amt)
		if err != nil {
			return nil, err
		}
		if seizedWei, err = Add(seizedWei, value); err != nil {
			return nil, err
		}
	}
	maxSeizedWei, err := MulDiv(repaidWei, new(uint256.Int).Add(WAD, m.LiquidationDiscount), WAD, RoundDown)
	if err != nil {
		return nil, err
	}
	if seizedWei.Gt(maxSeizedWei) {
		return nil, errors.Wrapf(ErrInvalidLiquidation, "seized %s wei exceeds discount bound %s", seizedWei.Dec(), maxSeizedWei.Dec())
	}

	return &LiquidationValue{RepaidWei: repaidWei, SeizedWei: seizedWei}, nil
}

func (m *RiskModule) IsValidLiquidation(position PositionView, debts []DebtData, assets []AssetData) bool {
	_, err := m.ValidateLiquidation(position, debts, assets)
	return err == nil
}

// valuation prices balances and debts of a position through the per-pool
// oracles.
type valuation struct {
	pool   *Pool
	engine *RiskEngine
	tokens *TokenBook
}

func (v *valuation) balanceOf(position PositionView, asset common.Address) (*uint256.Int, error) {
	token, err := v.tokens.Token(asset)
	if err != nil {
		return nil, err
	}
	return token.BalanceOf(position.Address()), nil
}

func (v *valuation) debtValue(poolId PoolId, amt *uint256.Int) (*uint256.Int, error) {
	asset, err := v.pool.GetPoolAssetFor(poolId)
	if err != nil {
		return nil, err
	}
	return v.engine.GetValueInEth(poolId, asset, amt)
}

// positionDebts returns the wei value of what position owes each of its
// debt pools, in debt pool order, and their sum.
func (v *valuation) positionDebts(position PositionView) ([]*uint256.Int, *uint256.Int, error) {
	pools := position.GetDebtPools()
	debts := make([]*uint256.Int, len(pools))
	total := zero()
	for i, poolId := range pools {
		borrows, err := v.pool.GetBorrowsOf(poolId, position.Address())
		if err != nil {
			return nil, nil, err
		}
		if debts[i], err = v.debtValue(poolId, borrows); err != nil {
			return nil, nil, err
		}
		if total, err = Add(total, debts[i]); err != nil {
			return nil, nil, err
		}
	}
	return debts, total, nil
}

// seizedValue prices a seized asset with every oracle the repaid pools (or,
// failing those, the position's debt pools) assign to it and keeps the
// highest value.
func (v *valuation) seizedValue(repaidPools, debtPools []PoolId, asset common.Address, amt *uint256.Int) (*uint256.Int, error) {
	if amt.IsZero() {
		return zero(), nil
	}
	for _, candidates := range [][]PoolId{repaidPools, debtPools} {
		var best *uint256.Int
		for _, poolId := range candidates {
			if _, err := v.engine.GetOracleFor(poolId, asset); err != nil {
				continue
			}
			value, err := v.engine.GetValueInEth(poolId, asset, amt)
			if err != nil {
				return nil, err
			}
			if best == nil || value.Gt(best) {
				best = value
			}
		}
		if best != nil {
			return best, nil
		}
	}
	return nil, errors.Wrapf(ErrNoOracle, "no debt pool prices seized asset %s", asset.Hex())
}

func (v *valuation) ltv(poolId PoolId, asset common.Address) (*uint256.Int, error) {
	ltv := v.engine.Ltv(poolId, asset)
	if ltv.IsZero() {
		return nil, errors.Wrapf(ErrZeroLtv, "pool %s asset %s", poolId, asset.Hex())
	}
	return ltv, nil
}

// singleAssetHealthCheck serves positions with one collateral asset and any
// number of debt pools. Each pool prices the collateral with its own oracle,
// weighted by the pool's share of the total debt.
type singleAssetHealthCheck struct {
	*valuation
}

func (c *singleAssetHealthCheck) RiskData(position PositionView) (*RiskData, error) {
	debts, totalDebt, err := c.positionDebts(position)
	if err != nil {
		return nil, err
	}
	data := &RiskData{TotalAssetValue: zero(), TotalDebtValue: totalDebt, MinReqAssetValue: zero()}
	if totalDebt.IsZero() {
		return c.undebted(position, data)
	}

	assets := position.GetAssets()
	if len(assets) == 0 {
		data.MinReqAssetValue = totalDebt.Clone()
		return data, nil
	}
	asset := assets[0]
	balance, err := c.balanceOf(position, asset)
	if err != nil {
		return nil, err
	}

	for i, poolId := range position.GetDebtPools() {
		ltv, err := c.ltv(poolId, asset)
		if err != nil {
			return nil, err
		}
		minReq, err := MulDiv(debts[i], WAD, ltv, RoundUp)
		if err != nil {
			return nil, err
		}
		if data.MinReqAssetValue, err = Add(data.MinReqAssetValue, minReq); err != nil {
			return nil, err
		}

		weight, err := MulDiv(debts[i], WAD, totalDebt, RoundUp)
		if err != nil {
			return nil, err
		}
		value, err := c.engine.GetValueInEth(poolId, asset, balance)
		if err != nil {
			return nil, err
		}
		weighted, err := MulWad(value, weight, RoundDown)
		if err != nil {
			return nil, err
		}
		if data.TotalAssetValue, err = Add(data.TotalAssetValue, weighted); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// undebted values collateral of a position with no outstanding debt value
// through its first debt pool when one exists.
func (v *valuation) undebted(position PositionView, data *RiskData) (*RiskData, error) {
	pools := position.GetDebtPools()
	if len(pools) == 0 {
		return data, nil
	}
	for _, asset := range position.GetAssets() {
		balance, err := v.balanceOf(position, asset)
		if err != nil {
			return nil, err
		}
		if _, err := v.engine.GetOracleFor(pools[0], asset); err != nil {
			continue
		}
		value, err := v.engine.GetValueInEth(pools[0], asset, balance)
		if err != nil {
			return nil, err
		}
		if data.TotalAssetValue, err = Add(data.TotalAssetValue, value); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// singleDebtHealthCheck serves positions with one debt pool and several
// collateral assets. Collateral is weighted by its own share of the total
// collateral value.
type singleDebtHealthCheck struct {
	*valuation
}

func (c *singleDebtHealthCheck) RiskData(position PositionView) (*RiskData, error) {
	_, totalDebt, err := c.positionDebts(position)
	if err != nil {
		return nil, err
	}
	data := &RiskData{TotalAssetValue: zero(), TotalDebtValue: totalDebt, MinReqAssetValue: zero()}
	if totalDebt.IsZero() {
		return c.undebted(position, data)
	}
	poolId := position.GetDebtPools()[0]

	assets := position.GetAssets()
	values := make([]*uint256.Int, len(assets))
	for i, asset := range assets {
		balance, err := c.balanceOf(position, asset)
		if err != nil {
			return nil, err
		}
		if values[i], err = c.engine.GetValueInEth(poolId, asset, balance); err != nil {
			return nil, err
		}
		if data.TotalAssetValue, err = Add(data.TotalAssetValue, values[i]); err != nil {
			return nil, err
		}
	}
	if data.TotalAssetValue.IsZero() {
		data.MinReqAssetValue = totalDebt.Clone()
		return data, nil
	}

	for i, asset := range assets {
		ltv, err := c.ltv(poolId, asset)
		if err != nil {
			return nil, err
		}
		weight, err := MulDiv(values[i], WAD, data.TotalAssetValue, RoundUp)
		if err != nil {
			return nil, err
		}
		minReq, err := MulDiv(totalDebt, weight, ltv, RoundUp)
		if err != nil {
			return nil, err
		}
		if data.MinReqAssetValue, err = Add(data.MinReqAssetValue, minReq); err != nil {
			return nil, err
		}
	}
	return data, nil
}
