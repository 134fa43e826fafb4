package isolend

import (
	"github.com/DomeLiquid/isolend/core"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type (
	PositionAsset struct {
		Asset            common.Address  `json:"asset"`
		Amount           decimal.Decimal `json:"amount"`
		PriceInEth       decimal.Decimal `json:"priceInEth"`
		ValueInEth       decimal.Decimal `json:"valueInEth"`
		BorrowPowerInEth decimal.Decimal `json:"borrowPowerInEth"`
	}

	// PositionDebt.Headroom is how much more of the asset the position could
	// borrow before its collateral stops covering it.
	PositionDebt struct {
		PoolId     core.PoolId     `json:"poolId"`
		Asset      common.Address  `json:"asset"`
		Amount     decimal.Decimal `json:"amount"`
		PriceInEth decimal.Decimal `json:"priceInEth"`
		ValueInEth decimal.Decimal `json:"valueInEth"`
		Headroom   decimal.Decimal `json:"headroom"`
	}

	// PositionData is a read only view of a position. HealthFactor is nil
	// when the position has no debt.
	PositionData struct {
		Position         common.Address    `json:"position"`
		Owner            common.Address    `json:"owner"`
		Type             core.PositionType `json:"type"`
		Assets           []PositionAsset   `json:"assets"`
		Debts            []PositionDebt    `json:"debts"`
		TotalAssetValue  decimal.Decimal   `json:"totalAssetValue"`
		BorrowPowerValue decimal.Decimal   `json:"borrowPowerValue"`
		TotalDebtValue   decimal.Decimal   `json:"totalDebtValue"`
		MinReqAssetValue decimal.Decimal   `json:"minReqAssetValue"`
		HealthFactor     *decimal.Decimal  `json:"healthFactor,omitempty"`
		IsHealthy        bool              `json:"isHealthy"`
	}

	PoolData struct {
		PoolId         core.PoolId     `json:"poolId"`
		Owner          common.Address  `json:"owner"`
		Asset          common.Address  `json:"asset"`
		IsPaused       bool            `json:"isPaused"`
		IsUncapped     bool            `json:"isUncapped"`
		PoolCap        decimal.Decimal `json:"poolCap"`
		TotalAssets    decimal.Decimal `json:"totalAssets"`
		TotalBorrows   decimal.Decimal `json:"totalBorrows"`
		Liquidity      decimal.Decimal `json:"liquidity"`
		Utilization    decimal.Decimal `json:"utilization"`
		InterestFee    decimal.Decimal `json:"interestFee"`
		OriginationFee decimal.Decimal `json:"originationFee"`
		BorrowApr      decimal.Decimal `json:"borrowApr"`
		BorrowApy      decimal.Decimal `json:"borrowApy"`
		SupplyApr      decimal.Decimal `json:"supplyApr"`
		SupplyApy      decimal.Decimal `json:"supplyApy"`
	}
)

// PredictAddress returns the address a new position would get and whether it
// is still free.
func (p *Protocol) PredictAddress(owner common.Address, salt common.Hash, typ core.PositionType) (common.Address, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.PositionManager.PredictAddress(owner, salt, typ)
}

func (p *Protocol) GetPositionData(position common.Address) (*PositionData, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	pos, err := p.PositionManager.Position(position)
	if err != nil {
		return nil, err
	}
	data := &PositionData{
		Position: position,
		Owner:    pos.Owner,
		Type:     pos.Type(),
	}

	debtPools := pos.GetDebtPools()
	for _, poolId := range debtPools {
		asset, err := p.Pool.GetPoolAssetFor(poolId)
		if err != nil {
			return nil, err
		}
		token, err := p.Tokens.Token(asset)
		if err != nil {
			return nil, err
		}
		borrows, err := p.Pool.GetBorrowsOf(poolId, position)
		if err != nil {
			return nil, err
		}
		value, err := p.RiskEngine.GetValueInEth(poolId, asset, borrows)
		if err != nil {
			return nil, err
		}
		price, err := p.priceInEth(poolId, asset, token.Decimals())
		if err != nil {
			return nil, err
		}
		data.Debts = append(data.Debts, PositionDebt{
			PoolId:     poolId,
			Asset:      asset,
			Amount:     core.ToDecimal(borrows, token.Decimals()),
			PriceInEth: price,
			ValueInEth: core.ToDecimal(value, WAD_DECIMALS),
		})
	}

	for _, asset := range pos.GetAssets() {
		token, err := p.Tokens.Token(asset)
		if err != nil {
			return nil, err
		}
		balance := token.BalanceOf(position)
		item := PositionAsset{
			Asset:  asset,
			Amount: core.ToDecimal(balance, token.Decimals()),
		}
		// collateral is only priced where a debt pool configures an oracle
		if len(debtPools) > 0 {
			price, err := p.priceInEth(debtPools[0], asset, token.Decimals())
			switch {
			case errors.Is(err, core.ErrNoOracle):
			case err != nil:
				return nil, err
			default:
				value, err := p.RiskEngine.GetValueInEth(debtPools[0], asset, balance)
				if err != nil {
					return nil, err
				}
				ltv := core.ToDecimal(p.RiskEngine.Ltv(debtPools[0], asset), WAD_DECIMALS)
				item.PriceInEth = price
				item.ValueInEth = core.ToDecimal(value, WAD_DECIMALS)
				item.BorrowPowerInEth = CalcValue(item.Amount, price, &ltv)
				data.BorrowPowerValue = data.BorrowPowerValue.Add(item.BorrowPowerInEth)
			}
		}
		data.Assets = append(data.Assets, item)
	}

	risk, err := p.RiskEngine.GetRiskData(pos)
	if err != nil {
		return nil, err
	}
	data.TotalAssetValue = core.ToDecimal(risk.TotalAssetValue, WAD_DECIMALS)
	data.TotalDebtValue = core.ToDecimal(risk.TotalDebtValue, WAD_DECIMALS)
	data.MinReqAssetValue = core.ToDecimal(risk.MinReqAssetValue, WAD_DECIMALS)
	data.IsHealthy = risk.IsHealthy()
	if !risk.TotalDebtValue.IsZero() {
		if hf, ok := HealthFactor(data.TotalAssetValue, data.MinReqAssetValue); ok {
			data.HealthFactor = &hf
		}
	}

	if available := data.BorrowPowerValue.Sub(data.TotalDebtValue); available.IsPositive() {
		for i := range data.Debts {
			amount, err := CalcAmount(available, data.Debts[i].PriceInEth)
			if err != nil {
				continue
			}
			token, err := p.Tokens.Token(data.Debts[i].Asset)
			if err != nil {
				return nil, err
			}
			data.Debts[i].Headroom = amount.Truncate(int32(token.Decimals()))
		}
	}
	return data, nil
}

// priceInEth is the value of one whole token of asset as priced for poolId.
func (p *Protocol) priceInEth(poolId core.PoolId, asset common.Address, decimals uint8) (decimal.Decimal, error) {
	unit := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals)))
	value, err := p.RiskEngine.GetValueInEth(poolId, asset, unit)
	if err != nil {
		return decimal.Zero, err
	}
	return core.ToDecimal(value, WAD_DECIMALS), nil
}

func (p *Protocol) GetPoolData(poolId core.PoolId) (*PoolData, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	pool, err := p.Pool.PoolDataOf(poolId)
	if err != nil {
		return nil, err
	}
	snapshot, err := p.Pool.Snapshot(poolId)
	if err != nil {
		return nil, err
	}
	token, err := p.Tokens.Token(pool.Asset)
	if err != nil {
		return nil, err
	}

	data := &PoolData{
		PoolId:         poolId,
		Owner:          pool.Owner,
		Asset:          pool.Asset,
		IsPaused:       pool.IsPaused,
		IsUncapped:     pool.IsUncapped(),
		TotalAssets:    snapshot.TotalAssets,
		TotalBorrows:   snapshot.TotalBorrows,
		Liquidity:      snapshot.Liquidity,
		Utilization:    snapshot.Utilization,
		InterestFee:    core.ToDecimal(pool.InterestFee, WAD_DECIMALS),
		OriginationFee: core.ToDecimal(pool.OriginationFee, WAD_DECIMALS),
		BorrowApr:      snapshot.BorrowRate,
		BorrowApy:      AprToApy(snapshot.BorrowRate),
	}
	if !data.IsUncapped {
		data.PoolCap = core.ToDecimal(pool.PoolCap, token.Decimals())
	}
	data.SupplyApr = SupplyApr(data.BorrowApr, data.Utilization, data.InterestFee)
	data.SupplyApy = AprToApy(data.SupplyApr)
	return data, nil
}
