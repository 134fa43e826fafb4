package core

import (
	"github.com/DomeLiquid/isolend/utils"
	"github.com/ethereum/go-ethereum/common"
	"github.com/facebookgo/clock"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

type PoolId common.Hash

func (id PoolId) Hex() string    { return common.Hash(id).Hex() }
func (id PoolId) String() string { return id.Hex() }

func HexToPoolId(s string) PoolId {
	return PoolId(common.HexToHash(s))
}

type (
	// Valuer prices an amount of asset in wei through the oracle a pool has
	// configured for it.
	Valuer interface {
		GetValueInEth(poolId PoolId, asset common.Address, amount *uint256.Int) (*uint256.Int, error)
	}

	PoolData struct {
		Id           PoolId         `json:"id"`
		Owner        common.Address `json:"owner"`
		Asset        common.Address `json:"asset"`
		RateModelKey common.Hash    `json:"rateModelKey"`
		IsPaused     bool           `json:"isPaused"`

		PoolCap        *uint256.Int `json:"poolCap"`
		InterestFee    *uint256.Int `json:"interestFee"`
		OriginationFee *uint256.Int `json:"originationFee"`

		TotalDepositAssets *uint256.Int `json:"totalDepositAssets"`
		TotalDepositShares *uint256.Int `json:"totalDepositShares"`
		TotalBorrowAssets  *uint256.Int `json:"totalBorrowAssets"`
		TotalBorrowShares  *uint256.Int `json:"totalBorrowShares"`

		LastUpdated uint64 `json:"lastUpdated"`

		rateModel RateModel
	}

	PoolParams struct {
		FeeRecipient          common.Address
		MinBorrow             *uint256.Int
		MinDebt               *uint256.Int
		DefaultInterestFee    *uint256.Int
		DefaultOriginationFee *uint256.Int
	}
)

func (d *PoolData) Clone() *PoolData {
	return &PoolData{
		Id:                 d.Id,
		Owner:              d.Owner,
		Asset:              d.Asset,
		RateModelKey:       d.RateModelKey,
		IsPaused:           d.IsPaused,
		PoolCap:            clone(d.PoolCap),
		InterestFee:        clone(d.InterestFee),
		OriginationFee:     clone(d.OriginationFee),
		TotalDepositAssets: clone(d.TotalDepositAssets),
		TotalDepositShares: clone(d.TotalDepositShares),
		TotalBorrowAssets:  clone(d.TotalBorrowAssets),
		TotalBorrowShares:  clone(d.TotalBorrowShares),
		LastUpdated:        d.LastUpdated,
		rateModel:          d.rateModel,
	}
}

func (d *PoolData) IsUncapped() bool {
	return isMax(d.PoolCap)
}

// Pool is the singleton ledger for every lending market. Each market is keyed
// by PoolId and holds its own share accounting. All markets keep their tokens
// at Address.
type Pool struct {
	clk      clock.Clock
	log      Log
	registry *Registry
	tokens   *TokenBook
	valuer   Valuer
	recorder Recorder

	Address common.Address
	PoolParams

	poolIds      []PoolId
	pools        map[PoolId]*PoolData
	shares       map[PoolId]map[common.Address]*uint256.Int
	borrowShares map[PoolId]map[common.Address]*uint256.Int
	allowances   map[common.Address]map[common.Address]map[PoolId]*uint256.Int
	operators    map[common.Address]map[common.Address]bool

	journals []*poolJournal
}

type (
	balanceKey struct {
		poolId PoolId
		holder common.Address
	}

	allowanceKey struct {
		owner, spender common.Address
		poolId         PoolId
	}

	operatorKey struct {
		owner, operator common.Address
	}

	accrual struct {
		poolId   PoolId
		interest *uint256.Int
	}

	// poolJournal holds the value each touched entry had when the journal
	// opened. A nil pool was created inside the journal.
	poolJournal struct {
		poolCount    int
		pools        map[PoolId]*PoolData
		shares       map[balanceKey]*uint256.Int
		borrowShares map[balanceKey]*uint256.Int
		allowances   map[allowanceKey]*uint256.Int
		operators    map[operatorKey]bool
		accruals     []accrual
	}
)

func NewPool(clk clock.Clock, log Log, address common.Address, registry *Registry, tokens *TokenBook, params PoolParams) *Pool {
	params.MinBorrow = clone(params.MinBorrow)
	params.MinDebt = clone(params.MinDebt)
	params.DefaultInterestFee = clone(params.DefaultInterestFee)
	params.DefaultOriginationFee = clone(params.DefaultOriginationFee)
	return &Pool{
		clk:          clk,
		log:          log,
		registry:     registry,
		tokens:       tokens,
		recorder:     NopRecorder{},
		Address:      address,
		PoolParams:   params,
		pools:        make(map[PoolId]*PoolData),
		shares:       make(map[PoolId]map[common.Address]*uint256.Int),
		borrowShares: make(map[PoolId]map[common.Address]*uint256.Int),
		allowances:   make(map[common.Address]map[common.Address]map[PoolId]*uint256.Int),
		operators:    make(map[common.Address]map[common.Address]bool),
	}
}

// SetValuer wires the oracle lookup used for minBorrow and minDebt. Without a
// valuer both thresholds are compared against raw asset amounts.
func (p *Pool) SetValuer(v Valuer) {
	p.valuer = v
}

func (p *Pool) SetRecorder(r Recorder) {
	p.recorder = r
}

func (p *Pool) now() uint64 {
	return uint64(p.clk.Now().Unix())
}

// onlyPositionManager fails while no position manager is registered, so the
// zero address never passes.
func (p *Pool) onlyPositionManager(caller common.Address) error {
	pm := p.registry.GetAddress(PositionManagerKey)
	if pm == (common.Address{}) {
		return errors.Wrap(ErrOnlyPositionManager, "no position manager registered")
	}
	if caller != pm {
		return ErrOnlyPositionManager
	}
	return nil
}

func (p *Pool) poolData(poolId PoolId) (*PoolData, error) {
	pool, ok := p.pools[poolId]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownPool, "pool %s", poolId)
	}
	p.touchPool(pool)
	return pool, nil
}

func (p *Pool) onlyPoolOwner(caller common.Address, poolId PoolId) (*PoolData, error) {
	pool, err := p.poolData(poolId)
	if err != nil {
		return nil, err
	}
	if caller != pool.Owner {
		return nil, errors.Wrapf(ErrOnlyPoolOwner, "pool %s", poolId)
	}
	return pool, nil
}

func (p *Pool) valueOf(pool *PoolData, amount *uint256.Int) (*uint256.Int, error) {
	if p.valuer == nil {
		return amount.Clone(), nil
	}
	return p.valuer.GetValueInEth(pool.Id, pool.Asset, amount)
}

// InitializePool opens a market owned by caller. The id is derived from the
// caller, asset, rate model key and salt; reusing all four fails.
func (p *Pool) InitializePool(caller, asset common.Address, rateModelKey common.Hash, poolCap *uint256.Int, salt common.Hash) (PoolId, error) {
	if poolCap == nil || poolCap.IsZero() {
		return PoolId{}, ErrInvalidPoolCap
	}
	rateModel, err := p.registry.RateModel(rateModelKey)
	if err != nil {
		return PoolId{}, err
	}
	if _, err := p.tokens.Token(asset); err != nil {
		return PoolId{}, err
	}

	poolId := PoolId(utils.DerivePoolId(caller, asset, rateModelKey, salt))
	if _, ok := p.pools[poolId]; ok {
		return PoolId{}, errors.Wrapf(ErrPoolExists, "pool %s", poolId)
	}

	if j := p.journal(); j != nil {
		j.pools[poolId] = nil
	}
	p.pools[poolId] = &PoolData{
		Id:                 poolId,
		Owner:              caller,
		Asset:              asset,
		RateModelKey:       rateModelKey,
		PoolCap:            poolCap.Clone(),
		InterestFee:        p.DefaultInterestFee.Clone(),
		OriginationFee:     p.DefaultOriginationFee.Clone(),
		TotalDepositAssets: zero(),
		TotalDepositShares: zero(),
		TotalBorrowAssets:  zero(),
		TotalBorrowShares:  zero(),
		LastUpdated:        p.now(),
		rateModel:          rateModel,
	}
	p.poolIds = append(p.poolIds, poolId)

	p.log.Info().Str("pool", poolId.Hex()).Str("owner", caller.Hex()).Str("asset", asset.Hex()).Msg("pool initialized")
	return poolId, nil
}

// simulateAccrue returns the interest accrued since the last update and the
// deposit shares minted to the fee recipient out of it, without writing.
func (p *Pool) simulateAccrue(pool *PoolData, now uint64) (interest, feeShares *uint256.Int, err error) {
	interest, err = pool.rateModel.GetInterestAccrued(pool.LastUpdated, now, pool.TotalBorrowAssets, pool.TotalDepositAssets)
	if err != nil {
		return nil, nil, err
	}
	if interest.IsZero() || pool.InterestFee.IsZero() {
		return interest, zero(), nil
	}

	feeAssets, err := MulWad(interest, pool.InterestFee, RoundDown)
	if err != nil {
		return nil, nil, err
	}
	totalAssets, err := Add(pool.TotalDepositAssets, interest)
	if err != nil {
		return nil, nil, err
	}
	feeShares, err = ConvertToShares(feeAssets, new(uint256.Int).Sub(totalAssets, feeAssets), pool.TotalDepositShares, RoundDown)
	if err != nil {
		return nil, nil, err
	}
	return interest, feeShares, nil
}

func (p *Pool) accrue(pool *PoolData) error {
	now := p.now()
	if now <= pool.LastUpdated {
		return nil
	}

	interest, feeShares, err := p.simulateAccrue(pool, now)
	if err != nil {
		return err
	}
	totalBorrowAssets, err := Add(pool.TotalBorrowAssets, interest)
	if err != nil {
		return err
	}
	totalDepositAssets, err := Add(pool.TotalDepositAssets, interest)
	if err != nil {
		return err
	}
	totalDepositShares, err := Add(pool.TotalDepositShares, feeShares)
	if err != nil {
		return err
	}

	if !feeShares.IsZero() {
		if err := p.creditShares(pool.Id, p.FeeRecipient, feeShares); err != nil {
			return err
		}
	}
	pool.TotalBorrowAssets = totalBorrowAssets
	pool.TotalDepositAssets = totalDepositAssets
	pool.TotalDepositShares = totalDepositShares
	pool.LastUpdated = now

	if !interest.IsZero() {
		p.log.Debug().
			Str("pool", pool.Id.Hex()).
			Str("interest", interest.Dec()).
			Str("feeShares", feeShares.Dec()).
			Str("totalBorrowAssets", totalBorrowAssets.Dec()).
			Msg("interest accrued")
		p.recordInterest(pool.Id, interest)
	}
	return nil
}

// Accrue brings a market's totals up to the current block time. A second call
// at the same timestamp changes nothing.
func (p *Pool) Accrue(poolId PoolId) error {
	pool, err := p.poolData(poolId)
	if err != nil {
		return err
	}
	return p.accrue(pool)
}

// Deposit pulls assets from caller and mints deposit shares to receiver,
// rounding shares down.
func (p *Pool) Deposit(caller common.Address, poolId PoolId, assets *uint256.Int, receiver common.Address) (*uint256.Int, error) {
	pool, err := p.poolData(poolId)
	if err != nil {
		return nil, err
	}
	if pool.IsPaused {
		return nil, errors.Wrapf(ErrPoolPaused, "pool %s", poolId)
	}
	if assets.IsZero() {
		return nil, ErrZeroAmount
	}
	if err := p.accrue(pool); err != nil {
		return nil, err
	}

	totalDepositAssets, err := Add(pool.TotalDepositAssets, assets)
	if err != nil || totalDepositAssets.Gt(pool.PoolCap) {
		return nil, errors.Wrapf(ErrPoolCapExceeded, "pool %s cap %s", poolId, pool.PoolCap.Dec())
	}
	shares, err := ConvertToShares(assets, pool.TotalDepositAssets, pool.TotalDepositShares, RoundDown)
	if err != nil {
		return nil, err
	}
	if shares.IsZero() {
		return nil, errors.Wrapf(ErrZeroShares, "deposit %s into pool %s", assets.Dec(), poolId)
	}
	totalDepositShares, err := Add(pool.TotalDepositShares, shares)
	if err != nil {
		return nil, err
	}

	token, err := p.tokens.Token(pool.Asset)
	if err != nil {
		return nil, err
	}
	if err := token.TransferFrom(p.Address, caller, p.Address, assets); err != nil {
		return nil, err
	}
	if err := p.creditShares(poolId, receiver, shares); err != nil {
		return nil, err
	}
	pool.TotalDepositAssets = totalDepositAssets
	pool.TotalDepositShares = totalDepositShares
	return shares, nil
}

// Withdraw burns shares from owner and sends the assets they are worth,
// rounded down, to receiver.
func (p *Pool) Withdraw(caller common.Address, poolId PoolId, shares *uint256.Int, receiver, owner common.Address) (*uint256.Int, error) {
	pool, err := p.poolData(poolId)
	if err != nil {
		return nil, err
	}
	if shares.IsZero() {
		return nil, ErrZeroAmount
	}
	if err := p.accrue(pool); err != nil {
		return nil, err
	}
	assets, err := ConvertToAssets(shares, pool.TotalDepositAssets, pool.TotalDepositShares, RoundDown)
	if err != nil {
		return nil, err
	}
	if assets.IsZero() {
		return nil, errors.Wrapf(ErrZeroShares, "withdraw %s shares from pool %s", shares.Dec(), poolId)
	}
	if err := p.withdraw(caller, pool, assets, shares, receiver, owner); err != nil {
		return nil, err
	}
	return assets, nil
}

// WithdrawAssets sends exactly assets to receiver and burns the shares they
// cost, rounded up.
func (p *Pool) WithdrawAssets(caller common.Address, poolId PoolId, assets *uint256.Int, receiver, owner common.Address) (*uint256.Int, error) {
	pool, err := p.poolData(poolId)
	if err != nil {
		return nil, err
	}
	if assets.IsZero() {
		return nil, ErrZeroAmount
	}
	if err := p.accrue(pool); err != nil {
		return nil, err
	}
	shares, err := ConvertToShares(assets, pool.TotalDepositAssets, pool.TotalDepositShares, RoundUp)
	if err != nil {
		return nil, err
	}
	if shares.IsZero() {
		return nil, errors.Wrapf(ErrZeroShares, "withdraw %s from pool %s", assets.Dec(), poolId)
	}
	if err := p.withdraw(caller, pool, assets, shares, receiver, owner); err != nil {
		return nil, err
	}
	return shares, nil
}

func (p *Pool) withdraw(caller common.Address, pool *PoolData, assets, shares *uint256.Int, receiver, owner common.Address) error {
	balance := p.SharesOf(pool.Id, owner)
	if balance.Lt(shares) {
		return errors.Wrapf(ErrInsufficientBalance, "%s holds %s shares of pool %s, needs %s", owner.Hex(), balance.Dec(), pool.Id, shares.Dec())
	}

	var allowance *uint256.Int
	if caller != owner && !p.IsOperator(owner, caller) {
		allowance = p.Allowance(owner, caller, pool.Id)
		if allowance.Lt(shares) {
			return errors.Wrapf(ErrInsufficientAllowance, "%s allowed %s shares by %s", caller.Hex(), allowance.Dec(), owner.Hex())
		}
	}

	liquidity, err := p.liquidityOf(pool)
	if err != nil {
		return err
	}
	if assets.Gt(liquidity) {
		return errors.Wrapf(ErrInsufficientLiquidity, "pool %s has %s, needs %s", pool.Id, liquidity.Dec(), assets.Dec())
	}
	totalDepositAssets, err := Sub(pool.TotalDepositAssets, assets)
	if err != nil {
		return err
	}
	totalDepositShares, err := Sub(pool.TotalDepositShares, shares)
	if err != nil {
		return err
	}

	token, err := p.tokens.Token(pool.Asset)
	if err != nil {
		return err
	}
	if err := token.Transfer(p.Address, receiver, assets); err != nil {
		return err
	}
	if allowance != nil && !isMax(allowance) {
		p.setAllowance(owner, caller, pool.Id, new(uint256.Int).Sub(allowance, shares))
	}
	p.setShares(pool.Id, owner, new(uint256.Int).Sub(balance, shares))
	pool.TotalDepositAssets = totalDepositAssets
	pool.TotalDepositShares = totalDepositShares
	return nil
}

// Borrow lends amt to position. Only the position manager may call it. The
// origination fee is skimmed to the fee recipient while the position owes the
// full amount.
func (p *Pool) Borrow(caller common.Address, poolId PoolId, position common.Address, amt *uint256.Int) (*uint256.Int, error) {
	if err := p.onlyPositionManager(caller); err != nil {
		return nil, err
	}
	pool, err := p.poolData(poolId)
	if err != nil {
		return nil, err
	}
	if pool.IsPaused {
		return nil, errors.Wrapf(ErrPoolPaused, "pool %s", poolId)
	}
	if amt.IsZero() {
		return nil, ErrZeroAmount
	}
	if err := p.accrue(pool); err != nil {
		return nil, err
	}

	value, err := p.valueOf(pool, amt)
	if err != nil {
		return nil, err
	}
	if value.Lt(p.MinBorrow) {
		return nil, errors.Wrapf(ErrMinBorrow, "borrow worth %s wei, minimum %s", value.Dec(), p.MinBorrow.Dec())
	}
	liquidity, err := p.liquidityOf(pool)
	if err != nil {
		return nil, err
	}
	if amt.Gt(liquidity) {
		return nil, errors.Wrapf(ErrInsufficientLiquidity, "pool %s has %s, needs %s", poolId, liquidity.Dec(), amt.Dec())
	}

	shares, err := ConvertToShares(amt, pool.TotalBorrowAssets, pool.TotalBorrowShares, RoundUp)
	if err != nil {
		return nil, err
	}
	if shares.IsZero() {
		return nil, errors.Wrapf(ErrZeroShares, "borrow %s from pool %s", amt.Dec(), poolId)
	}
	totalBorrowAssets, err := Add(pool.TotalBorrowAssets, amt)
	if err != nil {
		return nil, err
	}
	totalBorrowShares, err := Add(pool.TotalBorrowShares, shares)
	if err != nil {
		return nil, err
	}
	positionShares, err := Add(p.BorrowSharesOf(poolId, position), shares)
	if err != nil {
		return nil, err
	}
	if err := p.checkMinDebt(pool, positionShares, totalBorrowAssets, totalBorrowShares); err != nil {
		return nil, err
	}

	fee, err := MulWad(amt, pool.OriginationFee, RoundDown)
	if err != nil {
		return nil, err
	}
	token, err := p.tokens.Token(pool.Asset)
	if err != nil {
		return nil, err
	}
	if !fee.IsZero() {
		if err := token.Transfer(p.Address, p.FeeRecipient, fee); err != nil {
			return nil, err
		}
	}
	if err := token.Transfer(p.Address, position, new(uint256.Int).Sub(amt, fee)); err != nil {
		return nil, err
	}

	p.setBorrowShares(poolId, position, positionShares)
	pool.TotalBorrowAssets = totalBorrowAssets
	pool.TotalBorrowShares = totalBorrowShares

	p.log.Debug().Str("pool", poolId.Hex()).Str("position", position.Hex()).Str("amount", amt.Dec()).Str("fee", fee.Dec()).Msg("borrow")
	return shares, nil
}

// Repay burns the position's debt shares worth amt, rounded down. amt equal
// to MaxUint256 clears every share the position owes and charges their
// value rounded up, skipping the dust check. The caller moves the returned
// assets into the pool.
func (p *Pool) Repay(caller common.Address, poolId PoolId, position common.Address, amt *uint256.Int) (repaid, remainingShares *uint256.Int, err error) {
	if err := p.onlyPositionManager(caller); err != nil {
		return nil, nil, err
	}
	pool, err := p.poolData(poolId)
	if err != nil {
		return nil, nil, err
	}
	if amt.IsZero() {
		return nil, nil, ErrZeroAmount
	}
	if err := p.accrue(pool); err != nil {
		return nil, nil, err
	}

	positionShares := p.BorrowSharesOf(poolId, position)
	if isMax(amt) {
		return p.repayAll(pool, position, positionShares)
	}

	shares, err := ConvertToShares(amt, pool.TotalBorrowAssets, pool.TotalBorrowShares, RoundDown)
	if err != nil {
		return nil, nil, err
	}
	if shares.IsZero() {
		return nil, nil, errors.Wrapf(ErrZeroShares, "repay %s to pool %s", amt.Dec(), poolId)
	}
	if shares.Gt(positionShares) {
		return nil, nil, errors.Wrapf(ErrRepayExceedsDebt, "repay %s shares, position owes %s", shares.Dec(), positionShares.Dec())
	}
	totalBorrowAssets, err := Sub(pool.TotalBorrowAssets, amt)
	if err != nil {
		return nil, nil, err
	}
	totalBorrowShares := new(uint256.Int).Sub(pool.TotalBorrowShares, shares)
	remainingShares = new(uint256.Int).Sub(positionShares, shares)
	if !remainingShares.IsZero() {
		if err := p.checkMinDebt(pool, remainingShares, totalBorrowAssets, totalBorrowShares); err != nil {
			return nil, nil, err
		}
	}

	p.setBorrowShares(pool.Id, position, remainingShares)
	pool.TotalBorrowAssets = totalBorrowAssets
	pool.TotalBorrowShares = totalBorrowShares
	return amt.Clone(), remainingShares, nil
}

func (p *Pool) repayAll(pool *PoolData, position common.Address, positionShares *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	if positionShares.IsZero() {
		return nil, nil, errors.Wrapf(ErrZeroShares, "position %s owes nothing to pool %s", position.Hex(), pool.Id)
	}
	assets, err := ConvertToAssets(positionShares, pool.TotalBorrowAssets, pool.TotalBorrowShares, RoundUp)
	if err != nil {
		return nil, nil, err
	}
	assets = Min(assets, pool.TotalBorrowAssets)

	p.setBorrowShares(pool.Id, position, zero())
	pool.TotalBorrowAssets = new(uint256.Int).Sub(pool.TotalBorrowAssets, assets)
	pool.TotalBorrowShares = new(uint256.Int).Sub(pool.TotalBorrowShares, positionShares)
	return assets, zero(), nil
}

func (p *Pool) checkMinDebt(pool *PoolData, shares, totalBorrowAssets, totalBorrowShares *uint256.Int) error {
	debt, err := ConvertToAssets(shares, totalBorrowAssets, totalBorrowShares, RoundDown)
	if err != nil {
		return err
	}
	value, err := p.valueOf(pool, debt)
	if err != nil {
		return err
	}
	if value.Lt(p.MinDebt) {
		return errors.Wrapf(ErrDebtTooLow, "debt worth %s wei, minimum %s", value.Dec(), p.MinDebt.Dec())
	}
	return nil
}

// liquidityOf is the idle balance, capped by what the pool actually holds.
func (p *Pool) liquidityOf(pool *PoolData) (*uint256.Int, error) {
	token, err := p.tokens.Token(pool.Asset)
	if err != nil {
		return nil, err
	}
	idle := SubFloor(pool.TotalDepositAssets, pool.TotalBorrowAssets)
	return Min(idle, token.BalanceOf(p.Address)), nil
}

func (p *Pool) GetLiquidityOf(poolId PoolId) (*uint256.Int, error) {
	pool, err := p.poolData(poolId)
	if err != nil {
		return nil, err
	}
	return p.liquidityOf(pool)
}

// PreviewAccrue returns the interest and fee shares an accrue at the current
// time would book.
func (p *Pool) PreviewAccrue(poolId PoolId) (interest, feeShares *uint256.Int, err error) {
	pool, err := p.poolData(poolId)
	if err != nil {
		return nil, nil, err
	}
	return p.simulateAccrue(pool, p.now())
}

func (p *Pool) GetTotalAssets(poolId PoolId) (*uint256.Int, error) {
	pool, err := p.poolData(poolId)
	if err != nil {
		return nil, err
	}
	interest, _, err := p.simulateAccrue(pool, p.now())
	if err != nil {
		return nil, err
	}
	return Add(pool.TotalDepositAssets, interest)
}

func (p *Pool) GetTotalBorrows(poolId PoolId) (*uint256.Int, error) {
	pool, err := p.poolData(poolId)
	if err != nil {
		return nil, err
	}
	interest, _, err := p.simulateAccrue(pool, p.now())
	if err != nil {
		return nil, err
	}
	return Add(pool.TotalBorrowAssets, interest)
}

// GetBorrowsOf is the position's debt including unaccrued interest, rounded up.
func (p *Pool) GetBorrowsOf(poolId PoolId, position common.Address) (*uint256.Int, error) {
	pool, err := p.poolData(poolId)
	if err != nil {
		return nil, err
	}
	interest, _, err := p.simulateAccrue(pool, p.now())
	if err != nil {
		return nil, err
	}
	totalBorrowAssets, err := Add(pool.TotalBorrowAssets, interest)
	if err != nil {
		return nil, err
	}
	return ConvertToAssets(p.BorrowSharesOf(poolId, position), totalBorrowAssets, pool.TotalBorrowShares, RoundUp)
}

// GetAssetsOf is what owner's deposit shares would redeem for now, rounded down.
func (p *Pool) GetAssetsOf(poolId PoolId, owner common.Address) (*uint256.Int, error) {
	pool, err := p.poolData(poolId)
	if err != nil {
		return nil, err
	}
	interest, feeShares, err := p.simulateAccrue(pool, p.now())
	if err != nil {
		return nil, err
	}
	totalDepositAssets, err := Add(pool.TotalDepositAssets, interest)
	if err != nil {
		return nil, err
	}
	totalDepositShares, err := Add(pool.TotalDepositShares, feeShares)
	if err != nil {
		return nil, err
	}
	shares := p.SharesOf(poolId, owner)
	if owner == p.FeeRecipient {
		if shares, err = Add(shares, feeShares); err != nil {
			return nil, err
		}
	}
	return ConvertToAssets(shares, totalDepositAssets, totalDepositShares, RoundDown)
}

func (p *Pool) GetRateModelOf(poolId PoolId) (RateModel, error) {
	pool, err := p.poolData(poolId)
	if err != nil {
		return nil, err
	}
	return pool.rateModel, nil
}

func (p *Pool) GetPoolAssetFor(poolId PoolId) (common.Address, error) {
	pool, err := p.poolData(poolId)
	if err != nil {
		return common.Address{}, err
	}
	return pool.Asset, nil
}

func (p *Pool) OwnerOf(poolId PoolId) (common.Address, error) {
	pool, err := p.poolData(poolId)
	if err != nil {
		return common.Address{}, err
	}
	return pool.Owner, nil
}

// PoolDataOf returns a copy of the market state as last written.
func (p *Pool) PoolDataOf(poolId PoolId) (*PoolData, error) {
	pool, err := p.poolData(poolId)
	if err != nil {
		return nil, err
	}
	return pool.Clone(), nil
}

// PoolIds lists markets in initialization order.
func (p *Pool) PoolIds() []PoolId {
	out := make([]PoolId, len(p.poolIds))
	copy(out, p.poolIds)
	return out
}

func (p *Pool) SharesOf(poolId PoolId, owner common.Address) *uint256.Int {
	return clone(p.shares[poolId][owner])
}

func (p *Pool) BorrowSharesOf(poolId PoolId, position common.Address) *uint256.Int {
	return clone(p.borrowShares[poolId][position])
}

func (p *Pool) Allowance(owner, spender common.Address, poolId PoolId) *uint256.Int {
	return clone(p.allowances[owner][spender][poolId])
}

func (p *Pool) IsOperator(owner, operator common.Address) bool {
	return p.operators[owner][operator]
}

// Approve lets spender withdraw up to amount of owner's shares in poolId.
func (p *Pool) Approve(owner, spender common.Address, poolId PoolId, amount *uint256.Int) {
	p.setAllowance(owner, spender, poolId, amount.Clone())
}

func (p *Pool) SetOperator(owner, operator common.Address, approved bool) {
	if j := p.journal(); j != nil {
		k := operatorKey{owner: owner, operator: operator}
		if _, ok := j.operators[k]; !ok {
			j.operators[k] = p.operators[owner][operator]
		}
	}
	if p.operators[owner] == nil {
		p.operators[owner] = make(map[common.Address]bool)
	}
	p.operators[owner][operator] = approved
}

func (p *Pool) setAllowance(owner, spender common.Address, poolId PoolId, amount *uint256.Int) {
	if j := p.journal(); j != nil {
		k := allowanceKey{owner: owner, spender: spender, poolId: poolId}
		if _, ok := j.allowances[k]; !ok {
			j.allowances[k] = clone(p.allowances[owner][spender][poolId])
		}
	}
	if p.allowances[owner] == nil {
		p.allowances[owner] = make(map[common.Address]map[PoolId]*uint256.Int)
	}
	if p.allowances[owner][spender] == nil {
		p.allowances[owner][spender] = make(map[PoolId]*uint256.Int)
	}
	p.allowances[owner][spender][poolId] = amount
}

func (p *Pool) setShares(poolId PoolId, owner common.Address, amount *uint256.Int) {
	if j := p.journal(); j != nil {
		saveBalance(j.shares, p.shares, poolId, owner)
	}
	setBalance(p.shares, poolId, owner, amount)
}

func (p *Pool) creditShares(poolId PoolId, owner common.Address, amount *uint256.Int) error {
	balance, err := Add(p.SharesOf(poolId, owner), amount)
	if err != nil {
		return err
	}
	p.setShares(poolId, owner, balance)
	return nil
}

func (p *Pool) setBorrowShares(poolId PoolId, position common.Address, amount *uint256.Int) {
	if j := p.journal(); j != nil {
		saveBalance(j.borrowShares, p.borrowShares, poolId, position)
	}
	setBalance(p.borrowShares, poolId, position, amount)
}

func saveBalance(saved map[balanceKey]*uint256.Int, live map[PoolId]map[common.Address]*uint256.Int, poolId PoolId, holder common.Address) {
	k := balanceKey{poolId: poolId, holder: holder}
	if _, ok := saved[k]; !ok {
		saved[k] = clone(live[poolId][holder])
	}
}

func setBalance(m map[PoolId]map[common.Address]*uint256.Int, poolId PoolId, holder common.Address, amount *uint256.Int) {
	if amount.IsZero() {
		delete(m[poolId], holder)
		return
	}
	if m[poolId] == nil {
		m[poolId] = make(map[common.Address]*uint256.Int)
	}
	m[poolId][holder] = amount
}

func (p *Pool) SetPoolCap(caller common.Address, poolId PoolId, poolCap *uint256.Int) error {
	pool, err := p.onlyPoolOwner(caller, poolId)
	if err != nil {
		return err
	}
	if poolCap == nil || poolCap.IsZero() {
		return ErrInvalidPoolCap
	}
	pool.PoolCap = poolCap.Clone()
	return nil
}

// TogglePause flips the pause flag. Paused pools refuse deposits and borrows
// but still accept repayments and withdrawals.
func (p *Pool) TogglePause(caller common.Address, poolId PoolId) (bool, error) {
	pool, err := p.onlyPoolOwner(caller, poolId)
	if err != nil {
		return false, err
	}
	pool.IsPaused = !pool.IsPaused
	p.log.Info().Str("pool", poolId.Hex()).Bool("paused", pool.IsPaused).Msg("pool pause toggled")
	return pool.IsPaused, nil
}

// SetRateModel books interest under the old model before switching.
func (p *Pool) SetRateModel(caller common.Address, poolId PoolId, rateModelKey common.Hash) error {
	pool, err := p.onlyPoolOwner(caller, poolId)
	if err != nil {
		return err
	}
	rateModel, err := p.registry.RateModel(rateModelKey)
	if err != nil {
		return err
	}
	if err := p.accrue(pool); err != nil {
		return err
	}
	pool.RateModelKey = rateModelKey
	pool.rateModel = rateModel
	return nil
}

func (p *Pool) SetInterestFee(caller common.Address, poolId PoolId, fee *uint256.Int) error {
	pool, err := p.onlyPoolOwner(caller, poolId)
	if err != nil {
		return err
	}
	if fee.Gt(WAD) {
		return ErrInvalidFee
	}
	if err := p.accrue(pool); err != nil {
		return err
	}
	pool.InterestFee = fee.Clone()
	return nil
}

func (p *Pool) SetOriginationFee(caller common.Address, poolId PoolId, fee *uint256.Int) error {
	pool, err := p.onlyPoolOwner(caller, poolId)
	if err != nil {
		return err
	}
	if fee.Gt(WAD) {
		return ErrInvalidFee
	}
	pool.OriginationFee = fee.Clone()
	return nil
}

// checkpoint opens a journal over the pool. The first write to a market or
// balance saves its prior value. Interest accrued inside the journal reaches
// the recorder once the outermost journal commits. Exactly one of the
// returned funcs must be called.
func (p *Pool) checkpoint() (commit, rollback func()) {
	p.journals = append(p.journals, &poolJournal{
		poolCount:    len(p.poolIds),
		pools:        make(map[PoolId]*PoolData),
		shares:       make(map[balanceKey]*uint256.Int),
		borrowShares: make(map[balanceKey]*uint256.Int),
		allowances:   make(map[allowanceKey]*uint256.Int),
		operators:    make(map[operatorKey]bool),
	})
	return p.commit, p.rollback
}

func (p *Pool) journal() *poolJournal {
	if len(p.journals) == 0 {
		return nil
	}
	return p.journals[len(p.journals)-1]
}

func (p *Pool) popJournal() *poolJournal {
	j := p.journal()
	p.journals = p.journals[:len(p.journals)-1]
	return j
}

func (p *Pool) commit() {
	j := p.popJournal()
	parent := p.journal()
	if parent == nil {
		for _, a := range j.accruals {
			p.recorder.InterestAccrued(a.poolId, a.interest)
		}
		return
	}
	for k, v := range j.pools {
		if _, ok := parent.pools[k]; !ok {
			parent.pools[k] = v
		}
	}
	mergeBalances(parent.shares, j.shares)
	mergeBalances(parent.borrowShares, j.borrowShares)
	for k, v := range j.allowances {
		if _, ok := parent.allowances[k]; !ok {
			parent.allowances[k] = v
		}
	}
	for k, v := range j.operators {
		if _, ok := parent.operators[k]; !ok {
			parent.operators[k] = v
		}
	}
	parent.accruals = append(parent.accruals, j.accruals...)
}

func (p *Pool) rollback() {
	j := p.popJournal()
	for id, prior := range j.pools {
		if prior == nil {
			delete(p.pools, id)
			delete(p.shares, id)
			delete(p.borrowShares, id)
			continue
		}
		p.pools[id] = prior
	}
	p.poolIds = p.poolIds[:j.poolCount]
	for k, prior := range j.shares {
		setBalance(p.shares, k.poolId, k.holder, prior)
	}
	for k, prior := range j.borrowShares {
		setBalance(p.borrowShares, k.poolId, k.holder, prior)
	}
	for k, prior := range j.allowances {
		if prior.IsZero() {
			delete(p.allowances[k.owner][k.spender], k.poolId)
			continue
		}
		p.allowances[k.owner][k.spender][k.poolId] = prior
	}
	for k, prior := range j.operators {
		if !prior {
			delete(p.operators[k.owner], k.operator)
			continue
		}
		p.operators[k.owner][k.operator] = prior
	}
}

// recordInterest reports interest now, or on commit inside a journal.
func (p *Pool) recordInterest(poolId PoolId, interest *uint256.Int) {
	if j := p.journal(); j != nil {
		j.accruals = append(j.accruals, accrual{poolId: poolId, interest: interest.Clone()})
		return
	}
	p.recorder.InterestAccrued(poolId, interest)
}

func (p *Pool) touchPool(pool *PoolData) {
	if j := p.journal(); j != nil {
		if _, ok := j.pools[pool.Id]; !ok {
			j.pools[pool.Id] = pool.Clone()
		}
	}
}

func mergeBalances(parent, child map[balanceKey]*uint256.Int) {
	for k, v := range child {
		if _, ok := parent[k]; !ok {
			parent[k] = v
		}
	}
}
