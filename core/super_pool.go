package core

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// SuperPool is a vault over one asset that spreads deposits across base
// pools in queue order, each up to its own cap, and issues its own shares.
type SuperPool struct {
	log    Log
	pool   *Pool
	tokens *TokenBook

	Address      common.Address
	Owner        common.Address
	Asset        common.Address
	Name         string
	FeeRecipient common.Address
	Fee          *uint256.Int
	SuperPoolCap *uint256.Int

	queue           *IterableSet[PoolId]
	poolCapFor      map[PoolId]*uint256.Int
	lastTotalAssets *uint256.Int
	totalSupply     *uint256.Int
	balances        map[common.Address]*uint256.Int
	allowances      map[common.Address]map[common.Address]*uint256.Int
}

type SuperPoolParams struct {
	Name         string
	FeeRecipient common.Address
	Fee          *uint256.Int
	SuperPoolCap *uint256.Int
}

func NewSuperPool(log Log, pool *Pool, tokens *TokenBook, address, owner, asset common.Address, params SuperPoolParams) (*SuperPool, error) {
	if params.Fee == nil || params.Fee.Gt(WAD) {
		return nil, ErrInvalidFee
	}
	if _, err := tokens.Token(asset); err != nil {
		return nil, err
	}
	superPoolCap := MaxUint256
	if params.SuperPoolCap != nil {
		superPoolCap = params.SuperPoolCap
	}
	return &SuperPool{
		log:             log,
		pool:            pool,
		tokens:          tokens,
		Address:         address,
		Owner:           owner,
		Asset:           asset,
		Name:            params.Name,
		FeeRecipient:    params.FeeRecipient,
		Fee:             params.Fee.Clone(),
		SuperPoolCap:    superPoolCap.Clone(),
		queue:           NewIterableSet[PoolId](),
		poolCapFor:      make(map[PoolId]*uint256.Int),
		lastTotalAssets: zero(),
		totalSupply:     zero(),
		balances:        make(map[common.Address]*uint256.Int),
		allowances:      make(map[common.Address]map[common.Address]*uint256.Int),
	}, nil
}

func (sp *SuperPool) onlyOwner(caller common.Address) error {
	if caller != sp.Owner {
		return ErrOnlyOwner
	}
	return nil
}

func (sp *SuperPool) token() (Token, error) {
	return sp.tokens.Token(sp.Asset)
}

// Pools returns the allocation queue.
func (sp *SuperPool) Pools() []PoolId {
	return sp.queue.Values()
}

func (sp *SuperPool) PoolCapFor(poolId PoolId) *uint256.Int {
	return clone(sp.poolCapFor[poolId])
}

func (sp *SuperPool) TotalSupply() *uint256.Int {
	return sp.totalSupply.Clone()
}

func (sp *SuperPool) BalanceOf(owner common.Address) *uint256.Int {
	return clone(sp.balances[owner])
}

func (sp *SuperPool) Allowance(owner, spender common.Address) *uint256.Int {
	return clone(sp.allowances[owner][spender])
}

func (sp *SuperPool) Approve(owner, spender common.Address, shares *uint256.Int) {
	if sp.allowances[owner] == nil {
		sp.allowances[owner] = make(map[common.Address]*uint256.Int)
	}
	sp.allowances[owner][spender] = shares.Clone()
}

// AddPool appends poolId to the queue. The base pool must lend the same asset.
func (sp *SuperPool) AddPool(caller common.Address, poolId PoolId, poolCap *uint256.Int) error {
	if err := sp.onlyOwner(caller); err != nil {
		return err
	}
	if sp.queue.Contains(poolId) {
		return errors.Wrapf(ErrPoolAlreadyAdded, "pool %s", poolId)
	}
	if poolCap == nil || poolCap.IsZero() {
		return ErrInvalidPoolCap
	}
	asset, err := sp.pool.GetPoolAssetFor(poolId)
	if err != nil {
		return err
	}
	if asset != sp.Asset {
		return errors.Wrapf(ErrInvalidAsset, "pool %s lends %s, super pool holds %s", poolId, asset.Hex(), sp.Asset.Hex())
	}
	sp.queue.Insert(poolId)
	sp.poolCapFor[poolId] = poolCap.Clone()
	return nil
}

// RemovePool drops poolId once the super pool holds nothing in it. Removal
// swaps the last pool into its slot.
func (sp *SuperPool) RemovePool(caller common.Address, poolId PoolId) error {
	if err := sp.onlyOwner(caller); err != nil {
		return err
	}
	if !sp.queue.Contains(poolId) {
		return errors.Wrapf(ErrUnknownPool, "pool %s", poolId)
	}
	if !sp.pool.SharesOf(poolId, sp.Address).IsZero() {
		return errors.Wrapf(ErrInvalidOperation, "super pool still holds assets in pool %s", poolId)
	}
	sp.queue.Remove(poolId)
	delete(sp.poolCapFor, poolId)
	return nil
}

func (sp *SuperPool) SetPoolCap(caller common.Address, poolId PoolId, poolCap *uint256.Int) error {
	if err := sp.onlyOwner(caller); err != nil {
		return err
	}
	if !sp.queue.Contains(poolId) {
		return errors.Wrapf(ErrUnknownPool, "pool %s", poolId)
	}
	if poolCap == nil || poolCap.IsZero() {
		return ErrInvalidPoolCap
	}
	sp.poolCapFor[poolId] = poolCap.Clone()
	return nil
}

func (sp *SuperPool) SetSuperPoolCap(caller common.Address, superPoolCap *uint256.Int) error {
	if err := sp.onlyOwner(caller); err != nil {
		return err
	}
	if superPoolCap == nil {
		return errors.Wrap(ErrInvalidPoolCap, "super pool cap is nil")
	}
	sp.SuperPoolCap = superPoolCap.Clone()
	return nil
}

// SetFee books pending fees at the old rate first.
func (sp *SuperPool) SetFee(caller common.Address, fee *uint256.Int) error {
	if err := sp.onlyOwner(caller); err != nil {
		return err
	}
	if fee.Gt(WAD) {
		return ErrInvalidFee
	}
	if err := sp.Accrue(); err != nil {
		return err
	}
	sp.Fee = fee.Clone()
	return nil
}

// TotalAssets is idle balance plus everything redeemable from base pools,
// interest included.
func (sp *SuperPool) TotalAssets() (*uint256.Int, error) {
	token, err := sp.token()
	if err != nil {
		return nil, err
	}
	total := token.BalanceOf(sp.Address)
	for _, poolId := range sp.queue.Values() {
		assets, err := sp.pool.GetAssetsOf(poolId, sp.Address)
		if err != nil {
			return nil, err
		}
		if total, err = Add(total, assets); err != nil {
			return nil, err
		}
	}
	return total, nil
}

// simulateAccrue returns the fee shares owed on interest earned since the
// last accrual and the new total assets.
func (sp *SuperPool) simulateAccrue() (feeShares, totalAssets *uint256.Int, err error) {
	totalAssets, err = sp.TotalAssets()
	if err != nil {
		return nil, nil, err
	}
	interest := SubFloor(totalAssets, sp.lastTotalAssets)
	if interest.IsZero() || sp.Fee.IsZero() {
		return zero(), totalAssets, nil
	}
	feeAssets, err := MulWad(interest, sp.Fee, RoundDown)
	if err != nil {
		return nil, nil, err
	}
	feeShares, err = ConvertToShares(feeAssets, new(uint256.Int).Sub(totalAssets, feeAssets), sp.totalSupply, RoundDown)
	if err != nil {
		return nil, nil, err
	}
	return feeShares, totalAssets, nil
}

func (sp *SuperPool) Accrue() error {
	feeShares, totalAssets, err := sp.simulateAccrue()
	if err != nil {
		return err
	}
	if !feeShares.IsZero() {
		if err := sp.mint(sp.FeeRecipient, feeShares); err != nil {
			return err
		}
	}
	sp.lastTotalAssets = totalAssets
	return nil
}

// ConvertToShares prices assets at the current simulated share price,
// rounding down.
func (sp *SuperPool) ConvertToShares(assets *uint256.Int) (*uint256.Int, error) {
	feeShares, totalAssets, err := sp.simulateAccrue()
	if err != nil {
		return nil, err
	}
	supply, err := Add(sp.totalSupply, feeShares)
	if err != nil {
		return nil, err
	}
	return ConvertToShares(assets, totalAssets, supply, RoundDown)
}

func (sp *SuperPool) ConvertToAssets(shares *uint256.Int) (*uint256.Int, error) {
	feeShares, totalAssets, err := sp.simulateAccrue()
	if err != nil {
		return nil, err
	}
	supply, err := Add(sp.totalSupply, feeShares)
	if err != nil {
		return nil, err
	}
	return ConvertToAssets(shares, totalAssets, supply, RoundDown)
}

func (sp *SuperPool) PreviewDeposit(assets *uint256.Int) (*uint256.Int, error) {
	return sp.ConvertToShares(assets)
}

func (sp *SuperPool) PreviewRedeem(shares *uint256.Int) (*uint256.Int, error) {
	return sp.ConvertToAssets(shares)
}

// atomic undoes every token, base pool and super pool change made by fn when
// it fails.
func (sp *SuperPool) atomic(fn func() error) error {
	restoreTokens := sp.tokens.checkpoint()
	commitPool, restorePool := sp.pool.checkpoint()
	restore := sp.checkpoint()
	if err := fn(); err != nil {
		restoreTokens()
		restorePool()
		restore()
		return err
	}
	commitPool()
	return nil
}

// Deposit pulls assets from caller, mints shares to receiver and allocates
// the assets across the queue.
func (sp *SuperPool) Deposit(caller common.Address, assets *uint256.Int, receiver common.Address) (shares *uint256.Int, err error) {
	err = sp.atomic(func() error {
		if assets.IsZero() {
			return ErrZeroAmount
		}
		if err := sp.Accrue(); err != nil {
			return err
		}
		if shares, err = ConvertToShares(assets, sp.lastTotalAssets, sp.totalSupply, RoundDown); err != nil {
			return err
		}
		if shares.IsZero() {
			return errors.Wrapf(ErrZeroShares, "deposit %s", assets.Dec())
		}
		return sp.deposit(caller, receiver, assets, shares)
	})
	if err != nil {
		return nil, err
	}
	return shares, nil
}

func (sp *SuperPool) deposit(caller, receiver common.Address, assets, shares *uint256.Int) error {
	total, err := Add(sp.lastTotalAssets, assets)
	if err != nil || total.Gt(sp.SuperPoolCap) {
		return errors.Wrapf(ErrSuperPoolCapExceeded, "cap %s", sp.SuperPoolCap.Dec())
	}
	token, err := sp.token()
	if err != nil {
		return err
	}
	if err := token.TransferFrom(sp.Address, caller, sp.Address, assets); err != nil {
		return err
	}
	if err := sp.mint(receiver, shares); err != nil {
		return err
	}
	if err := sp.supplyToPools(token, assets); err != nil {
		return err
	}
	sp.lastTotalAssets = total
	return nil
}

// supplyToPools fills each pool up to its cap in queue order. Pools that
// refuse the deposit are skipped and leftovers stay idle.
func (sp *SuperPool) supplyToPools(token Token, assets *uint256.Int) error {
	remaining := assets.Clone()
	for _, poolId := range sp.queue.Values() {
		if remaining.IsZero() {
			return nil
		}
		held, err := sp.pool.GetAssetsOf(poolId, sp.Address)
		if err != nil {
			return err
		}
		room := SubFloor(sp.poolCapFor[poolId], held)
		if room.IsZero() {
			continue
		}
		amt := Min(room, remaining)
		if err := token.Approve(sp.Address, sp.pool.Address, amt); err != nil {
			return err
		}
		if _, err := sp.pool.Deposit(sp.Address, poolId, amt, sp.Address); err != nil {
			sp.log.Debug().Err(err).Str("pool", poolId.Hex()).Str("amount", amt.Dec()).Msg("super pool deposit skipped")
			continue
		}
		remaining.Sub(remaining, amt)
	}
	return nil
}

// Withdraw sends exactly assets to receiver and burns the shares they cost
// from owner, rounding up.
func (sp *SuperPool) Withdraw(caller common.Address, assets *uint256.Int, receiver, owner common.Address) (shares *uint256.Int, err error) {
	err = sp.atomic(func() error {
		if assets.IsZero() {
			return ErrZeroAmount
		}
		if err := sp.Accrue(); err != nil {
			return err
		}
		if shares, err = ConvertToShares(assets, sp.lastTotalAssets, sp.totalSupply, RoundUp); err != nil {
			return err
		}
		if shares.IsZero() {
			return errors.Wrapf(ErrZeroShares, "withdraw %s", assets.Dec())
		}
		return sp.withdraw(caller, receiver, owner, assets, shares)
	})
	if err != nil {
		return nil, err
	}
	return shares, nil
}

// Redeem burns shares from owner and sends the assets they are worth,
// rounded down, to receiver.
func (sp *SuperPool) Redeem(caller common.Address, shares *uint256.Int, receiver, owner common.Address) (assets *uint256.Int, err error) {
	err = sp.atomic(func() error {
		if shares.IsZero() {
			return ErrZeroAmount
		}
		if err := sp.Accrue(); err != nil {
			return err
		}
		if assets, err = ConvertToAssets(shares, sp.lastTotalAssets, sp.totalSupply, RoundDown); err != nil {
			return err
		}
		if assets.IsZero() {
			return errors.Wrapf(ErrZeroShares, "redeem %s shares", shares.Dec())
		}
		return sp.withdraw(caller, receiver, owner, assets, shares)
	})
	if err != nil {
		return nil, err
	}
	return assets, nil
}

func (sp *SuperPool) withdraw(caller, receiver, owner common.Address, assets, shares *uint256.Int) error {
	if caller != owner {
		allowance := sp.Allowance(owner, caller)
		if allowance.Lt(shares) {
			return errors.Wrapf(ErrInsufficientAllowance, "%s allowed %s shares by %s", caller.Hex(), allowance.Dec(), owner.Hex())
		}
		if !isMax(allowance) {
			sp.Approve(owner, caller, new(uint256.Int).Sub(allowance, shares))
		}
	}
	if err := sp.burn(owner, shares); err != nil {
		return err
	}
	token, err := sp.token()
	if err != nil {
		return err
	}
	if err := sp.withdrawFromPools(token, assets); err != nil {
		return err
	}
	if sp.lastTotalAssets, err = Sub(sp.lastTotalAssets, assets); err != nil {
		return err
	}
	return token.Transfer(sp.Address, receiver, assets)
}

// withdrawFromPools spends idle balance first, then drains pools in queue
// order, each bounded by its free liquidity.
func (sp *SuperPool) withdrawFromPools(token Token, assets *uint256.Int) error {
	idle := token.BalanceOf(sp.Address)
	if !idle.Lt(assets) {
		return nil
	}
	remaining := new(uint256.Int).Sub(assets, idle)
	for _, poolId := range sp.queue.Values() {
		held, err := sp.pool.GetAssetsOf(poolId, sp.Address)
		if err != nil {
			return err
		}
		if held.IsZero() {
			continue
		}
		liquidity, err := sp.pool.GetLiquidityOf(poolId)
		if err != nil {
			return err
		}
		amt := Min(Min(held, remaining), liquidity)
		if amt.IsZero() {
			continue
		}
		if _, err := sp.pool.WithdrawAssets(sp.Address, poolId, amt, sp.Address, sp.Address); err != nil {
			sp.log.Debug().Err(err).Str("pool", poolId.Hex()).Str("amount", amt.Dec()).Msg("super pool withdraw skipped")
			continue
		}
		remaining.Sub(remaining, amt)
		if remaining.IsZero() {
			return nil
		}
	}
	return errors.Wrapf(ErrNotEnoughLiquidity, "%s short", remaining.Dec())
}

// Transfer moves super pool shares between holders.
func (sp *SuperPool) Transfer(caller, to common.Address, shares *uint256.Int) error {
	if err := sp.burn(caller, shares); err != nil {
		return err
	}
	return sp.mint(to, shares)
}

func (sp *SuperPool) mint(to common.Address, shares *uint256.Int) error {
	supply, err := Add(sp.totalSupply, shares)
	if err != nil {
		return err
	}
	balance, err := Add(sp.BalanceOf(to), shares)
	if err != nil {
		return err
	}
	sp.totalSupply = supply
	sp.balances[to] = balance
	return nil
}

func (sp *SuperPool) burn(from common.Address, shares *uint256.Int) error {
	balance := sp.BalanceOf(from)
	if balance.Lt(shares) {
		return errors.Wrapf(ErrInsufficientBalance, "%s holds %s super pool shares, needs %s", from.Hex(), balance.Dec(), shares.Dec())
	}
	sp.balances[from] = new(uint256.Int).Sub(balance, shares)
	sp.totalSupply = new(uint256.Int).Sub(sp.totalSupply, shares)
	return nil
}

func (sp *SuperPool) checkpoint() func() {
	queue := sp.queue.Clone()
	lastTotalAssets := sp.lastTotalAssets.Clone()
	totalSupply := sp.totalSupply.Clone()
	balances := make(map[common.Address]*uint256.Int, len(sp.balances))
	for k, v := range sp.balances {
		balances[k] = v.Clone()
	}
	allowances := make(map[common.Address]map[common.Address]*uint256.Int, len(sp.allowances))
	for owner, m := range sp.allowances {
		inner := make(map[common.Address]*uint256.Int, len(m))
		for k, v := range m {
			inner[k] = v.Clone()
		}
		allowances[owner] = inner
	}
	return func() {
		sp.queue = queue
		sp.lastTotalAssets = lastTotalAssets
		sp.totalSupply = totalSupply
		sp.balances = balances
		sp.allowances = allowances
	}
}
