package core

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

type PositionType uint8

const (
	SingleDebtPosition  PositionType = 0x1
	SingleAssetPosition PositionType = 0x2
)

func (pt PositionType) String() string {
	switch pt {
	case SingleDebtPosition:
		return "SingleDebt"
	case SingleAssetPosition:
		return "SingleAsset"
	default:
		return "Unknown"
	}
}

func (pt PositionType) Valid() bool {
	return pt == SingleDebtPosition || pt == SingleAssetPosition
}

type (
	// PositionView is the read surface the risk module needs.
	PositionView interface {
		Address() common.Address
		Type() PositionType
		GetAssets() []common.Address
		GetDebtPools() []PoolId
	}

	// Target is an external contract a position may call through Exec. The
	// first four bytes of data select the function.
	Target interface {
		Call(from common.Address, data []byte) error
	}

	// positionKind carries the structural rule of a position type.
	positionKind interface {
		validateBorrow(p *Position, poolId PoolId) error
		validateAddAsset(p *Position, asset common.Address) error
	}
)

// FuncSelector returns the four byte selector of a function signature such
// as "swap(address,uint256)".
func FuncSelector(signature string) [4]byte {
	var sel [4]byte
	copy(sel[:], crypto.Keccak256([]byte(signature))[:4])
	return sel
}

// Position is a collateral and debt account. Every mutation must come from
// its manager.
type Position struct {
	address common.Address
	typ     PositionType
	kind    positionKind
	manager common.Address
	pool    *Pool
	tokens  *TokenBook

	Owner     common.Address
	CreatedAt int64

	assets    *IterableSet[common.Address]
	debtPools *IterableSet[PoolId]
}

func NewPosition(address, owner, manager common.Address, typ PositionType, pool *Pool, tokens *TokenBook, createdAt int64) (*Position, error) {
	var kind positionKind
	switch typ {
	case SingleDebtPosition:
		kind = singleDebtKind{}
	case SingleAssetPosition:
		kind = singleAssetKind{}
	default:
		return nil, errors.Wrapf(ErrInvalidPositionType, "type %d", typ)
	}
	return &Position{
		address:   address,
		typ:       typ,
		kind:      kind,
		manager:   manager,
		pool:      pool,
		tokens:    tokens,
		Owner:     owner,
		CreatedAt: createdAt,
		assets:    NewIterableSet[common.Address](),
		debtPools: NewIterableSet[PoolId](),
	}, nil
}

func (p *Position) Address() common.Address { return p.address }
func (p *Position) Type() PositionType      { return p.typ }

func (p *Position) GetAssets() []common.Address {
	return p.assets.Values()
}

func (p *Position) GetDebtPools() []PoolId {
	return p.debtPools.Values()
}

func (p *Position) HasAsset(asset common.Address) bool {
	return p.assets.Contains(asset)
}

func (p *Position) HasDebtPool(poolId PoolId) bool {
	return p.debtPools.Contains(poolId)
}

func (p *Position) onlyManager(caller common.Address) error {
	if caller != p.manager {
		return errors.Wrapf(ErrOnlyPositionManager, "position %s", p.address.Hex())
	}
	return nil
}

// Borrow registers poolId as a debt pool. The pool itself books the debt.
func (p *Position) Borrow(caller common.Address, poolId PoolId) error {
	if err := p.onlyManager(caller); err != nil {
		return err
	}
	if err := p.kind.validateBorrow(p, poolId); err != nil {
		return err
	}
	if !p.debtPools.Contains(poolId) && p.debtPools.Len() >= MAX_DEBT_POOL_LIMIT {
		return errors.Wrapf(ErrDebtPoolLimit, "position %s", p.address.Hex())
	}
	p.debtPools.Insert(poolId)
	return nil
}

// Repay drops poolId from the debt pools once the position holds no borrow
// shares there. Tokens are moved by the manager.
func (p *Position) Repay(caller common.Address, poolId PoolId) error {
	if err := p.onlyManager(caller); err != nil {
		return err
	}
	if p.pool.BorrowSharesOf(poolId, p.address).IsZero() {
		p.debtPools.Remove(poolId)
	}
	return nil
}

func (p *Position) AddAsset(caller common.Address, asset common.Address) error {
	if err := p.onlyManager(caller); err != nil {
		return err
	}
	if err := p.kind.validateAddAsset(p, asset); err != nil {
		return err
	}
	if !p.assets.Contains(asset) && p.assets.Len() >= MAX_ASSET_LIMIT {
		return errors.Wrapf(ErrAssetLimit, "position %s", p.address.Hex())
	}
	p.assets.Insert(asset)
	return nil
}

func (p *Position) RemoveAsset(caller common.Address, asset common.Address) error {
	if err := p.onlyManager(caller); err != nil {
		return err
	}
	p.assets.Remove(asset)
	return nil
}

func (p *Position) Transfer(caller, to, asset common.Address, amt *uint256.Int) error {
	if err := p.onlyManager(caller); err != nil {
		return err
	}
	token, err := p.tokens.Token(asset)
	if err != nil {
		return err
	}
	return token.Transfer(p.address, to, amt)
}

func (p *Position) Approve(caller, asset, spender common.Address, amt *uint256.Int) error {
	if err := p.onlyManager(caller); err != nil {
		return err
	}
	token, err := p.tokens.Token(asset)
	if err != nil {
		return err
	}
	return token.Approve(p.address, spender, amt)
}

// Exec calls target on behalf of the position without inspecting data.
func (p *Position) Exec(caller common.Address, target Target, data []byte) error {
	if err := p.onlyManager(caller); err != nil {
		return err
	}
	return target.Call(p.address, data)
}

func (p *Position) checkpoint() func() {
	assets := p.assets.Clone()
	debtPools := p.debtPools.Clone()
	return func() {
		p.assets = assets
		p.debtPools = debtPools
	}
}

// singleDebtKind allows one debt pool and several collateral assets.
type singleDebtKind struct{}

func (singleDebtKind) validateBorrow(p *Position, poolId PoolId) error {
	if p.debtPools.Len() > 0 && !p.debtPools.Contains(poolId) {
		return errors.Wrapf(ErrInvalidBorrow, "position %s already owes pool %s", p.address.Hex(), p.debtPools.At(0))
	}
	return nil
}

func (singleDebtKind) validateAddAsset(*Position, common.Address) error {
	return nil
}

// singleAssetKind allows one collateral asset and several debt pools. A
// second distinct asset is rejected rather than replacing the first.
type singleAssetKind struct{}

func (singleAssetKind) validateBorrow(*Position, PoolId) error {
	return nil
}

func (singleAssetKind) validateAddAsset(p *Position, asset common.Address) error {
	if p.assets.Len() > 0 && !p.assets.Contains(asset) {
		return errors.Wrapf(ErrInvalidAsset, "position %s already holds %s", p.address.Hex(), p.assets.At(0).Hex())
	}
	return nil
}
