package core

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/facebookgo/clock"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

type LtvState uint8

func (s LtvState) String() string {
	switch s {
	case LtvStateNone:
		return "None"
	case LtvStateRequested:
		return "Requested"
	case LtvStateActive:
		return "Active"
	default:
		return "Unknown"
	}
}

const (
	LtvStateNone LtvState = iota
	LtvStateRequested
	LtvStateActive
)

type (
	LtvUpdate struct {
		Ltv        *uint256.Int `json:"ltv"`
		ValidAfter uint64       `json:"validAfter"`
	}

	// LtvStatus is the lifecycle of one (pool, asset) key. Ltv is the active
	// value, Pending the request waiting for acceptance.
	LtvStatus struct {
		State   LtvState     `json:"state"`
		Ltv     *uint256.Int `json:"ltv"`
		Pending *LtvUpdate   `json:"pending,omitempty"`
	}

	RiskParams struct {
		MinLtv      *uint256.Int
		MaxLtv      *uint256.Int
		LtvTimelock uint64
		LtvDeadline uint64
	}
)

// RiskEngine holds the oracle and LTV for every (pool, asset) pair and
// answers solvency questions through the RiskModule.
type RiskEngine struct {
	clk        clock.Clock
	log        Log
	pool       *Pool
	riskModule *RiskModule

	Owner common.Address
	RiskParams

	oracles      map[common.Address]Oracle
	knownOracles map[common.Address]bool
	oracleFor    map[PoolId]map[common.Address]common.Address
	ltvFor       map[PoolId]map[common.Address]*uint256.Int
	ltvUpdateFor map[PoolId]map[common.Address]*LtvUpdate
}

func NewRiskEngine(clk clock.Clock, log Log, owner common.Address, pool *Pool, params RiskParams) (*RiskEngine, error) {
	if params.MinLtv == nil || params.MaxLtv == nil || params.MinLtv.IsZero() || params.MinLtv.Gt(params.MaxLtv) || params.MaxLtv.Gt(WAD) {
		return nil, errors.Wrap(ErrLtvOutOfBounds, "ltv bounds must satisfy 0 < min <= max <= 1e18")
	}
	params.MinLtv = params.MinLtv.Clone()
	params.MaxLtv = params.MaxLtv.Clone()
	return &RiskEngine{
		clk:          clk,
		log:          log,
		pool:         pool,
		Owner:        owner,
		RiskParams:   params,
		oracles:      make(map[common.Address]Oracle),
		knownOracles: make(map[common.Address]bool),
		oracleFor:    make(map[PoolId]map[common.Address]common.Address),
		ltvFor:       make(map[PoolId]map[common.Address]*uint256.Int),
		ltvUpdateFor: make(map[PoolId]map[common.Address]*LtvUpdate),
	}, nil
}

func (r *RiskEngine) SetRiskModule(m *RiskModule) {
	r.riskModule = m
}

func (r *RiskEngine) RiskModule() *RiskModule {
	return r.riskModule
}

func (r *RiskEngine) now() uint64 {
	return uint64(r.clk.Now().Unix())
}

// RegisterOracle adds an oracle implementation under addr and marks it known.
func (r *RiskEngine) RegisterOracle(caller, addr common.Address, oracle Oracle) error {
	if caller != r.Owner {
		return ErrOnlyOwner
	}
	r.oracles[addr] = oracle
	r.knownOracles[addr] = true
	return nil
}

func (r *RiskEngine) ToggleOracleStatus(caller, addr common.Address) (bool, error) {
	if caller != r.Owner {
		return false, ErrOnlyOwner
	}
	if _, ok := r.oracles[addr]; !ok {
		return false, errors.Wrapf(ErrUnknownOracle, "oracle %s", addr.Hex())
	}
	r.knownOracles[addr] = !r.knownOracles[addr]
	return r.knownOracles[addr], nil
}

func (r *RiskEngine) IsKnownOracle(addr common.Address) bool {
	return r.knownOracles[addr]
}

// SetOracle assigns a known oracle to price asset inside poolId.
func (r *RiskEngine) SetOracle(caller common.Address, poolId PoolId, asset, oracle common.Address) error {
	if caller != r.Owner {
		return ErrOnlyOwner
	}
	if !r.knownOracles[oracle] {
		return errors.Wrapf(ErrUnknownOracle, "oracle %s", oracle.Hex())
	}
	if r.oracleFor[poolId] == nil {
		r.oracleFor[poolId] = make(map[common.Address]common.Address)
	}
	r.oracleFor[poolId][asset] = oracle
	r.log.Info().Str("pool", poolId.Hex()).Str("asset", asset.Hex()).Str("oracle", oracle.Hex()).Msg("oracle set")
	return nil
}

// GetOracleFor fails when no oracle is assigned or the assigned one has since
// been toggled off.
func (r *RiskEngine) GetOracleFor(poolId PoolId, asset common.Address) (Oracle, error) {
	addr, ok := r.oracleFor[poolId][asset]
	if !ok {
		return nil, errors.Wrapf(ErrNoOracle, "pool %s asset %s", poolId, asset.Hex())
	}
	if !r.knownOracles[addr] {
		return nil, errors.Wrapf(ErrUnknownOracle, "oracle %s", addr.Hex())
	}
	return r.oracles[addr], nil
}

// GetValueInEth prices amount of asset with the oracle poolId uses for it.
func (r *RiskEngine) GetValueInEth(poolId PoolId, asset common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if amount.IsZero() {
		return zero(), nil
	}
	oracle, err := r.GetOracleFor(poolId, asset)
	if err != nil {
		return nil, err
	}
	return oracle.GetValueInEth(asset, amount)
}

// Ltv returns zero for pairs that were never accepted.
func (r *RiskEngine) Ltv(poolId PoolId, asset common.Address) *uint256.Int {
	return clone(r.ltvFor[poolId][asset])
}

func (r *RiskEngine) LtvStateOf(poolId PoolId, asset common.Address) LtvStatus {
	status := LtvStatus{State: LtvStateNone, Ltv: r.Ltv(poolId, asset)}
	if !status.Ltv.IsZero() {
		status.State = LtvStateActive
	}
	if update, ok := r.ltvUpdateFor[poolId][asset]; ok {
		status.State = LtvStateRequested
		status.Pending = &LtvUpdate{Ltv: update.Ltv.Clone(), ValidAfter: update.ValidAfter}
	}
	return status
}

// RequestLtvUpdate queues a new LTV for (poolId, asset). The first LTV for a
// pair may be accepted immediately, later changes wait LtvTimelock seconds.
func (r *RiskEngine) RequestLtvUpdate(caller common.Address, poolId PoolId, asset common.Address, ltv *uint256.Int) error {
	owner, err := r.pool.OwnerOf(poolId)
	if err != nil {
		return err
	}
	if caller != owner {
		return errors.Wrapf(ErrOnlyPoolOwner, "pool %s", poolId)
	}
	if _, err := r.GetOracleFor(poolId, asset); err != nil {
		return err
	}
	if ltv.Lt(r.MinLtv) || ltv.Gt(r.MaxLtv) {
		return errors.Wrapf(ErrLtvOutOfBounds, "ltv %s not in [%s, %s]", ltv.Dec(), r.MinLtv.Dec(), r.MaxLtv.Dec())
	}

	validAfter := r.now()
	if !r.Ltv(poolId, asset).IsZero() {
		validAfter += r.LtvTimelock
	}
	if r.ltvUpdateFor[poolId] == nil {
		r.ltvUpdateFor[poolId] = make(map[common.Address]*LtvUpdate)
	}
	r.ltvUpdateFor[poolId][asset] = &LtvUpdate{Ltv: ltv.Clone(), ValidAfter: validAfter}

	r.log.Info().Str("pool", poolId.Hex()).Str("asset", asset.Hex()).Str("ltv", ltv.Dec()).Uint64("validAfter", validAfter).Msg("ltv update requested")
	return nil
}

// AcceptLtvUpdate applies the pending request once its timelock passed and
// before it expires.
func (r *RiskEngine) AcceptLtvUpdate(caller common.Address, poolId PoolId, asset common.Address) error {
	update, err := r.pendingLtvUpdate(caller, poolId, asset)
	if err != nil {
		return err
	}
	now := r.now()
	if now < update.ValidAfter {
		return errors.Wrapf(ErrLtvUpdateTimelocked, "valid after %d, now %d", update.ValidAfter, now)
	}
	if now > update.ValidAfter+r.LtvDeadline {
		return errors.Wrapf(ErrLtvUpdateExpired, "expired at %d, now %d", update.ValidAfter+r.LtvDeadline, now)
	}

	if r.ltvFor[poolId] == nil {
		r.ltvFor[poolId] = make(map[common.Address]*uint256.Int)
	}
	r.ltvFor[poolId][asset] = update.Ltv.Clone()
	delete(r.ltvUpdateFor[poolId], asset)

	r.log.Info().Str("pool", poolId.Hex()).Str("asset", asset.Hex()).Str("ltv", update.Ltv.Dec()).Msg("ltv update accepted")
	return nil
}

func (r *RiskEngine) RejectLtvUpdate(caller common.Address, poolId PoolId, asset common.Address) error {
	if _, err := r.pendingLtvUpdate(caller, poolId, asset); err != nil {
		return err
	}
	delete(r.ltvUpdateFor[poolId], asset)
	return nil
}

func (r *RiskEngine) pendingLtvUpdate(caller common.Address, poolId PoolId, asset common.Address) (*LtvUpdate, error) {
	owner, err := r.pool.OwnerOf(poolId)
	if err != nil {
		return nil, err
	}
	if caller != owner {
		return nil, errors.Wrapf(ErrOnlyPoolOwner, "pool %s", poolId)
	}
	update, ok := r.ltvUpdateFor[poolId][asset]
	if !ok {
		return nil, errors.Wrapf(ErrNoLtvUpdate, "pool %s asset %s", poolId, asset.Hex())
	}
	return update, nil
}

func (r *RiskEngine) GetRiskData(position PositionView) (*RiskData, error) {
	return r.riskModule.GetRiskData(position)
}

func (r *RiskEngine) IsPositionHealthy(position PositionView) (bool, error) {
	return r.riskModule.IsPositionHealthy(position)
}

func (r *RiskEngine) ValidateLiquidation(position PositionView, debts []DebtData, assets []AssetData) (*LiquidationValue, error) {
	return r.riskModule.ValidateLiquidation(position, debts, assets)
}
