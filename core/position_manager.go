package core

import (
	"context"

	"github.com/DomeLiquid/isolend/utils"
	"github.com/ethereum/go-ethereum/common"
	"github.com/facebookgo/clock"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// PositionManager is the only entry point that mutates positions. A batch of
// actions runs in order against one position and either commits whole or
// leaves no trace.
type PositionManager struct {
	clk          clock.Clock
	log          Log
	pool         *Pool
	riskEngine   *RiskEngine
	tokens       *TokenBook
	operateStore OperateStore
	recorder     Recorder

	Address        common.Address
	Owner          common.Address
	LiquidationFee *uint256.Int

	nonce          uint64
	positions      map[common.Address]*Position
	positionsOf    map[common.Address][]common.Address
	isAuth         map[common.Address]map[common.Address]bool
	knownAssets    map[common.Address]bool
	knownSpenders  map[common.Address]bool
	contracts      map[common.Address]Target
	knownContracts map[common.Address]bool
	knownFuncs     map[common.Address]map[[4]byte]bool
}

func NewPositionManager(clk clock.Clock, log Log, address, owner common.Address, pool *Pool, riskEngine *RiskEngine, tokens *TokenBook, liquidationFee *uint256.Int) (*PositionManager, error) {
	if liquidationFee == nil || liquidationFee.Gt(WAD) {
		return nil, errors.Wrap(ErrInvalidFee, "liquidation fee")
	}
	return &PositionManager{
		clk:            clk,
		log:            log,
		pool:           pool,
		riskEngine:     riskEngine,
		tokens:         tokens,
		recorder:       NopRecorder{},
		Address:        address,
		Owner:          owner,
		LiquidationFee: liquidationFee.Clone(),
		positions:      make(map[common.Address]*Position),
		positionsOf:    make(map[common.Address][]common.Address),
		isAuth:         make(map[common.Address]map[common.Address]bool),
		knownAssets:    make(map[common.Address]bool),
		knownSpenders:  make(map[common.Address]bool),
		contracts:      make(map[common.Address]Target),
		knownContracts: make(map[common.Address]bool),
		knownFuncs:     make(map[common.Address]map[[4]byte]bool),
	}, nil
}

func (pm *PositionManager) SetOperateStore(s OperateStore) {
	pm.operateStore = s
}

func (pm *PositionManager) SetRecorder(r Recorder) {
	pm.recorder = r
}

func (pm *PositionManager) Position(position common.Address) (*Position, error) {
	pos, ok := pm.positions[position]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownPosition, "position %s", position.Hex())
	}
	return pos, nil
}

// PositionsOf lists an owner's positions in creation order.
func (pm *PositionManager) PositionsOf(owner common.Address) []common.Address {
	out := make([]common.Address, len(pm.positionsOf[owner]))
	copy(out, pm.positionsOf[owner])
	return out
}

// PredictAddress returns the address NewPosition would create and whether it
// is still free.
func (pm *PositionManager) PredictAddress(owner common.Address, salt common.Hash, typ PositionType) (common.Address, bool) {
	addr := utils.PredictPositionAddress(pm.Address, owner, salt, uint8(typ))
	_, taken := pm.positions[addr]
	return addr, !taken
}

func (pm *PositionManager) IsAuth(position, operator common.Address) bool {
	return pm.isAuth[position][operator]
}

// ToggleAuth lets the position owner grant or revoke an operator.
func (pm *PositionManager) ToggleAuth(caller, position, operator common.Address) (bool, error) {
	pos, err := pm.Position(position)
	if err != nil {
		return false, err
	}
	if caller != pos.Owner {
		return false, errors.Wrapf(ErrOnlyPositionOwner, "position %s", position.Hex())
	}
	if pm.isAuth[position] == nil {
		pm.isAuth[position] = make(map[common.Address]bool)
	}
	pm.isAuth[position][operator] = !pm.isAuth[position][operator]
	return pm.isAuth[position][operator], nil
}

func (pm *PositionManager) onlyOwner(caller common.Address) error {
	if caller != pm.Owner {
		return ErrOnlyOwner
	}
	return nil
}

func (pm *PositionManager) ToggleKnownAsset(caller, asset common.Address) (bool, error) {
	if err := pm.onlyOwner(caller); err != nil {
		return false, err
	}
	pm.knownAssets[asset] = !pm.knownAssets[asset]
	return pm.knownAssets[asset], nil
}

func (pm *PositionManager) ToggleKnownSpender(caller, spender common.Address) (bool, error) {
	if err := pm.onlyOwner(caller); err != nil {
		return false, err
	}
	pm.knownSpenders[spender] = !pm.knownSpenders[spender]
	return pm.knownSpenders[spender], nil
}

// RegisterContract binds target to addr so Exec can reach it, and marks it
// known.
func (pm *PositionManager) RegisterContract(caller, addr common.Address, target Target) error {
	if err := pm.onlyOwner(caller); err != nil {
		return err
	}
	pm.contracts[addr] = target
	pm.knownContracts[addr] = true
	return nil
}

func (pm *PositionManager) ToggleKnownContract(caller, addr common.Address) (bool, error) {
	if err := pm.onlyOwner(caller); err != nil {
		return false, err
	}
	if _, ok := pm.contracts[addr]; !ok {
		return false, errors.Wrapf(ErrUnknownContract, "contract %s", addr.Hex())
	}
	pm.knownContracts[addr] = !pm.knownContracts[addr]
	return pm.knownContracts[addr], nil
}

func (pm *PositionManager) ToggleKnownFunc(caller, target common.Address, selector [4]byte) (bool, error) {
	if err := pm.onlyOwner(caller); err != nil {
		return false, err
	}
	if pm.knownFuncs[target] == nil {
		pm.knownFuncs[target] = make(map[[4]byte]bool)
	}
	pm.knownFuncs[target][selector] = !pm.knownFuncs[target][selector]
	return pm.knownFuncs[target][selector], nil
}

func (pm *PositionManager) IsKnownAsset(asset common.Address) bool     { return pm.knownAssets[asset] }
func (pm *PositionManager) IsKnownSpender(spender common.Address) bool { return pm.knownSpenders[spender] }
func (pm *PositionManager) IsKnownContract(addr common.Address) bool   { return pm.knownContracts[addr] }

func (pm *PositionManager) IsKnownFunc(target common.Address, selector [4]byte) bool {
	return pm.knownFuncs[target][selector]
}

// checkpoint captures every piece of state a batch on position can touch.
// commit keeps the batch's effects and restore undoes them.
func (pm *PositionManager) checkpoint(position common.Address) (commit, restore func()) {
	restoreTokens := pm.tokens.checkpoint()
	commitPool, restorePool := pm.pool.checkpoint()
	var restorePosition func()
	pos, existed := pm.positions[position]
	if existed {
		restorePosition = pos.checkpoint()
	}
	owners := make(map[common.Address][]common.Address, len(pm.positionsOf))
	for owner, list := range pm.positionsOf {
		owners[owner] = append([]common.Address(nil), list...)
	}
	auth := pm.isAuth[position]
	authCopy := make(map[common.Address]bool, len(auth))
	for k, v := range auth {
		authCopy[k] = v
	}
	return commitPool, func() {
		restoreTokens()
		restorePool()
		if existed {
			restorePosition()
		} else {
			delete(pm.positions, position)
		}
		pm.positionsOf = owners
		if auth == nil {
			delete(pm.isAuth, position)
		} else {
			pm.isAuth[position] = authCopy
		}
	}
}

// ProcessBatch applies actions to position in order and checks the position
// is healthy once at the end. A liquidation must be the only action of its
// batch and is bounded by the risk module instead of the health check. Any
// error rolls back every effect of the batch.
func (pm *PositionManager) ProcessBatch(ctx context.Context, caller, position common.Address, actions []Action) (*Operate, error) {
	liquidation := false
	for _, a := range actions {
		if !a.Op.Valid() {
			return nil, errors.Wrapf(ErrInvalidOperation, "op %d", a.Op)
		}
		if a.Op == OpLiquidate {
			liquidation = true
		}
	}
	if liquidation && len(actions) != 1 {
		return nil, errors.Wrap(ErrInvalidOperation, "liquidate must be the only action in a batch")
	}

	commit, restore := pm.checkpoint(position)
	detail, err := pm.processBatch(caller, position, actions, liquidation)
	if err != nil {
		restore()
		pm.log.Warn().Err(err).Str("caller", caller.Hex()).Str("position", position.Hex()).Int("actions", len(actions)).Msg("batch rejected")
		pm.recorder.BatchProcessed(len(actions), err)
		return nil, err
	}

	commit()

	pm.nonce++
	operate := NewOperate(pm.clk, pm.nonce, caller, position, *detail)
	if pm.operateStore != nil {
		if err := pm.operateStore.CreateOperate(ctx, &operate); err != nil {
			pm.log.Error().Err(err).Str("operate", operate.Id.String()).Msg("journal write failed")
		}
	}
	pm.log.Info().Str("operate", operate.Id.String()).Str("caller", caller.Hex()).Str("position", position.Hex()).Int("actions", len(actions)).Msg("batch processed")
	pm.recorder.BatchProcessed(len(actions), nil)
	return &operate, nil
}

func (pm *PositionManager) processBatch(caller, position common.Address, actions []Action, liquidation bool) (*OperateDetail, error) {
	detail := &OperateDetail{Actions: make([]ActionDetail, 0, len(actions))}

	if liquidation {
		var data LiquidateData
		if err := actions[0].Decode(&data); err != nil {
			return nil, err
		}
		result, err := pm.liquidate(caller, position, data)
		if err != nil {
			return nil, err
		}
		detail.Actions = append(detail.Actions, ActionDetail{Op: OpLiquidate})
		detail.Liquidation = result
		return detail, nil
	}

	for i, a := range actions {
		if err := pm.process(caller, position, a); err != nil {
			return nil, errors.Wrapf(err, "action %d (%s)", i, a.Op)
		}
		detail.Actions = append(detail.Actions, NewActionDetail(a))
	}

	pos, err := pm.Position(position)
	if err != nil {
		return nil, err
	}
	healthy, err := pm.riskEngine.IsPositionHealthy(pos)
	if err != nil {
		return nil, err
	}
	if !healthy {
		return nil, errors.Wrapf(ErrHealthCheckFailed, "position %s", position.Hex())
	}
	return detail, nil
}

func (pm *PositionManager) authorized(caller, position common.Address) (*Position, error) {
	pos, err := pm.Position(position)
	if err != nil {
		return nil, err
	}
	if caller != pos.Owner && !pm.isAuth[position][caller] {
		return nil, errors.Wrapf(ErrOnlyPositionOwner, "caller %s position %s", caller.Hex(), position.Hex())
	}
	return pos, nil
}

func (pm *PositionManager) process(caller, position common.Address, a Action) error {
	if a.Op == OpNewPosition {
		var data NewPositionData
		if err := a.Decode(&data); err != nil {
			return err
		}
		return pm.newPosition(position, data)
	}

	pos, err := pm.authorized(caller, position)
	if err != nil {
		return err
	}

	switch a.Op {
	case OpExec:
		var data ExecData
		if err := a.Decode(&data); err != nil {
			return err
		}
		return pm.exec(pos, data)
	case OpDeposit:
		var data DepositData
		if err := a.Decode(&data); err != nil {
			return err
		}
		return pm.deposit(caller, pos, data)
	case OpTransfer:
		var data TransferData
		if err := a.Decode(&data); err != nil {
			return err
		}
		return pm.transfer(pos, data)
	case OpApprove:
		var data ApproveData
		if err := a.Decode(&data); err != nil {
			return err
		}
		return pm.approve(pos, data)
	case OpRepay:
		var data RepayData
		if err := a.Decode(&data); err != nil {
			return err
		}
		return pm.repay(pos, data)
	case OpBorrow:
		var data BorrowData
		if err := a.Decode(&data); err != nil {
			return err
		}
		return pm.borrow(pos, data)
	case OpAddAsset:
		var data AssetActionData
		if err := a.Decode(&data); err != nil {
			return err
		}
		if !pm.knownAssets[data.Asset] {
			return errors.Wrapf(ErrUnknownAsset, "asset %s", data.Asset.Hex())
		}
		return pos.AddAsset(pm.Address, data.Asset)
	case OpRemoveAsset:
		var data AssetActionData
		if err := a.Decode(&data); err != nil {
			return err
		}
		return pos.RemoveAsset(pm.Address, data.Asset)
	default:
		return errors.Wrapf(ErrInvalidOperation, "op %s", a.Op)
	}
}

func (pm *PositionManager) newPosition(position common.Address, data NewPositionData) error {
	if !data.Type.Valid() {
		return errors.Wrapf(ErrInvalidPositionType, "type %d", data.Type)
	}
	predicted, available := pm.PredictAddress(data.Owner, data.Salt, data.Type)
	if predicted != position {
		return errors.Wrapf(ErrInvalidActionData, "predicted position %s, got %s", predicted.Hex(), position.Hex())
	}
	if !available {
		return errors.Wrapf(ErrPositionExists, "position %s", position.Hex())
	}
	pos, err := NewPosition(position, data.Owner, pm.Address, data.Type, pm.pool, pm.tokens, pm.clk.Now().Unix())
	if err != nil {
		return err
	}
	pm.positions[position] = pos
	pm.positionsOf[data.Owner] = append(pm.positionsOf[data.Owner], position)
	if pm.isAuth[position] == nil {
		pm.isAuth[position] = make(map[common.Address]bool)
	}
	pm.isAuth[position][data.Owner] = true

	pm.log.Info().Str("position", position.Hex()).Str("owner", data.Owner.Hex()).Str("type", data.Type.String()).Msg("position created")
	return nil
}

func (pm *PositionManager) exec(pos *Position, data ExecData) error {
	if !pm.knownContracts[data.Target] {
		return errors.Wrapf(ErrUnknownContract, "contract %s", data.Target.Hex())
	}
	if len(data.Data) < 4 {
		return errors.Wrap(ErrUnknownFunc, "calldata shorter than a selector")
	}
	var selector [4]byte
	copy(selector[:], data.Data[:4])
	if !pm.knownFuncs[data.Target][selector] {
		return errors.Wrapf(ErrUnknownFunc, "contract %s selector %x", data.Target.Hex(), selector)
	}
	return pos.Exec(pm.Address, pm.contracts[data.Target], data.Data)
}

// deposit pulls the caller's tokens into the position. The caller must have
// approved the manager.
func (pm *PositionManager) deposit(caller common.Address, pos *Position, data DepositData) error {
	if !pm.knownAssets[data.Asset] {
		return errors.Wrapf(ErrUnknownAsset, "asset %s", data.Asset.Hex())
	}
	token, err := pm.tokens.Token(data.Asset)
	if err != nil {
		return err
	}
	return token.TransferFrom(pm.Address, caller, pos.Address(), data.Amt)
}

func (pm *PositionManager) transfer(pos *Position, data TransferData) error {
	if !pm.knownAssets[data.Asset] {
		return errors.Wrapf(ErrUnknownAsset, "asset %s", data.Asset.Hex())
	}
	amt := data.Amt
	if isMax(amt) {
		token, err := pm.tokens.Token(data.Asset)
		if err != nil {
			return err
		}
		amt = token.BalanceOf(pos.Address())
	}
	return pos.Transfer(pm.Address, data.Recipient, data.Asset, amt)
}

func (pm *PositionManager) approve(pos *Position, data ApproveData) error {
	if !pm.knownSpenders[data.Spender] {
		return errors.Wrapf(ErrUnknownSpender, "spender %s", data.Spender.Hex())
	}
	if !pm.knownAssets[data.Asset] {
		return errors.Wrapf(ErrUnknownAsset, "asset %s", data.Asset.Hex())
	}
	return pos.Approve(pm.Address, data.Asset, data.Spender, data.Amt)
}

func (pm *PositionManager) borrow(pos *Position, data BorrowData) error {
	if err := pos.Borrow(pm.Address, data.PoolId); err != nil {
		return err
	}
	_, err := pm.pool.Borrow(pm.Address, data.PoolId, pos.Address(), data.Amt)
	return err
}

// repay settles debt out of the position's own balance.
func (pm *PositionManager) repay(pos *Position, data RepayData) error {
	repaid, _, err := pm.pool.Repay(pm.Address, data.PoolId, pos.Address(), data.Amt)
	if err != nil {
		return err
	}
	asset, err := pm.pool.GetPoolAssetFor(data.PoolId)
	if err != nil {
		return err
	}
	if err := pos.Transfer(pm.Address, pm.pool.Address, asset, repaid); err != nil {
		return err
	}
	return pos.Repay(pm.Address, data.PoolId)
}

// liquidate lets anyone repay part of an unhealthy position's debt out of
// their own balance in exchange for its collateral, less the liquidation fee
// which goes to the protocol owner.
func (pm *PositionManager) liquidate(liquidator, position common.Address, data LiquidateData) (*LiquidateResult, error) {
	pos, err := pm.Position(position)
	if err != nil {
		return nil, err
	}
	if len(data.Debts) == 0 {
		return nil, errors.Wrap(ErrInvalidActionData, "liquidation repays nothing")
	}
	healthy, err := pm.riskEngine.IsPositionHealthy(pos)
	if err != nil {
		return nil, err
	}
	if healthy {
		return nil, errors.Wrapf(ErrLiquidateHealthyPosition, "position %s", position.Hex())
	}
	preRiskData, err := pm.riskEngine.GetRiskData(pos)
	if err != nil {
		return nil, err
	}

	// repayAmts keeps the MAX sentinel for the pool
	debts := make([]DebtData, len(data.Debts))
	repayAmts := make([]*uint256.Int, len(data.Debts))
	for i, d := range data.Debts {
		if d.Amt == nil || d.Amt.IsZero() {
			return nil, errors.Wrap(ErrZeroAmount, "liquidation debt")
		}
		if !pos.HasDebtPool(d.PoolId) {
			return nil, errors.Wrapf(ErrUnknownPool, "position %s owes nothing to pool %s", position.Hex(), d.PoolId)
		}
		amt := d.Amt.Clone()
		if isMax(amt) {
			if amt, err = pm.pool.GetBorrowsOf(d.PoolId, position); err != nil {
				return nil, err
			}
		}
		debts[i] = DebtData{PoolId: d.PoolId, Amt: amt}
		repayAmts[i] = d.Amt
	}
	for _, a := range data.Assets {
		if a.Amt == nil {
			return nil, errors.Wrap(ErrInvalidActionData, "liquidation asset missing amount")
		}
	}

	value, err := pm.riskEngine.ValidateLiquidation(pos, debts, data.Assets)
	if err != nil {
		return nil, err
	}

	result := &LiquidateResult{
		Position:    position,
		Liquidator:  liquidator,
		PreRiskData: preRiskData,
		RepaidWei:   value.RepaidWei,
		SeizedWei:   value.SeizedWei,
	}

	for _, a := range data.Assets {
		fee, err := MulWad(a.Amt, pm.LiquidationFee, RoundDown)
		if err != nil {
			return nil, err
		}
		if !fee.IsZero() {
			if err := pos.Transfer(pm.Address, pm.Owner, a.Asset, fee); err != nil {
				return nil, err
			}
			result.Fees = append(result.Fees, AssetData{Asset: a.Asset, Amt: fee})
		}
		seized := new(uint256.Int).Sub(a.Amt, fee)
		if err := pos.Transfer(pm.Address, liquidator, a.Asset, seized); err != nil {
			return nil, err
		}
		result.Seized = append(result.Seized, AssetData{Asset: a.Asset, Amt: seized})
	}

	for i, d := range debts {
		repaid, _, err := pm.pool.Repay(pm.Address, d.PoolId, position, repayAmts[i])
		if err != nil {
			return nil, err
		}
		asset, err := pm.pool.GetPoolAssetFor(d.PoolId)
		if err != nil {
			return nil, err
		}
		token, err := pm.tokens.Token(asset)
		if err != nil {
			return nil, err
		}
		if err := token.TransferFrom(pm.Address, liquidator, pm.pool.Address, repaid); err != nil {
			return nil, err
		}
		if err := pos.Repay(pm.Address, d.PoolId); err != nil {
			return nil, err
		}
		result.Repaid = append(result.Repaid, DebtData{PoolId: d.PoolId, Amt: repaid})
	}

	postRiskData, err := pm.riskEngine.GetRiskData(pos)
	if err != nil {
		return nil, err
	}
	if !postRiskData.TotalDebtValue.Lt(preRiskData.TotalDebtValue) {
		return nil, errors.Wrapf(ErrIllegalLiquidation, "debt value %s did not drop below %s", postRiskData.TotalDebtValue.Dec(), preRiskData.TotalDebtValue.Dec())
	}
	result.PostRiskData = postRiskData

	pm.log.Info().
		Str("position", position.Hex()).
		Str("liquidator", liquidator.Hex()).
		Str("repaidWei", value.RepaidWei.Dec()).
		Str("seizedWei", value.SeizedWei.Dec()).
		Msg("position liquidated")
	pm.recorder.Liquidated(position, value.RepaidWei, value.SeizedWei)
	return result, nil
}
