package core

import (
	"encoding/base64"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

type Operation uint8

const (
	OpNewPosition Operation = iota
	OpExec
	OpDeposit
	OpTransfer
	OpApprove
	OpRepay
	OpBorrow
	OpAddAsset
	OpRemoveAsset
	OpLiquidate
)

func (o Operation) String() string {
	switch o {
	case OpNewPosition:
		return "NewPosition"
	case OpExec:
		return "Exec"
	case OpDeposit:
		return "Deposit"
	case OpTransfer:
		return "Transfer"
	case OpApprove:
		return "Approve"
	case OpRepay:
		return "Repay"
	case OpBorrow:
		return "Borrow"
	case OpAddAsset:
		return "AddAsset"
	case OpRemoveAsset:
		return "RemoveAsset"
	case OpLiquidate:
		return "Liquidate"
	default:
		return "Unknown"
	}
}

func (o Operation) Valid() bool {
	return o <= OpLiquidate
}

func ValidOperationString(op string) (Operation, bool) {
	for o := OpNewPosition; o <= OpLiquidate; o++ {
		if o.String() == op {
			return o, true
		}
	}
	return 0, false
}

// Action is one step of a batch. Data holds the JSON encoding of the
// operation's payload.
type Action struct {
	Op   Operation       `json:"op"`
	Data json.RawMessage `json:"data"`
}

type (
	NewPositionData struct {
		Owner common.Address `json:"o"`
		Salt  common.Hash    `json:"s"`
		Type  PositionType   `json:"t"`
	}

	ExecData struct {
		Target common.Address `json:"t"`
		Data   []byte         `json:"d"`
	}

	DepositData struct {
		Asset common.Address `json:"a"`
		Amt   *uint256.Int   `json:"m"`
	}

	// TransferData moves Amt of Asset out of the position. MaxUint256 sends
	// the whole balance.
	TransferData struct {
		Recipient common.Address `json:"r"`
		Asset     common.Address `json:"a"`
		Amt       *uint256.Int   `json:"m"`
	}

	ApproveData struct {
		Spender common.Address `json:"s"`
		Asset   common.Address `json:"a"`
		Amt     *uint256.Int   `json:"m"`
	}

	// RepayData repays Amt to PoolId. MaxUint256 repays everything owed.
	RepayData struct {
		PoolId PoolId       `json:"p"`
		Amt    *uint256.Int `json:"m"`
	}

	BorrowData struct {
		PoolId PoolId       `json:"p"`
		Amt    *uint256.Int `json:"m"`
	}

	AssetActionData struct {
		Asset common.Address `json:"a"`
	}

	LiquidateData struct {
		Debts  []DebtData  `json:"d"`
		Assets []AssetData `json:"a"`
	}
)

func (id PoolId) MarshalText() ([]byte, error) {
	return common.Hash(id).MarshalText()
}

func (id *PoolId) UnmarshalText(input []byte) error {
	return (*common.Hash)(id).UnmarshalText(input)
}

func newAction(op Operation, data any) Action {
	raw, err := json.Marshal(data)
	if err != nil {
		panic(err)
	}
	return Action{Op: op, Data: raw}
}

func NewPositionAction(owner common.Address, salt common.Hash, typ PositionType) Action {
	return newAction(OpNewPosition, NewPositionData{Owner: owner, Salt: salt, Type: typ})
}

func ExecAction(target common.Address, data []byte) Action {
	return newAction(OpExec, ExecData{Target: target, Data: data})
}

func DepositAction(asset common.Address, amt *uint256.Int) Action {
	return newAction(OpDeposit, DepositData{Asset: asset, Amt: amt})
}

func TransferAction(recipient, asset common.Address, amt *uint256.Int) Action {
	return newAction(OpTransfer, TransferData{Recipient: recipient, Asset: asset, Amt: amt})
}

func ApproveAction(spender, asset common.Address, amt *uint256.Int) Action {
	return newAction(OpApprove, ApproveData{Spender: spender, Asset: asset, Amt: amt})
}

func RepayAction(poolId PoolId, amt *uint256.Int) Action {
	return newAction(OpRepay, RepayData{PoolId: poolId, Amt: amt})
}

func BorrowAction(poolId PoolId, amt *uint256.Int) Action {
	return newAction(OpBorrow, BorrowData{PoolId: poolId, Amt: amt})
}

func AddAssetAction(asset common.Address) Action {
	return newAction(OpAddAsset, AssetActionData{Asset: asset})
}

func RemoveAssetAction(asset common.Address) Action {
	return newAction(OpRemoveAsset, AssetActionData{Asset: asset})
}

func LiquidateAction(debts []DebtData, assets []AssetData) Action {
	return newAction(OpLiquidate, LiquidateData{Debts: debts, Assets: assets})
}

// Decode unmarshals the payload into v and rejects missing amounts.
func (a Action) Decode(v any) error {
	if err := json.Unmarshal(a.Data, v); err != nil {
		return errors.Wrapf(ErrInvalidActionData, "%s: %v", a.Op, err)
	}
	var amt *uint256.Int
	switch d := v.(type) {
	case *DepositData:
		amt = d.Amt
	case *TransferData:
		amt = d.Amt
	case *ApproveData:
		amt = d.Amt
	case *RepayData:
		amt = d.Amt
	case *BorrowData:
		amt = d.Amt
	default:
		return nil
	}
	if amt == nil {
		return errors.Wrapf(ErrInvalidActionData, "%s: missing amount", a.Op)
	}
	return nil
}

// EncodeActions packs a batch as base64 JSON for transport and journaling.
func EncodeActions(actions []Action) (string, error) {
	bytes, err := json.Marshal(actions)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(bytes), nil
}

func DecodeActions(encoded string) ([]Action, error) {
	bytes, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidActionData, err.Error())
	}
	var actions []Action
	if err := json.Unmarshal(bytes, &actions); err != nil {
		return nil, errors.Wrap(ErrInvalidActionData, err.Error())
	}
	for _, a := range actions {
		if !a.Op.Valid() {
			return nil, errors.Wrapf(ErrInvalidOperation, "op %d", a.Op)
		}
	}
	return actions, nil
}
