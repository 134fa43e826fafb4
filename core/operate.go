package core

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"strconv"

	"github.com/DomeLiquid/isolend/utils"
	"github.com/ethereum/go-ethereum/common"
	"github.com/facebookgo/clock"
	"github.com/gofrs/uuid"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

type (
	OperateStore interface {
		CreateOperate(ctx context.Context, operate *Operate) error
		ListOperates(ctx context.Context, position common.Address, createdBeforeAt, limit int64) ([]Operate, error)
	}

	// Operate is the journal entry of one committed batch.
	Operate struct {
		Id        uuid.UUID      `json:"id"`
		Caller    common.Address `json:"caller"`
		Position  common.Address `json:"position"`
		Extra     OperateDetail  `json:"extra"`
		CreatedAt int64          `json:"createdAt"`
	}

	OperateDetail struct {
		Actions     []ActionDetail   `json:"actions"`
		Liquidation *LiquidateResult `json:"liquidation,omitempty"`
	}

	ActionDetail struct {
		Op     Operation      `json:"op"`
		PoolId *PoolId        `json:"poolId,omitempty"`
		Asset  common.Address `json:"asset"`
		Amount *uint256.Int   `json:"amount,omitempty"`
	}
)

func NewOperate(clk clock.Clock, nonce uint64, caller, position common.Address, extra OperateDetail) Operate {
	return Operate{
		Id:        uuid.Must(uuid.FromString(utils.GenUuidFromStrings(caller.Hex(), position.Hex(), strconv.FormatUint(nonce, 10)))),
		Caller:    caller,
		Position:  position,
		Extra:     extra,
		CreatedAt: clk.Now().Unix(),
	}
}

func (j OperateDetail) Value() (driver.Value, error) {
	valueString, err := json.Marshal(j)
	return string(valueString), err
}

func (j *OperateDetail) Scan(value any) error {
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.Errorf("cannot scan %T into OperateDetail", value)
	}
	return json.Unmarshal(raw, j)
}

// NewActionDetail summarizes an action for the journal. Payloads that fail to
// decode are recorded with the operation only.
func NewActionDetail(a Action) ActionDetail {
	detail := ActionDetail{Op: a.Op}
	switch a.Op {
	case OpDeposit:
		var d DepositData
		if a.Decode(&d) == nil {
			detail.Asset, detail.Amount = d.Asset, d.Amt
		}
	case OpTransfer:
		var d TransferData
		if a.Decode(&d) == nil {
			detail.Asset, detail.Amount = d.Asset, d.Amt
		}
	case OpApprove:
		var d ApproveData
		if a.Decode(&d) == nil {
			detail.Asset, detail.Amount = d.Asset, d.Amt
		}
	case OpBorrow:
		var d BorrowData
		if a.Decode(&d) == nil {
			detail.PoolId, detail.Amount = &d.PoolId, d.Amt
		}
	case OpRepay:
		var d RepayData
		if a.Decode(&d) == nil {
			detail.PoolId, detail.Amount = &d.PoolId, d.Amt
		}
	case OpAddAsset, OpRemoveAsset:
		var d AssetActionData
		if a.Decode(&d) == nil {
			detail.Asset = d.Asset
		}
	}
	return detail
}
