package core

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationString(t *testing.T) {
	for o := OpNewPosition; o <= OpLiquidate; o++ {
		got, ok := ValidOperationString(o.String())
		assert.True(t, ok, o.String())
		assert.Equal(t, o, got)
	}
	assert.Equal(t, "Unknown", Operation(42).String())
	assert.False(t, Operation(42).Valid())
	_, ok := ValidOperationString("Flashloan")
	assert.False(t, ok)
}

func TestEncodeActions(t *testing.T) {
	poolId := HexToPoolId("0x01")
	actions := []Action{
		NewPositionAction(borrower, salt(1), SingleAssetPosition),
		DepositAction(wethAddress, e18(2)),
		AddAssetAction(wethAddress),
		BorrowAction(poolId, e18(1000)),
		RepayAction(poolId, MaxUint256),
		ExecAction(lender, []byte{0xde, 0xad, 0xbe, 0xef}),
	}

	encoded, err := EncodeActions(actions)
	require.NoError(t, err)
	decoded, err := DecodeActions(encoded)
	require.NoError(t, err)
	require.Len(t, decoded, len(actions))

	var newPosition NewPositionData
	require.NoError(t, decoded[0].Decode(&newPosition))
	assert.Equal(t, NewPositionData{Owner: borrower, Salt: salt(1), Type: SingleAssetPosition}, newPosition)

	var repay RepayData
	require.NoError(t, decoded[4].Decode(&repay))
	assert.Equal(t, poolId, repay.PoolId)
	assert.True(t, isMax(repay.Amt))

	var exec ExecData
	require.NoError(t, decoded[5].Decode(&exec))
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, exec.Data)
}

func TestDecodeActionsRejects(t *testing.T) {
	tests := []struct {
		name    string
		encoded string
		wantErr error
	}{
		{"not base64", "%%%", ErrInvalidActionData},
		{"not json", "bm90IGpzb24=", ErrInvalidActionData},
		{"unknown op", mustEncode(t, []Action{{Op: Operation(42), Data: json.RawMessage(`{}`)}}), ErrInvalidOperation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeActions(tt.encoded)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func mustEncode(t *testing.T, actions []Action) string {
	encoded, err := EncodeActions(actions)
	require.NoError(t, err)
	return encoded
}

func TestActionDecodeMissingAmount(t *testing.T) {
	a := Action{Op: OpBorrow, Data: json.RawMessage(`{"p":"0x0000000000000000000000000000000000000000000000000000000000000001"}`)}
	var data BorrowData
	assert.True(t, errors.Is(a.Decode(&data), ErrInvalidActionData))

	a = Action{Op: OpDeposit, Data: json.RawMessage(`[1,2]`)}
	var deposit DepositData
	assert.True(t, errors.Is(a.Decode(&deposit), ErrInvalidActionData))
}

func TestNewActionDetail(t *testing.T) {
	poolId := HexToPoolId("0x07")

	detail := NewActionDetail(BorrowAction(poolId, e18(5)))
	assert.Equal(t, OpBorrow, detail.Op)
	require.NotNil(t, detail.PoolId)
	assert.Equal(t, poolId, *detail.PoolId)
	assert.Equal(t, e18(5).Dec(), detail.Amount.Dec())

	detail = NewActionDetail(TransferAction(lender, daiAddress, e18(3)))
	assert.Equal(t, daiAddress, detail.Asset)
	assert.Nil(t, detail.PoolId)

	detail = NewActionDetail(Action{Op: OpDeposit, Data: json.RawMessage(`{}`)})
	assert.Equal(t, ActionDetail{Op: OpDeposit}, detail)
}

func TestOperateDetailColumn(t *testing.T) {
	poolId := HexToPoolId("0x07")
	detail := OperateDetail{
		Actions: []ActionDetail{NewActionDetail(RepayAction(poolId, e18(1)))},
		Liquidation: &LiquidateResult{
			Position:   fakePositionAddress,
			Liquidator: liquidator,
			RepaidWei:  uint256.NewInt(7),
			SeizedWei:  uint256.NewInt(8),
			Repaid:     []DebtData{{PoolId: poolId, Amt: uint256.NewInt(14_000)}},
		},
	}

	value, err := detail.Value()
	require.NoError(t, err)

	var scanned OperateDetail
	require.NoError(t, scanned.Scan([]byte(value.(string))))
	assert.Equal(t, poolId, *scanned.Actions[0].PoolId)
	assert.Equal(t, liquidator, scanned.Liquidation.Liquidator)
	assert.Equal(t, "14000", scanned.Liquidation.Repaid[0].Amt.Dec())

	assert.Error(t, scanned.Scan(42))
}

func TestNewOperateIsDeterministic(t *testing.T) {
	e := newTestEnv(t)
	a := NewOperate(e.clk, 1, borrower, fakePositionAddress, OperateDetail{})
	b := NewOperate(e.clk, 1, borrower, fakePositionAddress, OperateDetail{})
	c := NewOperate(e.clk, 2, borrower, fakePositionAddress, OperateDetail{})
	assert.Equal(t, a.Id, b.Id)
	assert.NotEqual(t, a.Id, c.Id)
	assert.Equal(t, startTime.Unix(), a.CreatedAt)
	assert.NotEqual(t, common.Address{}, a.Position)
}

func TestClassOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorClass
	}{
		{errors.Wrap(ErrPoolPaused, "pool"), ErrorClassValidation},
		{errors.Wrapf(ErrHealthCheckFailed, "position %d", 1), ErrorClassSolvency},
		{ErrOnlyPoolOwner, ErrorClassAuthorization},
		{errors.WithStack(ErrMathOverflow), ErrorClassArithmetic},
		{errors.New("boom"), ErrorClassUnknown},
		{nil, ErrorClassUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassOf(tt.err), "%v", tt.err)
	}
	assert.Equal(t, "Solvency", ErrorClassSolvency.String())
}
