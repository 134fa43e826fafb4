package core

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Recorder receives protocol events for metrics. Implementations must not
// block.
type Recorder interface {
	InterestAccrued(poolId PoolId, interest *uint256.Int)
	BatchProcessed(actions int, err error)
	Liquidated(position common.Address, repaidWei, seizedWei *uint256.Int)
}

type NopRecorder struct{}

func (NopRecorder) InterestAccrued(PoolId, *uint256.Int)                  {}
func (NopRecorder) BatchProcessed(int, error)                             {}
func (NopRecorder) Liquidated(common.Address, *uint256.Int, *uint256.Int) {}
