package core

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type LiquidateResult struct {
	Position   common.Address `json:"position"`
	Liquidator common.Address `json:"liquidator"`

	PreRiskData  *RiskData `json:"preRiskData"`
	PostRiskData *RiskData `json:"postRiskData"`

	RepaidWei *uint256.Int `json:"repaidWei"`
	SeizedWei *uint256.Int `json:"seizedWei"`

	Repaid []DebtData  `json:"repaid"`
	Seized []AssetData `json:"seized"`
	Fees   []AssetData `json:"fees"`
}
