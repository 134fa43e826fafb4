package store

import (
	"github.com/DomeLiquid/isolend/core"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type (
	Operate struct {
		Id        string             `gorm:"type:char(36);primaryKey"`
		Caller    string             `gorm:"size:42;index"`
		Position  string             `gorm:"size:42;index:idx_operates_position_created"`
		Extra     core.OperateDetail `gorm:"type:text"`
		CreatedAt int64              `gorm:"autoCreateTime:false;index:idx_operates_position_created"`
	}

	// PoolSnapshot keeps amounts as text so no driver rounds them.
	PoolSnapshot struct {
		Id           uint64          `gorm:"primaryKey;autoIncrement"`
		PoolId       string          `gorm:"size:66;index:idx_pool_snapshots_pool_created"`
		Asset        string          `gorm:"size:42"`
		TotalAssets  decimal.Decimal `gorm:"type:text"`
		TotalBorrows decimal.Decimal `gorm:"type:text"`
		Liquidity    decimal.Decimal `gorm:"type:text"`
		Utilization  decimal.Decimal `gorm:"type:text"`
		BorrowRate   decimal.Decimal `gorm:"type:text"`
		CreatedAt    int64           `gorm:"autoCreateTime:false;index:idx_pool_snapshots_pool_created"`
	}
)

// AutoMigrate creates or updates every table the store uses.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Operate{}, &PoolSnapshot{})
}

func newOperate(o *core.Operate) *Operate {
	return &Operate{
		Id:        o.Id.String(),
		Caller:    o.Caller.Hex(),
		Position:  o.Position.Hex(),
		Extra:     o.Extra,
		CreatedAt: o.CreatedAt,
	}
}

func (m *Operate) toCore() (core.Operate, error) {
	id, err := uuid.FromString(m.Id)
	if err != nil {
		return core.Operate{}, err
	}
	return core.Operate{
		Id:        id,
		Caller:    common.HexToAddress(m.Caller),
		Position:  common.HexToAddress(m.Position),
		Extra:     m.Extra,
		CreatedAt: m.CreatedAt,
	}, nil
}

func newPoolSnapshot(s *core.PoolSnapshot) *PoolSnapshot {
	return &PoolSnapshot{
		PoolId:       s.PoolId.Hex(),
		Asset:        s.Asset.Hex(),
		TotalAssets:  s.TotalAssets,
		TotalBorrows: s.TotalBorrows,
		Liquidity:    s.Liquidity,
		Utilization:  s.Utilization,
		BorrowRate:   s.BorrowRate,
		CreatedAt:    s.CreatedAt,
	}
}

func (m *PoolSnapshot) toCore() core.PoolSnapshot {
	return core.PoolSnapshot{
		PoolId:       core.HexToPoolId(m.PoolId),
		Asset:        common.HexToAddress(m.Asset),
		TotalAssets:  m.TotalAssets,
		TotalBorrows: m.TotalBorrows,
		Liquidity:    m.Liquidity,
		Utilization:  m.Utilization,
		BorrowRate:   m.BorrowRate,
		CreatedAt:    m.CreatedAt,
	}
}
