package store

import (
	"context"

	"github.com/DomeLiquid/isolend/core"
	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
)

var (
	_ core.OperateStore      = (*Store)(nil)
	_ core.PoolSnapshotStore = (*Store)(nil)
)

// Store persists the operation journal and pool snapshots through gorm.
type Store struct {
	db *gorm.DB
}

// Open connects with dialector and migrates the schema.
func Open(dialector gorm.Dialector, opts ...gorm.Option) (*Store, error) {
	db, err := gorm.Open(dialector, opts...)
	if err != nil {
		return nil, err
	}
	return New(db)
}

func New(db *gorm.DB) (*Store, error) {
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) CreateOperate(ctx context.Context, operate *core.Operate) error {
	return s.db.WithContext(ctx).Create(newOperate(operate)).Error
}

// ListOperates returns the newest operations of position first. A zero
// createdBeforeAt lists from the latest one.
func (s *Store) ListOperates(ctx context.Context, position common.Address, createdBeforeAt, limit int64) ([]core.Operate, error) {
	query := s.db.WithContext(ctx).Where("position = ?", position.Hex())
	if createdBeforeAt > 0 {
		query = query.Where("created_at < ?", createdBeforeAt)
	}
	if limit > 0 {
		query = query.Limit(int(limit))
	}
	var models []Operate
	if err := query.Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	operates := make([]core.Operate, 0, len(models))
	for i := range models {
		o, err := models[i].toCore()
		if err != nil {
			return nil, err
		}
		operates = append(operates, o)
	}
	return operates, nil
}

func (s *Store) InsertPoolSnapshot(ctx context.Context, snapshot *core.PoolSnapshot) error {
	return s.db.WithContext(ctx).Create(newPoolSnapshot(snapshot)).Error
}

func (s *Store) GetPoolSnapshotCount(ctx context.Context, poolId core.PoolId) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&PoolSnapshot{}).Where("pool_id = ?", poolId.Hex()).Count(&count).Error
	return count, err
}

// GetLatestPoolSnapshot returns gorm.ErrRecordNotFound when poolId has no
// snapshot yet.
func (s *Store) GetLatestPoolSnapshot(ctx context.Context, poolId core.PoolId) (*core.PoolSnapshot, error) {
	var model PoolSnapshot
	err := s.db.WithContext(ctx).Where("pool_id = ?", poolId.Hex()).Order("created_at DESC, id DESC").First(&model).Error
	if err != nil {
		return nil, err
	}
	snapshot := model.toCore()
	return &snapshot, nil
}

func (s *Store) ListPoolSnapshots(ctx context.Context, poolId core.PoolId, createdBeforeAt, limit int64) ([]core.PoolSnapshot, error) {
	query := s.db.WithContext(ctx).Where("pool_id = ?", poolId.Hex())
	if createdBeforeAt > 0 {
		query = query.Where("created_at < ?", createdBeforeAt)
	}
	if limit > 0 {
		query = query.Limit(int(limit))
	}
	var models []PoolSnapshot
	if err := query.Order("created_at DESC, id DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	snapshots := make([]core.PoolSnapshot, 0, len(models))
	for i := range models {
		snapshots = append(snapshots, models[i].toCore())
	}
	return snapshots, nil
}
