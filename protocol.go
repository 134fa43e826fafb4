package isolend

import (
	"context"
	"sync"

	"github.com/DomeLiquid/isolend/config"
	"github.com/DomeLiquid/isolend/core"
	"github.com/ethereum/go-ethereum/common"
	"github.com/facebookgo/clock"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

type (
	// Addresses places the protocol's contracts.
	Addresses struct {
		Pool            common.Address
		RiskEngine      common.Address
		RiskModule      common.Address
		PositionManager common.Address
	}

	Option func(p *Protocol)

	// Protocol wires a pool, its risk engine and module and a position
	// manager, and serializes every call into them. Core components are not
	// safe for concurrent use; mutate them directly only inside Update.
	Protocol struct {
		mu  sync.RWMutex
		clk clock.Clock
		log core.Log
		cfg *config.Config

		Registry        *core.Registry
		Tokens          *core.TokenBook
		Pool            *core.Pool
		RiskEngine      *core.RiskEngine
		RiskModule      *core.RiskModule
		PositionManager *core.PositionManager

		superPools    map[common.Address]*core.SuperPool
		snapshotStore core.PoolSnapshotStore
	}
)

func WithOperateStore(s core.OperateStore) Option {
	return func(p *Protocol) {
		p.PositionManager.SetOperateStore(s)
	}
}

func WithPoolSnapshotStore(s core.PoolSnapshotStore) Option {
	return func(p *Protocol) {
		p.snapshotStore = s
	}
}

func WithRecorder(r core.Recorder) Option {
	return func(p *Protocol) {
		p.Pool.SetRecorder(r)
		p.PositionManager.SetRecorder(r)
	}
}

// New builds a protocol from cfg. Every token is registered and known to the
// position manager.
func New(clk clock.Clock, log core.Log, cfg *config.Config, addrs Addresses, tokens []core.Token, opts ...Option) (*Protocol, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	owner := cfg.Protocol.Owner

	registry := core.NewRegistry(owner)
	for key, addr := range map[common.Hash]common.Address{
		core.PoolKey:            addrs.Pool,
		core.RiskEngineKey:      addrs.RiskEngine,
		core.RiskModuleKey:      addrs.RiskModule,
		core.PositionManagerKey: addrs.PositionManager,
	} {
		if err := registry.SetAddress(owner, key, addr); err != nil {
			return nil, err
		}
	}

	book := core.NewTokenBook(tokens...)

	poolParams, err := cfg.PoolParams()
	if err != nil {
		return nil, err
	}
	pool := core.NewPool(clk, log, addrs.Pool, registry, book, poolParams)

	riskParams, err := cfg.RiskParams()
	if err != nil {
		return nil, err
	}
	engine, err := core.NewRiskEngine(clk, log, owner, pool, riskParams)
	if err != nil {
		return nil, err
	}
	pool.SetValuer(engine)

	liquidationParams, err := cfg.LiquidationParams()
	if err != nil {
		return nil, err
	}
	module, err := core.NewRiskModule(pool, engine, book, liquidationParams)
	if err != nil {
		return nil, err
	}

	liquidationFee, err := cfg.LiquidationFee()
	if err != nil {
		return nil, err
	}
	pm, err := core.NewPositionManager(clk, log, addrs.PositionManager, owner, pool, engine, book, liquidationFee)
	if err != nil {
		return nil, err
	}
	for _, t := range tokens {
		if _, err := pm.ToggleKnownAsset(owner, t.Address()); err != nil {
			return nil, err
		}
	}

	p := &Protocol{
		clk:             clk,
		log:             log,
		cfg:             cfg,
		Registry:        registry,
		Tokens:          book,
		Pool:            pool,
		RiskEngine:      engine,
		RiskModule:      module,
		PositionManager: pm,
		superPools:      make(map[common.Address]*core.SuperPool),
	}
	for _, opt := range opts {
		opt(p)
	}

	log.Info().Str("owner", owner.Hex()).Str("pool", addrs.Pool.Hex()).Str("positionManager", addrs.PositionManager.Hex()).Int("tokens", len(tokens)).Msg("protocol started")
	return p, nil
}

// Update runs fn while holding the write lock.
func (p *Protocol) Update(fn func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fn()
}

// View runs fn while holding the read lock. fn must not mutate.
func (p *Protocol) View(fn func() error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return fn()
}

// FeedOracle wraps feed with the configured staleness bound.
func (p *Protocol) FeedOracle(feed core.PriceFeed, assetDecimals uint8) *core.FeedOracle {
	return core.NewFeedOracle(p.clk, feed, p.cfg.OracleMaxAge(), assetDecimals)
}

func (p *Protocol) ProcessBatch(ctx context.Context, caller, position common.Address, actions []core.Action) (*core.Operate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.PositionManager.ProcessBatch(ctx, caller, position, actions)
}

// ProcessEncodedBatch decodes a base64 batch as produced by core.EncodeActions
// and processes it.
func (p *Protocol) ProcessEncodedBatch(ctx context.Context, caller, position common.Address, encoded string) (*core.Operate, error) {
	actions, err := core.DecodeActions(encoded)
	if err != nil {
		return nil, err
	}
	return p.ProcessBatch(ctx, caller, position, actions)
}

func (p *Protocol) InitializePool(caller, asset common.Address, rateModelKey common.Hash, poolCap *uint256.Int, salt common.Hash) (core.PoolId, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Pool.InitializePool(caller, asset, rateModelKey, poolCap, salt)
}

func (p *Protocol) Deposit(caller common.Address, poolId core.PoolId, assets *uint256.Int, receiver common.Address) (*uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Pool.Deposit(caller, poolId, assets, receiver)
}

func (p *Protocol) Withdraw(caller common.Address, poolId core.PoolId, shares *uint256.Int, receiver, owner common.Address) (*uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Pool.Withdraw(caller, poolId, shares, receiver, owner)
}

func (p *Protocol) Accrue(poolId core.PoolId) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Pool.Accrue(poolId)
}

// CreateSuperPool deploys a super pool at address over asset.
func (p *Protocol) CreateSuperPool(address, owner, asset common.Address, params core.SuperPoolParams) (*core.SuperPool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.superPools[address]; ok {
		return nil, errors.Wrapf(core.ErrSuperPoolExists, "super pool %s", address.Hex())
	}
	sp, err := core.NewSuperPool(p.log, p.Pool, p.Tokens, address, owner, asset, params)
	if err != nil {
		return nil, err
	}
	p.superPools[address] = sp
	p.log.Info().Str("superPool", address.Hex()).Str("asset", asset.Hex()).Str("name", params.Name).Msg("super pool created")
	return sp, nil
}

func (p *Protocol) SuperPool(address common.Address) (*core.SuperPool, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sp, ok := p.superPools[address]
	return sp, ok
}

func (p *Protocol) SuperPoolDeposit(address, caller common.Address, assets *uint256.Int, receiver common.Address) (*uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp, ok := p.superPools[address]
	if !ok {
		return nil, errors.Wrapf(core.ErrUnknownPool, "super pool %s", address.Hex())
	}
	return sp.Deposit(caller, assets, receiver)
}

func (p *Protocol) SuperPoolRedeem(address, caller common.Address, shares *uint256.Int, receiver, owner common.Address) (*uint256.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp, ok := p.superPools[address]
	if !ok {
		return nil, errors.Wrapf(core.ErrUnknownPool, "super pool %s", address.Hex())
	}
	return sp.Redeem(caller, shares, receiver, owner)
}

// SnapshotPools records every pool into the snapshot store. Pools that fail
// to read are logged and skipped.
func (p *Protocol) SnapshotPools(ctx context.Context) (int, error) {
	if p.snapshotStore == nil {
		return 0, errors.New("no pool snapshot store configured")
	}

	var snapshots []*core.PoolSnapshot
	err := p.View(func() error {
		for _, poolId := range p.Pool.PoolIds() {
			if err := ctx.Err(); err != nil {
				return err
			}
			snapshot, err := p.Pool.Snapshot(poolId)
			if err != nil {
				p.log.Warn().Err(err).Str("pool", poolId.Hex()).Msg("pool snapshot failed")
				continue
			}
			snapshots = append(snapshots, snapshot)
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "read pools")
	}

	for _, snapshot := range snapshots {
		if err := p.snapshotStore.InsertPoolSnapshot(ctx, snapshot); err != nil {
			return 0, errors.Wrapf(err, "insert snapshot of pool %s", snapshot.PoolId)
		}
	}
	p.log.Debug().Int("pools", len(snapshots)).Msg("pool snapshots recorded")
	return len(snapshots), nil
}
