package core

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/facebookgo/clock"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

var (
	protocolOwner = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	poolOwner     = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	lender        = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	borrower      = common.HexToAddress("0x00000000000000000000000000000000000000a4")
	liquidator    = common.HexToAddress("0x00000000000000000000000000000000000000a5")
	feeRecipient  = common.HexToAddress("0x00000000000000000000000000000000000000a6")

	poolAddress      = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	pmAddress        = common.HexToAddress("0x00000000000000000000000000000000000000c2")
	superPoolAddress = common.HexToAddress("0x00000000000000000000000000000000000000c3")

	wethAddress = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	daiAddress  = common.HexToAddress("0x00000000000000000000000000000000000000e2")
	usdcAddress = common.HexToAddress("0x00000000000000000000000000000000000000e3")

	wethOracleAddress = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	daiOracleAddress  = common.HexToAddress("0x00000000000000000000000000000000000000f2")
	usdcOracleAddress = common.HexToAddress("0x00000000000000000000000000000000000000f3")

	fixedRateKey  = common.HexToHash("0x01")
	linearRateKey = common.HexToHash("0x02")

	startTime = time.Unix(1_700_000_000, 0)
)

func e18(x uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(x), WAD)
}

// pct returns x percent scaled by 1e18.
func pct(x uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(x), uint256.NewInt(1e16))
}

func salt(b byte) common.Hash {
	return common.BytesToHash([]byte{b})
}

type testEnv struct {
	t        *testing.T
	clk      *clock.Mock
	registry *Registry
	tokens   *TokenBook
	pool     *Pool
	engine   *RiskEngine
	module   *RiskModule
	pm       *PositionManager

	weth *ERC20
	dai  *ERC20
	usdc *ERC20

	wethOracle *FixedPriceOracle
	daiOracle  *FixedPriceOracle
	usdcOracle *FixedPriceOracle
}

// newTestEnv wires a full protocol: WETH at 1 ETH, DAI and USDC at 0.0005
// ETH, a 10% fixed and a 100%-200% linear rate model, no fees, no minimums,
// close factor 1 and a 20% liquidation discount.
func newTestEnv(t *testing.T) *testEnv {
	clk := clock.NewMock()
	clk.Add(startTime.Sub(clk.Now()))

	e := &testEnv{
		t:          t,
		clk:        clk,
		weth:       NewERC20(wethAddress, "WETH", 18),
		dai:        NewERC20(daiAddress, "DAI", 18),
		usdc:       NewERC20(usdcAddress, "USDC", 6),
		wethOracle: NewFixedPriceOracle(WAD, 18),
		daiOracle:  NewFixedPriceOracle(uint256.NewInt(5e14), 18),
		usdcOracle: NewFixedPriceOracle(uint256.NewInt(5e14), 6),
	}
	e.tokens = NewTokenBook(e.weth, e.dai, e.usdc)
	e.registry = NewRegistry(protocolOwner)

	linear, err := NewLinearRateModel(WAD, e18(2))
	require.NoError(t, err)
	require.NoError(t, e.registry.SetRateModel(protocolOwner, fixedRateKey, NewFixedRateModel(pct(10))))
	require.NoError(t, e.registry.SetRateModel(protocolOwner, linearRateKey, linear))
	require.NoError(t, e.registry.SetAddress(protocolOwner, PositionManagerKey, pmAddress))

	e.pool = NewPool(clk, NopLog(), poolAddress, e.registry, e.tokens, PoolParams{
		FeeRecipient:          feeRecipient,
		MinBorrow:             zero(),
		MinDebt:               zero(),
		DefaultInterestFee:    zero(),
		DefaultOriginationFee: zero(),
	})
	e.engine, err = NewRiskEngine(clk, NopLog(), protocolOwner, e.pool, RiskParams{
		MinLtv:      pct(10),
		MaxLtv:      pct(98),
		LtvTimelock: DEFAULT_LTV_TIMELOCK,
		LtvDeadline: DEFAULT_LTV_DEADLINE,
	})
	require.NoError(t, err)
	e.pool.SetValuer(e.engine)

	e.module, err = NewRiskModule(e.pool, e.engine, e.tokens, LiquidationParams{
		CloseFactor:         WAD,
		LiquidationDiscount: pct(20),
	})
	require.NoError(t, err)

	e.pm, err = NewPositionManager(clk, NopLog(), pmAddress, protocolOwner, e.pool, e.engine, e.tokens, zero())
	require.NoError(t, err)

	for addr, oracle := range map[common.Address]Oracle{
		wethOracleAddress: e.wethOracle,
		daiOracleAddress:  e.daiOracle,
		usdcOracleAddress: e.usdcOracle,
	} {
		require.NoError(t, e.engine.RegisterOracle(protocolOwner, addr, oracle))
	}
	for _, asset := range []common.Address{wethAddress, daiAddress, usdcAddress} {
		_, err := e.pm.ToggleKnownAsset(protocolOwner, asset)
		require.NoError(t, err)
	}
	return e
}

func (e *testEnv) oracleAddressFor(asset common.Address) common.Address {
	switch asset {
	case wethAddress:
		return wethOracleAddress
	case daiAddress:
		return daiOracleAddress
	default:
		return usdcOracleAddress
	}
}

func (e *testEnv) token(asset common.Address) *ERC20 {
	switch asset {
	case wethAddress:
		return e.weth
	case daiAddress:
		return e.dai
	default:
		return e.usdc
	}
}

// openPool initializes an uncapped pool owned by poolOwner with an oracle
// for its own asset.
func (e *testEnv) openPool(asset common.Address, rateModelKey common.Hash, s byte) PoolId {
	poolId, err := e.pool.InitializePool(poolOwner, asset, rateModelKey, UncappedPool, salt(s))
	require.NoError(e.t, err)
	require.NoError(e.t, e.engine.SetOracle(protocolOwner, poolId, asset, e.oracleAddressFor(asset)))
	return poolId
}

// allowCollateral prices asset in poolId and activates ltv for it.
func (e *testEnv) allowCollateral(poolId PoolId, asset common.Address, ltv *uint256.Int) {
	require.NoError(e.t, e.engine.SetOracle(protocolOwner, poolId, asset, e.oracleAddressFor(asset)))
	require.NoError(e.t, e.engine.RequestLtvUpdate(poolOwner, poolId, asset, ltv))
	require.NoError(e.t, e.engine.AcceptLtvUpdate(poolOwner, poolId, asset))
}

func (e *testEnv) supply(poolId PoolId, amt *uint256.Int) *uint256.Int {
	asset, err := e.pool.GetPoolAssetFor(poolId)
	require.NoError(e.t, err)
	token := e.token(asset)
	require.NoError(e.t, token.Mint(lender, amt))
	require.NoError(e.t, token.Approve(lender, poolAddress, amt))
	shares, err := e.pool.Deposit(lender, poolId, amt, lender)
	require.NoError(e.t, err)
	return shares
}

func (e *testEnv) batch(caller, position common.Address, actions ...Action) (*Operate, error) {
	return e.pm.ProcessBatch(context.Background(), caller, position, actions)
}

func (e *testEnv) openPosition(owner common.Address, s byte, typ PositionType) common.Address {
	position, available := e.pm.PredictAddress(owner, salt(s), typ)
	require.True(e.t, available)
	_, err := e.batch(owner, position, NewPositionAction(owner, salt(s), typ))
	require.NoError(e.t, err)
	return position
}

// fund mints amt of asset to owner and approves the position manager to
// pull it.
func (e *testEnv) fund(owner, asset common.Address, amt *uint256.Int) {
	token := e.token(asset)
	require.NoError(e.t, token.Mint(owner, amt))
	allowance, err := Add(token.Allowance(owner, pmAddress), amt)
	require.NoError(e.t, err)
	require.NoError(e.t, token.Approve(owner, pmAddress, allowance))
}

func (e *testEnv) warp(d time.Duration) {
	e.clk.Add(d)
}
