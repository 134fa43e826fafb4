package core

import (
	"math/rand"
	"testing"
	"time"

	"github.com/DomeLiquid/isolend/utils"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const year = time.Duration(SECONDS_PER_YEAR) * time.Second

func assertApprox(t *testing.T, want, got *uint256.Int, tolerance uint64) {
	t.Helper()
	diff := new(uint256.Int)
	if want.Gt(got) {
		diff.Sub(want, got)
	} else {
		diff.Sub(got, want)
	}
	assert.True(t, diff.Cmp(uint256.NewInt(tolerance)) <= 0, "want %s got %s", want.Dec(), got.Dec())
}

func TestInitializePool(t *testing.T) {
	e := newTestEnv(t)

	poolId, err := e.pool.InitializePool(poolOwner, daiAddress, fixedRateKey, UncappedPool, salt(1))
	require.NoError(t, err)
	assert.Equal(t, utils.DerivePoolId(poolOwner, daiAddress, fixedRateKey, salt(1)), common.Hash(poolId))

	data, err := e.pool.PoolDataOf(poolId)
	require.NoError(t, err)
	assert.Equal(t, poolOwner, data.Owner)
	assert.True(t, data.IsUncapped())
	assert.Equal(t, uint64(startTime.Unix()), data.LastUpdated)
	assert.Equal(t, []PoolId{poolId}, e.pool.PoolIds())

	tests := []struct {
		name    string
		asset   common.Address
		key     common.Hash
		poolCap *uint256.Int
		salt    byte
		wantErr error
	}{
		{"duplicate", daiAddress, fixedRateKey, UncappedPool, 1, ErrPoolExists},
		{"zero cap", daiAddress, fixedRateKey, zero(), 2, ErrInvalidPoolCap},
		{"unknown rate model", daiAddress, common.HexToHash("0xff"), UncappedPool, 2, ErrUnknownRateModel},
		{"unknown asset", common.HexToAddress("0xdead"), fixedRateKey, UncappedPool, 2, ErrUnknownAsset},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.pool.InitializePool(poolOwner, tt.asset, tt.key, tt.poolCap, salt(tt.salt))
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestPoolDepositWithdraw(t *testing.T) {
	e := newTestEnv(t)
	poolId := e.openPool(daiAddress, fixedRateKey, 1)

	shares := e.supply(poolId, e18(1000))
	assert.Equal(t, e18(1000).Dec(), shares.Dec())
	assert.Equal(t, e18(1000).Dec(), e.dai.BalanceOf(poolAddress).Dec())

	assets, err := e.pool.Withdraw(lender, poolId, e18(400), lender, lender)
	require.NoError(t, err)
	assert.Equal(t, e18(400).Dec(), assets.Dec())
	assert.Equal(t, e18(400).Dec(), e.dai.BalanceOf(lender).Dec())

	_, err = e.pool.WithdrawAssets(borrower, poolId, e18(100), borrower, lender)
	assert.True(t, errors.Is(err, ErrInsufficientAllowance))

	e.pool.Approve(lender, borrower, poolId, e18(150))
	burned, err := e.pool.WithdrawAssets(borrower, poolId, e18(100), borrower, lender)
	require.NoError(t, err)
	assert.Equal(t, e18(100).Dec(), burned.Dec())
	assert.Equal(t, e18(50).Dec(), e.pool.Allowance(lender, borrower, poolId).Dec())
	assert.Equal(t, e18(100).Dec(), e.dai.BalanceOf(borrower).Dec())

	e.pool.SetOperator(lender, liquidator, true)
	_, err = e.pool.WithdrawAssets(liquidator, poolId, e18(200), liquidator, lender)
	require.NoError(t, err)

	_, err = e.pool.Withdraw(lender, poolId, e18(1000), lender, lender)
	assert.True(t, errors.Is(err, ErrInsufficientBalance))

	_, err = e.pool.Deposit(lender, poolId, zero(), lender)
	assert.True(t, errors.Is(err, ErrZeroAmount))
}

func TestPoolCapAndPause(t *testing.T) {
	e := newTestEnv(t)
	poolId := e.openPool(daiAddress, fixedRateKey, 1)
	e.supply(poolId, e18(100))

	assert.True(t, errors.Is(e.pool.SetPoolCap(poolOwner, poolId, zero()), ErrInvalidPoolCap))
	assert.True(t, errors.Is(e.pool.SetPoolCap(lender, poolId, e18(1)), ErrOnlyPoolOwner))
	require.NoError(t, e.pool.SetPoolCap(poolOwner, poolId, e18(150)))

	require.NoError(t, e.dai.Mint(lender, e18(100)))
	require.NoError(t, e.dai.Approve(lender, poolAddress, MaxUint256))
	_, err := e.pool.Deposit(lender, poolId, e18(51), lender)
	assert.True(t, errors.Is(err, ErrPoolCapExceeded))
	_, err = e.pool.Deposit(lender, poolId, e18(50), lender)
	require.NoError(t, err)

	paused, err := e.pool.TogglePause(poolOwner, poolId)
	require.NoError(t, err)
	assert.True(t, paused)

	_, err = e.pool.Deposit(lender, poolId, e18(1), lender)
	assert.True(t, errors.Is(err, ErrPoolPaused))
	_, err = e.pool.Borrow(pmAddress, poolId, borrower, e18(1))
	assert.True(t, errors.Is(err, ErrPoolPaused))
	_, err = e.pool.Withdraw(lender, poolId, e18(10), lender, lender)
	assert.NoError(t, err)

	paused, err = e.pool.TogglePause(poolOwner, poolId)
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestPoolBorrowOnlyPositionManager(t *testing.T) {
	e := newTestEnv(t)
	poolId := e.openPool(daiAddress, fixedRateKey, 1)
	e.supply(poolId, e18(1000))

	_, err := e.pool.Borrow(borrower, poolId, borrower, e18(1))
	assert.True(t, errors.Is(err, ErrOnlyPositionManager))
	_, _, err = e.pool.Repay(borrower, poolId, borrower, e18(1))
	assert.True(t, errors.Is(err, ErrOnlyPositionManager))

	_, err = e.pool.Borrow(pmAddress, poolId, borrower, e18(1001))
	assert.True(t, errors.Is(err, ErrInsufficientLiquidity))

	require.NoError(t, e.registry.SetAddress(protocolOwner, PositionManagerKey, common.Address{}))
	_, err = e.pool.Borrow(common.Address{}, poolId, borrower, e18(1))
	assert.True(t, errors.Is(err, ErrOnlyPositionManager))
	_, _, err = e.pool.Repay(common.Address{}, poolId, borrower, e18(1))
	assert.True(t, errors.Is(err, ErrOnlyPositionManager))
	require.NoError(t, e.registry.SetAddress(protocolOwner, PositionManagerKey, pmAddress))

	shares, err := e.pool.Borrow(pmAddress, poolId, borrower, e18(500))
	require.NoError(t, err)
	assert.Equal(t, e18(500).Dec(), shares.Dec())
	assert.Equal(t, e18(500).Dec(), e.dai.BalanceOf(borrower).Dec())

	liquidity, err := e.pool.GetLiquidityOf(poolId)
	require.NoError(t, err)
	assert.Equal(t, e18(500).Dec(), liquidity.Dec())

	_, err = e.pool.WithdrawAssets(lender, poolId, e18(600), lender, lender)
	assert.True(t, errors.Is(err, ErrInsufficientLiquidity))
}

func TestPoolAccrual(t *testing.T) {
	e := newTestEnv(t)
	poolId := e.openPool(daiAddress, fixedRateKey, 1)
	e.supply(poolId, e18(1000))
	_, err := e.pool.Borrow(pmAddress, poolId, borrower, e18(500))
	require.NoError(t, err)

	e.warp(year)

	totalBorrows, err := e.pool.GetTotalBorrows(poolId)
	require.NoError(t, err)
	assert.Equal(t, e18(550).Dec(), totalBorrows.Dec())
	totalAssets, err := e.pool.GetTotalAssets(poolId)
	require.NoError(t, err)
	assert.Equal(t, e18(1050).Dec(), totalAssets.Dec())

	require.NoError(t, e.pool.Accrue(poolId))
	first, err := e.pool.PoolDataOf(poolId)
	require.NoError(t, err)
	assert.Equal(t, e18(550).Dec(), first.TotalBorrowAssets.Dec())

	// a second accrue in the same second is a no-op
	require.NoError(t, e.pool.Accrue(poolId))
	second, err := e.pool.PoolDataOf(poolId)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	borrows, err := e.pool.GetBorrowsOf(poolId, borrower)
	require.NoError(t, err)
	assert.Equal(t, e18(550).Dec(), borrows.Dec())
	assets, err := e.pool.GetAssetsOf(poolId, lender)
	require.NoError(t, err)
	assert.Equal(t, e18(1050).Dec(), assets.Dec())
}

func TestPoolAccrualMonotonic(t *testing.T) {
	e := newTestEnv(t)
	poolId := e.openPool(daiAddress, linearRateKey, 1)
	e.supply(poolId, e18(10000))
	_, err := e.pool.Borrow(pmAddress, poolId, borrower, e18(5000))
	require.NoError(t, err)

	model, err := e.pool.GetRateModelOf(poolId)
	require.NoError(t, err)
	rate, err := model.GetInterestRate(e18(5000), e18(10000))
	require.NoError(t, err)
	assert.Equal(t, "1500000000000000000", rate.Dec())

	prevBorrows, prevAssets := e18(5000), e18(10000)
	for i := 0; i < 12; i++ {
		e.warp(30 * 24 * time.Hour)

		preview, err := e.pool.GetTotalBorrows(poolId)
		require.NoError(t, err)
		require.NoError(t, e.pool.Accrue(poolId))
		data, err := e.pool.PoolDataOf(poolId)
		require.NoError(t, err)

		assert.Equal(t, preview.Dec(), data.TotalBorrowAssets.Dec())
		assert.True(t, data.TotalBorrowAssets.Gt(prevBorrows))
		assert.True(t, data.TotalDepositAssets.Gt(prevAssets))
		assert.Equal(t,
			new(uint256.Int).Sub(data.TotalDepositAssets, e18(10000)).Dec(),
			new(uint256.Int).Sub(data.TotalBorrowAssets, e18(5000)).Dec(),
		)
		prevBorrows, prevAssets = data.TotalBorrowAssets, data.TotalDepositAssets
	}
}

func TestPoolRepayMax(t *testing.T) {
	e := newTestEnv(t)
	poolId := e.openPool(daiAddress, linearRateKey, 1)
	e.supply(poolId, e18(10000))
	_, err := e.pool.Borrow(pmAddress, poolId, borrower, e18(5000))
	require.NoError(t, err)

	e.warp(year + 30*24*time.Hour)

	owed, err := e.pool.GetBorrowsOf(poolId, borrower)
	require.NoError(t, err)
	assert.True(t, owed.Gt(e18(5000)))

	repaid, remaining, err := e.pool.Repay(pmAddress, poolId, borrower, MaxUint256)
	require.NoError(t, err)
	assert.True(t, remaining.IsZero())
	assert.Equal(t, owed.Dec(), repaid.Dec())

	borrows, err := e.pool.GetBorrowsOf(poolId, borrower)
	require.NoError(t, err)
	assert.True(t, borrows.IsZero())
	totalBorrows, err := e.pool.GetTotalBorrows(poolId)
	require.NoError(t, err)
	assert.True(t, totalBorrows.IsZero())
	assert.True(t, e.pool.BorrowSharesOf(poolId, borrower).IsZero())

	_, _, err = e.pool.Repay(pmAddress, poolId, borrower, MaxUint256)
	assert.True(t, errors.Is(err, ErrZeroShares))
}

func TestPoolRepayPartial(t *testing.T) {
	e := newTestEnv(t)
	poolId := e.openPool(daiAddress, fixedRateKey, 1)
	e.supply(poolId, e18(10000))
	_, err := e.pool.Borrow(pmAddress, poolId, borrower, e18(5000))
	require.NoError(t, err)

	_, _, err = e.pool.Repay(pmAddress, poolId, borrower, e18(6000))
	assert.True(t, errors.Is(err, ErrRepayExceedsDebt))

	repaid, remaining, err := e.pool.Repay(pmAddress, poolId, borrower, e18(2000))
	require.NoError(t, err)
	assert.Equal(t, e18(2000).Dec(), repaid.Dec())
	assert.Equal(t, e18(3000).Dec(), remaining.Dec())
}

func TestPoolMinimums(t *testing.T) {
	e := newTestEnv(t)
	poolId := e.openPool(daiAddress, fixedRateKey, 1)
	e.supply(poolId, e18(10000))

	// 1 ETH is 2000 DAI
	e.pool.MinBorrow = pct(25)
	e.pool.MinDebt = WAD

	_, err := e.pool.Borrow(pmAddress, poolId, borrower, e18(400))
	assert.True(t, errors.Is(err, ErrMinBorrow))
	_, err = e.pool.Borrow(pmAddress, poolId, borrower, e18(1000))
	assert.True(t, errors.Is(err, ErrDebtTooLow))

	_, err = e.pool.Borrow(pmAddress, poolId, borrower, e18(3000))
	require.NoError(t, err)

	_, _, err = e.pool.Repay(pmAddress, poolId, borrower, e18(2000))
	assert.True(t, errors.Is(err, ErrDebtTooLow))

	_, remaining, err := e.pool.Repay(pmAddress, poolId, borrower, MaxUint256)
	require.NoError(t, err)
	assert.True(t, remaining.IsZero())
}

func TestPoolFees(t *testing.T) {
	e := newTestEnv(t)
	poolId := e.openPool(daiAddress, fixedRateKey, 1)
	e.supply(poolId, e18(1000))

	assert.True(t, errors.Is(e.pool.SetInterestFee(poolOwner, poolId, e18(2)), ErrInvalidFee))
	require.NoError(t, e.pool.SetInterestFee(poolOwner, poolId, pct(10)))
	require.NoError(t, e.pool.SetOriginationFee(poolOwner, poolId, pct(1)))

	_, err := e.pool.Borrow(pmAddress, poolId, borrower, e18(500))
	require.NoError(t, err)
	assert.Equal(t, e18(5).Dec(), e.dai.BalanceOf(feeRecipient).Dec())
	assert.Equal(t, "495000000000000000000", e.dai.BalanceOf(borrower).Dec())

	e.warp(year)

	// 50 interest, 10% of it owed to the fee recipient as deposit shares
	pending, err := e.pool.GetAssetsOf(poolId, feeRecipient)
	require.NoError(t, err)
	assertApprox(t, e18(5), pending, 1)

	interest, feeShares, err := e.pool.PreviewAccrue(poolId)
	require.NoError(t, err)
	assert.Equal(t, e18(50).Dec(), interest.Dec())

	require.NoError(t, e.pool.Accrue(poolId))
	assert.Equal(t, feeShares.Dec(), e.pool.SharesOf(poolId, feeRecipient).Dec())

	accrued, err := e.pool.GetAssetsOf(poolId, feeRecipient)
	require.NoError(t, err)
	assert.Equal(t, pending.Dec(), accrued.Dec())
	lenderAssets, err := e.pool.GetAssetsOf(poolId, lender)
	require.NoError(t, err)
	assertApprox(t, e18(1045), lenderAssets, 2)
}

func TestPoolSetRateModelAccruesFirst(t *testing.T) {
	e := newTestEnv(t)
	poolId := e.openPool(daiAddress, fixedRateKey, 1)
	e.supply(poolId, e18(1000))
	_, err := e.pool.Borrow(pmAddress, poolId, borrower, e18(500))
	require.NoError(t, err)

	e.warp(year)
	require.NoError(t, e.pool.SetRateModel(poolOwner, poolId, linearRateKey))

	data, err := e.pool.PoolDataOf(poolId)
	require.NoError(t, err)
	assert.Equal(t, e18(550).Dec(), data.TotalBorrowAssets.Dec())
	assert.Equal(t, linearRateKey, data.RateModelKey)

	assert.True(t, errors.Is(e.pool.SetRateModel(poolOwner, poolId, common.HexToHash("0xff")), ErrUnknownRateModel))
}

func TestPoolSnapshot(t *testing.T) {
	e := newTestEnv(t)
	poolId := e.openPool(daiAddress, fixedRateKey, 1)
	e.supply(poolId, e18(1000))
	_, err := e.pool.Borrow(pmAddress, poolId, borrower, e18(500))
	require.NoError(t, err)

	snapshot, err := e.pool.Snapshot(poolId)
	require.NoError(t, err)
	assert.Equal(t, daiAddress, snapshot.Asset)
	assert.True(t, snapshot.TotalAssets.Equal(decimal.NewFromInt(1000)), snapshot.TotalAssets.String())
	assert.True(t, snapshot.TotalBorrows.Equal(decimal.NewFromInt(500)))
	assert.True(t, snapshot.Liquidity.Equal(decimal.NewFromInt(500)))
	assert.True(t, snapshot.Utilization.Equal(decimal.RequireFromString("0.5")))
	assert.True(t, snapshot.BorrowRate.Equal(decimal.RequireFromString("0.1")))
	assert.Equal(t, startTime.Unix(), snapshot.CreatedAt)

	_, err = e.pool.Snapshot(PoolId{})
	assert.True(t, errors.Is(err, ErrUnknownPool))
}

// Deposits and withdrawals between accruals never lower the deposit share
// price.
func TestPoolSharePriceNeverFalls(t *testing.T) {
	e := newTestEnv(t)
	poolId := e.openPool(daiAddress, linearRateKey, 1)
	e.supply(poolId, e18(10000))
	_, err := e.pool.Borrow(pmAddress, poolId, borrower, e18(4000))
	require.NoError(t, err)
	require.NoError(t, e.dai.Mint(lender, e18(1_000_000)))
	require.NoError(t, e.dai.Approve(lender, poolAddress, MaxUint256))

	prev, err := e.pool.PoolDataOf(poolId)
	require.NoError(t, err)
	r := rand.New(rand.NewSource(3))
	for i := 0; i < 200; i++ {
		e.warp(time.Duration(1+r.Int63n(86_400)) * time.Second)
		amt := uint256.NewInt(1 + r.Uint64()>>4)
		if r.Intn(2) == 0 {
			_, err = e.pool.Deposit(lender, poolId, amt, lender)
		} else {
			_, err = e.pool.Withdraw(lender, poolId, Min(amt, e.pool.SharesOf(poolId, lender)), lender, lender)
		}
		if err != nil {
			require.True(t, errors.Is(err, ErrZeroShares), "step %d: %v", i, err)
		}

		data, err := e.pool.PoolDataOf(poolId)
		require.NoError(t, err)
		now := new(uint256.Int).Mul(data.TotalDepositAssets, prev.TotalDepositShares)
		before := new(uint256.Int).Mul(prev.TotalDepositAssets, data.TotalDepositShares)
		assert.False(t, now.Lt(before), "step %d: price fell from %s/%s to %s/%s", i,
			prev.TotalDepositAssets.Dec(), prev.TotalDepositShares.Dec(),
			data.TotalDepositAssets.Dec(), data.TotalDepositShares.Dec())
		prev = data
	}
}

// Borrowing mints shares rounded up and repaying burns shares rounded down,
// so neither leg can move debt off the books.
func TestPoolBorrowRepayRounding(t *testing.T) {
	e := newTestEnv(t)
	poolId := e.openPool(daiAddress, linearRateKey, 1)
	e.supply(poolId, e18(1_000_000))
	_, err := e.pool.Borrow(pmAddress, poolId, lender, e18(100_000))
	require.NoError(t, err)
	e.warp(year / 3)
	require.NoError(t, e.pool.Accrue(poolId))

	r := rand.New(rand.NewSource(5))
	for i := 0; i < 200; i++ {
		amt := uint256.NewInt(1 + r.Uint64()>>2)
		before, err := e.pool.PoolDataOf(poolId)
		require.NoError(t, err)
		held := e.pool.BorrowSharesOf(poolId, borrower)

		minted, err := e.pool.Borrow(pmAddress, poolId, borrower, amt)
		require.NoError(t, err)
		// minted*assets >= amt*shares > (minted-1)*assets
		lhs := new(uint256.Int).Mul(minted, before.TotalBorrowAssets)
		rhs := new(uint256.Int).Mul(amt, before.TotalBorrowShares)
		assert.False(t, lhs.Lt(rhs), "borrow %s minted %s", amt.Dec(), minted.Dec())
		assert.True(t, new(uint256.Int).Sub(lhs, before.TotalBorrowAssets).Lt(rhs))
		assert.Equal(t, new(uint256.Int).Add(held, minted).Dec(), e.pool.BorrowSharesOf(poolId, borrower).Dec())

		mid, err := e.pool.PoolDataOf(poolId)
		require.NoError(t, err)
		repay := uint256.NewInt(1 + r.Uint64()%amt.Uint64())
		_, _, err = e.pool.Repay(pmAddress, poolId, borrower, repay)
		if errors.Is(err, ErrZeroShares) {
			continue
		}
		require.NoError(t, err)
		burned := new(uint256.Int).Sub(new(uint256.Int).Add(held, minted), e.pool.BorrowSharesOf(poolId, borrower))
		// burned*assets <= repay*shares
		lhs = new(uint256.Int).Mul(burned, mid.TotalBorrowAssets)
		rhs = new(uint256.Int).Mul(repay, mid.TotalBorrowShares)
		assert.False(t, lhs.Gt(rhs), "repay %s burned %s", repay.Dec(), burned.Dec())
		assert.False(t, burned.Gt(minted))
	}
}

func TestPoolJournal(t *testing.T) {
	e := newTestEnv(t)
	recorder := &captureRecorder{}
	e.pool.SetRecorder(recorder)
	poolId := e.openPool(daiAddress, fixedRateKey, 1)
	e.supply(poolId, e18(1000))
	_, err := e.pool.Borrow(pmAddress, poolId, borrower, e18(500))
	require.NoError(t, err)
	shares := e.pool.SharesOf(poolId, lender)
	e.warp(year)

	// an inner commit folds into the outer journal, which then rolls back
	_, rollback := e.pool.checkpoint()
	created, err := e.pool.InitializePool(poolOwner, usdcAddress, fixedRateKey, UncappedPool, salt(2))
	require.NoError(t, err)
	commit, _ := e.pool.checkpoint()
	require.NoError(t, e.pool.Accrue(poolId))
	e.pool.Approve(lender, borrower, poolId, e18(5))
	e.pool.SetOperator(lender, borrower, true)
	e.pool.setShares(poolId, lender, e18(1))
	e.pool.setBorrowShares(poolId, liquidator, e18(1))
	commit()
	assert.Zero(t, recorder.accruals)
	rollback()

	assert.Zero(t, recorder.accruals)
	assert.Empty(t, e.pool.journals)
	assert.Equal(t, []PoolId{poolId}, e.pool.PoolIds())
	_, err = e.pool.PoolDataOf(created)
	assert.True(t, errors.Is(err, ErrUnknownPool))
	assert.True(t, e.pool.Allowance(lender, borrower, poolId).IsZero())
	assert.False(t, e.pool.IsOperator(lender, borrower))
	assert.Equal(t, shares.Dec(), e.pool.SharesOf(poolId, lender).Dec())
	assert.True(t, e.pool.BorrowSharesOf(poolId, liquidator).IsZero())
	data, err := e.pool.PoolDataOf(poolId)
	require.NoError(t, err)
	assert.Equal(t, e18(500).Dec(), data.TotalBorrowAssets.Dec())

	// committing the outermost journal reports interest once
	commit, _ = e.pool.checkpoint()
	require.NoError(t, e.pool.Accrue(poolId))
	assert.Zero(t, recorder.accruals)
	commit()
	assert.Equal(t, 1, recorder.accruals)
	assert.Equal(t, e18(50).Dec(), recorder.interest.Dec())

	// outside a journal interest is reported as it accrues
	e.warp(year)
	require.NoError(t, e.pool.Accrue(poolId))
	assert.Equal(t, 2, recorder.accruals)
}
