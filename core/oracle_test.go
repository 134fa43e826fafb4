package core

import (
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubFeed struct {
	decimals  uint8
	answer    *uint256.Int
	updatedAt int64
	err       error
}

func (f *stubFeed) Decimals() uint8 { return f.decimals }

func (f *stubFeed) LatestRoundData() (*uint256.Int, int64, error) {
	return f.answer, f.updatedAt, f.err
}

func TestFixedPriceOracle(t *testing.T) {
	tests := []struct {
		name     string
		price    *uint256.Int
		decimals uint8
		amount   *uint256.Int
		want     string
		wantErr  error
	}{
		{"one token", WAD, 18, WAD, "1000000000000000000", nil},
		{"six decimals", uint256.NewInt(5e14), 6, uint256.NewInt(2_000_000), "1000000000000000", nil},
		{"zero amount", WAD, 18, zero(), "0", nil},
		{"zero price", zero(), 18, WAD, "", ErrInvalidPrice},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewFixedPriceOracle(tt.price, tt.decimals).GetValueInEth(wethAddress, tt.amount)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Dec())
		})
	}
}

func TestFeedOracle(t *testing.T) {
	clk := clock.NewMock()
	clk.Add(startTime.Sub(clk.Now()))

	// 8 decimal feed quoting 0.0005 ETH per token
	feed := &stubFeed{decimals: 8, answer: uint256.NewInt(50_000), updatedAt: startTime.Unix()}
	oracle := NewFeedOracle(clk, feed, 3600, 18)
	assert.Equal(t, FeedSetup, oracle.Setup())

	value, err := oracle.GetValueInEth(daiAddress, e18(1000))
	require.NoError(t, err)
	assert.Equal(t, "500000000000000000", value.Dec())

	clk.Add(time.Hour)
	_, err = oracle.GetValueInEth(daiAddress, e18(1000))
	require.NoError(t, err)

	clk.Add(time.Second)
	_, err = oracle.GetValueInEth(daiAddress, e18(1000))
	assert.True(t, errors.Is(err, ErrStalePrice))
	assert.Equal(t, ErrorClassSolvency, ClassOf(err))

	feed.updatedAt = clk.Now().Unix() + 1
	_, err = oracle.GetValueInEth(daiAddress, e18(1000))
	assert.True(t, errors.Is(err, ErrInvalidPrice))
	assert.False(t, errors.Is(err, ErrStalePrice))

	feed.updatedAt = clk.Now().Unix()
	_, err = oracle.GetValueInEth(daiAddress, e18(1000))
	require.NoError(t, err)

	feed.answer = zero()
	_, err = oracle.GetValueInEth(daiAddress, e18(1000))
	assert.True(t, errors.Is(err, ErrInvalidPrice))
}

func TestMetaOracle(t *testing.T) {
	// 1 WBTC = 20 WETH, 1 WETH = 1 ETH, WBTC has 8 decimals
	wbtcInWeth := NewFixedPriceOracle(e18(20), 8)
	wethInEth := NewFixedPriceOracle(WAD, 18)

	oracle, err := NewMetaOracle(
		MetaLeg{Oracle: wbtcInWeth, Quote: wethAddress, QuoteDecimals: 18},
		MetaLeg{Oracle: wethInEth},
	)
	require.NoError(t, err)
	assert.Equal(t, MetaSetup, oracle.Setup())

	value, err := oracle.GetValueInEth(usdcAddress, uint256.NewInt(50_000_000))
	require.NoError(t, err)
	assert.Equal(t, e18(10).Dec(), value.Dec())

	// the intermediate value is rescaled to the quote token's decimals
	usdcInEth := NewFixedPriceOracle(uint256.NewInt(5e14), 6)
	oracle, err = NewMetaOracle(
		MetaLeg{Oracle: NewFixedPriceOracle(e18(2), 18), Quote: usdcAddress, QuoteDecimals: 6},
		MetaLeg{Oracle: usdcInEth},
	)
	require.NoError(t, err)
	value, err = oracle.GetValueInEth(daiAddress, e18(1000))
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", value.Dec())

	_, err = NewMetaOracle(MetaLeg{Oracle: wethInEth})
	assert.True(t, errors.Is(err, ErrInvalidMetaOracle))

	_, err = NewMetaOracle(
		MetaLeg{Oracle: wethInEth}, MetaLeg{Oracle: wethInEth},
		MetaLeg{Oracle: wethInEth}, MetaLeg{Oracle: wethInEth},
	)
	assert.True(t, errors.Is(err, ErrInvalidMetaOracle))
}
