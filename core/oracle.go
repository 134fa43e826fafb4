package core

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/facebookgo/clock"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// Oracle values an amount of asset in wei. Implementations fail instead of
// returning a stale or zero price.
type Oracle interface {
	GetValueInEth(asset common.Address, amount *uint256.Int) (*uint256.Int, error)
}

type OracleSetup uint8

func (os OracleSetup) String() string {
	switch os {
	case FixedPriceSetup:
		return "FixedPrice"
	case FeedSetup:
		return "Feed"
	case MetaSetup:
		return "Meta"
	default:
		return "Unknown"
	}
}

const (
	FixedPriceSetup OracleSetup = iota
	FeedSetup
	MetaSetup
)

// scaleByPrice returns amount*price/10^decimals, price being wei per whole token.
func scaleByPrice(amount, price *uint256.Int, decimals uint8) (*uint256.Int, error) {
	return MulDiv(amount, price, Pow10(decimals), RoundDown)
}

// FixedPriceOracle prices one token at a constant wei value.
type FixedPriceOracle struct {
	Price    *uint256.Int
	decimals uint8
}

func NewFixedPriceOracle(price *uint256.Int, decimals uint8) *FixedPriceOracle {
	return &FixedPriceOracle{Price: price.Clone(), decimals: decimals}
}

func (o *FixedPriceOracle) Setup() OracleSetup { return FixedPriceSetup }

func (o *FixedPriceOracle) GetValueInEth(_ common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if o.Price.IsZero() {
		return nil, ErrInvalidPrice
	}
	return scaleByPrice(amount, o.Price, o.decimals)
}

// PriceFeed is an aggregator-style round source.
type PriceFeed interface {
	Decimals() uint8
	LatestRoundData() (answer *uint256.Int, updatedAt int64, err error)
}

// FeedOracle reads a PriceFeed quoting the asset in ETH and rejects rounds
// older than MaxAge seconds or stamped in the future.
type FeedOracle struct {
	clk           clock.Clock
	Feed          PriceFeed
	MaxAge        int64
	assetDecimals uint8
}

func NewFeedOracle(clk clock.Clock, feed PriceFeed, maxAge int64, assetDecimals uint8) *FeedOracle {
	return &FeedOracle{
		clk:           clk,
		Feed:          feed,
		MaxAge:        maxAge,
		assetDecimals: assetDecimals,
	}
}

func (o *FeedOracle) Setup() OracleSetup { return FeedSetup }

// Price returns the latest feed answer rescaled to 18 decimals.
func (o *FeedOracle) Price() (*uint256.Int, error) {
	answer, updatedAt, err := o.Feed.LatestRoundData()
	if err != nil {
		return nil, err
	}
	if answer == nil || answer.IsZero() {
		return nil, ErrInvalidPrice
	}
	now := o.clk.Now().Unix()
	if updatedAt > now {
		return nil, errors.Wrapf(ErrInvalidPrice, "round updated at %d is after %d", updatedAt, now)
	}
	if age := now - updatedAt; age > o.MaxAge {
		return nil, errors.Wrapf(ErrStalePrice, "round age %ds exceeds %ds", age, o.MaxAge)
	}
	return rescale(answer, o.Feed.Decimals(), 18)
}

func (o *FeedOracle) GetValueInEth(_ common.Address, amount *uint256.Int) (*uint256.Int, error) {
	price, err := o.Price()
	if err != nil {
		return nil, err
	}
	return scaleByPrice(amount, price, o.assetDecimals)
}

func rescale(x *uint256.Int, from, to uint8) (*uint256.Int, error) {
	switch {
	case from == to:
		return x.Clone(), nil
	case from < to:
		return Mul(x, Pow10(to-from))
	default:
		return new(uint256.Int).Div(x, Pow10(from-to)), nil
	}
}

// MetaLeg values an asset in terms of Quote. The last leg of a MetaOracle
// quotes ETH and its Quote is ignored.
type MetaLeg struct {
	Oracle        Oracle
	Quote         common.Address
	QuoteDecimals uint8
}

// MetaOracle chains two or three oracles multiplicatively. Each non-final leg
// returns a value scaled to 18 decimals which is rescaled to the quote
// token's decimals before being handed to the next leg.
type MetaOracle struct {
	Legs []MetaLeg
}

func NewMetaOracle(legs ...MetaLeg) (*MetaOracle, error) {
	if len(legs) < 2 || len(legs) > 3 {
		return nil, errors.Wrapf(ErrInvalidMetaOracle, "got %d legs", len(legs))
	}
	return &MetaOracle{Legs: legs}, nil
}

func (o *MetaOracle) Setup() OracleSetup { return MetaSetup }

func (o *MetaOracle) GetValueInEth(asset common.Address, amount *uint256.Int) (*uint256.Int, error) {
	current, value := asset, amount.Clone()
	for i, leg := range o.Legs {
		v, err := leg.Oracle.GetValueInEth(current, value)
		if err != nil {
			return nil, errors.Wrapf(err, "meta oracle leg %d", i)
		}
		if i == len(o.Legs)-1 {
			return v, nil
		}
		if value, err = rescale(v, 18, leg.QuoteDecimals); err != nil {
			return nil, err
		}
		current = leg.Quote
	}
	return value, nil
}
