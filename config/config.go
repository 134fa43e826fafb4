package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/DomeLiquid/isolend/core"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var ErrInvalidConfig = errors.New("invalid config")

type (
	// Config is the protocol wide configuration. Ratios are plain decimals
	// ("0.9" is 90%) and wei thresholds are written in ETH.
	Config struct {
		Protocol  ProtocolConfig  `toml:"protocol"`
		Risk      RiskConfig      `toml:"risk"`
		Positions PositionsConfig `toml:"positions"`
		Oracle    OracleConfig    `toml:"oracle"`
	}

	ProtocolConfig struct {
		Owner                 common.Address  `toml:"owner"`
		FeeRecipient          common.Address  `toml:"feeRecipient"`
		MinBorrow             decimal.Decimal `toml:"minBorrow"`
		MinDebt               decimal.Decimal `toml:"minDebt"`
		DefaultInterestFee    decimal.Decimal `toml:"defaultInterestFee"`
		DefaultOriginationFee decimal.Decimal `toml:"defaultOriginationFee"`
	}

	RiskConfig struct {
		CloseFactor         decimal.Decimal `toml:"closeFactor"`
		LiquidationDiscount decimal.Decimal `toml:"liquidationDiscount"`
		MinLtv              decimal.Decimal `toml:"minLtv"`
		MaxLtv              decimal.Decimal `toml:"maxLtv"`
		LtvTimelock         time.Duration   `toml:"ltvTimelock"`
		LtvDeadline         time.Duration   `toml:"ltvDeadline"`
	}

	PositionsConfig struct {
		LiquidationFee decimal.Decimal `toml:"liquidationFee"`
	}

	OracleConfig struct {
		MaxAge time.Duration `toml:"maxAge"`
	}
)

func Default() *Config {
	return &Config{
		Protocol: ProtocolConfig{
			MinBorrow:             decimal.RequireFromString("0.01"),
			MinDebt:               decimal.RequireFromString("0.05"),
			DefaultInterestFee:    decimal.RequireFromString("0.1"),
			DefaultOriginationFee: decimal.Zero,
		},
		Risk: RiskConfig{
			CloseFactor:         decimal.RequireFromString("0.5"),
			LiquidationDiscount: decimal.RequireFromString("0.1"),
			MinLtv:              decimal.RequireFromString("0.1"),
			MaxLtv:              decimal.RequireFromString("0.98"),
			LtvTimelock:         core.DEFAULT_LTV_TIMELOCK * time.Second,
			LtvDeadline:         core.DEFAULT_LTV_DEADLINE * time.Second,
		},
		Positions: PositionsConfig{
			LiquidationFee: decimal.Zero,
		},
		Oracle: OracleConfig{
			MaxAge: time.Hour,
		},
	}
}

// Load reads path over Default. Keys missing from the file keep their
// default value.
func Load(path string) (*Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Wrapf(ErrInvalidConfig, "unknown key %s", undecoded[0])
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as TOML.
func Save(path string, cfg *Config) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

func (c *Config) Validate() error {
	if c.Protocol.Owner == (common.Address{}) {
		return errors.Wrap(ErrInvalidConfig, "protocol.owner is required")
	}
	if c.Protocol.FeeRecipient == (common.Address{}) {
		return errors.Wrap(ErrInvalidConfig, "protocol.feeRecipient is required")
	}
	for name, v := range map[string]decimal.Decimal{
		"protocol.minBorrow": c.Protocol.MinBorrow,
		"protocol.minDebt":   c.Protocol.MinDebt,
	} {
		if v.IsNegative() {
			return errors.Wrapf(ErrInvalidConfig, "%s must not be negative", name)
		}
	}
	for name, v := range map[string]decimal.Decimal{
		"protocol.defaultInterestFee":    c.Protocol.DefaultInterestFee,
		"protocol.defaultOriginationFee": c.Protocol.DefaultOriginationFee,
		"risk.liquidationDiscount":       c.Risk.LiquidationDiscount,
		"positions.liquidationFee":       c.Positions.LiquidationFee,
	} {
		if !isRatio(v) {
			return errors.Wrapf(ErrInvalidConfig, "%s must be within [0, 1]", name)
		}
	}
	if !isRatio(c.Risk.CloseFactor) || c.Risk.CloseFactor.IsZero() {
		return errors.Wrap(ErrInvalidConfig, "risk.closeFactor must be within (0, 1]")
	}
	if !isRatio(c.Risk.MinLtv) || c.Risk.MinLtv.IsZero() || !isRatio(c.Risk.MaxLtv) || c.Risk.MinLtv.GreaterThan(c.Risk.MaxLtv) {
		return errors.Wrap(ErrInvalidConfig, "risk ltv bounds must satisfy 0 < minLtv <= maxLtv <= 1")
	}
	if c.Risk.LtvTimelock < 0 || c.Risk.LtvDeadline <= 0 {
		return errors.Wrap(ErrInvalidConfig, "risk.ltvTimelock must not be negative and risk.ltvDeadline must be positive")
	}
	if c.Oracle.MaxAge <= 0 {
		return errors.Wrap(ErrInvalidConfig, "oracle.maxAge must be positive")
	}
	return nil
}

func isRatio(v decimal.Decimal) bool {
	return !v.IsNegative() && v.LessThanOrEqual(decimal.NewFromInt(1))
}

// ToWad scales d by 1e18. Digits beyond 18 decimals are truncated.
func ToWad(d decimal.Decimal) (*uint256.Int, error) {
	if d.IsNegative() {
		return nil, errors.Wrapf(ErrInvalidConfig, "negative value %s", d)
	}
	v, overflow := uint256.FromBig(d.Shift(18).Truncate(0).BigInt())
	if overflow {
		return nil, errors.Wrapf(core.ErrMathOverflow, "value %s", d)
	}
	return v, nil
}

func (c *Config) PoolParams() (core.PoolParams, error) {
	minBorrow, err := ToWad(c.Protocol.MinBorrow)
	if err != nil {
		return core.PoolParams{}, err
	}
	minDebt, err := ToWad(c.Protocol.MinDebt)
	if err != nil {
		return core.PoolParams{}, err
	}
	interestFee, err := ToWad(c.Protocol.DefaultInterestFee)
	if err != nil {
		return core.PoolParams{}, err
	}
	originationFee, err := ToWad(c.Protocol.DefaultOriginationFee)
	if err != nil {
		return core.PoolParams{}, err
	}
	return core.PoolParams{
		FeeRecipient:          c.Protocol.FeeRecipient,
		MinBorrow:             minBorrow,
		MinDebt:               minDebt,
		DefaultInterestFee:    interestFee,
		DefaultOriginationFee: originationFee,
	}, nil
}

func (c *Config) RiskParams() (core.RiskParams, error) {
	minLtv, err := ToWad(c.Risk.MinLtv)
	if err != nil {
		return core.RiskParams{}, err
	}
	maxLtv, err := ToWad(c.Risk.MaxLtv)
	if err != nil {
		return core.RiskParams{}, err
	}
	return core.RiskParams{
		MinLtv:      minLtv,
		MaxLtv:      maxLtv,
		LtvTimelock: uint64(c.Risk.LtvTimelock / time.Second),
		LtvDeadline: uint64(c.Risk.LtvDeadline / time.Second),
	}, nil
}

func (c *Config) LiquidationParams() (core.LiquidationParams, error) {
	closeFactor, err := ToWad(c.Risk.CloseFactor)
	if err != nil {
		return core.LiquidationParams{}, err
	}
	discount, err := ToWad(c.Risk.LiquidationDiscount)
	if err != nil {
		return core.LiquidationParams{}, err
	}
	return core.LiquidationParams{
		CloseFactor:         closeFactor,
		LiquidationDiscount: discount,
	}, nil
}

func (c *Config) LiquidationFee() (*uint256.Int, error) {
	return ToWad(c.Positions.LiquidationFee)
}

// OracleMaxAge is the feed staleness bound in seconds.
func (c *Config) OracleMaxAge() int64 {
	return int64(c.Oracle.MaxAge / time.Second)
}
