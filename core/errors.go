package core

import (
	"github.com/pkg/errors"
)

// validation
var (
	ErrZeroAmount             = errors.New("amount must be positive")
	ErrMinBorrow              = errors.New("borrow below minimum")
	ErrDebtTooLow             = errors.New("resulting debt below minimum")
	ErrZeroShares             = errors.New("operation rounds to zero shares")
	ErrAssetLimit             = errors.New("position asset limit exceeded")
	ErrDebtPoolLimit          = errors.New("position debt pool limit exceeded")
	ErrUnknownAsset           = errors.New("unknown asset")
	ErrUnknownContract        = errors.New("unknown contract")
	ErrUnknownFunc            = errors.New("unknown function")
	ErrUnknownSpender         = errors.New("unknown spender")
	ErrUnknownOracle          = errors.New("unknown oracle")
	ErrUnknownPool            = errors.New("unknown pool")
	ErrUnknownRateModel       = errors.New("unknown rate model")
	ErrUnknownPosition        = errors.New("unknown position")
	ErrInvalidBorrow          = errors.New("position cannot borrow from another pool")
	ErrInvalidAsset           = errors.New("position cannot hold another collateral asset")
	ErrInvalidPositionType    = errors.New("invalid position type")
	ErrInvalidOperation       = errors.New("invalid operation")
	ErrInvalidActionData      = errors.New("invalid action data")
	ErrPositionExists         = errors.New("position already exists")
	ErrPoolExists             = errors.New("pool already initialized")
	ErrInvalidPoolCap         = errors.New("pool cap must be positive")
	ErrPoolCapExceeded        = errors.New("pool cap exceeded")
	ErrPoolPaused             = errors.New("pool is paused")
	ErrInsufficientLiquidity  = errors.New("insufficient pool liquidity")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrInsufficientAllowance  = errors.New("insufficient allowance")
	ErrNoLtvUpdate            = errors.New("no pending ltv update")
	ErrLtvUpdateTimelocked    = errors.New("ltv update still timelocked")
	ErrLtvUpdateExpired       = errors.New("ltv update expired")
	ErrLtvOutOfBounds         = errors.New("ltv outside configured bounds")
	ErrZeroLtv                = errors.New("pool does not accept collateral asset")
	ErrNoOracle               = errors.New("no oracle configured")
	ErrInvalidFee             = errors.New("fee must not exceed 1e18")
	ErrInvalidRateModelParams = errors.New("invalid rate model parameters")
	ErrPoolAlreadyAdded       = errors.New("pool already added")
	ErrSuperPoolCapExceeded   = errors.New("super pool cap exceeded")
	ErrNotEnoughLiquidity     = errors.New("not enough liquidity across pools")
	ErrInvalidMetaOracle      = errors.New("meta oracle needs two or three legs")
	ErrRepayExceedsDebt       = errors.New("repay exceeds outstanding debt")
	ErrSuperPoolExists        = errors.New("super pool already deployed")
)

// solvency
var (
	ErrHealthCheckFailed        = errors.New("position unhealthy after batch")
	ErrLiquidateHealthyPosition = errors.New("cannot liquidate healthy position")
	ErrInvalidLiquidation       = errors.New("liquidation outside close factor or discount bound")
	ErrIllegalLiquidation       = errors.New("liquidation did not reduce debt")
	ErrStalePrice               = errors.New("stale oracle price")
	ErrInvalidPrice             = errors.New("invalid oracle price")
)

// authorization
var (
	ErrOnlyPositionOwner   = errors.New("caller is not position owner or operator")
	ErrOnlyPositionManager = errors.New("caller is not position manager")
	ErrOnlyPoolOwner       = errors.New("caller is not pool owner")
	ErrOnlyOwner           = errors.New("caller is not protocol owner")
)

// arithmetic
var (
	ErrMathOverflow   = errors.New("math overflow")
	ErrMathUnderflow  = errors.New("math underflow")
	ErrDivisionByZero = errors.New("division by zero")
)

type ErrorClass uint8

const (
	ErrorClassUnknown ErrorClass = iota
	ErrorClassValidation
	ErrorClassSolvency
	ErrorClassAuthorization
	ErrorClassArithmetic
)

func (c ErrorClass) String() string {
	switch c {
	case ErrorClassValidation:
		return "Validation"
	case ErrorClassSolvency:
		return "Solvency"
	case ErrorClassAuthorization:
		return "Authorization"
	case ErrorClassArithmetic:
		return "Arithmetic"
	default:
		return "Unknown"
	}
}

var (
	solvencyErrors = []error{
		ErrHealthCheckFailed, ErrLiquidateHealthyPosition, ErrInvalidLiquidation,
		ErrIllegalLiquidation, ErrStalePrice, ErrInvalidPrice,
	}
	authorizationErrors = []error{
		ErrOnlyPositionOwner, ErrOnlyPositionManager, ErrOnlyPoolOwner, ErrOnlyOwner,
	}
	arithmeticErrors = []error{
		ErrMathOverflow, ErrMathUnderflow, ErrDivisionByZero,
	}
	validationErrors = []error{
		ErrZeroAmount, ErrMinBorrow, ErrDebtTooLow, ErrZeroShares, ErrAssetLimit,
		ErrDebtPoolLimit, ErrUnknownAsset, ErrUnknownContract, ErrUnknownFunc,
		ErrUnknownSpender, ErrUnknownOracle, ErrUnknownPool, ErrUnknownRateModel,
		ErrUnknownPosition, ErrInvalidBorrow, ErrInvalidAsset, ErrInvalidPositionType,
		ErrInvalidOperation, ErrInvalidActionData, ErrPositionExists, ErrPoolExists,
		ErrInvalidPoolCap, ErrPoolCapExceeded, ErrPoolPaused, ErrInsufficientLiquidity,
		ErrInsufficientBalance, ErrInsufficientAllowance, ErrNoLtvUpdate,
		ErrLtvUpdateTimelocked, ErrLtvUpdateExpired, ErrLtvOutOfBounds, ErrZeroLtv,
		ErrNoOracle, ErrInvalidFee, ErrInvalidRateModelParams, ErrPoolAlreadyAdded,
		ErrSuperPoolCapExceeded, ErrNotEnoughLiquidity, ErrInvalidMetaOracle,
		ErrRepayExceedsDebt, ErrSuperPoolExists,
	}
)

// ClassOf reports which part of the error taxonomy err belongs to.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	for _, group := range []struct {
		class ErrorClass
		errs  []error
	}{
		{ErrorClassSolvency, solvencyErrors},
		{ErrorClassAuthorization, authorizationErrors},
		{ErrorClassArithmetic, arithmeticErrors},
		{ErrorClassValidation, validationErrors},
	} {
		for _, target := range group.errs {
			if errors.Is(err, target) {
				return group.class
			}
		}
	}
	return ErrorClassUnknown
}
