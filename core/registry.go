package core

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

var (
	PoolKey            = crypto.Keccak256Hash([]byte("ISOLEND_POOL_KEY"))
	RiskEngineKey      = crypto.Keccak256Hash([]byte("ISOLEND_RISK_ENGINE_KEY"))
	RiskModuleKey      = crypto.Keccak256Hash([]byte("ISOLEND_RISK_MODULE_KEY"))
	PositionManagerKey = crypto.Keccak256Hash([]byte("ISOLEND_POSITION_MANAGER_KEY"))
	PositionBeaconKey  = crypto.Keccak256Hash([]byte("ISOLEND_POSITION_BEACON_KEY"))
)

// Registry maps well known keys to addresses and rate-model keys to models so
// components can be wired without hard-coding each other.
type Registry struct {
	Owner common.Address

	addresses  map[common.Hash]common.Address
	rateModels map[common.Hash]RateModel
}

func NewRegistry(owner common.Address) *Registry {
	return &Registry{
		Owner:      owner,
		addresses:  make(map[common.Hash]common.Address),
		rateModels: make(map[common.Hash]RateModel),
	}
}

func (r *Registry) SetAddress(caller common.Address, key common.Hash, addr common.Address) error {
	if caller != r.Owner {
		return ErrOnlyOwner
	}
	r.addresses[key] = addr
	return nil
}

// GetAddress returns the zero address for unknown keys.
func (r *Registry) GetAddress(key common.Hash) common.Address {
	return r.addresses[key]
}

func (r *Registry) SetRateModel(caller common.Address, key common.Hash, model RateModel) error {
	if caller != r.Owner {
		return ErrOnlyOwner
	}
	r.rateModels[key] = model
	return nil
}

func (r *Registry) RateModel(key common.Hash) (RateModel, error) {
	model, ok := r.rateModels[key]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownRateModel, "key %s", key.Hex())
	}
	return model, nil
}
