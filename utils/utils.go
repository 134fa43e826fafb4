package utils

import (
	"crypto/md5"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gofrs/uuid"
)

func GenUuidFromStrings(uuids ...string) string {
	if len(uuids) == 0 {
		uuids = append(uuids, "00000000-0000-0000-0000-000000000000")
	}

	// Sort the UUIDs to ensure consistent ordering
	sortedUUIDs := make([]string, len(uuids))
	copy(sortedUUIDs, uuids)
	sort.Strings(sortedUUIDs)

	// Concatenate all sorted UUIDs
	concatenatedUUIDs := strings.Join(sortedUUIDs, "")

	return uuidHash([]byte(concatenatedUUIDs))
}

func uuidHash(b []byte) string {
	h := md5.New()

	h.Write(b)
	sum := h.Sum(nil)
	sum[6] = (sum[6] & 0x0f) | 0x30
	sum[8] = (sum[8] & 0x3f) | 0x80
	return uuid.FromBytesOrNil(sum).String()
}

// DerivePoolId packs owner, asset, rate model key and salt and hashes them,
// so the same four inputs always land on the same pool.
func DerivePoolId(owner, asset common.Address, rateModelKey, salt common.Hash) common.Hash {
	return crypto.Keccak256Hash(owner.Bytes(), asset.Bytes(), rateModelKey.Bytes(), salt.Bytes())
}

// PositionSalt mixes the owner into the user supplied salt so two owners
// never race for the same position address.
func PositionSalt(owner common.Address, salt common.Hash) [32]byte {
	return crypto.Keccak256Hash(owner.Bytes(), salt.Bytes())
}

// PredictPositionAddress returns the CREATE2 address a position deployed by
// deployer would get for the given owner, salt and position type.
func PredictPositionAddress(deployer, owner common.Address, salt common.Hash, positionType uint8) common.Address {
	initCodeHash := crypto.Keccak256([]byte("ISOLEND_POSITION"), []byte{positionType})
	return crypto.CreateAddress2(deployer, PositionSalt(owner, salt), initCodeHash)
}
