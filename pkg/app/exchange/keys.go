package exchange

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/orderedcode"
)

// Contract keys:
//
//	("contract","config")     -> Config JSON
//	("contract","last_match") -> height of the last run_match (8-byte BE)
//	("app","genesis")         -> set once genesis balances are minted
const (
	prefixContract = "contract"
	prefixApp      = "app"
)

// EscrowAddress holds every resting order's funds. No key controls it; coins
// leave it only through settlement legs.
var EscrowAddress = common.BytesToAddress(crypto.Keccak256([]byte("hashclob/orderbook/escrow"))[12:])

func mustKey(items ...interface{}) []byte {
	key, err := orderedcode.Append(nil, items...)
	if err != nil {
		panic(fmt.Errorf("exchange key: %w", err))
	}
	return key
}

func configKey() []byte    { return mustKey(prefixContract, "config") }
func lastMatchKey() []byte { return mustKey(prefixContract, "last_match") }
func genesisKey() []byte   { return mustKey(prefixApp, "genesis") }
