package account

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/orderedcode"
)

// Key schema:
//
//	("bal", address, denom) -> uint64 big-endian
//	("nonce", address)      -> uint64 big-endian
const (
	prefixBalance = "bal"
	prefixNonce   = "nonce"
)

func mustAppend(items ...interface{}) []byte {
	key, err := orderedcode.Append(nil, items...)
	if err != nil {
		panic(fmt.Errorf("account key: %w", err))
	}
	return key
}

func balanceKey(addr common.Address, denom string) []byte {
	return mustAppend(prefixBalance, addr.Hex(), denom)
}

// balancePrefix covers every denom held by addr.
func balancePrefix(addr common.Address) []byte {
	return mustAppend(prefixBalance, addr.Hex())
}

func nonceKey(addr common.Address) []byte {
	return mustAppend(prefixNonce, addr.Hex())
}

// denomFromKey extracts the denom from a balance key.
func denomFromKey(key []byte) (string, error) {
	var prefix, addr, denom string
	if _, err := orderedcode.Parse(string(key), &prefix, &addr, &denom); err != nil {
		return "", fmt.Errorf("invalid balance key %x: %w", key, err)
	}
	return denom, nil
}
