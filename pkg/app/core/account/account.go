package account

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hashclob/pkg/app/core"
)

// Account is a read view of one address: its balances and tx nonce.
type Account struct {
	Address  common.Address `json:"address"`
	Nonce    uint64         `json:"nonce"`
	Balances core.Coins     `json:"balances"`
}

// Balance returns the amount held in denom (0 if none).
func (a *Account) Balance(denom string) uint64 {
	for _, c := range a.Balances {
		if c.Denom == denom {
			return c.Amount
		}
	}
	return 0
}
