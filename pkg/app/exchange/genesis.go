package exchange

import (
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hashclob/pkg/app/core"
	"github.com/uhyunpark/hashclob/pkg/app/core/account"
	"github.com/uhyunpark/hashclob/pkg/app/core/marker"
	"github.com/uhyunpark/hashclob/pkg/storage"
)

// MarkerSpec declares a restricted denom. Frozen addresses can neither send
// nor receive it.
type MarkerSpec struct {
	Denom              string           `json:"denom"`
	RequiredAttributes []string         `json:"required_attributes,omitempty"`
	Frozen             []common.Address `json:"frozen,omitempty"`
}

type GenesisBalance struct {
	Address common.Address `json:"address"`
	Coins   core.Coins     `json:"coins"`
}

// Genesis is the initial chain state. Every node must start from the same
// Genesis or their app hashes diverge at the first block.
type Genesis struct {
	Markers    []MarkerSpec                `json:"markers,omitempty"`
	Balances   []GenesisBalance            `json:"balances,omitempty"`
	Attributes map[common.Address][]string `json:"attributes,omitempty"`
}

// configureMarkers registers every marker and grants the escrow transfer
// rights over it. The escrow is given each required attribute so deposits
// into it pass the recipient check.
func (g Genesis) configureMarkers(reg *marker.Registry) error {
	for _, m := range g.Markers {
		if err := reg.Register(m.Denom, m.RequiredAttributes...); err != nil {
			return err
		}
		if err := reg.Grant(m.Denom, EscrowAddress); err != nil {
			return err
		}
		for _, attr := range m.RequiredAttributes {
			reg.SetAttribute(EscrowAddress, attr)
		}
		for _, addr := range m.Frozen {
			if addr == EscrowAddress {
				return fmt.Errorf("cannot freeze the escrow on %s", m.Denom)
			}
			if err := reg.Freeze(m.Denom, addr); err != nil {
				return err
			}
		}
	}
	for addr, attrs := range g.Attributes {
		for _, attr := range attrs {
			reg.SetAttribute(addr, attr)
		}
	}
	return nil
}

// mintBalances credits the genesis balances once. Later starts find the
// genesis marker and leave state untouched.
func (g Genesis) mintBalances(db *storage.DB) (bool, error) {
	tx := db.Begin()
	defer tx.Discard()

	_, done, err := storage.GetValue(tx, genesisKey())
	if err != nil {
		return false, err
	}
	if done {
		return false, nil
	}

	ledger := account.NewLedger(tx)
	for _, b := range g.Balances {
		for _, c := range b.Coins {
			if err := ledger.Mint(b.Address, c); err != nil {
				return false, fmt.Errorf("failed to mint %s to %s: %w", c, b.Address.Hex(), err)
			}
		}
	}
	if err := tx.Set(genesisKey(), []byte{1}, pebble.NoSync); err != nil {
		return false, err
	}
	return true, tx.Commit()
}
