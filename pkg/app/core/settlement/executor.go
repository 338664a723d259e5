package settlement

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hashclob/pkg/app/core"
	"github.com/uhyunpark/hashclob/pkg/app/core/marker"
)

// Markers performs escrow-controlled transfers of restricted denoms.
type Markers interface {
	Transfer(bank marker.Bank, coin core.Coin, from, to, authority common.Address) error
}

// Executor applies transfers against a bank, routing escrow legs through the
// marker registry with Authority as the granted signer.
type Executor struct {
	Bank      marker.Bank
	Markers   Markers
	Authority common.Address
}

// Execute applies ts in order and stops at the first failure.
// Transfers already applied are not undone here: the caller owns the batch
// they were staged in and discards it.
func (e *Executor) Execute(ts []Transfer) error {
	for i, t := range ts {
		if err := e.Apply(t); err != nil {
			return fmt.Errorf("transfer %d (%s): %w", i, t.Leg, err)
		}
	}
	return nil
}

// Apply performs a single transfer. Errors wrap core.ErrTransferFailed.
func (e *Executor) Apply(t Transfer) error {
	switch t.Mechanism {
	case Direct:
		if err := e.Bank.Send(t.From, t.To, t.Coin); err != nil {
			return fmt.Errorf("%w: %w", core.ErrTransferFailed, err)
		}
		return nil
	case Escrow:
		if e.Markers == nil {
			return fmt.Errorf("%w: no marker registry for %s", core.ErrTransferFailed, t.Coin.Denom)
		}
		return e.Markers.Transfer(e.Bank, t.Coin, t.From, t.To, e.Authority)
	default:
		return fmt.Errorf("%w: unknown mechanism %d", core.ErrTransferFailed, t.Mechanism)
	}
}
