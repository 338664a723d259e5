package account

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hashclob/pkg/app/core"
	"github.com/uhyunpark/hashclob/pkg/app/core/amount"
	"github.com/uhyunpark/hashclob/pkg/storage"
)

// Ledger is the bank: per-address, per-denom balances stored alongside the
// contract state so a transfer commits or rolls back with the operation.
type Ledger struct {
	rw storage.ReadWriter
}

func NewLedger(rw storage.ReadWriter) *Ledger {
	return &Ledger{rw: rw}
}

// Balance returns the balance of addr in denom.
func (l *Ledger) Balance(addr common.Address, denom string) (uint64, error) {
	return readUint64(l.rw, balanceKey(addr, denom))
}

// Mint credits addr out of thin air. Used for genesis allocations only.
func (l *Ledger) Mint(addr common.Address, coin core.Coin) error {
	bal, err := l.Balance(addr, coin.Denom)
	if err != nil {
		return err
	}
	next, err := amount.Add(bal, coin.Amount)
	if err != nil {
		return err
	}
	return writeUint64(l.rw, balanceKey(addr, coin.Denom), next)
}

// Send moves coin from one address to another.
// Returns ErrInsufficientFunds if from cannot cover the amount.
func (l *Ledger) Send(from, to common.Address, coin core.Coin) error {
	if coin.Amount == 0 {
		return nil
	}
	fromBal, err := l.Balance(from, coin.Denom)
	if err != nil {
		return err
	}
	if fromBal < coin.Amount {
		return fmt.Errorf("%w: %s has %d%s, need %s", core.ErrInsufficientFunds, from.Hex(), fromBal, coin.Denom, coin)
	}
	if err := writeUint64(l.rw, balanceKey(from, coin.Denom), fromBal-coin.Amount); err != nil {
		return err
	}

	toBal, err := l.Balance(to, coin.Denom)
	if err != nil {
		return err
	}
	next, err := amount.Add(toBal, coin.Amount)
	if err != nil {
		return err
	}
	return writeUint64(l.rw, balanceKey(to, coin.Denom), next)
}

// Balances lists every non-zero balance of addr, sorted by denom.
func (l *Ledger) Balances(addr common.Address) (core.Coins, error) {
	out := core.Coins{}
	err := storage.IterPrefix(l.rw, balancePrefix(addr), func(key, value []byte) (bool, error) {
		denom, err := denomFromKey(key)
		if err != nil {
			return false, err
		}
		if amt := binary.BigEndian.Uint64(value); amt > 0 {
			out = append(out, core.Coin{Denom: denom, Amount: amt})
		}
		return true, nil
	})
	return out, err
}

// Nonce returns the last accepted tx nonce of addr.
func (l *Ledger) Nonce(addr common.Address) (uint64, error) {
	return readUint64(l.rw, nonceKey(addr))
}

func (l *Ledger) SetNonce(addr common.Address, nonce uint64) error {
	return writeUint64(l.rw, nonceKey(addr), nonce)
}

// Account assembles the read view of addr.
func (l *Ledger) Account(addr common.Address) (*Account, error) {
	nonce, err := l.Nonce(addr)
	if err != nil {
		return nil, err
	}
	bals, err := l.Balances(addr)
	if err != nil {
		return nil, err
	}
	return &Account{Address: addr, Nonce: nonce, Balances: bals}, nil
}

func readUint64(r storage.Reader, key []byte) (uint64, error) {
	val, ok, err := storage.GetValue(r, key)
	if err != nil {
		return 0, fmt.Errorf("failed to read %x: %w", key, err)
	}
	if !ok {
		return 0, nil
	}
	if len(val) != 8 {
		return 0, fmt.Errorf("corrupt uint64 at %x: %d bytes", key, len(val))
	}
	return binary.BigEndian.Uint64(val), nil
}

func writeUint64(w storage.ReadWriter, key []byte, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	if err := w.Set(key, buf[:], pebble.NoSync); err != nil {
		return fmt.Errorf("failed to write %x: %w", key, err)
	}
	return nil
}
