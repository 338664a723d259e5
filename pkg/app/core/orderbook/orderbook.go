package orderbook

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/hashclob/pkg/app/core"
	"github.com/uhyunpark/hashclob/pkg/storage"
)

// Book is the order store for one trading pair. It holds no state of its own:
// every call reads and writes through rw, so a Book bound to a transaction
// sees and stages that transaction's changes only.
type Book struct {
	rw      storage.ReadWriter
	lotSize uint64
}

// PriceLevel aggregates resting quantity at one price.
type PriceLevel struct {
	Price    uint64 `json:"price"`
	Quantity uint64 `json:"quantity"`
	Orders   int    `json:"orders"`
}

func New(rw storage.ReadWriter, lotSize uint64) *Book {
	return &Book{rw: rw, lotSize: lotSize}
}

// Insert validates o and stores it at the back of its price level.
// o.Sequence is assigned here.
func (b *Book) Insert(o *core.Order) error {
	if o.Side != core.Buy && o.Side != core.Sell {
		return fmt.Errorf("invalid side %d", o.Side)
	}
	if o.Price == 0 {
		return fmt.Errorf("%w: price must be > 0", core.ErrInvalidPrice)
	}
	if o.Quantity == 0 {
		return fmt.Errorf("%w: quantity must be > 0", core.ErrInvalidQuantity)
	}
	if o.Side == core.Sell && o.Quantity%b.lotSize != 0 {
		return fmt.Errorf("%w: quantity %d is not a multiple of %d", core.ErrInvalidLotSize, o.Quantity, b.lotSize)
	}

	_, exists, err := storage.GetValue(b.rw, idKey(o.Side, o.ID))
	if err != nil {
		return fmt.Errorf("failed to check order id: %w", err)
	}
	if exists {
		return fmt.Errorf("%w: %s order %q", core.ErrDuplicateOrderID, o.Side, o.ID)
	}

	seq, err := b.nextSequence()
	if err != nil {
		return err
	}
	o.Sequence = seq
	return b.put(o)
}

// Best returns the highest priority order on side, or nil if the side is empty.
func (b *Book) Best(side core.Side) (*core.Order, error) {
	var best *core.Order
	err := b.Iterate(side, func(o *core.Order) bool {
		best = o
		return false
	})
	return best, err
}

// Get looks up a resting order by id.
func (b *Book) Get(side core.Side, id string) (*core.Order, error) {
	pk, ok, err := storage.GetValue(b.rw, idKey(side, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get order id: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s order %q", core.ErrOrderNotFound, side, id)
	}
	var o core.Order
	found, err := storage.GetJSON(b.rw, pk, &o)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("order index points at missing key %x", pk)
	}
	return &o, nil
}

func (b *Book) Remove(side core.Side, id string) error {
	o, err := b.Get(side, id)
	if err != nil {
		return err
	}
	return b.delete(o)
}

// Decrement reduces the remaining quantity of an order. An order that
// reaches zero is removed in the same call and nil is returned.
func (b *Book) Decrement(side core.Side, id string, qty uint64) (*core.Order, error) {
	o, err := b.Get(side, id)
	if err != nil {
		return nil, err
	}
	if qty == 0 || qty > o.Quantity {
		return nil, fmt.Errorf("%w: decrement %d of order %q with %d remaining", core.ErrInvalidQuantity, qty, id, o.Quantity)
	}
	o.Quantity -= qty
	if o.Quantity == 0 {
		return nil, b.delete(o)
	}
	return o, b.put(o)
}

// Iterate visits orders on side in priority order until fn returns false.
func (b *Book) Iterate(side core.Side, fn func(o *core.Order) bool) error {
	return storage.IterPrefix(b.rw, sidePrefix(side), func(key, value []byte) (bool, error) {
		var o core.Order
		if err := json.Unmarshal(value, &o); err != nil {
			return false, fmt.Errorf("failed to decode order at %x: %w", key, err)
		}
		return fn(&o), nil
	})
}

// Orders returns every order on side in priority order.
func (b *Book) Orders(side core.Side) ([]core.Order, error) {
	out := []core.Order{}
	err := b.Iterate(side, func(o *core.Order) bool {
		out = append(out, *o)
		return true
	})
	return out, err
}

// Levels aggregates side into price levels, best first.
func (b *Book) Levels(side core.Side) ([]PriceLevel, error) {
	var levels []PriceLevel
	err := b.Iterate(side, func(o *core.Order) bool {
		if n := len(levels); n > 0 && levels[n-1].Price == o.Price {
			levels[n-1].Quantity += o.Quantity
			levels[n-1].Orders++
			return true
		}
		levels = append(levels, PriceLevel{Price: o.Price, Quantity: o.Quantity, Orders: 1})
		return true
	})
	return levels, err
}

func (b *Book) put(o *core.Order) error {
	pk := priorityKey(o.Side, o.Price, o.Sequence)
	if err := storage.SetJSON(b.rw, pk, o); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	if err := b.rw.Set(idKey(o.Side, o.ID), pk, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save order index: %w", err)
	}
	return nil
}

func (b *Book) delete(o *core.Order) error {
	if err := b.rw.Delete(priorityKey(o.Side, o.Price, o.Sequence), pebble.NoSync); err != nil {
		return fmt.Errorf("failed to delete order: %w", err)
	}
	if err := b.rw.Delete(idKey(o.Side, o.ID), pebble.NoSync); err != nil {
		return fmt.Errorf("failed to delete order index: %w", err)
	}
	return nil
}

func (b *Book) nextSequence() (uint64, error) {
	val, ok, err := storage.GetValue(b.rw, seqKey())
	if err != nil {
		return 0, fmt.Errorf("failed to read sequence: %w", err)
	}
	var seq uint64
	if ok {
		seq = binary.BigEndian.Uint64(val)
	}
	seq++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	if err := b.rw.Set(seqKey(), buf[:], pebble.NoSync); err != nil {
		return 0, fmt.Errorf("failed to write sequence: %w", err)
	}
	return seq, nil
}
