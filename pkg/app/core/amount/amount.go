// Package amount implements the exact integer arithmetic used to convert between
// base quantities and quote amounts. Products are computed in 256 bits and must
// fit back into uint64.
package amount

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/uhyunpark/hashclob/pkg/app/core"
)

// MulDiv returns floor(x*y/d) and the remainder.
func MulDiv(x, y, d uint64) (q, rem uint64, err error) {
	if d == 0 {
		return 0, 0, fmt.Errorf("%w: division by zero", core.ErrArithmeticOverflow)
	}
	prod := new(uint256.Int).Mul(uint256.NewInt(x), uint256.NewInt(y))
	quo, mod := new(uint256.Int).DivMod(prod, uint256.NewInt(d), new(uint256.Int))
	if !quo.IsUint64() {
		return 0, 0, fmt.Errorf("%w: %d*%d/%d", core.ErrArithmeticOverflow, x, y, d)
	}
	return quo.Uint64(), mod.Uint64(), nil
}

// QuoteFor is the quote owed for qty base units at price per lot, rounded down.
func QuoteFor(qty, price, lot uint64) (uint64, uint64, error) {
	return MulDiv(qty, price, lot)
}

// BaseFor is the base quantity bought by funds quote units at price per lot.
func BaseFor(funds, price, lot uint64) (uint64, uint64, error) {
	return MulDiv(funds, lot, price)
}

func Add(a, b uint64) (uint64, error) {
	sum, overflow := new(uint256.Int).AddOverflow(uint256.NewInt(a), uint256.NewInt(b))
	if overflow || !sum.IsUint64() {
		return 0, fmt.Errorf("%w: %d+%d", core.ErrArithmeticOverflow, a, b)
	}
	return sum.Uint64(), nil
}

func Sub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, fmt.Errorf("%w: %d-%d underflows", core.ErrArithmeticOverflow, a, b)
	}
	return a - b, nil
}

func Min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
