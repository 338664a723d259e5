package matching

import (
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"github.com/uhyunpark/hashclob/pkg/app/core"
)

func total(rt *rapid.T, h *harness, side core.Side) uint64 {
	orders, err := h.book.Orders(side)
	if err != nil {
		rt.Fatalf("orders: %v", err)
	}
	var sum uint64
	for _, o := range orders {
		sum += o.Quantity
	}
	return sum
}

// After any run the book no longer crosses, fills never exceed either order,
// no owner trades with itself, and what left each side of the book is
// accounted for by fills and cancels.
func TestRunProperties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := openHarness(rt)
		defer h.close()

		n := rapid.IntRange(1, 25).Draw(rt, "orders")
		for i := 0; i < n; i++ {
			owner := addr(rapid.IntRange(1, 4).Draw(rt, "owner"))
			price := rapid.Uint64Range(1, 6).Draw(rt, "price")
			lots := rapid.Uint64Range(1, 5).Draw(rt, "lots")
			if rapid.Bool().Draw(rt, "buy") {
				h.buy(rt, fmt.Sprintf("b%d", i), owner, price, lots*price)
			} else {
				h.sell(rt, fmt.Sprintf("a%d", i), owner, price, lots*lot)
			}
		}

		bidsBefore, asksBefore := total(rt, h, core.Buy), total(rt, h, core.Sell)

		var seen []core.Order
		for _, side := range []core.Side{core.Buy, core.Sell} {
			orders, err := h.book.Orders(side)
			if err != nil {
				rt.Fatalf("orders: %v", err)
			}
			seen = append(seen, orders...)
		}
		remaining := make(map[string]uint64, len(seen))
		for _, o := range seen {
			remaining[o.Side.String()+o.ID] = o.Quantity
		}

		matches, cancels, err := h.engine().Run()
		if err != nil {
			rt.Fatalf("run: %v", err)
		}

		var filled, baseOut uint64
		for _, m := range matches {
			if m.Buyer == m.Seller {
				rt.Fatalf("%s traded with itself: bid %s ask %s", m.Buyer.Hex(), m.BuyID, m.SellID)
			}
			bk, sk := core.Buy.String()+m.BuyID, core.Sell.String()+m.SellID
			if m.Quantity == 0 || m.Quantity > remaining[bk] || m.Quantity > remaining[sk] {
				rt.Fatalf("fill %d exceeds remaining bid %d ask %d", m.Quantity, remaining[bk], remaining[sk])
			}
			remaining[bk] -= m.Quantity
			remaining[sk] -= m.Quantity
			filled += m.Quantity
			for _, tr := range m.Transfers {
				if tr.Coin.Denom == core.BaseDenom {
					baseOut += tr.Coin.Amount
				}
			}
		}

		// a cancelled order is removed with whatever its fills left
		cancelled := map[core.Side]uint64{}
		for _, c := range cancels {
			if k := c.Side.String() + c.OrderID; c.Quantity != remaining[k] {
				rt.Fatalf("cancel of %s removed %d, %d was left", c.OrderID, c.Quantity, remaining[k])
			}
			cancelled[c.Side] += c.Quantity
		}

		if got := bidsBefore - total(rt, h, core.Buy); got != filled+cancelled[core.Buy] {
			rt.Fatalf("bids decremented by %d, fills total %d, cancels %d", got, filled, cancelled[core.Buy])
		}
		if got := asksBefore - total(rt, h, core.Sell); got != filled+cancelled[core.Sell] {
			rt.Fatalf("asks decremented by %d, fills total %d, cancels %d", got, filled, cancelled[core.Sell])
		}
		if baseOut != filled {
			rt.Fatalf("base transferred %d, fills total %d", baseOut, filled)
		}

		bid, err := h.book.Best(core.Buy)
		if err != nil {
			rt.Fatalf("best bid: %v", err)
		}
		ask, err := h.book.Best(core.Sell)
		if err != nil {
			rt.Fatalf("best ask: %v", err)
		}
		if bid != nil && ask != nil && bid.Price >= ask.Price {
			rt.Fatalf("book still crosses: bid %d >= ask %d", bid.Price, ask.Price)
		}

		// escrow never goes negative, so it must still cover every resting order
		var owed uint64
		orders, _ := h.book.Orders(core.Buy)
		for _, o := range orders {
			owed += o.Quantity / lot * o.Price
		}
		if got := h.balance(rt, escrow, quote); got != owed {
			rt.Fatalf("escrow holds %d quote, resting bids owe %d", got, owed)
		}
	})
}
