package settlement

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hashclob/pkg/app/core"
	"github.com/uhyunpark/hashclob/pkg/app/core/amount"
)

type Leg string

const (
	LegBase   Leg = "base"
	LegQuote  Leg = "quote"
	LegRefund Leg = "refund"
	// LegDeposit moves funds attached to an order into escrow.
	LegDeposit Leg = "deposit"
	// LegRelease returns a cancelled order's escrow to its owner.
	LegRelease Leg = "release"
)

// Transfer is one token movement instruction.
type Transfer struct {
	Leg       Leg            `json:"leg"`
	Mechanism Mechanism      `json:"mechanism"`
	Coin      core.Coin      `json:"coin"`
	From      common.Address `json:"from"`
	To        common.Address `json:"to"`
}

func (t Transfer) String() string {
	return fmt.Sprintf("%s %s %s->%s via %s", t.Leg, t.Coin, t.From.Hex(), t.To.Hex(), t.Mechanism)
}

// Fill is the input the planner needs for one match.
type Fill struct {
	Buyer  common.Address
	Seller common.Address
	// Quantity is the filled base amount.
	Quantity uint64
	// Price is the settlement (maker) price.
	Price uint64
	// BuyPrice and BuyRemaining describe the buy order before the fill;
	// they determine how much of its escrow is released.
	BuyPrice     uint64
	BuyRemaining uint64
}

// Planner builds the transfers for a fill. All legs are paid out of the
// escrow account that holds every resting order's funds.
type Planner struct {
	BaseDenom  string
	QuoteDenom string
	Lot        uint64
	Escrow     common.Address
	Route      Route
}

// Plan returns the base, quote and refund legs of f. Zero-amount legs are
// omitted. Quote amounts are floored; whatever the buyer's released escrow
// does not pay to the seller is refunded to the buyer.
func (p Planner) Plan(f Fill) ([]Transfer, error) {
	if f.Quantity == 0 || f.Quantity > f.BuyRemaining {
		return nil, fmt.Errorf("%w: fill %d against %d remaining", core.ErrInvalidQuantity, f.Quantity, f.BuyRemaining)
	}

	paid, _, err := amount.QuoteFor(f.Quantity, f.Price, p.Lot)
	if err != nil {
		return nil, err
	}
	refund, err := p.released(f)
	if err != nil {
		return nil, err
	}
	if refund, err = amount.Sub(refund, paid); err != nil {
		return nil, fmt.Errorf("settlement price %d above buy limit %d: %w", f.Price, f.BuyPrice, err)
	}

	legs := []Transfer{
		{Leg: LegBase, Mechanism: p.Route.Base, Coin: core.NewCoin(f.Quantity, p.BaseDenom), From: p.Escrow, To: f.Buyer},
		{Leg: LegQuote, Mechanism: p.Route.Quote, Coin: core.NewCoin(paid, p.QuoteDenom), From: p.Escrow, To: f.Seller},
		{Leg: LegRefund, Mechanism: p.Route.Quote, Coin: core.NewCoin(refund, p.QuoteDenom), From: p.Escrow, To: f.Buyer},
	}
	out := legs[:0]
	for _, t := range legs {
		if t.Coin.Amount > 0 {
			out = append(out, t)
		}
	}
	return out, nil
}

// Release returns the escrow still held for a resting order to its owner:
// the remaining base of an ask, or floor(qty*price/lot) quote of a bid.
func (p Planner) Release(o core.Order) ([]Transfer, error) {
	t := Transfer{
		Leg:       LegRelease,
		Mechanism: p.Route.Base,
		Coin:      core.NewCoin(o.Quantity, p.BaseDenom),
		From:      p.Escrow,
		To:        o.Owner,
	}
	if o.Side == core.Buy {
		held, _, err := amount.QuoteFor(o.Quantity, o.Price, p.Lot)
		if err != nil {
			return nil, err
		}
		t.Mechanism, t.Coin = p.Route.Quote, core.NewCoin(held, p.QuoteDenom)
	}
	if t.Coin.Amount == 0 {
		return nil, nil
	}
	return []Transfer{t}, nil
}

// released is the quote escrow freed from the buy order by this fill.
func (p Planner) released(f Fill) (uint64, error) {
	before, _, err := amount.QuoteFor(f.BuyRemaining, f.BuyPrice, p.Lot)
	if err != nil {
		return 0, err
	}
	after, _, err := amount.QuoteFor(f.BuyRemaining-f.Quantity, f.BuyPrice, p.Lot)
	if err != nil {
		return 0, err
	}
	return amount.Sub(before, after)
}
