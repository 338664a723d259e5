// Package matching pairs the best bid against the best ask until the book no
// longer crosses.
package matching

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/hashclob/pkg/app/core"
	"github.com/uhyunpark/hashclob/pkg/app/core/amount"
	"github.com/uhyunpark/hashclob/pkg/app/core/settlement"
)

// Book is the part of the order store the engine drives.
type Book interface {
	Best(side core.Side) (*core.Order, error)
	Decrement(side core.Side, id string, qty uint64) (*core.Order, error)
	Remove(side core.Side, id string) error
}

type Planner interface {
	Plan(f settlement.Fill) ([]settlement.Transfer, error)
	Release(o core.Order) ([]settlement.Transfer, error)
}

type Executor interface {
	Execute(ts []settlement.Transfer) error
}

// Match is one fill. It is reported, never stored.
type Match struct {
	BuyID     string                `json:"buy_id"`
	SellID    string                `json:"sell_id"`
	Buyer     common.Address        `json:"buyer"`
	Seller    common.Address        `json:"seller"`
	Quantity  uint64                `json:"quantity"`
	Price     uint64                `json:"price"`
	MakerID   string                `json:"maker_id"`
	MakerSide core.Side             `json:"maker_side"`
	Transfers []settlement.Transfer `json:"transfers"`
}

// Cancel is an order taken off the book because it crossed an order of the
// same owner. The younger of the two is cancelled and its escrow returned.
type Cancel struct {
	OrderID   string                `json:"order_id"`
	Side      core.Side             `json:"side"`
	Owner     common.Address        `json:"owner"`
	Quantity  uint64                `json:"quantity"`
	KeptID    string                `json:"kept_id"`
	Transfers []settlement.Transfer `json:"transfers"`
}

type Engine struct {
	book    Book
	planner Planner
	exec    Executor
	logger  *zap.SugaredLogger
}

func NewEngine(book Book, planner Planner, exec Executor, logger *zap.SugaredLogger) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Engine{book: book, planner: planner, exec: exec, logger: logger}
}

// Run matches until either side is empty or the best bid is below the best
// ask, then executes the transfers of every match and cancel in order.
//
// An owner never trades with itself: when the best bid and ask share an
// owner, the younger one is cancelled and the loop continues.
//
// Book changes and transfers are staged in the caller's batch. On error the
// caller must discard it: no match of a failed run may be applied.
func (e *Engine) Run() ([]Match, []Cancel, error) {
	var (
		matches []Match
		cancels []Cancel
	)
	for {
		buy, err := e.book.Best(core.Buy)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read best bid: %w", err)
		}
		sell, err := e.book.Best(core.Sell)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read best ask: %w", err)
		}
		if buy == nil || sell == nil || buy.Price < sell.Price {
			break
		}

		if buy.Owner == sell.Owner {
			c, err := e.cancelYounger(buy, sell)
			if err != nil {
				return nil, nil, err
			}
			cancels = append(cancels, c)
			continue
		}

		m, err := e.fill(buy, sell)
		if err != nil {
			return nil, nil, err
		}
		matches = append(matches, m)
	}

	for _, m := range matches {
		if err := e.exec.Execute(m.Transfers); err != nil {
			return nil, nil, fmt.Errorf("failed to settle bid %s ask %s: %w", m.BuyID, m.SellID, err)
		}
	}
	for _, c := range cancels {
		if err := e.exec.Execute(c.Transfers); err != nil {
			return nil, nil, fmt.Errorf("failed to release %s %s: %w", c.Side, c.OrderID, err)
		}
	}
	return matches, cancels, nil
}

func (e *Engine) cancelYounger(buy, sell *core.Order) (Cancel, error) {
	gone, kept := buy, sell
	if sell.Sequence > buy.Sequence {
		gone, kept = sell, buy
	}

	transfers, err := e.planner.Release(*gone)
	if err != nil {
		return Cancel{}, fmt.Errorf("failed to plan release of %s: %w", gone.ID, err)
	}
	if err := e.book.Remove(gone.Side, gone.ID); err != nil {
		return Cancel{}, err
	}

	e.logger.Debugw("self_trade_cancelled",
		"order", gone.ID,
		"side", gone.Side.String(),
		"kept", kept.ID,
		"owner", gone.Owner.Hex(),
	)

	return Cancel{
		OrderID:   gone.ID,
		Side:      gone.Side,
		Owner:     gone.Owner,
		Quantity:  gone.Quantity,
		KeptID:    kept.ID,
		Transfers: transfers,
	}, nil
}

func (e *Engine) fill(buy, sell *core.Order) (Match, error) {
	qty := amount.Min(buy.Quantity, sell.Quantity)

	// the order that rested first sets the price
	maker := sell
	if buy.Sequence < sell.Sequence {
		maker = buy
	}

	transfers, err := e.planner.Plan(settlement.Fill{
		Buyer:        buy.Owner,
		Seller:       sell.Owner,
		Quantity:     qty,
		Price:        maker.Price,
		BuyPrice:     buy.Price,
		BuyRemaining: buy.Quantity,
	})
	if err != nil {
		return Match{}, fmt.Errorf("failed to plan bid %s ask %s: %w", buy.ID, sell.ID, err)
	}

	if _, err := e.book.Decrement(core.Buy, buy.ID, qty); err != nil {
		return Match{}, err
	}
	if _, err := e.book.Decrement(core.Sell, sell.ID, qty); err != nil {
		return Match{}, err
	}

	e.logger.Debugw("order_filled",
		"bid", buy.ID,
		"ask", sell.ID,
		"quantity", qty,
		"price", maker.Price,
		"maker", maker.ID,
	)

	return Match{
		BuyID:     buy.ID,
		SellID:    sell.ID,
		Buyer:     buy.Owner,
		Seller:    sell.Owner,
		Quantity:  qty,
		Price:     maker.Price,
		MakerID:   maker.ID,
		MakerSide: maker.Side,
		Transfers: transfers,
	}, nil
}
