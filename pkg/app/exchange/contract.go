package exchange

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/hashclob/pkg/app/core"
	"github.com/uhyunpark/hashclob/pkg/app/core/account"
	"github.com/uhyunpark/hashclob/pkg/app/core/amount"
	"github.com/uhyunpark/hashclob/pkg/app/core/marker"
	"github.com/uhyunpark/hashclob/pkg/app/core/matching"
	"github.com/uhyunpark/hashclob/pkg/app/core/orderbook"
	"github.com/uhyunpark/hashclob/pkg/app/core/settlement"
	"github.com/uhyunpark/hashclob/pkg/storage"
)

// Config is fixed at instantiation and never changes.
type Config struct {
	Admin      common.Address `json:"admin"`
	BaseDenom  string         `json:"base_denom"`
	QuoteDenom string         `json:"quote_denom"`
	LotSize    uint64         `json:"lot_size"`
	Escrow     common.Address `json:"escrow"`
}

type Orderbook struct {
	Buys  []core.Order `json:"buys"`
	Sells []core.Order `json:"sells"`
}

// Contract runs one operation against rw. Nothing is buffered in the
// Contract itself, so a failed operation is undone by discarding rw.
type Contract struct {
	rw      storage.ReadWriter
	markers *marker.Registry
	logger  *zap.SugaredLogger
}

func NewContract(rw storage.ReadWriter, markers *marker.Registry, logger *zap.SugaredLogger) *Contract {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if markers == nil {
		markers = marker.NewRegistry()
	}
	return &Contract{rw: rw, markers: markers, logger: logger}
}

// Config returns the instantiated config or ErrNotInstantiated.
func (c *Contract) Config() (*Config, error) {
	var cfg Config
	found, err := storage.GetJSON(c.rw, configKey(), &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if !found {
		return nil, core.ErrNotInstantiated
	}
	return &cfg, nil
}

// Instantiate creates the book for nhash against quoteDenom. The sender
// becomes the admin.
func (c *Contract) Instantiate(sender common.Address, quoteDenom string) (*Config, error) {
	_, found, err := storage.GetValue(c.rw, configKey())
	if err != nil {
		return nil, err
	}
	if found {
		return nil, core.ErrAlreadyInstantiated
	}
	if quoteDenom == "" || quoteDenom == core.BaseDenom {
		return nil, fmt.Errorf("%w: quote denom %q", core.ErrInvalidDenom, quoteDenom)
	}

	cfg := &Config{
		Admin:      sender,
		BaseDenom:  core.BaseDenom,
		QuoteDenom: quoteDenom,
		LotSize:    core.DefaultLotSize,
		Escrow:     EscrowAddress,
	}
	if err := storage.SetJSON(c.rw, configKey(), cfg); err != nil {
		return nil, err
	}
	c.logger.Infow("contract_instantiated", "admin", sender.Hex(), "quote_denom", quoteDenom)
	return cfg, nil
}

// CheckOrder runs every placement check that does not touch the book, so
// role and funds errors are reported before any coins move.
func (c *Contract) CheckOrder(sender common.Address, side core.Side, id string, price uint64, funds core.Coins) error {
	_, _, err := c.newOrder(sender, side, id, price, funds, 0)
	return err
}

// PlaceBuy rests a bid. funds are the quote coins already moved to escrow;
// the order's base quantity is funds*lot/price and must be a whole number
// of lots.
func (c *Contract) PlaceBuy(sender common.Address, id string, price uint64, funds core.Coins, height int64) (*core.Order, error) {
	cfg, o, err := c.newOrder(sender, core.Buy, id, price, funds, height)
	if err != nil {
		return nil, err
	}
	return c.rest(cfg, o)
}

// PlaceSell rests an ask for the attached base coins.
func (c *Contract) PlaceSell(sender common.Address, id string, price uint64, funds core.Coins, height int64) (*core.Order, error) {
	cfg, o, err := c.newOrder(sender, core.Sell, id, price, funds, height)
	if err != nil {
		return nil, err
	}
	return c.rest(cfg, o)
}

func (c *Contract) newOrder(sender common.Address, side core.Side, id string, price uint64, funds core.Coins, height int64) (*Config, *core.Order, error) {
	cfg, err := c.Config()
	if err != nil {
		return nil, nil, err
	}
	if sender == cfg.Admin {
		return nil, nil, fmt.Errorf("%w: admin cannot place orders", core.ErrUnauthorized)
	}
	if price == 0 {
		return nil, nil, fmt.Errorf("%w: price must be > 0", core.ErrInvalidPrice)
	}

	o := &core.Order{ID: id, Owner: sender, Side: side, Price: price, Height: height}
	if side == core.Sell {
		coin, err := singleCoin(funds, cfg.BaseDenom)
		if err != nil {
			return nil, nil, err
		}
		if coin.Amount%cfg.LotSize != 0 {
			return nil, nil, fmt.Errorf("%w: %s is not a multiple of %d", core.ErrInvalidLotSize, coin, cfg.LotSize)
		}
		o.Quantity = coin.Amount
		return cfg, o, nil
	}

	coin, err := singleCoin(funds, cfg.QuoteDenom)
	if err != nil {
		return nil, nil, err
	}
	qty, rem, err := amount.BaseFor(coin.Amount, price, cfg.LotSize)
	if err != nil {
		return nil, nil, err
	}
	if rem != 0 {
		return nil, nil, fmt.Errorf("%w: %s does not buy a whole amount at price %d", core.ErrInvalidQuantity, coin, price)
	}
	if qty%cfg.LotSize != 0 {
		return nil, nil, fmt.Errorf("%w: %s buys %d%s, not a multiple of %d", core.ErrInvalidLotSize, coin, qty, cfg.BaseDenom, cfg.LotSize)
	}
	o.Quantity = qty
	return cfg, o, nil
}

func (c *Contract) rest(cfg *Config, o *core.Order) (*core.Order, error) {
	if err := orderbook.New(c.rw, cfg.LotSize).Insert(o); err != nil {
		return nil, err
	}
	c.logger.Debugw("order_placed",
		"id", o.ID,
		"side", o.Side.String(),
		"price", o.Price,
		"quantity", o.Quantity,
		"sequence", o.Sequence,
	)
	return o, nil
}

// singleCoin checks that funds are exactly one positive coin of denom.
func singleCoin(funds core.Coins, denom string) (core.Coin, error) {
	switch {
	case len(funds) == 0:
		return core.Coin{}, fmt.Errorf("%w: expected %s", core.ErrNoFundsAttached, denom)
	case len(funds) > 1:
		return core.Coin{}, fmt.Errorf("%w: got %s, expected only %s", core.ErrExcessFundsDenom, funds, denom)
	case funds[0].Denom != denom:
		return core.Coin{}, fmt.Errorf("%w: got %s, expected %s", core.ErrWrongFundsDenom, funds[0].Denom, denom)
	case funds[0].Amount == 0:
		return core.Coin{}, fmt.Errorf("%w: zero %s", core.ErrNoFundsAttached, denom)
	}
	return funds[0], nil
}

// RunMatch matches the book until it no longer crosses and settles every
// fill. Crossing orders of one owner are not traded: the younger is
// cancelled. Admin only, at most once per height.
func (c *Contract) RunMatch(sender common.Address, height int64) ([]matching.Match, []matching.Cancel, error) {
	cfg, err := c.Config()
	if err != nil {
		return nil, nil, err
	}
	if sender != cfg.Admin {
		return nil, nil, fmt.Errorf("%w: only the admin may run the match", core.ErrUnauthorized)
	}

	last, found, err := c.lastMatchHeight()
	if err != nil {
		return nil, nil, err
	}
	if found && last >= height {
		return nil, nil, fmt.Errorf("%w: last match at height %d", core.ErrMatchRateLimited, last)
	}

	planner := settlement.Planner{
		BaseDenom:  cfg.BaseDenom,
		QuoteDenom: cfg.QuoteDenom,
		Lot:        cfg.LotSize,
		Escrow:     cfg.Escrow,
		Route: settlement.RouteFor(
			c.markers.IsRestricted(cfg.BaseDenom),
			c.markers.IsRestricted(cfg.QuoteDenom),
		),
	}
	exec := &settlement.Executor{
		Bank:      account.NewLedger(c.rw),
		Markers:   c.markers,
		Authority: cfg.Escrow,
	}
	book := orderbook.New(c.rw, cfg.LotSize)

	matches, cancels, err := matching.NewEngine(book, planner, exec, c.logger).Run()
	if err != nil {
		return nil, nil, err
	}
	if err := c.setLastMatchHeight(height); err != nil {
		return nil, nil, err
	}

	for _, m := range matches {
		c.logger.Infow("match_executed",
			"height", height,
			"bid", m.BuyID,
			"ask", m.SellID,
			"quantity", m.Quantity,
			"price", m.Price,
			"maker", m.MakerID,
		)
	}
	for _, x := range cancels {
		c.logger.Infow("self_trade_cancelled",
			"height", height,
			"order", x.OrderID,
			"side", x.Side.String(),
			"kept", x.KeptID,
			"quantity", x.Quantity,
		)
	}
	return matches, cancels, nil
}

// Orderbook returns both sides in priority order.
func (c *Contract) Orderbook() (*Orderbook, error) {
	buys, err := c.Orders(core.Buy)
	if err != nil {
		return nil, err
	}
	sells, err := c.Orders(core.Sell)
	if err != nil {
		return nil, err
	}
	return &Orderbook{Buys: buys, Sells: sells}, nil
}

func (c *Contract) Orders(side core.Side) ([]core.Order, error) {
	cfg, err := c.Config()
	if err != nil {
		return nil, err
	}
	return orderbook.New(c.rw, cfg.LotSize).Orders(side)
}

func (c *Contract) Levels(side core.Side) ([]orderbook.PriceLevel, error) {
	cfg, err := c.Config()
	if err != nil {
		return nil, err
	}
	return orderbook.New(c.rw, cfg.LotSize).Levels(side)
}

func (c *Contract) lastMatchHeight() (int64, bool, error) {
	val, found, err := storage.GetValue(c.rw, lastMatchKey())
	if err != nil || !found {
		return 0, false, err
	}
	if len(val) != 8 {
		return 0, false, fmt.Errorf("corrupt last match height %x", val)
	}
	return int64(binary.BigEndian.Uint64(val)), true, nil
}

func (c *Contract) setLastMatchHeight(height int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(height))
	return c.rw.Set(lastMatchKey(), buf[:], pebble.NoSync)
}
