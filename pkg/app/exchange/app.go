// Package exchange is the order book application run by the chain. It
// executes signed transactions block by block against pebble state.
package exchange

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"

	"github.com/uhyunpark/hashclob/pkg/abci"
	"github.com/uhyunpark/hashclob/pkg/app/core"
	"github.com/uhyunpark/hashclob/pkg/app/core/account"
	"github.com/uhyunpark/hashclob/pkg/app/core/marker"
	"github.com/uhyunpark/hashclob/pkg/app/core/matching"
	"github.com/uhyunpark/hashclob/pkg/app/core/mempool"
	"github.com/uhyunpark/hashclob/pkg/app/core/orderbook"
	"github.com/uhyunpark/hashclob/pkg/app/core/settlement"
	"github.com/uhyunpark/hashclob/pkg/app/core/transaction"
	"github.com/uhyunpark/hashclob/pkg/consensus"
	"github.com/uhyunpark/hashclob/pkg/crypto"
	"github.com/uhyunpark/hashclob/pkg/storage"
)

type Options struct {
	ChainID uint64
	Genesis Genesis
	Logger  *zap.SugaredLogger
}

type App struct {
	db       *storage.DB
	mempool  *mempool.Mempool
	verifier *transaction.Verifier
	markers  *marker.Registry
	logger   *zap.SugaredLogger

	mu       sync.RWMutex
	height   int64
	appHash  consensus.Hash
	onMatch  []func(height int64, m matching.Match)
	onCommit []func(height int64)
}

// Status is the last finalized block as seen by the app.
type Status struct {
	Height      int64          `json:"height"`
	AppHash     consensus.Hash `json:"app_hash"`
	MempoolSize int            `json:"mempool_size"`
}

type Depth struct {
	Bids []orderbook.PriceLevel `json:"bids"`
	Asks []orderbook.PriceLevel `json:"asks"`
}

func NewApp(db *storage.DB, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	a := &App{
		db:       db,
		mempool:  mempool.NewMempool(),
		verifier: transaction.NewVerifier(crypto.DefaultDomain(opts.ChainID)),
		markers:  marker.NewRegistry(),
		logger:   logger,
	}
	if err := opts.Genesis.configureMarkers(a.markers); err != nil {
		return nil, fmt.Errorf("failed to configure markers: %w", err)
	}
	minted, err := opts.Genesis.mintBalances(db)
	if err != nil {
		return nil, fmt.Errorf("failed to apply genesis: %w", err)
	}
	if minted {
		logger.Infow("genesis_applied", "accounts", len(opts.Genesis.Balances), "markers", len(opts.Genesis.Markers))
	}
	return a, nil
}

// Markers exposes the marker registry for admin tooling and tests.
func (a *App) Markers() *marker.Registry { return a.markers }

// OnMatch registers fn to be called for every match after its block commits.
func (a *App) OnMatch(fn func(height int64, m matching.Match)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onMatch = append(a.onMatch, fn)
}

// OnCommit registers fn to be called after every finalized block.
func (a *App) OnCommit(fn func(height int64)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onCommit = append(a.onCommit, fn)
}

// CheckTx checks the envelope and signature of raw without queueing it.
func (a *App) CheckTx(raw []byte) error {
	tx, err := transaction.ParseTransaction(raw)
	if err != nil {
		return err
	}
	_, err = a.verifier.Verify(tx)
	return err
}

// PushTx checks raw and queues it. Contract rules and nonces are only
// checked when the tx executes.
func (a *App) PushTx(raw []byte) error {
	if err := a.CheckTx(raw); err != nil {
		return err
	}
	a.mempool.PushRaw(raw)
	return nil
}

func (a *App) PrepareProposal(req abci.RequestPrepareProposal) abci.ResponsePrepareProposal {
	txs := a.mempool.SelectForProposal(req.MaxTxBytes)
	return abci.ResponsePrepareProposal{Txs: txs}
}

// ProcessProposal rejects blocks carrying more than one run_match.
func (a *App) ProcessProposal(req abci.RequestProcessProposal) abci.ResponseProcessProposal {
	matches := 0
	for _, raw := range req.Txs {
		if mempool.ClassifyRaw(raw) == mempool.TxMatch {
			matches++
		}
	}
	return abci.ResponseProcessProposal{Accept: matches <= 1}
}

func (a *App) FinalizeBlock(req abci.RequestFinalizeBlock) abci.ResponseFinalizeBlock {
	results := make([]abci.TxResult, len(req.Txs))
	var events []abci.Event
	var matches []matching.Match
	failed := 0

	for i, raw := range req.Txs {
		res, ms := a.deliverTx(req.Height, raw)
		results[i] = res
		events = append(events, res.Events...)
		matches = append(matches, ms...)
		if res.Code != 0 {
			failed++
		}
	}

	appHash, err := a.computeStateHash(req.Height)
	if err != nil {
		// state that cannot be read cannot be agreed on
		panic(fmt.Errorf("failed to compute app hash at height %d: %w", req.Height, err))
	}

	a.mu.Lock()
	a.height = req.Height
	a.appHash = appHash
	onMatch := append([]func(int64, matching.Match){}, a.onMatch...)
	onCommit := append([]func(int64){}, a.onCommit...)
	a.mu.Unlock()

	if len(req.Txs) > 0 {
		a.logger.Infow("block_finalized",
			"height", req.Height,
			"txs", len(req.Txs),
			"failed", failed,
			"matches", len(matches),
			"app_hash", appHash.String(),
		)
	}

	for _, m := range matches {
		for _, fn := range onMatch {
			fn(req.Height, m)
		}
	}
	for _, fn := range onCommit {
		fn(req.Height)
	}

	return abci.ResponseFinalizeBlock{
		TxResults: results,
		Events:    events,
		AppHash:   appHash,
	}
}

// deliverTx executes one tx in its own batch. The batch is committed only if
// the contract call succeeds. The sender's nonce advances either way, as
// long as the signature and nonce were valid.
func (a *App) deliverTx(height int64, raw []byte) (abci.TxResult, []matching.Match) {
	tx, err := transaction.ParseTransaction(raw)
	if err != nil {
		return txFailure(err), nil
	}
	sender, err := a.verifier.Verify(tx)
	if err != nil {
		return txFailure(err), nil
	}

	batch := a.db.Begin()
	defer func() { batch.Discard() }()

	last, err := account.NewLedger(batch).Nonce(sender)
	if err != nil {
		return txFailure(err), nil
	}
	if tx.Nonce <= last {
		return txFailure(fmt.Errorf("%w: got %d, last used %d", core.ErrInvalidNonce, tx.Nonce, last)), nil
	}

	events, matches, execErr := a.execute(batch, sender, tx, height)
	if execErr != nil {
		batch.Discard()
		batch = a.db.Begin()
		a.logger.Debugw("tx_failed", "height", height, "type", tx.Type, "sender", sender.Hex(), "err", execErr)
	}

	if err := account.NewLedger(batch).SetNonce(sender, tx.Nonce); err != nil {
		return txFailure(err), nil
	}
	if err := batch.Commit(); err != nil {
		return txFailure(err), nil
	}

	if execErr != nil {
		return txFailure(execErr), nil
	}
	return abci.TxResult{Events: events}, matches
}

func (a *App) execute(rw storage.ReadWriter, sender common.Address, tx *transaction.SignedTransaction, height int64) ([]abci.Event, []matching.Match, error) {
	funds, err := tx.Coins()
	if err != nil {
		return nil, nil, err
	}
	c := NewContract(rw, a.markers, a.logger)

	switch tx.Type {
	case transaction.TxTypeInstantiate:
		if len(funds) > 0 {
			return nil, nil, fmt.Errorf("%w: instantiate does not accept funds", core.ErrExcessFundsDenom)
		}
		cfg, err := c.Instantiate(sender, tx.Instantiate.QuoteDenom)
		if err != nil {
			return nil, nil, err
		}
		return []abci.Event{abci.NewEvent("orderbook.instantiate",
			"admin", cfg.Admin.Hex(),
			"quote_denom", cfg.QuoteDenom,
		)}, nil, nil

	case transaction.TxTypePlaceBuy, transaction.TxTypePlaceSell:
		side, place, evType := core.Buy, c.PlaceBuy, "orderbook.bid"
		if tx.Type == transaction.TxTypePlaceSell {
			side, place, evType = core.Sell, c.PlaceSell, "orderbook.ask"
		}
		if err := c.CheckOrder(sender, side, tx.Order.ID, tx.Order.Price, funds); err != nil {
			return nil, nil, err
		}
		if err := a.escrowFunds(rw, sender, funds); err != nil {
			return nil, nil, err
		}
		o, err := place(sender, tx.Order.ID, tx.Order.Price, funds, height)
		if err != nil {
			return nil, nil, err
		}
		return []abci.Event{abci.NewEvent(evType,
			"id", o.ID,
			"owner", o.Owner.Hex(),
			"price", strconv.FormatUint(o.Price, 10),
			"quantity", strconv.FormatUint(o.Quantity, 10),
		)}, nil, nil

	case transaction.TxTypeRunMatch:
		if len(funds) > 0 {
			return nil, nil, fmt.Errorf("%w: run_match does not accept funds", core.ErrExcessFundsDenom)
		}
		matches, cancels, err := c.RunMatch(sender, height)
		if err != nil {
			return nil, nil, err
		}
		events := make([]abci.Event, 0, len(matches)+len(cancels))
		for _, m := range matches {
			events = append(events, matchEvent(m))
		}
		for _, x := range cancels {
			events = append(events, cancelEvent(x))
		}
		return events, matches, nil

	default:
		return nil, nil, fmt.Errorf("unknown transaction type: %s", tx.Type)
	}
}

// escrowFunds moves the coins attached to an order from the sender into the
// escrow, each by the mechanism of its denom.
func (a *App) escrowFunds(rw storage.ReadWriter, sender common.Address, funds core.Coins) error {
	exec := &settlement.Executor{
		Bank:      account.NewLedger(rw),
		Markers:   a.markers,
		Authority: EscrowAddress,
	}
	for _, coin := range funds {
		err := exec.Apply(settlement.Transfer{
			Leg:       settlement.LegDeposit,
			Mechanism: settlement.MechanismFor(a.markers, coin.Denom),
			Coin:      coin,
			From:      sender,
			To:        EscrowAddress,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func matchEvent(m matching.Match) abci.Event {
	ev := abci.NewEvent("orderbook.match",
		"orderbook.match", fmt.Sprintf("bid:%s,ask:%s", m.BuyID, m.SellID),
		"quantity", strconv.FormatUint(m.Quantity, 10),
		"price", strconv.FormatUint(m.Price, 10),
		"maker", m.MakerID,
	)
	for _, t := range m.Transfers {
		ev.Attributes = append(ev.Attributes, abci.EventAttribute{Key: "transfer", Value: t.String()})
	}
	return ev
}

func cancelEvent(x matching.Cancel) abci.Event {
	ev := abci.NewEvent("orderbook.cancel",
		"id", x.OrderID,
		"side", x.Side.String(),
		"owner", x.Owner.Hex(),
		"quantity", strconv.FormatUint(x.Quantity, 10),
		"reason", "self_trade",
	)
	for _, t := range x.Transfers {
		ev.Attributes = append(ev.Attributes, abci.EventAttribute{Key: "transfer", Value: t.String()})
	}
	return ev
}

// txErrors assigns result codes. Code 1 is any error not listed.
var txErrors = []error{
	core.ErrUnauthorized,
	core.ErrDuplicateOrderID,
	core.ErrInvalidPrice,
	core.ErrInvalidQuantity,
	core.ErrInvalidLotSize,
	core.ErrWrongFundsDenom,
	core.ErrNoFundsAttached,
	core.ErrExcessFundsDenom,
	core.ErrArithmeticOverflow,
	core.ErrTransferFailed,
	core.ErrNotInstantiated,
	core.ErrAlreadyInstantiated,
	core.ErrInvalidDenom,
	core.ErrMatchRateLimited,
	core.ErrInvalidNonce,
}

func txFailure(err error) abci.TxResult {
	code := uint32(1)
	for i, e := range txErrors {
		if errors.Is(err, e) {
			code = uint32(i + 2)
			break
		}
	}
	return abci.TxResult{Code: code, Log: err.Error()}
}

// computeStateHash is keccak256 over the height followed by every committed
// key/value pair in key order. Keys and values are length prefixed.
//
// TODO: hash incrementally once state grows; this walks the whole DB each block.
func (a *App) computeStateHash(height int64) (consensus.Hash, error) {
	h := sha3.NewLegacyKeccak256()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(height))
	h.Write(buf[:])

	err := storage.IterPrefix(a.db.Reader(), nil, func(key, value []byte) (bool, error) {
		binary.BigEndian.PutUint64(buf[:], uint64(len(key)))
		h.Write(buf[:])
		h.Write(key)
		binary.BigEndian.PutUint64(buf[:], uint64(len(value)))
		h.Write(buf[:])
		h.Write(value)
		return true, nil
	})
	if err != nil {
		return consensus.Hash{}, err
	}

	var out consensus.Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}

// view runs fn against a read-only snapshot of committed state.
func (a *App) view(fn func(rw storage.ReadWriter) error) error {
	batch := a.db.Begin()
	defer batch.Discard()
	return fn(batch)
}

func (a *App) Config() (*Config, error) {
	var cfg *Config
	err := a.view(func(rw storage.ReadWriter) error {
		var err error
		cfg, err = NewContract(rw, a.markers, a.logger).Config()
		return err
	})
	return cfg, err
}

func (a *App) Orderbook() (*Orderbook, error) {
	var ob *Orderbook
	err := a.view(func(rw storage.ReadWriter) error {
		var err error
		ob, err = NewContract(rw, a.markers, a.logger).Orderbook()
		return err
	})
	return ob, err
}

func (a *App) Orders(side core.Side) ([]core.Order, error) {
	var orders []core.Order
	err := a.view(func(rw storage.ReadWriter) error {
		var err error
		orders, err = NewContract(rw, a.markers, a.logger).Orders(side)
		return err
	})
	return orders, err
}

// Depth aggregates the book into price levels, best first.
func (a *App) Depth() (*Depth, error) {
	d := &Depth{}
	err := a.view(func(rw storage.ReadWriter) error {
		c := NewContract(rw, a.markers, a.logger)
		var err error
		if d.Bids, err = c.Levels(core.Buy); err != nil {
			return err
		}
		d.Asks, err = c.Levels(core.Sell)
		return err
	})
	return d, err
}

func (a *App) Account(addr common.Address) (*account.Account, error) {
	var acc *account.Account
	err := a.view(func(rw storage.ReadWriter) error {
		var err error
		acc, err = account.NewLedger(rw).Account(addr)
		return err
	})
	return acc, err
}

func (a *App) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Status{Height: a.height, AppHash: a.appHash, MempoolSize: a.mempool.Len()}
}

var _ abci.Application = (*App)(nil)
