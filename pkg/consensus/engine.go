package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hashclob/pkg/crypto"
	"github.com/uhyunpark/hashclob/pkg/util"
)

var (
	ErrNotSequencer    = errors.New("node is not the sequencer")
	ErrInvalidBlock    = errors.New("invalid block")
	ErrAppHashMismatch = errors.New("app hash mismatch")
	ErrHalted          = errors.New("engine halted")
)

type Config struct {
	ID        NodeID
	Sequencer NodeID
	BlockTime time.Duration

	// Signer seals blocks. Required on the sequencer only.
	Signer *crypto.BLSSigner
	// SequencerKey verifies seals on followers.
	SequencerKey *crypto.BLSPubKey
}

// Engine orders blocks. The sequencer produces, executes and seals a block
// every BlockTime; followers verify each sealed block, re-execute it and
// check they reach the same AppHash.
type Engine struct {
	cfg   Config
	App   AppHook
	Net   Network
	Store BlockStore
	WAL   WAL
	Clock util.Clock

	Logger         *zap.SugaredLogger
	VerboseLogging bool // if false, only log non-empty commits and errors

	mu       sync.Mutex
	head     Block
	halted   error
	haltCh   chan struct{}
	onCommit []func(Block)
}

// NewEngine resumes from the committed head in store, or commits the genesis
// block if store is empty.
func NewEngine(cfg Config, app AppHook, net Network, store BlockStore) (*Engine, error) {
	if cfg.ID == cfg.Sequencer && cfg.Signer == nil {
		return nil, fmt.Errorf("sequencer %s needs a signer", cfg.ID)
	}
	if cfg.SequencerKey == nil && cfg.Signer != nil {
		cfg.SequencerKey = cfg.Signer.Pubkey()
	}
	if cfg.BlockTime <= 0 {
		cfg.BlockTime = time.Second
	}

	e := &Engine{
		cfg:    cfg,
		App:    app,
		Net:    net,
		Store:  store,
		Clock:  util.RealClock{},
		Logger: zap.NewNop().Sugar(),
		haltCh: make(chan struct{}),
	}

	if h, ok := store.GetCommitted(); ok {
		b, found := store.GetBlock(h)
		if !found {
			return nil, fmt.Errorf("committed block %s missing from store", h)
		}
		e.head = b
	} else {
		e.head = GenesisBlock()
		store.SaveBlock(e.head)
		store.SetCommitted(HashOfBlock(e.head))
	}

	if net != nil {
		net.SetHandlers(Handlers{OnBlock: e.onBlock})
	}
	return e, nil
}

func (e *Engine) IsSequencer() bool { return e.cfg.ID == e.cfg.Sequencer }

// Head returns the last committed block.
func (e *Engine) Head() Block {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.head
}

// Halted returns the reason the engine stopped, or nil.
func (e *Engine) Halted() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

// OnBlockCommit registers fn to run after each committed block.
func (e *Engine) OnBlockCommit(fn func(Block)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCommit = append(e.onCommit, fn)
}

// Run produces blocks on the sequencer until ctx ends. Followers are driven
// by the network handler and only wait here.
func (e *Engine) Run(ctx context.Context) error {
	e.Logger.Infow("engine_start",
		"id", e.cfg.ID,
		"sequencer", e.cfg.Sequencer,
		"height", e.Head().Height,
		"block_time", e.cfg.BlockTime,
	)
	for {
		var tick <-chan time.Time
		if e.IsSequencer() {
			tick = e.Clock.After(e.cfg.BlockTime)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.haltCh:
			return e.Halted()
		case <-tick:
			if _, err := e.ProduceBlock(ctx); err != nil {
				return err
			}
		}
	}
}

// RunN produces n blocks back to back. Sequencer only.
func (e *Engine) RunN(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := e.ProduceBlock(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ProduceBlock builds the next block from the mempool, executes it, seals it
// and broadcasts it.
func (e *Engine) ProduceBlock(ctx context.Context) (Block, error) {
	if !e.IsSequencer() {
		return Block{}, ErrNotSequencer
	}
	if err := e.Halted(); err != nil {
		return Block{}, err
	}

	parent := e.Head()
	next := parent.Height + 1
	b := Block{
		Height:   next,
		Parent:   HashOfBlock(parent),
		Payload:  e.App.PreparePayload(parent, next),
		Proposer: e.cfg.ID,
		Time:     e.Clock.Now().UTC(),
	}
	b.AppHash = e.App.OnCommit(b)
	h := HashOfBlock(b)
	b.Seal = e.cfg.Signer.Sign(h[:])

	e.commit(b, h)

	if e.Net != nil {
		if err := e.Net.BroadcastBlock(ctx, b); err != nil {
			e.Logger.Warnw("broadcast_failed", "height", b.Height, "err", err)
		}
	}
	return b, nil
}

// HandleBlock applies a sealed block received from the sequencer. Blocks at
// or below the head are ignored. A gap is filled from peers first.
func (e *Engine) HandleBlock(ctx context.Context, b Block) error {
	if err := e.Halted(); err != nil {
		return err
	}
	head := e.Head()
	if b.Height <= head.Height {
		return nil
	}
	if b.Height > head.Height+1 {
		if err := e.catchUp(ctx, head.Height+1, b.Height); err != nil {
			return err
		}
	}
	return e.apply(b)
}

func (e *Engine) catchUp(ctx context.Context, from, until Height) error {
	if e.Net == nil {
		return fmt.Errorf("%w: gap %d..%d and no network", ErrInvalidBlock, from, until)
	}
	for e.Head().Height+1 < until {
		blocks, err := e.Net.FetchBlocks(ctx, e.Head().Height+1)
		if err != nil {
			return fmt.Errorf("fetch blocks from %d: %w", e.Head().Height+1, err)
		}
		if len(blocks) == 0 {
			return fmt.Errorf("%w: peers returned no blocks from %d", ErrInvalidBlock, e.Head().Height+1)
		}
		for _, blk := range blocks {
			if blk.Height >= until {
				break
			}
			if blk.Height <= e.Head().Height {
				continue
			}
			if err := e.apply(blk); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) apply(b Block) error {
	if err := e.verify(b); err != nil {
		e.Logger.Warnw("block_rejected", "height", b.Height, "proposer", b.Proposer, "err", err)
		return err
	}

	appHash := e.App.OnCommit(b)
	if appHash != b.AppHash {
		err := fmt.Errorf("%w at height %d: local 0x%x, sequencer 0x%x",
			ErrAppHashMismatch, b.Height, appHash[:8], b.AppHash[:8])
		e.halt(err)
		return err
	}

	e.commit(b, HashOfBlock(b))
	return nil
}

func (e *Engine) verify(b Block) error {
	head := e.Head()
	if b.Height != head.Height+1 {
		return fmt.Errorf("%w: height %d, expected %d", ErrInvalidBlock, b.Height, head.Height+1)
	}
	if b.Parent != HashOfBlock(head) {
		return fmt.Errorf("%w: parent %s does not extend head", ErrInvalidBlock, b.Parent)
	}
	if b.Proposer != e.cfg.Sequencer {
		return fmt.Errorf("%w: proposer %s is not the sequencer", ErrInvalidBlock, b.Proposer)
	}
	h := HashOfBlock(b)
	if !crypto.Verify(e.cfg.SequencerKey, b.Seal, h[:]) {
		return fmt.Errorf("%w: bad seal", ErrInvalidBlock)
	}
	if !e.App.ValidatePayload(b) {
		return fmt.Errorf("%w: payload rejected", ErrInvalidBlock)
	}
	return nil
}

func (e *Engine) commit(b Block, h Hash) {
	e.Store.SaveBlock(b)
	e.Store.SetCommitted(h)
	if e.WAL != nil {
		rec := CommitRecord{Height: b.Height, Hash: h, AppHash: b.AppHash, PayloadBytes: len(b.Payload), Time: b.Time}
		if err := e.WAL.Append(rec); err != nil {
			e.Logger.Warnw("wal_append_failed", "height", b.Height, "err", err)
		}
	}

	e.mu.Lock()
	e.head = b
	hooks := append([]func(Block){}, e.onCommit...)
	e.mu.Unlock()

	if e.VerboseLogging || len(b.Payload) > 0 {
		e.Logger.Infow("commit", "height", b.Height, "hash", h.String(), "apphash", fmt.Sprintf("0x%x", b.AppHash[:]))
	}
	for _, fn := range hooks {
		fn(b)
	}
}

func (e *Engine) halt(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.halted != nil {
		return
	}
	e.halted = fmt.Errorf("%w: %w", ErrHalted, err)
	close(e.haltCh)
	e.Logger.Errorw("engine_halted", "err", err)
}

func (e *Engine) onBlock(ctx context.Context, b Block) {
	if err := e.HandleBlock(ctx, b); err != nil {
		e.Logger.Warnw("handle_block_failed", "height", b.Height, "err", err)
	}
}
