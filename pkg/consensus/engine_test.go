package consensus_test

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/hashclob/pkg/consensus"
	"github.com/uhyunpark/hashclob/pkg/crypto"
	"github.com/uhyunpark/hashclob/pkg/storage"
	"github.com/uhyunpark/hashclob/pkg/util"
)

// hashApp folds every payload into a running hash.
type hashApp struct {
	mu      sync.Mutex
	state   consensus.Hash
	pending [][]byte
	applied []consensus.Height
	reject  bool
	skew    byte
}

func (a *hashApp) PreparePayload(_ consensus.Block, next consensus.Height) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) == 0 {
		return nil
	}
	p := a.pending[0]
	a.pending = a.pending[1:]
	return p
}

func (a *hashApp) ValidatePayload(consensus.Block) bool { return !a.reject }

func (a *hashApp) OnCommit(b consensus.Block) consensus.Hash {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = sha256.Sum256(append(append(a.state[:], b.Payload...), a.skew))
	a.applied = append(a.applied, b.Height)
	return a.state
}

// memNet delivers blocks synchronously to every other engine on the hub.
type memNet struct {
	hub  *hub
	self consensus.NodeID
	h    consensus.Handlers
	mute bool
}

type hub struct {
	mu    sync.Mutex
	nodes []*memNet
	// source serves FetchBlocks
	source consensus.BlockStore
}

func (h *hub) join(id consensus.NodeID) *memNet {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := &memNet{hub: h, self: id}
	h.nodes = append(h.nodes, n)
	return n
}

func (n *memNet) SetHandlers(h consensus.Handlers) { n.h = h }

func (n *memNet) BroadcastBlock(ctx context.Context, b consensus.Block) error {
	n.hub.mu.Lock()
	peers := append([]*memNet(nil), n.hub.nodes...)
	n.hub.mu.Unlock()
	for _, p := range peers {
		if p == n || p.mute || p.h.OnBlock == nil {
			continue
		}
		p.h.OnBlock(ctx, b)
	}
	return nil
}

func (n *memNet) FetchBlocks(_ context.Context, from consensus.Height) ([]consensus.Block, error) {
	if n.hub.source == nil {
		return nil, errors.New("no source")
	}
	var out []consensus.Block
	for h := from; ; h++ {
		b, ok := n.hub.source.BlockAt(h)
		if !ok {
			return out, nil
		}
		out = append(out, b)
	}
}

type node struct {
	engine *consensus.Engine
	app    *hashApp
	store  *storage.InMemoryBlockStore
	net    *memNet
}

func newSigner(t testing.TB) *crypto.BLSSigner {
	t.Helper()
	seed := make([]byte, 32)
	copy(seed, "sequencer-test-seed")
	s, err := crypto.NewBLSSignerFromSeed(seed)
	require.NoError(t, err)
	return s
}

func newNode(t testing.TB, h *hub, id consensus.NodeID, signer *crypto.BLSSigner) *node {
	t.Helper()
	n := &node{app: &hashApp{}, store: storage.NewInMemoryBlockStore(), net: h.join(id)}
	cfg := consensus.Config{ID: id, Sequencer: "seq", BlockTime: time.Millisecond, SequencerKey: signer.Pubkey()}
	if id == "seq" {
		cfg.Signer = signer
	}
	e, err := consensus.NewEngine(cfg, n.app, n.net, n.store)
	require.NoError(t, err)
	e.Clock = util.NewStepClock(time.Unix(1_700_000_000, 0), time.Second)
	n.engine = e
	return n
}

func TestSequencerProducesSealedBlocks(t *testing.T) {
	signer := newSigner(t)
	seq := newNode(t, &hub{}, "seq", signer)
	seq.app.pending = [][]byte{[]byte("a"), []byte("b")}

	require.NoError(t, seq.engine.RunN(context.Background(), 3))

	head := seq.engine.Head()
	require.Equal(t, consensus.Height(3), head.Height)
	require.Equal(t, []consensus.Height{1, 2, 3}, seq.app.applied)
	require.Equal(t, seq.app.state, head.AppHash)

	h := consensus.HashOfBlock(head)
	require.True(t, crypto.Verify(signer.Pubkey(), head.Seal, h[:]))

	committed, ok := seq.store.GetCommitted()
	require.True(t, ok)
	require.Equal(t, h, committed)

	b1, ok := seq.store.BlockAt(1)
	require.True(t, ok)
	require.Equal(t, "a", string(b1.Payload))
	b2, _ := seq.store.BlockAt(2)
	require.Equal(t, consensus.HashOfBlock(b1), b2.Parent)
}

func TestFollowerReplicates(t *testing.T) {
	signer := newSigner(t)
	h := &hub{}
	seq := newNode(t, h, "seq", signer)
	f1 := newNode(t, h, "f1", signer)
	f2 := newNode(t, h, "f2", signer)
	seq.app.pending = [][]byte{[]byte("x"), []byte("y")}

	var commits []consensus.Height
	f1.engine.OnBlockCommit(func(b consensus.Block) { commits = append(commits, b.Height) })

	require.NoError(t, seq.engine.RunN(context.Background(), 4))

	for _, f := range []*node{f1, f2} {
		require.Equal(t, seq.engine.Head().Height, f.engine.Head().Height)
		require.Equal(t, seq.engine.Head().AppHash, f.app.state)
		require.NoError(t, f.engine.Halted())
	}
	require.Equal(t, []consensus.Height{1, 2, 3, 4}, commits)

	_, err := f1.engine.ProduceBlock(context.Background())
	require.ErrorIs(t, err, consensus.ErrNotSequencer)
}

func TestFollowerRejectsInvalidBlocks(t *testing.T) {
	signer := newSigner(t)
	h := &hub{}
	seq := newNode(t, h, "seq", signer)
	f := newNode(t, h, "f", signer)
	f.net.mute = true

	b, err := seq.engine.ProduceBlock(context.Background())
	require.NoError(t, err)

	other, err := crypto.NewBLSSignerFromSeed([]byte("another-sequencer-seed-of-32-bytes"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(b *consensus.Block)
	}{
		{"bad seal", func(b *consensus.Block) { b.Seal = []byte{1, 2, 3} }},
		{"foreign seal", func(b *consensus.Block) {
			h := consensus.HashOfBlock(*b)
			b.Seal = other.Sign(h[:])
		}},
		{"tampered payload", func(b *consensus.Block) { b.Payload = []byte("evil") }},
		{"wrong parent", func(b *consensus.Block) { b.Parent = consensus.Hash{1} }},
		{"wrong proposer", func(b *consensus.Block) { b.Proposer = "f" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := b
			bad.Payload = append([]byte(nil), b.Payload...)
			tt.mutate(&bad)
			err := f.engine.HandleBlock(context.Background(), bad)
			require.ErrorIs(t, err, consensus.ErrInvalidBlock)
			require.Equal(t, consensus.Height(0), f.engine.Head().Height)
		})
	}

	f.app.reject = true
	require.ErrorIs(t, f.engine.HandleBlock(context.Background(), b), consensus.ErrInvalidBlock)
	f.app.reject = false

	require.NoError(t, f.engine.HandleBlock(context.Background(), b))
	require.Equal(t, consensus.Height(1), f.engine.Head().Height)
	// duplicates are ignored
	require.NoError(t, f.engine.HandleBlock(context.Background(), b))
	require.Equal(t, []consensus.Height{1}, f.app.applied)
}

func TestFollowerHaltsOnAppHashMismatch(t *testing.T) {
	signer := newSigner(t)
	h := &hub{}
	seq := newNode(t, h, "seq", signer)
	f := newNode(t, h, "f", signer)
	f.app.skew = 1

	_, err := seq.engine.ProduceBlock(context.Background())
	require.NoError(t, err)

	require.ErrorIs(t, f.engine.Halted(), consensus.ErrAppHashMismatch)
	require.ErrorIs(t, f.engine.Halted(), consensus.ErrHalted)
	require.Equal(t, consensus.Height(0), f.engine.Head().Height)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.ErrorIs(t, f.engine.Run(ctx), consensus.ErrAppHashMismatch)
}

func TestFollowerCatchesUp(t *testing.T) {
	signer := newSigner(t)
	h := &hub{}
	seq := newNode(t, h, "seq", signer)
	h.source = seq.store
	f := newNode(t, h, "f", signer)

	f.net.mute = true
	require.NoError(t, seq.engine.RunN(context.Background(), 3))
	require.Equal(t, consensus.Height(0), f.engine.Head().Height)

	f.net.mute = false
	_, err := seq.engine.ProduceBlock(context.Background())
	require.NoError(t, err)

	require.Equal(t, consensus.Height(4), f.engine.Head().Height)
	require.Equal(t, []consensus.Height{1, 2, 3, 4}, f.app.applied)
}

func TestRestartResumesFromStore(t *testing.T) {
	signer := newSigner(t)
	seq := newNode(t, &hub{}, "seq", signer)
	require.NoError(t, seq.engine.RunN(context.Background(), 2))

	restarted, err := consensus.NewEngine(
		consensus.Config{ID: "seq", Sequencer: "seq", Signer: signer},
		seq.app, nil, seq.store,
	)
	require.NoError(t, err)
	require.Equal(t, seq.engine.Head().Height, restarted.Head().Height)

	b, err := restarted.ProduceBlock(context.Background())
	require.NoError(t, err)
	require.Equal(t, consensus.Height(3), b.Height)
}

func TestRunProducesUntilCancelled(t *testing.T) {
	signer := newSigner(t)
	seq := newNode(t, &hub{}, "seq", signer)

	ctx, cancel := context.WithCancel(context.Background())
	seq.engine.OnBlockCommit(func(b consensus.Block) {
		if b.Height == 5 {
			cancel()
		}
	})
	err := seq.engine.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.GreaterOrEqual(t, seq.engine.Head().Height, consensus.Height(5))
}

func TestHashText(t *testing.T) {
	h := consensus.HashOfBlock(consensus.GenesisBlock())
	text, err := h.MarshalText()
	require.NoError(t, err)
	require.Equal(t, fmt.Sprintf("0x%x", h[:]), string(text))

	var back consensus.Hash
	require.NoError(t, back.UnmarshalText(text))
	require.Equal(t, h, back)
	require.Error(t, back.UnmarshalText([]byte("0x1234")))
}
