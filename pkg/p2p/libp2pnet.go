package p2p

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/hashclob/pkg/consensus"
)

const (
	topicBlock    = "clob/block"
	topicTx       = "clob/tx"
	protocolSync  = protocol.ID("/clob/sync/1.0.0")
	maxSyncBlocks = 256
)

// Libp2pNet gossips sealed blocks and signed txs over gossipsub, and serves
// committed blocks to lagging followers over a direct stream.
type Libp2pNet struct {
	h    host.Host
	ps   *pubsub.PubSub
	log  *zap.SugaredLogger
	self consensus.NodeID

	tBlock, tTx     *pubsub.Topic
	subBlock, subTx *pubsub.Subscription

	muH      sync.RWMutex
	handlers consensus.Handlers
	onTx     func(raw []byte)
	source   consensus.BlockStore
}

type Libp2pConfig struct {
	ListenAddr string
	Bootstrap  []string
	SelfID     consensus.NodeID
	Logger     *zap.SugaredLogger
}

func NewLibp2pNet(ctx context.Context, cfg Libp2pConfig) (*Libp2pNet, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}

	net := &Libp2pNet{h: h, ps: ps, log: logger, self: cfg.SelfID}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if err := net.joinTopics(); err != nil {
		h.Close()
		return nil, err
	}

	h.SetStreamHandler(protocolSync, net.handleSyncStream)

	go net.handleBlocks(ctx)
	go net.handleTxs(ctx)

	logger.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	return net, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (n *Libp2pNet) joinTopics() error {
	var err error
	if n.tBlock, err = n.ps.Join(topicBlock); err != nil {
		return err
	}
	if n.tTx, err = n.ps.Join(topicTx); err != nil {
		return err
	}

	if n.subBlock, err = n.tBlock.Subscribe(); err != nil {
		return err
	}
	if n.subTx, err = n.tTx.Subscribe(); err != nil {
		return err
	}
	return nil
}

// implement Network

func (n *Libp2pNet) SetHandlers(h consensus.Handlers) { n.muH.Lock(); n.handlers = h; n.muH.Unlock() }

// SetTxHandler registers fn for txs gossiped by peers.
func (n *Libp2pNet) SetTxHandler(fn func(raw []byte)) { n.muH.Lock(); n.onTx = fn; n.muH.Unlock() }

// SetBlockSource lets this node answer sync requests from store.
func (n *Libp2pNet) SetBlockSource(store consensus.BlockStore) {
	n.muH.Lock()
	n.source = store
	n.muH.Unlock()
}

func (n *Libp2pNet) Host() host.Host { return n.h }

// Addrs returns dialable multiaddrs including the peer id.
func (n *Libp2pNet) Addrs() []string {
	var out []string
	for _, a := range n.h.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, n.h.ID()))
	}
	return out
}

func (n *Libp2pNet) Close() error { return n.h.Close() }

func (n *Libp2pNet) BroadcastBlock(ctx context.Context, b consensus.Block) error {
	bb, err := gobEncode(b)
	if err != nil {
		return err
	}
	data, err := gobEncode(BlockWire{From: n.self, Block: bb})
	if err != nil {
		return err
	}
	return n.tBlock.Publish(ctx, data)
}

// PublishTx forwards a client tx to the sequencer.
func (n *Libp2pNet) PublishTx(ctx context.Context, raw []byte) error {
	data, err := gobEncode(TxWire{From: n.self, Tx: raw})
	if err != nil {
		return err
	}
	return n.tTx.Publish(ctx, data)
}

// FetchBlocks asks connected peers in turn for blocks starting at from and
// returns the first non-empty answer.
func (n *Libp2pNet) FetchBlocks(ctx context.Context, from consensus.Height) ([]consensus.Block, error) {
	peers := n.h.Network().Peers()
	if len(peers) == 0 {
		return nil, errors.New("no peers connected")
	}
	var lastErr error
	for _, p := range peers {
		blocks, err := n.fetchFrom(ctx, p, from)
		if err != nil {
			lastErr = err
			continue
		}
		if len(blocks) > 0 {
			return blocks, nil
		}
	}
	return nil, lastErr
}

func (n *Libp2pNet) fetchFrom(ctx context.Context, p peer.ID, from consensus.Height) ([]consensus.Block, error) {
	stream, err := n.h.NewStream(ctx, p, protocolSync)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	req, err := gobEncode(SyncRequest{From: from, Max: maxSyncBlocks})
	if err != nil {
		return nil, err
	}
	if _, err := stream.Write(req); err != nil {
		return nil, err
	}
	if err := stream.CloseWrite(); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(stream)
	if err != nil {
		return nil, err
	}
	var resp SyncResponse
	if err := gobDecode(data, &resp); err != nil {
		return nil, err
	}
	out := make([]consensus.Block, 0, len(resp.Blocks))
	for _, bb := range resp.Blocks {
		var b consensus.Block
		if err := gobDecode(bb, &b); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// inbound

func (n *Libp2pNet) handleBlocks(ctx context.Context) {
	for {
		msg, err := n.subBlock.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.h.ID() {
			continue
		}
		var w BlockWire
		if err := gobDecode(msg.Data, &w); err != nil {
			continue
		}
		var blk consensus.Block
		if err := gobDecode(w.Block, &blk); err != nil {
			continue
		}

		n.muH.RLock()
		h := n.handlers
		n.muH.RUnlock()
		if h.OnBlock != nil {
			h.OnBlock(ctx, blk)
		}
	}
}

func (n *Libp2pNet) handleTxs(ctx context.Context) {
	for {
		msg, err := n.subTx.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.h.ID() {
			continue
		}
		var w TxWire
		if err := gobDecode(msg.Data, &w); err != nil {
			continue
		}

		n.muH.RLock()
		fn := n.onTx
		n.muH.RUnlock()
		if fn != nil {
			fn(w.Tx)
		}
	}
}

func (n *Libp2pNet) handleSyncStream(s network.Stream) {
	defer s.Close()

	data, err := io.ReadAll(s)
	if err != nil {
		return
	}
	var req SyncRequest
	if err := gobDecode(data, &req); err != nil {
		return
	}
	if req.Max <= 0 || req.Max > maxSyncBlocks {
		req.Max = maxSyncBlocks
	}

	n.muH.RLock()
	source := n.source
	n.muH.RUnlock()

	var resp SyncResponse
	if source != nil {
		for h := req.From; len(resp.Blocks) < req.Max; h++ {
			b, ok := source.BlockAt(h)
			if !ok {
				break
			}
			bb, err := gobEncode(b)
			if err != nil {
				n.log.Warnw("sync_encode_failed", "height", h, "err", err)
				return
			}
			resp.Blocks = append(resp.Blocks, bb)
		}
	}

	out, err := gobEncode(resp)
	if err != nil {
		return
	}
	if _, err := s.Write(out); err != nil {
		n.log.Debugw("sync_write_failed", "peer", s.Conn().RemotePeer().String(), "err", err)
	}
}

var _ consensus.Network = (*Libp2pNet)(nil)
