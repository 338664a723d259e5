package abci

import (
	"github.com/uhyunpark/hashclob/pkg/consensus"
)

type RequestPrepareProposal struct{ Height, MaxTxBytes int64 }
type ResponsePrepareProposal struct{ Txs [][]byte }
type RequestProcessProposal struct {
	Height int64
	Txs    [][]byte
}
type ResponseProcessProposal struct{ Accept bool }
type RequestFinalizeBlock struct {
	Height    int64
	Timestamp int64 // unix seconds
	Txs       [][]byte
}

// EventAttribute is one key/value pair of an event.
type EventAttribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type Event struct {
	Type       string           `json:"type"`
	Attributes []EventAttribute `json:"attributes"`
}

func NewEvent(typ string, kv ...string) Event {
	ev := Event{Type: typ}
	for i := 0; i+1 < len(kv); i += 2 {
		ev.Attributes = append(ev.Attributes, EventAttribute{Key: kv[i], Value: kv[i+1]})
	}
	return ev
}

// TxResult is the outcome of one tx. Code 0 is success.
type TxResult struct {
	Code   uint32  `json:"code"`
	Log    string  `json:"log,omitempty"`
	Events []Event `json:"events,omitempty"`
}

type ResponseFinalizeBlock struct {
	TxResults []TxResult
	Events    []Event
	AppHash   consensus.Hash // state after executing the block
}

type Application interface {
	PrepareProposal(RequestPrepareProposal) ResponsePrepareProposal
	ProcessProposal(RequestProcessProposal) ResponseProcessProposal
	FinalizeBlock(RequestFinalizeBlock) ResponseFinalizeBlock
}

// Bridge adapts an Application to the consensus engine's AppHook.
type Bridge struct {
	App        Application
	MaxTxBytes int64
}

func (b *Bridge) PreparePayload(_ consensus.Block, next consensus.Height) []byte {
	max := b.MaxTxBytes
	if max == 0 {
		max = 1 << 24
	}
	resp := b.App.PrepareProposal(RequestPrepareProposal{Height: int64(next), MaxTxBytes: max})
	return joinPayload(resp.Txs)
}

func (b *Bridge) ValidatePayload(blk consensus.Block) bool {
	resp := b.App.ProcessProposal(RequestProcessProposal{
		Height: int64(blk.Height),
		Txs:    splitPayload(blk.Payload),
	})
	return resp.Accept
}

func (b *Bridge) OnCommit(committed consensus.Block) consensus.Hash {
	resp := b.App.FinalizeBlock(RequestFinalizeBlock{
		Height:    int64(committed.Height),
		Timestamp: committed.Time.Unix(),
		Txs:       splitPayload(committed.Payload),
	})
	return resp.AppHash
}

// payload: txs joined with a 0x00 delimiter. JSON txs never contain 0x00.
func joinPayload(txs [][]byte) []byte {
	var payload []byte
	for _, tx := range txs {
		payload = append(payload, tx...)
		payload = append(payload, 0x00)
	}
	return payload
}

func splitPayload(p []byte) [][]byte {
	var out [][]byte
	cur := make([]byte, 0, len(p))
	for _, b := range p {
		if b == 0x00 {
			if len(cur) > 0 {
				out = append(out, append([]byte(nil), cur...))
				cur = cur[:0]
			}
			continue
		}
		cur = append(cur, b)
	}
	if len(cur) > 0 {
		out = append(out, append([]byte(nil), cur...))
	}
	return out
}
