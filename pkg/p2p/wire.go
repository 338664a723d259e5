package p2p

import (
	"bytes"
	"encoding/gob"

	"github.com/uhyunpark/hashclob/pkg/consensus"
)

func init() {
	gob.Register(BlockWire{})
	gob.Register(TxWire{})
	gob.Register(SyncRequest{})
	gob.Register(SyncResponse{})
}

type BlockWire struct {
	From  consensus.NodeID
	Block []byte // gob-encoded consensus.Block
}

type TxWire struct {
	From consensus.NodeID
	Tx   []byte // signed JSON envelope
}

type SyncRequest struct {
	From consensus.Height
	Max  int
}

type SyncResponse struct {
	Blocks [][]byte // gob-encoded consensus.Block, ascending height
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
