package consensus

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

type NodeID string
type Height uint64

type Hash [32]byte

func (h Hash) String() string { return fmt.Sprintf("%x", h[:]) }

func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) MarshalText() ([]byte, error) { return []byte("0x" + h.String()), nil }

func (h *Hash) UnmarshalText(b []byte) error {
	raw, err := hex.DecodeString(strings.TrimPrefix(string(b), "0x"))
	if err != nil {
		return fmt.Errorf("invalid hash %q: %w", b, err)
	}
	if len(raw) != len(h) {
		return fmt.Errorf("invalid hash length %d", len(raw))
	}
	copy(h[:], raw)
	return nil
}

type Block struct {
	Height   Height
	Parent   Hash
	AppHash  Hash // state after executing this block
	Payload  []byte
	Proposer NodeID
	Time     time.Time
	Seal     []byte // sequencer BLS signature over HashOfBlock
}

// HashOfBlock commits to everything but the seal.
//
// Unlike a BFT chain, the sequencer executes a block before sealing it, so
// AppHash is known at proposal time and is part of the hash. A follower that
// computes a different AppHash has diverged and halts.
func HashOfBlock(b Block) Hash {
	h := sha256.New()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(b.Height))
	h.Write(buf[:])

	h.Write(b.Parent[:])
	h.Write(b.AppHash[:])

	binary.BigEndian.PutUint64(buf[:], uint64(len(b.Payload)))
	h.Write(buf[:])
	h.Write(b.Payload)

	h.Write([]byte(b.Proposer))

	binary.BigEndian.PutUint64(buf[:], uint64(b.Time.UnixNano()))
	h.Write(buf[:])

	return sha256.Sum256(h.Sum(nil))
}

func GenesisBlock() Block {
	return Block{
		Height: 0, Parent: Hash{},
		Payload: nil, Proposer: NodeID("genesis"), Time: time.Unix(0, 0).UTC(),
	}
}

// ---- Storage/WAL interfaces (impl in pkg/storage) ----

type BlockStore interface {
	SaveBlock(b Block)
	GetBlock(h Hash) (Block, bool)
	BlockAt(height Height) (Block, bool)
	SetCommitted(h Hash)
	GetCommitted() (Hash, bool)
}

// CommitRecord is one journal entry, written after a block is committed.
type CommitRecord struct {
	Height       Height    `json:"height"`
	Hash         Hash      `json:"hash"`
	AppHash      Hash      `json:"appHash"`
	PayloadBytes int       `json:"payloadBytes"`
	Time         time.Time `json:"time"`
}

type WAL interface {
	Append(rec CommitRecord) error
}
