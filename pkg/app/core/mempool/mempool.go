package mempool

import (
	"encoding/json"
	"sync"
)

// TxClass is the proposal bucket a transaction is queued in.
type TxClass int

const (
	TxSetup TxClass = iota
	TxOrder
	TxMatch
)

// ClassifyRaw buckets a raw JSON envelope by its "type" field.
// Anything that is not instantiate or run_match is treated as an order and
// left for the app to reject.
func ClassifyRaw(b []byte) TxClass {
	if len(b) == 0 || b[0] != '{' {
		return TxOrder
	}
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &env); err != nil {
		return TxOrder
	}
	switch env.Type {
	case "instantiate":
		return TxSetup
	case "run_match":
		return TxMatch
	default:
		return TxOrder
	}
}

// Mempool keeps three FIFO queues: setup, orders, matches.
// A proposal drains setup then orders, then takes at most one match so the
// book is matched no more than once per block.
type Mempool struct {
	mu      sync.Mutex
	setup   [][]byte
	orders  [][]byte
	matches [][]byte
}

func NewMempool() *Mempool {
	return &Mempool{}
}

// PushRaw classifies and enqueues a copy of b.
func (m *Mempool) PushRaw(b []byte) {
	cp := append([]byte(nil), b...)
	m.mu.Lock()
	defer m.mu.Unlock()
	switch ClassifyRaw(b) {
	case TxSetup:
		m.setup = append(m.setup, cp)
	case TxMatch:
		m.matches = append(m.matches, cp)
	default:
		m.orders = append(m.orders, cp)
	}
}

// SelectForProposal removes and returns up to maxBytes of txs in proposal
// order. maxBytes <= 0 means unbounded.
func (m *Mempool) SelectForProposal(maxBytes int64) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out [][]byte
	var used int64

	take := func(q *[][]byte, limit int) {
		for n := 0; len(*q) > 0 && (limit < 0 || n < limit); n++ {
			tx := (*q)[0]
			size := int64(len(tx))
			if maxBytes > 0 && used+size > maxBytes {
				return
			}
			out = append(out, tx)
			used += size
			*q = (*q)[1:]
		}
	}

	take(&m.setup, -1)
	take(&m.orders, -1)
	take(&m.matches, 1)
	return out
}

func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.setup) + len(m.orders) + len(m.matches)
}
