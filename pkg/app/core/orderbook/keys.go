package orderbook

import (
	"fmt"

	"github.com/google/orderedcode"

	"github.com/uhyunpark/hashclob/pkg/app/core"
)

// Key schema (orderedcode composite keys, so byte order == priority order):
//
//	("ob","seq")                      -> last assigned sequence
//	("ob","bid", Decr(price), seq)    -> Order JSON, best bid first
//	("ob","ask", price, seq)          -> Order JSON, best ask first
//	("ob","id", side, id)             -> priority key of the order
const (
	prefixBook = "ob"
	tagSeq     = "seq"
	tagBid     = "bid"
	tagAsk     = "ask"
	tagID      = "id"
)

func mustAppend(items ...interface{}) []byte {
	key, err := orderedcode.Append(nil, items...)
	if err != nil {
		panic(fmt.Errorf("orderbook key: %w", err))
	}
	return key
}

func seqKey() []byte { return mustAppend(prefixBook, tagSeq) }

func sideTag(side core.Side) string {
	if side == core.Buy {
		return tagBid
	}
	return tagAsk
}

// sidePrefix covers every priority key on one side.
func sidePrefix(side core.Side) []byte { return mustAppend(prefixBook, sideTag(side)) }

func priorityKey(side core.Side, price, seq uint64) []byte {
	if side == core.Buy {
		return mustAppend(prefixBook, tagBid, orderedcode.Decr(price), seq)
	}
	return mustAppend(prefixBook, tagAsk, price, seq)
}

func idKey(side core.Side, id string) []byte {
	return mustAppend(prefixBook, tagID, int64(side), id)
}

// parsePriorityKey recovers (price, seq) from a priority key.
func parsePriorityKey(side core.Side, key []byte) (price, seq uint64, err error) {
	var book, tag string
	if side == core.Buy {
		_, err = orderedcode.Parse(string(key), &book, &tag, orderedcode.Decr(&price), &seq)
	} else {
		_, err = orderedcode.Parse(string(key), &book, &tag, &price, &seq)
	}
	return price, seq, err
}
