package storage

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/cockroachdb/pebble"
)

// Reader is the read surface shared by *pebble.DB and indexed *pebble.Batch.
type Reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

// ReadWriter is what state modules mutate. Inside a transaction it is an
// indexed batch, so reads observe the batch's own writes.
type ReadWriter interface {
	Reader
	Set(key, value []byte, o *pebble.WriteOptions) error
	Delete(key []byte, o *pebble.WriteOptions) error
}

// GetValue returns a copy of the value stored at key.
func GetValue(r Reader, key []byte) ([]byte, bool, error) {
	val, closer, err := r.Get(key)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), true, nil
}

func GetJSON(r Reader, key []byte, v any) (bool, error) {
	data, ok, err := GetValue(r, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %x: %w", key, err)
	}
	return true, nil
}

func SetJSON(w ReadWriter, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %x: %w", key, err)
	}
	return w.Set(key, data, pebble.NoSync)
}

// IterPrefix calls fn for every key under prefix in key order until fn returns false.
func IterPrefix(r Reader, prefix []byte, fn func(key, value []byte) (bool, error)) error {
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: KeyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		more, err := fn(iter.Key(), iter.Value())
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return iter.Error()
}

// KeyUpperBound returns the exclusive upper bound for a prefix scan.
func KeyUpperBound(prefix []byte) []byte {
	bound := append([]byte(nil), prefix...)
	for i := len(bound) - 1; i >= 0; i-- {
		if bound[i] != 0xff {
			bound[i]++
			return bound[:i+1]
		}
	}
	return nil // prefix is all 0xff: no upper bound
}
