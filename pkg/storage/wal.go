package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/uhyunpark/hashclob/pkg/consensus"
)

// ErrWALMismatch means the commit journal names a block the block store
// does not hold.
var ErrWALMismatch = errors.New("wal does not match block store")

// FileWAL journals commits as JSON lines and fsyncs each one.
type FileWAL struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

func NewFileWAL(path string) (*FileWAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileWAL{f: f, enc: json.NewEncoder(f)}, nil
}

func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

func (w *FileWAL) Append(rec consensus.CommitRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(rec); err != nil {
		return fmt.Errorf("failed to append wal record: %w", err)
	}
	return w.f.Sync()
}

// ReadWAL returns every record in the journal at path. A missing file is an
// empty journal. A torn last line from a crash mid-append is dropped.
func ReadWAL(path string) ([]consensus.CommitRecord, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		recs []consensus.CommitRecord
		torn error
	)
	sc := bufio.NewScanner(f)
	for line := 1; sc.Scan(); line++ {
		if torn != nil {
			return nil, torn
		}
		var rec consensus.CommitRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			torn = fmt.Errorf("wal line %d: %w", line, err)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, sc.Err()
}

// CheckWAL verifies the last journaled commit against store and returns it.
// The journal is written after the store, so it may lag but never lead.
func CheckWAL(path string, store consensus.BlockStore) (consensus.CommitRecord, bool, error) {
	recs, err := ReadWAL(path)
	if err != nil || len(recs) == 0 {
		return consensus.CommitRecord{}, false, err
	}
	last := recs[len(recs)-1]
	b, ok := store.BlockAt(last.Height)
	if !ok {
		return last, true, fmt.Errorf("%w: no block at height %d", ErrWALMismatch, last.Height)
	}
	if h := consensus.HashOfBlock(b); h != last.Hash {
		return last, true, fmt.Errorf("%w: height %d is %s, journal has %s", ErrWALMismatch, last.Height, h, last.Hash)
	}
	return last, true, nil
}

var _ consensus.WAL = (*FileWAL)(nil)
