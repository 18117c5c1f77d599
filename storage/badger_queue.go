package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"handoff/pkg/record"
)

const (
	queuePrefix = "q:"
	// seqOrigin leaves room on both sides for Push and PushFront.
	seqOrigin uint64 = 1 << 63
)

// BadgerQueue implements Queue on an in-memory BadgerDB. Handoff records are
// never written to disk; the directory's state dies with the process.
type BadgerQueue struct {
	db *badger.DB

	mu     sync.Mutex
	bounds map[record.Label]*seqRange
}

// seqRange tracks the first used and next free sequence of one label.
type seqRange struct {
	head uint64
	tail uint64
}

// NewBadgerQueue opens an in-memory BadgerDB instance.
func NewBadgerQueue() (*BadgerQueue, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(nil).
		WithLoggingLevel(badger.ERROR)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}
	return &BadgerQueue{db: db, bounds: make(map[record.Label]*seqRange)}, nil
}

func labelPrefix(label record.Label) []byte {
	key := make([]byte, 0, len(queuePrefix)+4+len(label))
	key = append(key, queuePrefix...)
	key = binary.BigEndian.AppendUint32(key, uint32(len(label)))
	return append(key, label...)
}

func entryKey(label record.Label, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(labelPrefix(label), seq)
}

// labelFromKey decodes the label out of a queue key.
func labelFromKey(key []byte) (record.Label, bool) {
	rest := key[len(queuePrefix):]
	if len(rest) < 4 {
		return "", false
	}
	n := int(binary.BigEndian.Uint32(rest))
	if len(rest) < 4+n+8 {
		return "", false
	}
	return record.Label(rest[4 : 4+n]), true
}

func (s *BadgerQueue) rangeFor(label record.Label) *seqRange {
	r, ok := s.bounds[label]
	if !ok {
		r = &seqRange{head: seqOrigin, tail: seqOrigin}
		s.bounds[label] = r
	}
	return r
}

// Push stores the entry under the label's next tail sequence.
func (s *BadgerQueue) Push(ctx context.Context, label record.Label, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rangeFor(label)
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(entryKey(label, r.tail), data)
	})
	if err != nil {
		return fmt.Errorf("push %q: %w", label, err)
	}
	r.tail++
	return nil
}

// PushFront stores the batch under sequences below the current head.
func (s *BadgerQueue) PushFront(ctx context.Context, label record.Label, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	encoded := make([][]byte, len(entries))
	for i, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		encoded[i] = data
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.rangeFor(label)
	head := r.head - uint64(len(entries))
	wb := s.db.NewWriteBatch()
	for i, data := range encoded {
		if err := wb.Set(entryKey(label, head+uint64(i)), data); err != nil {
			wb.Cancel()
			return fmt.Errorf("push front %q: %w", label, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("push front %q: %w", label, err)
	}
	r.head = head
	return nil
}

// Drain reads every entry of the label in key order and deletes them.
func (s *BadgerQueue) Drain(ctx context.Context, label record.Label) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := []Entry{}
	var keys [][]byte
	prefix := labelPrefix(label)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var e Entry
			if err := json.Unmarshal(val, &e); err != nil {
				return fmt.Errorf("decode entry: %w", err)
			}
			entries = append(entries, e)
			keys = append(keys, item.KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("drain %q: %w", label, err)
	}
	if err := s.deleteKeys(keys); err != nil {
		return nil, fmt.Errorf("drain %q: %w", label, err)
	}
	delete(s.bounds, label)
	return entries, nil
}

func (s *BadgerQueue) deleteKeys(keys [][]byte) error {
	if len(keys) == 0 {
		return nil
	}
	wb := s.db.NewWriteBatch()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			wb.Cancel()
			return err
		}
	}
	return wb.Flush()
}

func (s *BadgerQueue) Len(ctx context.Context, label record.Label) (int, error) {
	n := 0
	prefix := labelPrefix(label)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (s *BadgerQueue) Labels(ctx context.Context) ([]record.Label, error) {
	seen := make(map[record.Label]struct{})
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(queuePrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if l, ok := labelFromKey(it.Item().Key()); ok {
				seen[l] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]record.Label, 0, len(seen))
	for l := range seen {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *BadgerQueue) Expire(ctx context.Context, before time.Time) (map[record.Label]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := make(map[record.Label]int)
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(queuePrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var e Entry
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			})
			if err != nil {
				continue
			}
			if e.DepositedAt.Before(before) {
				removed[e.Record.Label()]++
				keys = append(keys, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.deleteKeys(keys); err != nil {
		return nil, err
	}
	return removed, nil
}

func (s *BadgerQueue) Close() error {
	return s.db.Close()
}
