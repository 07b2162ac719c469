package db

import (
	"strings"
	"sync"

	"github.com/google/btree"
)

// MemStore 内存有序 KV，测试与演示用
type MemStore struct {
	mu     sync.RWMutex
	tree   *btree.BTreeG[KV]
	closed bool
}

func lessKV(a, b KV) bool { return a.Key < b.Key }

func NewMemStore() *MemStore {
	return &MemStore{tree: btree.NewG[KV](32, lessKV)}
}

func (s *MemStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	kv, ok := s.tree.Get(KV{Key: key})
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), kv.Value...), nil
}

func (s *MemStore) Has(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrClosed
	}
	return s.tree.Has(KV{Key: key}), nil
}

func (s *MemStore) ScanPrefix(prefix string, limit int) ([]KV, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []KV
	s.tree.AscendGreaterOrEqual(KV{Key: prefix}, func(kv KV) bool {
		if !strings.HasPrefix(kv.Key, prefix) {
			return false
		}
		out = append(out, KV{Key: kv.Key, Value: append([]byte(nil), kv.Value...)})
		return limit <= 0 || len(out) < limit
	})
	return out, nil
}

func (s *MemStore) NewBatch() Batch { return &memBatch{store: s} }

func (s *MemStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Len 当前记录数
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

type memBatch struct {
	store *MemStore
	ops   []op
}

func (b *memBatch) Put(key string, value []byte) {
	b.ops = append(b.ops, op{key: key, value: append([]byte(nil), value...)})
}

func (b *memBatch) Delete(key string) { b.ops = append(b.ops, op{key: key, delete: true}) }

func (b *memBatch) Len() int { return len(b.ops) }

func (b *memBatch) Commit() error {
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return StorageError(ErrClosed)
	}
	for _, o := range b.ops {
		if o.delete {
			s.tree.Delete(KV{Key: o.key})
		} else {
			s.tree.ReplaceOrInsert(KV{Key: o.key, Value: o.value})
		}
	}
	b.ops = nil
	return nil
}
