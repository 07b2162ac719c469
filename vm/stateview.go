package vm

import (
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/natto1784/fedimint/db"
)

// ovVal overlay中的值
type ovVal struct {
	val   []byte
	exist bool // false表示已删除
}

// change 变更记录，用于回滚
type change struct {
	key     string
	prev    ovVal
	hasPrev bool
}

// overlayStateView 在 db.Store 之上的内存写集
type overlayStateView struct {
	mu        sync.RWMutex
	store     db.Store
	overlay   map[string]ovVal
	changelog []change
}

// NewStateView 创建读穿到 store 的视图，写入只停留在视图内
func NewStateView(store db.Store) StateView {
	return &overlayStateView{
		store:     store,
		overlay:   make(map[string]ovVal, 256),
		changelog: make([]change, 0, 256),
	}
}

func (s *overlayStateView) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.overlay[key]; ok {
		if !v.exist {
			return nil, false, nil
		}
		return append([]byte(nil), v.val...), true, nil
	}

	val, err := s.store.Get(key)
	if errors.Is(err, db.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, db.StorageError(err)
	}
	return val, true, nil
}

func (s *overlayStateView) Has(key string) (bool, error) {
	_, ok, err := s.Get(key)
	return ok, err
}

func (s *overlayStateView) record(key string) {
	prev, has := s.overlay[key]
	s.changelog = append(s.changelog, change{key: key, prev: prev, hasPrev: has})
}

func (s *overlayStateView) Set(key string, val []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(key)
	s.overlay[key] = ovVal{val: append([]byte(nil), val...), exist: true}
}

func (s *overlayStateView) Del(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(key)
	s.overlay[key] = ovVal{exist: false}
}

func (s *overlayStateView) Snapshot() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.changelog)
}

func (s *overlayStateView) Revert(snap int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap < 0 || snap > len(s.changelog) {
		return ErrInvalidSnapshot
	}
	for i := len(s.changelog) - 1; i >= snap; i-- {
		c := s.changelog[i]
		if c.hasPrev {
			s.overlay[c.key] = c.prev
		} else {
			delete(s.overlay, c.key)
		}
	}
	s.changelog = s.changelog[:snap]
	return nil
}

// Diff 按 key 排序，保证各节点落库顺序一致
func (s *overlayStateView) Diff() []WriteOp {
	s.mu.RLock()
	defer s.mu.RUnlock()

	diff := make([]WriteOp, 0, len(s.overlay))
	for k, v := range s.overlay {
		diff = append(diff, WriteOp{Key: k, Value: append([]byte(nil), v.val...), Del: !v.exist})
	}
	sort.Slice(diff, func(i, j int) bool { return diff[i].Key < diff[j].Key })
	return diff
}

// Scan 合并底层存储与 overlay 的前缀扫描结果
func (s *overlayStateView) Scan(prefix string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	kvs, err := s.store.ScanPrefix(prefix, 0)
	if err != nil {
		return nil, db.StorageError(err)
	}
	out := make(map[string][]byte, len(kvs))
	for _, kv := range kvs {
		out[kv.Key] = kv.Value
	}
	for k, v := range s.overlay {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if v.exist {
			out[k] = append([]byte(nil), v.val...)
		} else {
			delete(out, k)
		}
	}
	return out, nil
}
