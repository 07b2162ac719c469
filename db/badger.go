package db

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/natto1784/fedimint/config"
	"github.com/natto1784/fedimint/logs"

	"github.com/dgraph-io/badger/v2"
)

// BadgerStore 封装 BadgerDB
type BadgerStore struct {
	mu sync.RWMutex
	db *badger.DB
}

// NewBadgerStore 打开（必要时创建）数据库目录
func NewBadgerStore(path string, cfg *config.Config) (*BadgerStore, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("db: create dir %s: %w", path, err)
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	opts.ValueLogFileSize = cfg.Database.ValueLogFileSize
	opts.SyncWrites = cfg.Database.SyncWrites
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("db: open badger at %s: %w", path, err)
	}
	logs.Info("[db] badger opened at %s", path)
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) handle() (*badger.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	return s.db, nil
}

func (s *BadgerStore) Get(key string) ([]byte, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var value []byte
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

func (s *BadgerStore) Has(key string) (bool, error) {
	_, err := s.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *BadgerStore) ScanPrefix(prefix string, limit int) ([]KV, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	var out []KV
	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, KV{Key: string(item.KeyCopy(nil)), Value: v})
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) NewBatch() Batch { return &badgerBatch{store: s} }

func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

type badgerBatch struct {
	store *BadgerStore
	ops   []op
}

func (b *badgerBatch) Put(key string, value []byte) {
	b.ops = append(b.ops, op{key: key, value: append([]byte(nil), value...)})
}

func (b *badgerBatch) Delete(key string) { b.ops = append(b.ops, op{key: key, delete: true}) }

func (b *badgerBatch) Len() int { return len(b.ops) }

// Commit 单个 badger 事务内完成，超出事务上限时整体失败
func (b *badgerBatch) Commit() error {
	db, err := b.store.handle()
	if err != nil {
		return StorageError(err)
	}
	err = db.Update(func(txn *badger.Txn) error {
		for _, o := range b.ops {
			var err error
			if o.delete {
				err = txn.Delete([]byte(o.key))
			} else {
				err = txn.Set([]byte(o.key), o.value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return StorageError(err)
	}
	b.ops = nil
	return nil
}
