// Package db 有序 KV 存储：作废账本、模块状态与 epoch 历史都落在这里。
package db

import (
	"errors"
	"fmt"

	"github.com/natto1784/fedimint/config"
	"github.com/natto1784/fedimint/types"
)

var (
	ErrNotFound = errors.New("db: key not found")
	ErrClosed   = errors.New("db: store closed")
)

// KV 一条记录
type KV struct {
	Key   string
	Value []byte
}

// Store 存储边界：Get / ScanPrefix / 原子批量提交
type Store interface {
	Get(key string) ([]byte, error)
	Has(key string) (bool, error)
	// ScanPrefix 按键升序返回，limit<=0 表示不限
	ScanPrefix(prefix string, limit int) ([]KV, error)
	NewBatch() Batch
	Close() error
}

// Batch 多键写入，Commit 要么全部生效要么全部不生效
type Batch interface {
	Put(key string, value []byte)
	Delete(key string)
	Len() int
	Commit() error
}

type op struct {
	key    string
	value  []byte
	delete bool
}

// StorageError 提交失败统一包装成本地存储错误
func StorageError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", types.ErrLocalStorage, err)
}

// Open 按配置选择后端
func Open(cfg *config.Config, path string) (Store, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	switch cfg.Database.Backend {
	case "memory":
		return NewMemStore(), nil
	case "badger", "":
		return NewBadgerStore(path, cfg)
	}
	return nil, fmt.Errorf("db: unknown backend %q", cfg.Database.Backend)
}
