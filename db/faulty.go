package db

import (
	"errors"
	"sync/atomic"
)

var ErrInjected = errors.New("db: injected commit failure")

// FaultyStore 可以让下一次（或之后所有）提交失败，用来演练本地存储故障
type FaultyStore struct {
	Store
	failNext atomic.Int32
}

func NewFaultyStore(inner Store) *FaultyStore { return &FaultyStore{Store: inner} }

// FailCommits 接下来 n 次提交失败
func (f *FaultyStore) FailCommits(n int) { f.failNext.Store(int32(n)) }

func (f *FaultyStore) NewBatch() Batch {
	return &faultyBatch{Batch: f.Store.NewBatch(), parent: f}
}

type faultyBatch struct {
	Batch
	parent *FaultyStore
}

func (b *faultyBatch) Commit() error {
	for {
		n := b.parent.failNext.Load()
		if n <= 0 {
			return b.Batch.Commit()
		}
		if b.parent.failNext.CompareAndSwap(n, n-1) {
			return StorageError(ErrInjected)
		}
	}
}
