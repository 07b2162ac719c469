// Package txpool 等待排序的客户端交易。
package txpool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/natto1784/fedimint/config"
	"github.com/natto1784/fedimint/logs"
	"github.com/natto1784/fedimint/types"
	"github.com/natto1784/fedimint/vm"

	lru "github.com/hashicorp/golang-lru"
)

var ErrPoolFull = errors.New("txpool: pending pool is full")

// PreChecker 无状态校验，vm.Executor 实现
type PreChecker interface {
	PreCheck(tx *types.Transaction) error
}

// CommitLookup 查询交易是否已经被某个 epoch 接受
type CommitLookup func(id types.TxID) bool

// TxPool 按到达顺序保存待排序交易
type TxPool struct {
	mu      sync.RWMutex
	pending map[types.TxID]*types.Transaction
	order   []types.TxID
	// 已提交交易的近期缓存，避免反复查库
	committed *lru.Cache
	check     PreChecker
	lookup    CommitLookup
	max       int
	ready     chan struct{}
	log       *logs.Logger
}

func New(cfg *config.Config, check PreChecker, lookup CommitLookup) (*TxPool, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	size := cfg.TxPool.SeenTxCacheSize
	if size <= 0 {
		size = 10000
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &TxPool{
		pending:   make(map[types.TxID]*types.Transaction),
		committed: cache,
		check:     check,
		lookup:    lookup,
		max:       cfg.TxPool.MaxPendingTxs,
		ready:     make(chan struct{}, 1),
		log:       logs.Named("txpool"),
	}, nil
}

// Submit 校验后入池。重复提交待排序交易是幂等的；已被接受的交易返回 already_applied。
func (p *TxPool) Submit(tx *types.Transaction) (types.TxID, error) {
	if tx == nil {
		return types.TxID{}, vm.Reject("", vm.ReasonMalformed, "nil transaction")
	}
	id := tx.ID()
	if p.isCommitted(id) {
		return id, vm.Reject("", vm.ReasonAlreadyApplied, "%s", id)
	}
	if p.check != nil {
		if err := p.check.PreCheck(tx); err != nil {
			return id, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[id]; ok {
		return id, nil
	}
	if p.max > 0 && len(p.pending) >= p.max {
		return id, fmt.Errorf("%w: %w (%d)", types.ErrUnavailable, ErrPoolFull, p.max)
	}
	p.pending[id] = tx
	p.order = append(p.order, id)
	p.log.Debug("accepted %s, pending %d", id, len(p.pending))
	select {
	case p.ready <- struct{}{}:
	default:
	}
	return id, nil
}

func (p *TxPool) isCommitted(id types.TxID) bool {
	if _, ok := p.committed.Get(id); ok {
		return true
	}
	if p.lookup != nil && p.lookup(id) {
		p.committed.Add(id, struct{}{})
		return true
	}
	return false
}

// Ready 池从空变为非空时收到信号
func (p *TxPool) Ready() <-chan struct{} { return p.ready }

// Pending 按到达顺序取最多 limit 笔，limit<=0 表示全部
func (p *TxPool) Pending(limit int) []*types.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := len(p.order)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*types.Transaction, 0, n)
	for _, id := range p.order[:n] {
		out = append(out, p.pending[id])
	}
	return out
}

func (p *TxPool) Has(id types.TxID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.pending[id]
	return ok
}

func (p *TxPool) Get(id types.TxID) (*types.Transaction, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tx, ok := p.pending[id]
	return tx, ok
}

func (p *TxPool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pending)
}

// Remove 从池中移除；accepted 为真时记入已提交缓存
func (p *TxPool) Remove(outcomes []*types.TxOutcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	removed := false
	for _, o := range outcomes {
		if _, ok := p.pending[o.TxID]; ok {
			delete(p.pending, o.TxID)
			removed = true
		}
		if o.Accepted {
			p.committed.Add(o.TxID, struct{}{})
		}
	}
	if !removed {
		return
	}
	order := p.order[:0]
	for _, id := range p.order {
		if _, ok := p.pending[id]; ok {
			order = append(order, id)
		}
	}
	p.order = order
}
